package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"

	"go.uber.org/zap"

	"github.com/taskroom/taskroom-api/pkg/config"
)

// Message is a rendered transactional email.
type Message struct {
	To      []string
	Subject string
	HTML    string
}

// Sender delivers transactional email. Implementations must treat delivery as
// best-effort; callers decide whether a failure is fatal.
type Sender interface {
	Send(msg Message) error
}

// SMTPSender delivers mail over plain SMTP with AUTH PLAIN.
type SMTPSender struct {
	host string
	port int
	auth smtp.Auth
	from string
}

// NewSMTPSender builds a sender from SMTP configuration.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPSender{
		host: cfg.Host,
		port: cfg.Port,
		auth: auth,
		from: cfg.From,
	}
}

// Send delivers the message to all recipients in one SMTP transaction.
func (s *SMTPSender) Send(msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("no recipients")
	}

	var buf bytes.Buffer
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	fmt.Fprintf(&buf, "From: %s\r\n", s.from)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To[0])
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	buf.WriteString("\r\n")
	buf.WriteString(msg.HTML)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	if err := smtp.SendMail(addr, s.auth, s.from, msg.To, buf.Bytes()); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// LogSender logs messages instead of delivering them. Used in development and
// when SMTP is disabled.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender builds a sender writing to the given logger.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs the message and always succeeds.
func (s *LogSender) Send(msg Message) error {
	s.logger.Sugar().Infow("email (not sent, smtp disabled)", "to", msg.To, "subject", msg.Subject)
	return nil
}

var templates = template.Must(template.New("mail").Parse(`
{{define "verification"}}
<p>Hi {{.Username}},</p>
<p>Welcome to Taskroom. Please confirm your email address within {{.TTL}} by following the link below:</p>
<p><a href="{{.Link}}">Verify my email</a></p>
<p>If you did not create this account you can ignore this message.</p>
{{end}}

{{define "welcome"}}
<p>Hi {{.Username}},</p>
<p>Your email is verified and your account is active. You can log in now.</p>
{{end}}

{{define "reset"}}
<p>Hi {{.Username}},</p>
<p>A password reset was requested for your account. The link below is valid for {{.TTL}} and can be used once:</p>
<p><a href="{{.Link}}">Reset my password</a></p>
<p>If you did not request this, no action is needed.</p>
{{end}}

{{define "digest"}}
<p>Pending tasks:</p>
<ul>
{{range .Tasks}}<li>{{.}}</li>
{{end}}</ul>
{{end}}
`))

// Render executes the named template against data and returns the HTML body.
func Render(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render mail template %s: %w", name, err)
	}
	return buf.String(), nil
}
