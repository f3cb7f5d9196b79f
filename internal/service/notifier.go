package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskroom/taskroom-api/internal/models"
	appErrors "github.com/taskroom/taskroom-api/pkg/errors"
	"github.com/taskroom/taskroom-api/pkg/jobs"
	"github.com/taskroom/taskroom-api/pkg/mailer"
)

// NotifierConfig carries the values templated into outgoing mail.
type NotifierConfig struct {
	BaseURL         string
	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

// Notifier composes and dispatches transactional email. Everything except the
// initial verification email goes through the background queue so that a
// delivery failure can never roll back the state change that triggered it.
type Notifier struct {
	sender  mailer.Sender
	metrics *MetricsService
	queue   *jobs.Queue
	logger  *zap.Logger
	config  NotifierConfig
}

// NewNotifier constructs a Notifier. The queue is created here and must be
// started by the caller.
func NewNotifier(sender mailer.Sender, metrics *MetricsService, logger *zap.Logger, config NotifierConfig, queueCfg jobs.QueueConfig) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Notifier{sender: sender, metrics: metrics, logger: logger, config: config}
	queueCfg.Logger = logger
	n.queue = jobs.NewQueue("mail", n.handle, queueCfg)
	return n
}

// Queue exposes the underlying mail queue for lifecycle management.
func (n *Notifier) Queue() *jobs.Queue {
	return n.queue
}

func (n *Notifier) handle(_ context.Context, job jobs.Job) error {
	msg, ok := job.Payload.(mailer.Message)
	if !ok {
		n.logger.Sugar().Errorw("mail job with unexpected payload", "job_id", job.ID, "type", job.Type)
		return nil
	}
	err := n.sender.Send(msg)
	n.metrics.RecordMailDelivery(job.Type, err == nil)
	return err
}

// SendVerification delivers the verification email synchronously so the
// registration flow can surface a delivery failure as a warning.
func (n *Notifier) SendVerification(user *models.User, token string) error {
	html, err := mailer.Render("verification", map[string]interface{}{
		"Username": user.Username,
		"TTL":      formatTTL(n.config.VerificationTTL),
		"Link":     fmt.Sprintf("%s/api/v1/auth/verify-email?token=%s", n.config.BaseURL, token),
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSendFailed.Code, appErrors.ErrSendFailed.Status, "failed to render verification email")
	}
	err = n.sender.Send(mailer.Message{To: []string{user.Email}, Subject: "Verify your email", HTML: html})
	n.metrics.RecordMailDelivery("verification", err == nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSendFailed.Code, appErrors.ErrSendFailed.Status, "failed to send verification email")
	}
	return nil
}

// QueueWelcome enqueues the post-verification welcome email. Best-effort.
func (n *Notifier) QueueWelcome(user *models.User) {
	html, err := mailer.Render("welcome", map[string]interface{}{"Username": user.Username})
	if err != nil {
		n.logger.Warn("failed to render welcome email", zap.Error(err))
		return
	}
	n.enqueue("welcome", mailer.Message{To: []string{user.Email}, Subject: "Welcome to Taskroom", HTML: html})
}

// QueueReset enqueues the password reset email. Best-effort.
func (n *Notifier) QueueReset(user *models.User, token string) {
	html, err := mailer.Render("reset", map[string]interface{}{
		"Username": user.Username,
		"TTL":      formatTTL(n.config.ResetTTL),
		"Link":     fmt.Sprintf("%s/reset-password?token=%s", n.config.BaseURL, token),
	})
	if err != nil {
		n.logger.Warn("failed to render reset email", zap.Error(err))
		return
	}
	n.enqueue("reset", mailer.Message{To: []string{user.Email}, Subject: "Reset your password", HTML: html})
}

// SendDigest delivers the pending-task summary to the configured recipients.
func (n *Notifier) SendDigest(recipients []string, taskLines []string) error {
	if len(recipients) == 0 || len(taskLines) == 0 {
		return nil
	}
	html, err := mailer.Render("digest", map[string]interface{}{"Tasks": taskLines})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSendFailed.Code, appErrors.ErrSendFailed.Status, "failed to render digest email")
	}
	err = n.sender.Send(mailer.Message{To: recipients, Subject: "Weekly Task Summary", HTML: html})
	n.metrics.RecordMailDelivery("digest", err == nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSendFailed.Code, appErrors.ErrSendFailed.Status, "failed to send digest email")
	}
	return nil
}

func (n *Notifier) enqueue(kind string, msg mailer.Message) {
	if err := n.queue.Enqueue(jobs.Job{ID: uuid.NewString(), Type: kind, Payload: msg}); err != nil {
		n.logger.Sugar().Warnw("failed to enqueue email", "type", kind, "error", err)
	}
}

func formatTTL(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%d hours", int(d.Hours()))
	}
	return fmt.Sprintf("%d minutes", int(d.Minutes()))
}
