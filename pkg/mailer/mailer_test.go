package mailer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRenderVerification(t *testing.T) {
	html, err := Render("verification", map[string]interface{}{
		"Username": "alice",
		"TTL":      "5 minutes",
		"Link":     "http://localhost:8080/api/v1/auth/verify-email?token=abc",
	})
	require.NoError(t, err)
	assert.Contains(t, html, "alice")
	assert.Contains(t, html, "token=abc")
	assert.Contains(t, html, "5 minutes")
}

func TestRenderDigest(t *testing.T) {
	html, err := Render("digest", map[string]interface{}{
		"Tasks": []string{"Essay (due tomorrow)", "Lab report"},
	})
	require.NoError(t, err)
	assert.Contains(t, html, "Essay (due tomorrow)")
	assert.Contains(t, html, "Lab report")
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, err := Render("nope", nil)
	require.Error(t, err)
}

func TestLogSenderAlwaysSucceeds(t *testing.T) {
	s := NewLogSender(zap.NewNop())
	err := s.Send(Message{To: []string{"a@example.com"}, Subject: "x", HTML: "<p>x</p>"})
	require.NoError(t, err)
}
