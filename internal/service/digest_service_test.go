package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskroom/taskroom-api/internal/models"
)

type fakeDigestTaskRepo struct {
	pending []models.Task
}

func (f *fakeDigestTaskRepo) ListByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	if status != models.StatusPending {
		return nil, nil
	}
	return f.pending, nil
}

type fakeDigestNotifier struct {
	recipients []string
	lines      []string
	calls      int
}

func (f *fakeDigestNotifier) SendDigest(recipients []string, taskLines []string) error {
	f.recipients = recipients
	f.lines = taskLines
	f.calls++
	return nil
}

func TestDigestServiceRunOnce(t *testing.T) {
	due := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	repo := &fakeDigestTaskRepo{pending: []models.Task{
		{ID: "t1", Title: "Essay", DueDate: &due},
		{ID: "t2", Title: "Lab report"},
	}}
	notifier := &fakeDigestNotifier{}
	svc := NewDigestService(repo, notifier, zap.NewNop(), DigestConfig{
		Enabled:    true,
		Recipients: []string{"staff@example.com"},
	})

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, []string{"staff@example.com"}, notifier.recipients)
	require.Len(t, notifier.lines, 2)
	assert.Equal(t, "Essay (due 2026-09-15)", notifier.lines[0])
	assert.Equal(t, "Lab report", notifier.lines[1])
}

func TestDigestServiceRunOnceNothingPending(t *testing.T) {
	notifier := &fakeDigestNotifier{}
	svc := NewDigestService(&fakeDigestTaskRepo{}, notifier, zap.NewNop(), DigestConfig{
		Enabled:    true,
		Recipients: []string{"staff@example.com"},
	})

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Zero(t, notifier.calls)
}

func TestDigestServiceStartStop(t *testing.T) {
	notifier := &fakeDigestNotifier{}
	svc := NewDigestService(&fakeDigestTaskRepo{}, notifier, zap.NewNop(), DigestConfig{
		Enabled:    true,
		Interval:   time.Hour,
		Recipients: []string{"staff@example.com"},
	})

	svc.Start(context.Background())
	svc.Stop()
}

func TestDigestServiceDisabledNeverStarts(t *testing.T) {
	svc := NewDigestService(&fakeDigestTaskRepo{}, &fakeDigestNotifier{}, zap.NewNop(), DigestConfig{Enabled: false})
	svc.Start(context.Background())
	// Stop on a never-started service is a no-op.
	svc.Stop()
}
