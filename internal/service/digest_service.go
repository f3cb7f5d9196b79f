package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskroom/taskroom-api/internal/models"
)

type digestTaskRepository interface {
	ListByStatus(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
}

type digestNotifier interface {
	SendDigest(recipients []string, taskLines []string) error
}

// DigestConfig controls the periodic pending-task summary.
type DigestConfig struct {
	Enabled    bool
	Interval   time.Duration
	Recipients []string
}

// DigestService periodically emails a summary of every task still pending.
type DigestService struct {
	tasks    digestTaskRepository
	notifier digestNotifier
	logger   *zap.Logger
	config   DigestConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewDigestService constructs a DigestService.
func NewDigestService(tasks digestTaskRepository, notifier digestNotifier, logger *zap.Logger, config DigestConfig) *DigestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = 7 * 24 * time.Hour
	}
	return &DigestService{tasks: tasks, notifier: notifier, logger: logger, config: config}
}

// Start launches the digest ticker. No-op when disabled or already running.
func (s *DigestService) Start(ctx context.Context) {
	if !s.config.Enabled || len(s.config.Recipients) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := s.RunOnce(runCtx); err != nil {
					s.logger.Warn("task digest run failed", zap.Error(err))
				}
			}
		}
	}()

	s.logger.Sugar().Infow("task digest started", "interval", s.config.Interval, "recipients", len(s.config.Recipients))
}

// Stop halts the ticker and waits for the loop to exit.
func (s *DigestService) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// RunOnce composes and sends a single digest. Nothing is sent when no task
// is pending.
func (s *DigestService) RunOnce(ctx context.Context) error {
	tasks, err := s.tasks.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return fmt.Errorf("collect pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	lines := make([]string, 0, len(tasks))
	for _, task := range tasks {
		line := task.Title
		if task.DueDate != nil {
			line = fmt.Sprintf("%s (due %s)", task.Title, task.DueDate.Format("2006-01-02"))
		}
		lines = append(lines, line)
	}

	if err := s.notifier.SendDigest(s.config.Recipients, lines); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}

	s.logger.Sugar().Infow("task digest sent", "pending", len(tasks))
	return nil
}
