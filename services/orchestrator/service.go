// Package orchestrator runs the workflow resume loop. Workflows are
// submitted elsewhere as pending records; every orchestrator instance polls
// the active set and drives the ones it can lease.
package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

const defaultResumeInterval = 5 * time.Second

// Resumer is satisfied by *workflow.Orchestrator.
type Resumer interface {
	ResumeActive(ctx context.Context) (int, error)
	Wait()
}

// Service periodically hands active workflows to the orchestrator.
type Service struct {
	orch     Resumer
	interval time.Duration
	logger   *slog.Logger
}

// NewService creates a Service. A non-positive interval uses the default.
func NewService(orch Resumer, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = defaultResumeInterval
	}
	return &Service{orch: orch, interval: interval, logger: logger}
}

// Run resumes active workflows immediately and then every interval. When ctx
// ends it waits for the runs it started; their step tasks keep running and
// the next owner re-attaches to them.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.resume(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("waiting for workflow runs to stop")
			s.orch.Wait()
			return
		case <-ticker.C:
			s.resume(ctx)
		}
	}
}

func (s *Service) resume(ctx context.Context) {
	n, err := s.orch.ResumeActive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("list active workflows failed", slog.String("error", err.Error()))
		}
		return
	}
	if n > 0 {
		s.logger.Debug("workflow runs launched", slog.Int("count", n))
	}
}
