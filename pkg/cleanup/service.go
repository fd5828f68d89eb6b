// Package cleanup enforces data retention: terminal exceptions past the
// retention window are purged with their child rows, and published
// outbox rows are trimmed.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsgrid/remex/pkg/config"
	"github.com/opsgrid/remex/pkg/store"
)

// Service is the retention job. All operations are idempotent and safe
// to run from multiple instances.
type Service struct {
	cfg   *config.RetentionConfig
	store *store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds the retention job.
func NewService(cfg *config.RetentionConfig, st *store.Store) *Service {
	return &Service{cfg: cfg, store: st}
}

// Start launches the background loop. No-op when retention is disabled.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil || !s.cfg.Enabled {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"terminal_age", s.cfg.TerminalAge.String(),
		"outbox_age", s.cfg.OutboxAge.String(),
		"interval", s.cfg.Interval.String())
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes one retention pass. Exported for tests.
func (s *Service) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	n, err := s.store.PurgeTerminalBefore(ctx, now.Add(-s.cfg.TerminalAge.Std()))
	if err != nil {
		slog.Error("Purging terminal exceptions failed", "error", err)
	} else if n > 0 {
		slog.Info("Purged terminal exceptions", "count", n)
	}

	n, err = s.store.PurgePublishedBefore(ctx, now.Add(-s.cfg.OutboxAge.Std()))
	if err != nil {
		slog.Error("Purging outbox rows failed", "error", err)
	} else if n > 0 {
		slog.Info("Purged published outbox rows", "count", n)
	}
}
