// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/leadfoundry/enrich/pkg/config"
)

// Service periodically enforces retention policies:
//   - Removes expired API and LLM cache rows
//   - Removes stored callback results past their retention window
//   - Removes terminal queue rows past their retention window
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config *config.CleanupConfig
	db     *sql.DB

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.CleanupConfig, db *sql.DB) *Service {
	return &Service{config: cfg, db: db}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"interval", s.config.Interval,
		"result_retention", s.config.ResultRetention,
		"queue_retention", s.config.QueueRetention)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
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

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.sweepExpiredCaches(ctx)
	s.sweepStoredResults(ctx)
	s.sweepQueueRows(ctx)
}

// sweepExpiredCaches removes cache rows past their expiry. Expiry is
// written at insert time, so no retention arithmetic is needed here.
func (s *Service) sweepExpiredCaches(ctx context.Context) {
	for _, table := range []string{"api_request_cache", "ai_prompt_cache"} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at < NOW()`)
		if err != nil {
			slog.Error("Retention: cache sweep failed", "table", table, "error", err)
			continue
		}
		if count, err := res.RowsAffected(); err == nil && count > 0 {
			slog.Info("Retention: removed expired cache rows", "table", table, "count", count)
		}
	}
}

// sweepStoredResults removes callback result rows older than the result
// retention window, batched children included.
func (s *Service) sweepStoredResults(ctx context.Context) {
	if s.config.ResultRetention <= 0 {
		return
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM enrichment_callbacks WHERE updated_at < $1`,
		time.Now().Add(-s.config.ResultRetention))
	if err != nil {
		slog.Error("Retention: stored result sweep failed", "error", err)
		return
	}
	if count, err := res.RowsAffected(); err == nil && count > 0 {
		slog.Info("Retention: removed old stored results", "count", count)
	}
}

// sweepQueueRows removes terminal queue rows older than the queue
// retention window. Pending and running rows are never touched.
func (s *Service) sweepQueueRows(ctx context.Context) {
	if s.config.QueueRetention <= 0 {
		return
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM enrichment_tasks
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1`,
		time.Now().Add(-s.config.QueueRetention))
	if err != nil {
		slog.Error("Retention: queue sweep failed", "error", err)
		return
	}
	if count, err := res.RowsAffected(); err == nil && count > 0 {
		slog.Info("Retention: removed old queue rows", "count", count)
	}
}
