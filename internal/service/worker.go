package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/scenarios/internal/domain"
)

// Background driver defaults.
const (
	defaultWorkerInterval = 2 * time.Second
	defaultWorkerBatch    = 20
	workerParallelism     = 4
)

// RunSuiteWorker advances every non-terminal suite run on each tick until ctx
// is done. Timeouts are enforced by the advance itself.
func (s *Service) RunSuiteWorker(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		interval = defaultWorkerInterval
	}
	if batch <= 0 {
		batch = defaultWorkerBatch
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepSuiteRuns(ctx, batch); err != nil {
				slog.WarnContext(ctx, "suite run sweep failed", "error", err)
			}
		}
	}
}

// SweepSuiteRuns advances up to batch active suite runs once and reports how
// many it visited. Runs held by another caller are skipped.
func (s *Service) SweepSuiteRuns(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = defaultWorkerBatch
	}
	active, err := s.store.ListActiveSuiteRuns(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list active suite runs: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(workerParallelism)
	for _, sr := range active {
		g.Go(func() error {
			_, err := s.Advance(ctx, sr.SuiteRunID, domain.AdvanceOptions{})
			switch {
			case err == nil, errors.Is(err, domain.ErrBusy), errors.Is(err, context.Canceled):
			default:
				slog.WarnContext(ctx, "failed to advance suite run", "suite_run_id", sr.SuiteRunID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(active), nil
}
