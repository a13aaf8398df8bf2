// Package scheduler triggers recurring crawl passes on a cron spec.
package scheduler

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/engine"
)

// CrawlFunc runs one crawl-and-reconcile pass.
type CrawlFunc func(ctx context.Context, kind engine.RunKind, categories []string) (engine.RunSummary, error)

// Scheduler owns the cron runner. Jobs always run as unscoped
// incremental passes; a pass that overlaps a manual run is skipped.
type Scheduler struct {
	cron       *cron.Cron
	crawl      CrawlFunc
	categories []string
	logger     *zap.Logger
}

// New builds a scheduler for the given cron spec. The spec follows
// robfig/cron syntax, descriptors like "@every 6h" included.
func New(spec string, crawl CrawlFunc, categories []string, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:       cron.New(),
		crawl:      crawl,
		categories: categories,
		logger:     logger,
	}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins firing on the configured schedule.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started")
	s.cron.Start()
}

// Stop halts scheduling and waits for an in-flight pass to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out", zap.Error(ctx.Err()))
	}
}

func (s *Scheduler) runOnce() {
	ctx := context.Background()
	summary, err := s.crawl(ctx, engine.RunKindIncremental, s.categories)
	if err != nil {
		if errors.Is(err, engine.ErrReconcileInProgress) {
			s.logger.Info("scheduled pass skipped, reconciliation already running")
			return
		}
		s.logger.Error("scheduled pass failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled pass finished",
		zap.String("run_id", summary.RunID),
		zap.Int("total_seen", summary.Counters.TotalSeen),
		zap.Int("added", summary.Counters.Added),
		zap.Int("maintained", summary.Counters.Maintained),
		zap.Int("removed", summary.Counters.Removed),
		zap.Int("skipped", summary.Counters.Skipped))
}
