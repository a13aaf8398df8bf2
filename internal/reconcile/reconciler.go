// Package reconcile implements the stateful diff between successive
// crawl snapshots and the durable entity lifecycle.
package reconcile

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/engine"
	"github.com/jobsift/jobsift/internal/metrics"
)

// Reconciler consumes one snapshot at a time and classifies every
// entity as added, maintained, or removed. At most one pass runs at a
// time; concurrent readers observe pre-pass state until commit.
type Reconciler struct {
	mu       sync.Mutex
	store    engine.EntityStore
	embedder engine.Embedder
	hasher   engine.Hasher
	clock    engine.Clock
	ids      engine.IDGenerator
	logger   *zap.Logger
}

// New constructs a Reconciler.
func New(
	store engine.EntityStore,
	embedder engine.Embedder,
	hasher engine.Hasher,
	clock engine.Clock,
	ids engine.IDGenerator,
	logger *zap.Logger,
) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:    store,
		embedder: embedder,
		hasher:   hasher,
		clock:    clock,
		ids:      ids,
		logger:   logger,
	}
}

// Reconcile streams the snapshot and commits the whole pass as one
// atomic unit. A fetch failure, store failure, or cancellation rolls
// everything back; prior state stays untouched.
//
// Removal inference applies only to unscoped passes: a run restricted
// to categories did not observe the rest of the universe, so absence
// there proves nothing.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	snap engine.Snapshot,
	kind engine.RunKind,
	categories []string,
) (engine.RunSummary, error) {
	if !r.mu.TryLock() {
		return engine.RunSummary{}, engine.ErrReconcileInProgress
	}
	defer r.mu.Unlock()

	runID, err := r.ids.NewID()
	if err != nil {
		return engine.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	started := r.clock.Now()
	run := engine.Run{
		ID:         runID,
		StartedAt:  started,
		Kind:       kind,
		Categories: categories,
	}

	tx, err := r.store.BeginRun(ctx, run)
	if err != nil {
		return engine.RunSummary{}, fmt.Errorf("begin run: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				r.logger.Error("run rollback failed",
					zap.String("run_id", runID), zap.Error(rbErr))
			}
		}
	}()

	summary, err := r.runPass(ctx, tx, snap, run)
	outcome := "committed"
	if err != nil {
		outcome = "aborted"
	}
	metrics.ObserveRun(string(kind), outcome, r.clock.Now().Sub(started))
	if err != nil {
		return engine.RunSummary{}, err
	}
	committed = true
	return summary, nil
}

func (r *Reconciler) runPass(ctx context.Context, tx engine.RunTx, snap engine.Snapshot, run engine.Run) (engine.RunSummary, error) {
	known, err := tx.KnownEntities(ctx)
	if err != nil {
		return engine.RunSummary{}, fmt.Errorf("load known entities: %w", err)
	}
	activeBefore := 0
	for _, state := range known {
		if state.Active {
			activeBefore++
		}
	}

	var counters engine.RunCounters
	seen := make(map[string]struct{})
	reactivated := 0

	for snap.Next() {
		if err := ctx.Err(); err != nil {
			return engine.RunSummary{}, fmt.Errorf("pass canceled: %w", err)
		}
		l := snap.Listing()
		if err := l.Validate(); err != nil {
			counters.Skipped++
			r.logger.Warn("skipping malformed record",
				zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		if _, dup := seen[l.ID]; dup {
			continue
		}
		seen[l.ID] = struct{}{}

		state, exists := known[l.ID]
		if exists {
			counters.Maintained++
			if !state.Active {
				reactivated++
			}
		} else {
			counters.Added++
		}

		now := r.clock.Now()
		if err := tx.UpsertSeen(ctx, l, now); err != nil {
			return engine.RunSummary{}, fmt.Errorf("upsert entity %s: %w", l.ID, err)
		}

		if err := r.maybeEmbed(ctx, tx, l, state, exists); err != nil {
			return engine.RunSummary{}, err
		}
	}
	if err := snap.Err(); err != nil {
		return engine.RunSummary{}, fmt.Errorf("snapshot interrupted: %w", err)
	}
	counters.TotalSeen = counters.Added + counters.Maintained

	seenIDs := make([]string, 0, len(seen))
	for id := range seen {
		seenIDs = append(seenIDs, id)
	}
	if err := tx.RecordStatuses(ctx, engine.RunStatusSeen, seenIDs...); err != nil {
		return engine.RunSummary{}, fmt.Errorf("record seen statuses: %w", err)
	}

	var removed []string
	if len(run.Categories) == 0 {
		for id, state := range known {
			if !state.Active {
				continue
			}
			if _, ok := seen[id]; !ok {
				removed = append(removed, id)
			}
		}
		if len(removed) > 0 {
			if err := tx.Deactivate(ctx, removed...); err != nil {
				return engine.RunSummary{}, fmt.Errorf("deactivate entities: %w", err)
			}
			if err := tx.RecordStatuses(ctx, engine.RunStatusRemoved, removed...); err != nil {
				return engine.RunSummary{}, fmt.Errorf("record removed statuses: %w", err)
			}
			if err := tx.DeleteEmbeddings(ctx, removed...); err != nil {
				return engine.RunSummary{}, fmt.Errorf("delete embeddings: %w", err)
			}
		}
	}
	counters.Removed = len(removed)

	if counters.TotalSeen == 0 {
		r.logger.Warn("snapshot was empty",
			zap.String("run_id", run.ID),
			zap.Int("previously_active", activeBefore),
			zap.Int("removed", counters.Removed),
		)
	}

	finished := r.clock.Now()
	if err := tx.Finalize(ctx, finished, counters); err != nil {
		return engine.RunSummary{}, fmt.Errorf("finalize run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return engine.RunSummary{}, fmt.Errorf("commit run: %w", err)
	}

	activeAfter := activeBefore + counters.Added + reactivated - counters.Removed
	metrics.SetActiveEntities(activeAfter)
	r.logger.Info("run committed",
		zap.String("run_id", run.ID),
		zap.String("kind", string(run.Kind)),
		zap.Int("total_seen", counters.TotalSeen),
		zap.Int("added", counters.Added),
		zap.Int("maintained", counters.Maintained),
		zap.Int("removed", counters.Removed),
		zap.Int("skipped", counters.Skipped),
	)

	return engine.RunSummary{
		RunID:      run.ID,
		Kind:       run.Kind,
		StartedAt:  run.StartedAt,
		FinishedAt: finished,
		Counters:   counters,
	}, nil
}

// maybeEmbed regenerates the embedding for new entities and for
// maintained ones whose description digest changed. An embedding
// service failure is not fatal for the pass; the entity stays, the
// vector is refreshed on a later pass.
func (r *Reconciler) maybeEmbed(
	ctx context.Context,
	tx engine.RunTx,
	l engine.Listing,
	state engine.EntityState,
	exists bool,
) error {
	if l.Description == "" {
		return nil
	}
	digest, err := r.hasher.Hash([]byte(l.Description))
	if err != nil {
		return fmt.Errorf("digest description %s: %w", l.ID, err)
	}
	if exists && state.Digest == digest {
		return nil
	}
	vec, err := r.embedder.Embed(ctx, l.Description)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("embed %s: %w", l.ID, err)
		}
		r.logger.Warn("embedding generation failed, continuing without vector",
			zap.String("entity_id", l.ID), zap.Error(err))
		return nil
	}
	if err := tx.UpsertEmbedding(ctx, l.ID, digest, vec); err != nil {
		return fmt.Errorf("upsert embedding %s: %w", l.ID, err)
	}
	return nil
}
