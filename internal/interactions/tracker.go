// Package interactions records user actions against entities and
// derives the exclusion set the ranker consults.
package interactions

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/engine"
	"github.com/jobsift/jobsift/internal/metrics"
)

// Tracker appends to the interaction history. There is no undo: all
// kinds are permanent and additive.
type Tracker struct {
	store    engine.InteractionStore
	entities engine.EntityStore
	clock    engine.Clock
	logger   *zap.Logger
}

// New constructs a Tracker.
func New(store engine.InteractionStore, entities engine.EntityStore, clock engine.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:    store,
		entities: entities,
		clock:    clock,
		logger:   logger,
	}
}

// Record appends one interaction. Recording the same kind twice for
// the same entity is harmless: history keeps both rows, the exclusion
// set is unchanged, so callers may retry or apply speculatively.
func (t *Tracker) Record(ctx context.Context, entityID string, kind engine.InteractionKind) error {
	if !kind.Valid() {
		return &engine.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown interaction kind %q", kind)}
	}
	if _, err := t.entities.GetEntity(ctx, entityID); err != nil {
		return fmt.Errorf("look up entity %s: %w", entityID, err)
	}
	in := engine.Interaction{
		EntityID:   entityID,
		Kind:       kind,
		RecordedAt: t.clock.Now(),
	}
	if err := t.store.Record(ctx, in); err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}
	metrics.ObserveInteraction(string(kind))
	t.logger.Debug("interaction recorded",
		zap.String("entity_id", entityID), zap.String("kind", string(kind)))
	return nil
}

// ExclusionSet returns every entity with at least one interaction of
// any kind. It is a derived projection of the append-only log.
func (t *Tracker) ExclusionSet(ctx context.Context) (map[string]struct{}, error) {
	set, err := t.store.ExclusionSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("load exclusion set: %w", err)
	}
	return set, nil
}
