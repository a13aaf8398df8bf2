// Package memory provides an in-memory store for development and
// testing. Reconciliation transactions buffer their mutations and
// apply them under the write lock on Commit, so concurrent readers
// observe pre-pass state until the pass commits, matching the durable
// store's isolation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jobsift/jobsift/internal/engine"
)

type embeddingRow struct {
	digest string
	vector []float32
}

// Store implements the engine's store interfaces in memory.
type Store struct {
	mu           sync.RWMutex
	entities     map[string]engine.Entity
	runs         map[string]engine.Run
	statuses     map[string]map[string]engine.RunStatusKind
	embeddings   map[string]embeddingRow
	interactions []engine.Interaction
	profile      *engine.Profile
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		entities:   make(map[string]engine.Entity),
		runs:       make(map[string]engine.Run),
		statuses:   make(map[string]map[string]engine.RunStatusKind),
		embeddings: make(map[string]embeddingRow),
	}
}

// BeginRun opens a buffered reconciliation transaction.
func (s *Store) BeginRun(_ context.Context, run engine.Run) (engine.RunTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	known := make(map[string]engine.EntityState, len(s.entities))
	for id, e := range s.entities {
		known[id] = engine.EntityState{
			Active: e.IsActive,
			Digest: s.embeddings[id].digest,
		}
	}
	return &runTx{store: s, run: run, known: known}, nil
}

// GetEntity fetches an entity by ID.
func (s *Store) GetEntity(_ context.Context, id string) (engine.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return engine.Entity{}, fmt.Errorf("entity %s: %w", id, engine.ErrUnknownEntity)
	}
	return e, nil
}

// ListActive returns active entities newest-first with optional
// keyword filter, exclusions, and pagination.
func (s *Store) ListActive(_ context.Context, q engine.ListQuery) ([]engine.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	excluded := make(map[string]struct{}, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = struct{}{}
	}
	keyword := strings.ToLower(q.Keyword)

	var out []engine.Entity
	for _, e := range s.entities {
		if !e.IsActive {
			continue
		}
		if _, skip := excluded[e.ID]; skip {
			continue
		}
		if keyword != "" &&
			!strings.Contains(strings.ToLower(e.Title), keyword) &&
			!strings.Contains(strings.ToLower(e.Organization), keyword) &&
			!strings.Contains(strings.ToLower(e.Location), keyword) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].ID < out[j].ID
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ActiveCount returns the number of active entities.
func (s *Store) ActiveCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entities {
		if e.IsActive {
			n++
		}
	}
	return n, nil
}

// RecentRuns returns finalized runs, most recently finished first.
func (s *Store) RecentRuns(_ context.Context, limit int) ([]engine.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.Run
	for _, r := range s.runs {
		if r.FinishedAt != nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FinishedAt.After(*out[j].FinishedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ActiveCandidates returns every active entity that has an embedding,
// with its display fields, in one pass.
func (s *Store) ActiveCandidates(_ context.Context) ([]engine.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.Candidate
	for id, row := range s.embeddings {
		e, ok := s.entities[id]
		if !ok || !e.IsActive {
			continue
		}
		vec := make([]float32, len(row.vector))
		copy(vec, row.vector)
		out = append(out, engine.Candidate{
			EntityID:     e.ID,
			Title:        e.Title,
			Organization: e.Organization,
			Location:     e.Location,
			URL:          e.URL,
			LastSeenAt:   e.LastSeenAt,
			Vector:       vec,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// Record appends one interaction row.
func (s *Store) Record(_ context.Context, in engine.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions = append(s.interactions, in)
	return nil
}

// ExclusionSet derives the set of entities with any interaction.
func (s *Store) ExclusionSet(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for _, in := range s.interactions {
		set[in.EntityID] = struct{}{}
	}
	return set, nil
}

// Interactions returns a copy of the full history (test helper).
func (s *Store) Interactions() []engine.Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.Interaction, len(s.interactions))
	copy(out, s.interactions)
	return out
}

// Get returns the singleton profile.
func (s *Store) Get(_ context.Context) (engine.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return engine.Profile{}, engine.ErrProfileMissing
	}
	return *s.profile, nil
}

// Replace swaps the singleton profile wholesale.
func (s *Store) Replace(_ context.Context, p engine.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = &p
	return nil
}

// RunStatuses returns the status rows recorded for a run (test helper).
func (s *Store) RunStatuses(runID string) map[string]engine.RunStatusKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]engine.RunStatusKind, len(s.statuses[runID]))
	for id, kind := range s.statuses[runID] {
		out[id] = kind
	}
	return out
}

// SeedEntity inserts an entity and optional embedding directly,
// bypassing reconciliation (test helper).
func (s *Store) SeedEntity(e engine.Entity, vec []float32, digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e
	if vec != nil {
		s.embeddings[e.ID] = embeddingRow{digest: digest, vector: vec}
	}
}

type txUpsert struct {
	listing engine.Listing
	seenAt  time.Time
}

type runTx struct {
	store *Store
	run   engine.Run
	known map[string]engine.EntityState

	upserts       []txUpsert
	deactivations []string
	statuses      map[string]engine.RunStatusKind
	embedUpserts  map[string]embeddingRow
	embedDeletes  []string
	done          bool
}

func (tx *runTx) Run() engine.Run { return tx.run }

func (tx *runTx) KnownEntities(_ context.Context) (map[string]engine.EntityState, error) {
	out := make(map[string]engine.EntityState, len(tx.known))
	for id, st := range tx.known {
		out[id] = st
	}
	return out, nil
}

func (tx *runTx) UpsertSeen(_ context.Context, l engine.Listing, seenAt time.Time) error {
	tx.upserts = append(tx.upserts, txUpsert{listing: l, seenAt: seenAt})
	return nil
}

func (tx *runTx) Deactivate(_ context.Context, ids ...string) error {
	tx.deactivations = append(tx.deactivations, ids...)
	return nil
}

func (tx *runTx) RecordStatuses(_ context.Context, kind engine.RunStatusKind, ids ...string) error {
	if tx.statuses == nil {
		tx.statuses = make(map[string]engine.RunStatusKind)
	}
	for _, id := range ids {
		tx.statuses[id] = kind
	}
	return nil
}

func (tx *runTx) UpsertEmbedding(_ context.Context, entityID, digest string, vec []float32) error {
	if tx.embedUpserts == nil {
		tx.embedUpserts = make(map[string]embeddingRow)
	}
	cp := make([]float32, len(vec))
	copy(cp, vec)
	tx.embedUpserts[entityID] = embeddingRow{digest: digest, vector: cp}
	return nil
}

func (tx *runTx) DeleteEmbeddings(_ context.Context, ids ...string) error {
	tx.embedDeletes = append(tx.embedDeletes, ids...)
	return nil
}

func (tx *runTx) Finalize(_ context.Context, finishedAt time.Time, c engine.RunCounters) error {
	tx.run.FinishedAt = &finishedAt
	tx.run.Counters = c
	return nil
}

// Commit applies every buffered mutation under the write lock.
func (tx *runTx) Commit(_ context.Context) error {
	if tx.done {
		return &engine.StoreError{Op: "commit", Err: fmt.Errorf("transaction already closed")}
	}
	tx.done = true

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, up := range tx.upserts {
		l, seenAt := up.listing, up.seenAt
		e, exists := s.entities[l.ID]
		if !exists {
			e = engine.Entity{
				ID:           l.ID,
				FirstSeenRun: tx.run.ID,
				FirstSeenAt:  seenAt,
			}
		}
		e.LastSeenRun = tx.run.ID
		e.LastSeenAt = seenAt
		e.IsActive = true
		if l.Title != "" {
			e.Title = l.Title
		}
		if l.Organization != "" {
			e.Organization = l.Organization
		}
		if l.Location != "" {
			e.Location = l.Location
		}
		if l.URL != "" {
			e.URL = l.URL
		}
		s.entities[l.ID] = e
	}

	for _, id := range tx.deactivations {
		e, ok := s.entities[id]
		if !ok {
			continue
		}
		e.IsActive = false
		s.entities[id] = e
	}

	if len(tx.statuses) > 0 {
		rows := make(map[string]engine.RunStatusKind, len(tx.statuses))
		for id, kind := range tx.statuses {
			rows[id] = kind
		}
		s.statuses[tx.run.ID] = rows
	}

	for id, row := range tx.embedUpserts {
		s.embeddings[id] = row
	}
	for _, id := range tx.embedDeletes {
		delete(s.embeddings, id)
	}

	s.runs[tx.run.ID] = tx.run
	return nil
}

// Rollback discards every buffered mutation.
func (tx *runTx) Rollback(_ context.Context) error {
	tx.done = true
	return nil
}
