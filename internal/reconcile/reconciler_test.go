package reconcile

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobsift/jobsift/internal/engine"
	"github.com/jobsift/jobsift/internal/hash/sha256"
	"github.com/jobsift/jobsift/internal/metrics"
	"github.com/jobsift/jobsift/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return string(rune('a'-1+g.n)) + "-run", nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0}, nil
}

func (e *fakeEmbedder) Dimensions() int { return 2 }

func (e *fakeEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// sliceSnapshot walks a fixed set of listings and can fail at the end.
type sliceSnapshot struct {
	listings []engine.Listing
	pos      int
	err      error
}

func (s *sliceSnapshot) Next() bool {
	if s.pos >= len(s.listings) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceSnapshot) Listing() engine.Listing { return s.listings[s.pos-1] }

func (s *sliceSnapshot) Err() error { return s.err }

// blockingSnapshot parks on Next until released.
type blockingSnapshot struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSnapshot) Next() bool {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return false
}

func (s *blockingSnapshot) Listing() engine.Listing { return engine.Listing{} }

func (s *blockingSnapshot) Err() error { return nil }

func newTestReconciler(store engine.EntityStore, emb engine.Embedder) *Reconciler {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return New(store, emb, sha256.New(), fixedClock{t: now}, &seqIDs{}, nil)
}

func listing(id, title, desc string) engine.Listing {
	return engine.Listing{ID: id, Title: title, Description: desc}
}

func TestReconcileFirstPassAddsEverything(t *testing.T) {
	t.Parallel()

	store := memory.New()
	emb := &fakeEmbedder{}
	r := newTestReconciler(store, emb)

	snap := &sliceSnapshot{listings: []engine.Listing{
		listing("j1", "Backend Engineer", "go services"),
		listing("j2", "Data Engineer", "pipelines"),
	}}

	summary, err := r.Reconcile(context.Background(), snap, engine.RunKindFull, nil)
	require.NoError(t, err)
	require.Equal(t, engine.RunCounters{TotalSeen: 2, Added: 2}, summary.Counters)

	e, err := store.GetEntity(context.Background(), "j1")
	require.NoError(t, err)
	require.True(t, e.IsActive)
	require.Equal(t, summary.RunID, e.FirstSeenRun)

	require.Equal(t, 2, emb.callCount())
	statuses := store.RunStatuses(summary.RunID)
	require.Equal(t, engine.RunStatusSeen, statuses["j1"])
	require.Equal(t, engine.RunStatusSeen, statuses["j2"])
}

func TestReconcileSecondPassIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.New()
	emb := &fakeEmbedder{}
	r := newTestReconciler(store, emb)

	listings := []engine.Listing{
		listing("j1", "Backend Engineer", "go services"),
		listing("j2", "Data Engineer", "pipelines"),
	}

	_, err := r.Reconcile(context.Background(),
		&sliceSnapshot{listings: listings}, engine.RunKindFull, nil)
	require.NoError(t, err)

	summary, err := r.Reconcile(context.Background(),
		&sliceSnapshot{listings: listings}, engine.RunKindFull, nil)
	require.NoError(t, err)
	require.Equal(t, engine.RunCounters{TotalSeen: 2, Maintained: 2}, summary.Counters)

	// Unchanged descriptions are not re-embedded.
	require.Equal(t, 2, emb.callCount())
}

func TestReconcileChangedDescriptionReembeds(t *testing.T) {
	t.Parallel()

	store := memory.New()
	emb := &fakeEmbedder{}
	r := newTestReconciler(store, emb)

	_, err := r.Reconcile(context.Background(),
		&sliceSnapshot{listings: []engine.Listing{listing("j1", "Engineer", "v1")}},
		engine.RunKindFull, nil)
	require.NoError(t, err)

	_, err = r.Reconcile(context.Background(),
		&sliceSnapshot{listings: []engine.Listing{listing("j1", "Engineer", "v2")}},
		engine.RunKindFull, nil)
	require.NoError(t, err)
	require.Equal(t, 2, emb.callCount())
}

func TestReconcileEmptySnapshotRemovesAll(t *testing.T) {
	t.Parallel()

	store := memory.New()
	emb := &fakeEmbedder{}
	r := newTestReconciler(store, emb)

	var listings []engine.Listing
	for _, id := range []string{"j1", "j2", "j3", "j4", "j5"} {
		listings = append(listings, listing(id, "Engineer", "desc "+id))
	}
	_, err := r.Reconcile(context.Background(),
		&sliceSnapshot{listings: listings}, engine.RunKindFull, nil)
	require.NoError(t, err)

	summary, err := r.Reconcile(context.Background(),
		&sliceSnapshot{}, engine.RunKindFull, nil)
	require.NoError(t, err)
	require.Equal(t, engine.RunCounters{Removed: 5}, summary.Counters)

	n, err := store.ActiveCount(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	// Removed entities remain queryable with their history intact.
	e, err := store.GetEntity(context.Background(), "j3")
	require.NoError(t, err)
	require.False(t, e.IsActive)

	statuses := store.RunStatuses(summary.RunID)
	require.Equal(t, engine.RunStatusRemoved, statuses["j3"])

	// Their embeddings are gone from the ranking working set.
	cands, err := store.ActiveCandidates(context.Background())
	require.NoError(t, err)
	require.Empty(t, cands)
}

func TestReconcileScopedRunNeverRemoves(t *testing.T) {
	t.Parallel()

	store := memory.New()
	emb := &fakeEmbedder{}
	r := newTestReconciler(store, emb)

	_, err := r.Reconcile(context.Background(),
		&sliceSnapshot{listings: []engine.Listing{listing("j1", "Engineer", "d")}},
		engine.RunKindFull, nil)
	require.NoError(t, err)

	// j1 is absent from the scoped snapshot. Absence under a category
	// scope proves nothing, so it must stay active.
	summary, err := r.Reconcile(context.Background(),
		&sliceSnapshot{listings: []engine.Listing{listing("j2", "Analyst", "d2")}},
		engine.RunKindIncremental, []string{"analytics"})
	require.NoError(t, err)
	require.Zero(t, summary.Counters.Removed)

	e, err := store.GetEntity(context.Background(), "j1")
	require.NoError(t, err)
	require.True(t, e.IsActive)
}

func TestReconcileReactivatesReturnedEntity(t *testing.T) {
	t.Parallel()

	store := memory.New()
	emb := &fakeEmbedder{}
	r := newTestReconciler(store, emb)

	_, err := r.Reconcile(context.Background(),
		&sliceSnapshot{listings: []engine.Listing{listing("j1", "Engineer", "d")}},
		engine.RunKindFull, nil)
	require.NoError(t, err)

	_, err = r.Reconcile(context.Background(), &sliceSnapshot{}, engine.RunKindFull, nil)
	require.NoError(t, err)

	summary, err := r.Reconcile(context.Background(),
		&sliceSnapshot{listings: []engine.Listing{listing("j1", "Engineer", "d")}},
		engine.RunKindFull, nil)
	require.NoError(t, err)
	require.Equal(t, engine.RunCounters{TotalSeen: 1, Maintained: 1}, summary.Counters)

	e, err := store.GetEntity(context.Background(), "j1")
	require.NoError(t, err)
	require.True(t, e.IsActive)
	require.Equal(t, summary.RunID, e.LastSeenRun)
}

func TestReconcileSkipsMalformedRecords(t *testing.T) {
	t.Parallel()

	store := memory.New()
	r := newTestReconciler(store, &fakeEmbedder{})

	snap := &sliceSnapshot{listings: []engine.Listing{
		listing("", "No ID", "d"),
		listing("j1", "Engineer", "d"),
		listing("   ", "Blank ID", "d"),
	}}
	summary, err := r.Reconcile(context.Background(), snap, engine.RunKindFull, nil)
	require.NoError(t, err)
	require.Equal(t, engine.RunCounters{TotalSeen: 1, Added: 1, Skipped: 2}, summary.Counters)
}

func TestReconcileDeduplicatesWithinSnapshot(t *testing.T) {
	t.Parallel()

	store := memory.New()
	r := newTestReconciler(store, &fakeEmbedder{})

	snap := &sliceSnapshot{listings: []engine.Listing{
		listing("j1", "Engineer", "d"),
		listing("j1", "Engineer", "d"),
	}}
	summary, err := r.Reconcile(context.Background(), snap, engine.RunKindFull, nil)
	require.NoError(t, err)
	require.Equal(t, engine.RunCounters{TotalSeen: 1, Added: 1}, summary.Counters)
}

func TestReconcileSnapshotErrorRollsBack(t *testing.T) {
	t.Parallel()

	store := memory.New()
	r := newTestReconciler(store, &fakeEmbedder{})

	snap := &sliceSnapshot{
		listings: []engine.Listing{listing("j1", "Engineer", "d")},
		err:      errors.New("connection reset"),
	}
	_, err := r.Reconcile(context.Background(), snap, engine.RunKindFull, nil)
	require.Error(t, err)

	// Nothing from the aborted pass is visible.
	_, err = store.GetEntity(context.Background(), "j1")
	require.ErrorIs(t, err, engine.ErrUnknownEntity)

	runs, err := store.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestReconcileCanceledContextRollsBack(t *testing.T) {
	t.Parallel()

	store := memory.New()
	r := newTestReconciler(store, &fakeEmbedder{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap := &sliceSnapshot{listings: []engine.Listing{listing("j1", "Engineer", "d")}}
	_, err := r.Reconcile(ctx, snap, engine.RunKindFull, nil)
	require.ErrorIs(t, err, context.Canceled)

	_, err = store.GetEntity(context.Background(), "j1")
	require.ErrorIs(t, err, engine.ErrUnknownEntity)
}

func TestReconcileRejectsConcurrentPass(t *testing.T) {
	t.Parallel()

	store := memory.New()
	r := newTestReconciler(store, &fakeEmbedder{})

	blocking := &blockingSnapshot{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(context.Background(), blocking, engine.RunKindFull, nil)
		done <- err
	}()
	<-blocking.started

	_, err := r.Reconcile(context.Background(),
		&sliceSnapshot{}, engine.RunKindFull, nil)
	require.ErrorIs(t, err, engine.ErrReconcileInProgress)

	close(blocking.release)
	require.NoError(t, <-done)
}

func TestReconcileEmbedFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	store := memory.New()
	emb := &fakeEmbedder{err: errors.New("service unavailable")}
	r := newTestReconciler(store, emb)

	snap := &sliceSnapshot{listings: []engine.Listing{listing("j1", "Engineer", "d")}}
	summary, err := r.Reconcile(context.Background(), snap, engine.RunKindFull, nil)
	require.NoError(t, err)
	require.Equal(t, engine.RunCounters{TotalSeen: 1, Added: 1}, summary.Counters)

	// The entity landed without a vector; it is invisible to ranking.
	cands, err := store.ActiveCandidates(context.Background())
	require.NoError(t, err)
	require.Empty(t, cands)
}

func TestReconcileRetriesEmbeddingOnLaterPass(t *testing.T) {
	t.Parallel()

	store := memory.New()
	emb := &fakeEmbedder{err: errors.New("service unavailable")}
	r := newTestReconciler(store, emb)

	snap := &sliceSnapshot{listings: []engine.Listing{listing("j1", "Engineer", "d")}}
	_, err := r.Reconcile(context.Background(), snap, engine.RunKindFull, nil)
	require.NoError(t, err)

	emb.mu.Lock()
	emb.err = nil
	emb.mu.Unlock()

	_, err = r.Reconcile(context.Background(),
		&sliceSnapshot{listings: []engine.Listing{listing("j1", "Engineer", "d")}},
		engine.RunKindFull, nil)
	require.NoError(t, err)

	cands, err := store.ActiveCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "j1", cands[0].EntityID)
}

func TestReconcileRecordsFinishedRun(t *testing.T) {
	t.Parallel()

	store := memory.New()
	r := newTestReconciler(store, &fakeEmbedder{})

	snap := &sliceSnapshot{listings: []engine.Listing{listing("j1", "Engineer", "d")}}
	summary, err := r.Reconcile(context.Background(), snap, engine.RunKindIncremental, nil)
	require.NoError(t, err)

	runs, err := store.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, summary.RunID, runs[0].ID)
	require.Equal(t, engine.RunKindIncremental, runs[0].Kind)
	require.NotNil(t, runs[0].FinishedAt)
	require.Equal(t, summary.Counters, runs[0].Counters)
}
