package engine

import (
	"context"
	"time"
)

// Snapshot is a lazy, finite sequence of listings observed during one
// crawl pass. Iteration follows the bufio.Scanner shape: Next advances,
// Listing returns the current record, Err reports what stopped
// iteration (nil on clean exhaustion).
type Snapshot interface {
	Next() bool
	Listing() Listing
	Err() error
}

// EntityStore owns Entity, Run, and RunStatus rows.
type EntityStore interface {
	// BeginRun opens a reconciliation transaction and writes the
	// in-progress run row inside it. Nothing is visible to readers
	// until the transaction commits.
	BeginRun(ctx context.Context, run Run) (RunTx, error)

	GetEntity(ctx context.Context, id string) (Entity, error)
	ListActive(ctx context.Context, q ListQuery) ([]Entity, error)
	ActiveCount(ctx context.Context) (int, error)
	RecentRuns(ctx context.Context, limit int) ([]Run, error)
}

// RunTx is one atomic reconciliation unit. Either Commit applies every
// mutation of the pass, or Rollback discards all of them.
type RunTx interface {
	Run() Run

	// KnownEntities returns prior state for every known identifier,
	// as of the start of the transaction.
	KnownEntities(ctx context.Context) (map[string]EntityState, error)

	UpsertSeen(ctx context.Context, l Listing, seenAt time.Time) error
	Deactivate(ctx context.Context, ids ...string) error
	RecordStatuses(ctx context.Context, kind RunStatusKind, ids ...string) error

	UpsertEmbedding(ctx context.Context, entityID, digest string, vec []float32) error
	DeleteEmbeddings(ctx context.Context, ids ...string) error

	Finalize(ctx context.Context, finishedAt time.Time, c RunCounters) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// EmbeddingSource supplies the ranker's working set in one pass.
type EmbeddingSource interface {
	ActiveCandidates(ctx context.Context) ([]Candidate, error)
}

// InteractionStore owns the append-only interaction history.
type InteractionStore interface {
	Record(ctx context.Context, in Interaction) error
	ExclusionSet(ctx context.Context) (map[string]struct{}, error)
}

// ProfileStore owns the singleton profile row.
type ProfileStore interface {
	Get(ctx context.Context) (Profile, error)
	Replace(ctx context.Context, p Profile) error
}

// Embedder turns free text into a fixed-dimensionality vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}
