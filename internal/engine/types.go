// Package engine defines core types shared across subsystems.
package engine

import (
	"encoding/json"
	"strings"
	"time"
)

// RunKind distinguishes full-universe passes from category-scoped ones.
type RunKind string

// Run kinds persisted in the entity store.
const (
	RunKindFull        RunKind = "full"
	RunKindIncremental RunKind = "incremental"
)

// RunStatusKind tags a (run, entity) observation.
type RunStatusKind string

// Run status values persisted per (run, entity) pair.
const (
	RunStatusSeen    RunStatusKind = "seen"
	RunStatusRemoved RunStatusKind = "removed"
)

// InteractionKind is a user action recorded against an entity.
type InteractionKind string

// Interaction kinds. The history is append-only; for exclusion purposes
// only "has at least one interaction" matters.
const (
	InteractionViewed    InteractionKind = "viewed"
	InteractionSaved     InteractionKind = "saved"
	InteractionApplied   InteractionKind = "applied"
	InteractionDismissed InteractionKind = "dismissed"
)

// Valid reports whether k is a known interaction kind.
func (k InteractionKind) Valid() bool {
	switch k {
	case InteractionViewed, InteractionSaved, InteractionApplied, InteractionDismissed:
		return true
	default:
		return false
	}
}

// Listing is one raw record from the external job-posting source,
// validated at the fetch boundary.
type Listing struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Organization string          `json:"organization,omitempty"`
	Location     string          `json:"location,omitempty"`
	URL          string          `json:"url,omitempty"`
	Description  string          `json:"description,omitempty"`
	RawPayload   json.RawMessage `json:"-"`
}

// Validate rejects structurally unusable records. A listing without a
// stable identifier cannot participate in reconciliation.
func (l Listing) Validate() error {
	if strings.TrimSpace(l.ID) == "" {
		return &ValidationError{Field: "id", Reason: "missing or blank identifier"}
	}
	return nil
}

// Entity is a known job listing with its lifecycle fields.
type Entity struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Organization string    `json:"organization,omitempty"`
	Location     string    `json:"location,omitempty"`
	URL          string    `json:"url,omitempty"`
	FirstSeenRun string    `json:"first_seen_run"`
	LastSeenRun  string    `json:"last_seen_run"`
	IsActive     bool      `json:"is_active"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// EntityState is the slice of prior state the reconciler needs per
// known identifier.
type EntityState struct {
	Active bool
	Digest string
}

// RunCounters summarizes one reconciliation pass.
// Invariant: Added+Maintained == TotalSeen. Skipped counts malformed
// records that never reached the diff.
type RunCounters struct {
	TotalSeen  int `json:"total_seen"`
	Added      int `json:"added"`
	Maintained int `json:"maintained"`
	Removed    int `json:"removed"`
	Skipped    int `json:"skipped"`
}

// Run is one reconciliation pass. FinishedAt is nil until the pass
// commits; a run that never finalizes is evidence of an aborted pass.
type Run struct {
	ID         string      `json:"id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Kind       RunKind     `json:"kind"`
	Categories []string    `json:"categories,omitempty"`
	Counters   RunCounters `json:"counters"`
}

// RunSummary is the caller-facing result of a committed pass.
type RunSummary struct {
	RunID      string      `json:"run_id"`
	Kind       RunKind     `json:"kind"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Counters   RunCounters `json:"counters"`
}

// Candidate is one active entity's embedding plus the denormalized
// display fields the ranker returns, loaded in a single pass.
type Candidate struct {
	EntityID     string
	Title        string
	Organization string
	Location     string
	URL          string
	LastSeenAt   time.Time
	Vector       []float32
}

// Match is one ranked result.
type Match struct {
	EntityID     string    `json:"entity_id"`
	Title        string    `json:"title"`
	Organization string    `json:"organization,omitempty"`
	Location     string    `json:"location,omitempty"`
	URL          string    `json:"url,omitempty"`
	Similarity   float64   `json:"similarity_score"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Profile is the single-user semantic fingerprint. Replaced wholesale
// whenever the resume is reprocessed.
type Profile struct {
	DisplayID    string    `json:"display_id"`
	SourceDigest string    `json:"source_digest"`
	Vector       []float32 `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Interaction is one recorded user action. Never mutated, never deleted.
type Interaction struct {
	EntityID   string          `json:"entity_id"`
	Kind       InteractionKind `json:"kind"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// ListQuery filters the active-entity listing.
type ListQuery struct {
	Keyword string
	Limit   int
	Offset  int
	Exclude []string
}
