// Package rank scores active entities against the profile vector and
// produces the ordered match list.
package rank

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/engine"
	"github.com/jobsift/jobsift/internal/metrics"
)

// Options are the caller-supplied ranking filters.
type Options struct {
	ExcludeInteracted bool
	TopK              int
	MinSimilarity     float64
	MaxAgeDays        *int
}

// Ranker computes match rankings. It is read-only: it never mutates
// entities, embeddings, or interactions.
type Ranker struct {
	profiles     engine.ProfileStore
	embeddings   engine.EmbeddingSource
	interactions engine.InteractionStore
	clock        engine.Clock
	logger       *zap.Logger
}

// New constructs a Ranker.
func New(
	profiles engine.ProfileStore,
	embeddings engine.EmbeddingSource,
	interactions engine.InteractionStore,
	clock engine.Clock,
	logger *zap.Logger,
) *Ranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{
		profiles:     profiles,
		embeddings:   embeddings,
		interactions: interactions,
		clock:        clock,
		logger:       logger,
	}
}

// Rank loads the whole active working set in one pass, filters, scores,
// and returns at most TopK matches ordered by similarity descending,
// ties broken by last_seen_at descending. TopK <= 0 means no truncation.
//
// A dimension mismatch between the profile and any stored embedding
// fails the whole call: it signals a corrupt or stale index, not a bad
// candidate.
func (r *Ranker) Rank(ctx context.Context, opts Options) ([]engine.Match, error) {
	start := time.Now()

	profile, err := r.profiles.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	candidates, err := r.embeddings.ActiveCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active embeddings: %w", err)
	}

	var excluded map[string]struct{}
	if opts.ExcludeInteracted {
		excluded, err = r.interactions.ExclusionSet(ctx)
		if err != nil {
			return nil, fmt.Errorf("load exclusion set: %w", err)
		}
	}

	now := r.clock.Now()
	matches := make([]engine.Match, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Vector) != len(profile.Vector) {
			return nil, fmt.Errorf("entity %s has %d dimensions, profile has %d: %w",
				c.EntityID, len(c.Vector), len(profile.Vector), engine.ErrDimensionMismatch)
		}
		if _, skip := excluded[c.EntityID]; skip {
			continue
		}
		score := CosineSimilarity(profile.Vector, c.Vector)
		if score < opts.MinSimilarity {
			continue
		}
		if opts.MaxAgeDays != nil && ageDays(now, c.LastSeenAt) > *opts.MaxAgeDays {
			continue
		}
		matches = append(matches, engine.Match{
			EntityID:     c.EntityID,
			Title:        c.Title,
			Organization: c.Organization,
			Location:     c.Location,
			URL:          c.URL,
			Similarity:   score,
			LastSeenAt:   c.LastSeenAt,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].LastSeenAt.After(matches[j].LastSeenAt)
	})
	if opts.TopK > 0 && len(matches) > opts.TopK {
		matches = matches[:opts.TopK]
	}

	metrics.ObserveRank(len(matches), time.Since(start))
	return matches, nil
}

// CosineSimilarity computes dot(a,b)/(|a||b|) in double precision,
// clamped to [0,1] for display. Negative cosine is treated as 0: these
// are non-negative-context text vectors, and "opposite" is not
// meaningfully distinguishable from "unrelated". A zero-magnitude
// vector scores 0.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

// ageDays truncates fractional days: "day 0" means seen within the
// last 24 hours.
func ageDays(now, lastSeen time.Time) int {
	age := now.Sub(lastSeen)
	if age < 0 {
		return 0
	}
	return int(age / (24 * time.Hour))
}
