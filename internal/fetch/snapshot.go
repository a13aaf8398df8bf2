package fetch

import (
	"context"

	"github.com/jobsift/jobsift/internal/engine"
)

// Snapshot lazily pages through the source for one crawl pass. It
// implements engine.Snapshot; nothing is fetched until Next is called.
// One Snapshot is consumed by exactly one reconciliation pass.
type Snapshot struct {
	ctx        context.Context
	client     *Client
	categories []string

	catIdx int
	page   int
	buf    []engine.Listing
	pos    int

	cur  engine.Listing
	err  error
	done bool
}

// Snapshot starts a crawl pass over the given categories. An empty
// category list means the full universe (a single unscoped sweep).
func (c *Client) Snapshot(ctx context.Context, categories []string) *Snapshot {
	if len(categories) == 0 {
		categories = []string{""}
	}
	return &Snapshot{
		ctx:        ctx,
		client:     c,
		categories: categories,
	}
}

// Next advances to the next listing, fetching pages on demand.
// It returns false on exhaustion or error; check Err afterwards.
func (s *Snapshot) Next() bool {
	for {
		if s.done || s.err != nil {
			return false
		}
		if s.pos < len(s.buf) {
			s.cur = s.buf[s.pos]
			s.pos++
			return true
		}
		if !s.fetchNextPage() {
			return false
		}
	}
}

// fetchNextPage fills the buffer from the current category, advancing
// to the next category when the current one is exhausted.
func (s *Snapshot) fetchNextPage() bool {
	for {
		if s.catIdx >= len(s.categories) {
			s.done = true
			return false
		}
		listings, _, err := s.client.fetchPage(s.ctx, s.categories[s.catIdx], s.page)
		if err != nil {
			s.err = err
			return false
		}
		if len(listings) == 0 {
			s.catIdx++
			s.page = 0
			continue
		}
		s.buf = listings
		s.pos = 0
		s.page++
		if len(listings) < s.client.cfg.PageSize {
			// Short page: this category is exhausted after the buffer.
			s.catIdx++
			s.page = 0
		}
		return true
	}
}

// Listing returns the record produced by the last successful Next.
func (s *Snapshot) Listing() engine.Listing {
	return s.cur
}

// Err reports the failure that stopped iteration, nil on clean
// exhaustion.
func (s *Snapshot) Err() error {
	return s.err
}
