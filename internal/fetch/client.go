// Package fetch is the boundary to the external job-listing source.
// It pages through the source's search API behind the token-bucket
// rate limiter and yields validated listing records lazily.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/engine"
	"github.com/jobsift/jobsift/internal/ratelimit"
)

// Config controls the listing source client.
type Config struct {
	BaseURL    string
	UserAgent  string
	PageSize   int
	MaxRetries int
	Timeout    time.Duration
}

// Client fetches listing pages from the source API.
type Client struct {
	cfg     Config
	limiter *ratelimit.Limiter
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a Client. The limiter is the only place fetch
// operations block; every page request acquires a token first.
func NewClient(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		limiter: limiter,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// searchResponse mirrors the top-level source JSON response.
type searchResponse struct {
	Results []json.RawMessage `json:"results"`
	Total   int               `json:"total"`
}

// searchResult mirrors a single listing record. Extraction stays
// defensive: the source model can evolve.
type searchResult struct {
	UUID    string `json:"uuid"`
	Title   string `json:"title"`
	Company struct {
		Name string `json:"name"`
	} `json:"company"`
	Address struct {
		Country    string `json:"country"`
		PostalCode string `json:"postalCode"`
		Street     string `json:"street"`
	} `json:"address"`
	Metadata struct {
		JobDetailsURL string `json:"jobDetailsUrl"`
	} `json:"metadata"`
	Description string `json:"description"`
}

func (r searchResult) location() string {
	switch {
	case r.Address.Country != "":
		return r.Address.Country
	case r.Address.PostalCode != "":
		return r.Address.PostalCode
	default:
		return r.Address.Street
	}
}

// fetchPage retrieves one page of listings for a category. Transient
// failures (timeouts, 429, 5xx) are retried with jittered backoff up
// to MaxRetries; the final failure surfaces as an engine.FetchError.
func (c *Client) fetchPage(ctx context.Context, category string, page int) ([]engine.Listing, int, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parse source url: %w", err)
	}
	u = u.JoinPath("v2", "search")
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	if category != "" {
		q.Set("category", category)
	}
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("acquire fetch token: %w", err)
		}

		listings, total, err := c.doPage(ctx, u.String())
		if err == nil {
			return listings, total, nil
		}
		lastErr = err
		if attempt >= c.cfg.MaxRetries || !retryable(err) {
			break
		}
		delay := backoff(attempt)
		c.logger.Warn("page fetch failed, retrying",
			zap.String("url", u.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, 0, &engine.FetchError{URL: u.String(), Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return nil, 0, lastErr
}

func (c *Client) doPage(ctx context.Context, pageURL string) ([]engine.Listing, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build page request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &engine.FetchError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, 0, &engine.FetchError{
			URL:        pageURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status"),
		}
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, 0, &engine.FetchError{URL: pageURL, Err: fmt.Errorf("decode page: %w", err)}
	}

	listings := make([]engine.Listing, 0, len(sr.Results))
	for _, raw := range sr.Results {
		var r searchResult
		if err := json.Unmarshal(raw, &r); err != nil {
			// Structurally broken record; the reconciler counts it
			// as skipped via the blank identifier.
			c.logger.Warn("undecodable listing record", zap.Error(err))
			listings = append(listings, engine.Listing{RawPayload: raw})
			continue
		}
		listings = append(listings, engine.Listing{
			ID:           r.UUID,
			Title:        r.Title,
			Organization: r.Company.Name,
			Location:     r.location(),
			URL:          r.Metadata.JobDetailsURL,
			Description:  r.Description,
			RawPayload:   raw,
		})
	}
	return listings, sr.Total, nil
}

// retryable reports whether the failure is worth another attempt.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fe *engine.FetchError
	if errors.As(err, &fe) {
		if fe.StatusCode == 0 {
			var netErr net.Error
			if errors.As(fe.Err, &netErr) {
				return netErr.Timeout()
			}
			return true
		}
		return fe.StatusCode == http.StatusTooManyRequests || fe.StatusCode >= 500
	}
	return false
}

func backoff(attempt int) time.Duration {
	delay := 250 * time.Millisecond << attempt
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	return delay
}
