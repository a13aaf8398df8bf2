package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/engine"
	"github.com/jobsift/jobsift/internal/hash/sha256"
	"github.com/jobsift/jobsift/internal/interactions"
	"github.com/jobsift/jobsift/internal/metrics"
	"github.com/jobsift/jobsift/internal/profile"
	"github.com/jobsift/jobsift/internal/rank"
	"github.com/jobsift/jobsift/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeEmbedder struct{ vec []float32 }

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return e.vec, nil
}

func (e *fakeEmbedder) Dimensions() int { return len(e.vec) }

type fixture struct {
	store   *memory.Store
	crawls  []engine.RunKind
	crawlFn CrawlFunc
	srv     *httptest.Server
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()

	store := memory.New()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := fixedClock{t: now}
	emb := &fakeEmbedder{vec: []float32{1, 0}}

	f := &fixture{store: store}
	f.crawlFn = func(_ context.Context, kind engine.RunKind, _ []string) (engine.RunSummary, error) {
		f.crawls = append(f.crawls, kind)
		return engine.RunSummary{
			RunID:      "run-1",
			Kind:       kind,
			StartedAt:  now,
			FinishedAt: now.Add(time.Minute),
			Counters:   engine.RunCounters{TotalSeen: 1, Added: 1},
		}, nil
	}

	tracker := interactions.New(store, store, clk, nil)
	ranker := rank.New(store, store, store, clk, nil)
	profiles := profile.New(store, emb, sha256.New(), clk, nil)

	server := NewServer(store, func(ctx context.Context, kind engine.RunKind, cats []string) (engine.RunSummary, error) {
		return f.crawlFn(ctx, kind, cats)
	}, ranker, tracker, profiles, nil, cfg, nil)

	f.srv = httptest.NewServer(server.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func defaultConfig() config.Config {
	var cfg config.Config
	cfg.Matching.DefaultTopK = 25
	return cfg
}

func (f *fixture) seedActiveJob(id string, lastSeen time.Time) {
	f.store.SeedEntity(engine.Entity{
		ID: id, Title: "Engineer " + id, IsActive: true, LastSeenAt: lastSeen,
	}, []float32{1, 0}, "digest-"+id)
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.seedActiveJob("j1", now)

	ctx := context.Background()
	tx, err := f.store.BeginRun(ctx, engine.Run{
		ID: "run-health", Kind: engine.RunKindFull, StartedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Finalize(ctx, now.Add(time.Minute),
		engine.RunCounters{TotalSeen: 1, Added: 1}))
	require.NoError(t, tx.Commit(ctx))

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status         string      `json:"status"`
		ActiveEntities int         `json:"active_entities"`
		LastRun        *engine.Run `json:"last_run"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 1, body.ActiveEntities)
	require.NotNil(t, body.LastRun)
	require.Equal(t, "run-health", body.LastRun.ID)

	resp, err = http.Get(f.srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "go_goroutines")
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekret"
	f := newFixture(t, cfg)

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTriggerRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())

	resp := doJSON(t, http.MethodPost, f.srv.URL+"/v1/runs", map[string]any{"kind": "full"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary engine.RunSummary
	decodeBody(t, resp, &summary)
	require.Equal(t, "run-1", summary.RunID)
	require.Equal(t, engine.RunKindFull, summary.Kind)
	require.Equal(t, []engine.RunKind{engine.RunKindFull}, f.crawls)

	// Empty body defaults to incremental.
	resp = doJSON(t, http.MethodPost, f.srv.URL+"/v1/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.Equal(t, engine.RunKindIncremental, f.crawls[1])
}

func TestTriggerRunRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())

	resp := doJSON(t, http.MethodPost, f.srv.URL+"/v1/runs", map[string]any{"kind": "partial"})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, f.crawls)
}

func TestTriggerRunConflictWhileRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	f.crawlFn = func(context.Context, engine.RunKind, []string) (engine.RunSummary, error) {
		return engine.RunSummary{}, engine.ErrReconcileInProgress
	}

	resp := doJSON(t, http.MethodPost, f.srv.URL+"/v1/runs", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())

	resp, err := http.Get(f.srv.URL + "/v1/runs")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Runs []engine.Run `json:"runs"`
	}
	decodeBody(t, resp, &body)
	require.Empty(t, body.Runs)
}

func TestListJobsExcludesInteractedByDefault(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.seedActiveJob("j1", now)
	f.seedActiveJob("j2", now.Add(-time.Hour))

	resp := doJSON(t, http.MethodPost, f.srv.URL+"/v1/jobs/j2/interactions",
		map[string]string{"kind": "dismissed"})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Jobs []engine.Entity `json:"jobs"`
	}
	resp, err := http.Get(f.srv.URL + "/v1/jobs")
	require.NoError(t, err)
	decodeBody(t, resp, &body)
	require.Len(t, body.Jobs, 1)
	require.Equal(t, "j1", body.Jobs[0].ID)

	resp, err = http.Get(f.srv.URL + "/v1/jobs?include_interacted=true")
	require.NoError(t, err)
	decodeBody(t, resp, &body)
	require.Len(t, body.Jobs, 2)
}

func TestListJobsKeywordAndPagination(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		f.seedActiveJob(fmt.Sprintf("j%d", i), now.Add(-time.Duration(i)*time.Hour))
	}

	var body struct {
		Jobs []engine.Entity `json:"jobs"`
	}
	resp, err := http.Get(f.srv.URL + "/v1/jobs?limit=2&offset=1")
	require.NoError(t, err)
	decodeBody(t, resp, &body)
	require.Len(t, body.Jobs, 2)
	require.Equal(t, "j1", body.Jobs[0].ID)

	resp, err = http.Get(f.srv.URL + "/v1/jobs?q=engineer+j3")
	require.NoError(t, err)
	decodeBody(t, resp, &body)
	require.Len(t, body.Jobs, 1)
	require.Equal(t, "j3", body.Jobs[0].ID)
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.seedActiveJob("j1", now)

	var e engine.Entity
	resp, err := http.Get(f.srv.URL + "/v1/jobs/j1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &e)
	require.Equal(t, "j1", e.ID)

	resp, err = http.Get(f.srv.URL + "/v1/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecordInteractionValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.seedActiveJob("j1", now)

	resp := doJSON(t, http.MethodPost, f.srv.URL+"/v1/jobs/j1/interactions",
		map[string]string{"kind": "starred"})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, f.srv.URL+"/v1/jobs/missing/interactions",
		map[string]string{"kind": "viewed"})
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMatchesEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.seedActiveJob("j1", now)

	// No profile yet: conflict.
	resp, err := http.Get(f.srv.URL + "/v1/matches")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodPut, f.srv.URL+"/v1/profile",
		map[string]string{"display_id": "me", "resume_text": "go engineer"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Matches []engine.Match `json:"matches"`
	}
	resp, err = http.Get(f.srv.URL + "/v1/matches")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	require.Len(t, body.Matches, 1)
	require.Equal(t, "j1", body.Matches[0].EntityID)
	require.InDelta(t, 1.0, body.Matches[0].Similarity, 1e-6)

	resp, err = http.Get(f.srv.URL + "/v1/matches?min_similarity=1.5")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/v1/matches?max_age_days=-1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProfileEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())

	resp, err := http.Get(f.srv.URL + "/v1/profile")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodPut, f.srv.URL+"/v1/profile",
		map[string]string{"resume_text": "   "})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPut, f.srv.URL+"/v1/profile",
		map[string]string{"display_id": "me", "resume_text": "go engineer"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p engine.Profile
	decodeBody(t, resp, &p)
	require.Equal(t, "me", p.DisplayID)

	resp, err = http.Get(f.srv.URL + "/v1/profile")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &p)
	require.Equal(t, "me", p.DisplayID)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
