package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/engine"
	"github.com/jobsift/jobsift/internal/rank"
)

const defaultListLimit = 50

type triggerRunRequest struct {
	Kind       string   `json:"kind"`
	Categories []string `json:"categories"`
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	kind := engine.RunKindIncremental
	switch req.Kind {
	case "", string(engine.RunKindIncremental):
	case string(engine.RunKindFull):
		kind = engine.RunKindFull
	default:
		writeError(w, http.StatusBadRequest, "kind must be full or incremental")
		return
	}

	summary, err := s.crawl(r.Context(), kind, req.Categories)
	if err != nil {
		s.logger.Error("run failed", zap.Error(err))
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 20)
	runs, err := s.entities.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if runs == nil {
		runs = []engine.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := engine.ListQuery{
		Keyword: strings.TrimSpace(r.URL.Query().Get("q")),
		Limit:   intQuery(r, "limit", defaultListLimit),
		Offset:  intQuery(r, "offset", 0),
	}
	if !boolQuery(r, "include_interacted") {
		set, err := s.tracker.ExclusionSet(r.Context())
		if err != nil {
			writeError(w, statusForError(err), err.Error())
			return
		}
		for id := range set {
			q.Exclude = append(q.Exclude, id)
		}
	}

	jobs, err := s.entities.ListActive(r.Context(), q)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if jobs == nil {
		jobs = []engine.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	e, err := s.entities.GetEntity(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type interactionRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) recordInteraction(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id := chi.URLParam(r, "job_id")
	if err := s.tracker.Record(r.Context(), id, engine.InteractionKind(req.Kind)); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"entity_id": id,
		"kind":      req.Kind,
	})
}

func (s *Server) getMatches(w http.ResponseWriter, r *http.Request) {
	opts := rank.Options{
		ExcludeInteracted: !boolQuery(r, "include_interacted"),
		TopK:              intQuery(r, "top_k", s.cfg.Matching.DefaultTopK),
		MinSimilarity:     floatQuery(r, "min_similarity", 0),
	}
	if raw := r.URL.Query().Get("max_age_days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 0 {
			writeError(w, http.StatusBadRequest, "max_age_days must be a non-negative integer")
			return
		}
		opts.MaxAgeDays = &days
	}
	if opts.MinSimilarity < 0 || opts.MinSimilarity > 1 {
		writeError(w, http.StatusBadRequest, "min_similarity must be within [0, 1]")
		return
	}

	matches, err := s.ranker.Rank(r.Context(), opts)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	if matches == nil {
		matches = []engine.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.Get(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type profileRequest struct {
	DisplayID  string `json:"display_id"`
	ResumeText string `json:"resume_text"`
}

func (s *Server) putProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p, err := s.profiles.Rebuild(r.Context(), req.DisplayID, req.ResumeText)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// statusForError maps engine error kinds onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case engine.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrProfileMissing):
		return http.StatusConflict
	case errors.Is(err, engine.ErrReconcileInProgress):
		return http.StatusConflict
	case engine.IsFetchError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func floatQuery(r *http.Request, key string, def float64) float64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func boolQuery(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}
