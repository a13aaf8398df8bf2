// Package profile builds and replaces the single-user semantic profile.
package profile

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/engine"
)

// Service turns resume-derived text into the profile embedding. Each
// rebuild replaces the previous profile wholesale; no history is kept.
type Service struct {
	store    engine.ProfileStore
	embedder engine.Embedder
	hasher   engine.Hasher
	clock    engine.Clock
	logger   *zap.Logger
}

// New constructs a Service.
func New(
	store engine.ProfileStore,
	embedder engine.Embedder,
	hasher engine.Hasher,
	clock engine.Clock,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		hasher:   hasher,
		clock:    clock,
		logger:   logger,
	}
}

// Rebuild embeds the resume text and replaces the singleton profile.
func (s *Service) Rebuild(ctx context.Context, displayID, resumeText string) (engine.Profile, error) {
	resumeText = strings.TrimSpace(resumeText)
	if resumeText == "" {
		return engine.Profile{}, &engine.ValidationError{Field: "resume_text", Reason: "must not be empty"}
	}
	if displayID == "" {
		displayID = "default"
	}

	digest, err := s.hasher.Hash([]byte(resumeText))
	if err != nil {
		return engine.Profile{}, fmt.Errorf("digest resume text: %w", err)
	}
	vec, err := s.embedder.Embed(ctx, resumeText)
	if err != nil {
		return engine.Profile{}, fmt.Errorf("embed resume text: %w", err)
	}

	p := engine.Profile{
		DisplayID:    displayID,
		SourceDigest: digest,
		Vector:       vec,
		UpdatedAt:    s.clock.Now(),
	}
	if err := s.store.Replace(ctx, p); err != nil {
		return engine.Profile{}, fmt.Errorf("replace profile: %w", err)
	}
	s.logger.Info("profile rebuilt",
		zap.String("display_id", displayID),
		zap.String("source_digest", digest),
		zap.Int("dimensions", len(vec)),
	)
	return p, nil
}

// Get returns the current profile, or engine.ErrProfileMissing if none
// has been built.
func (s *Service) Get(ctx context.Context) (engine.Profile, error) {
	p, err := s.store.Get(ctx)
	if err != nil {
		return engine.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	return p, nil
}
