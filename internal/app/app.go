// Package app wires configuration, storage and services into a
// runnable application.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jobsift/jobsift/internal/api"
	"github.com/jobsift/jobsift/internal/clock/system"
	"github.com/jobsift/jobsift/internal/config"
	"github.com/jobsift/jobsift/internal/embedder"
	"github.com/jobsift/jobsift/internal/engine"
	"github.com/jobsift/jobsift/internal/fetch"
	"github.com/jobsift/jobsift/internal/hash/sha256"
	"github.com/jobsift/jobsift/internal/id/uuid"
	"github.com/jobsift/jobsift/internal/interactions"
	"github.com/jobsift/jobsift/internal/logging"
	"github.com/jobsift/jobsift/internal/metrics"
	"github.com/jobsift/jobsift/internal/profile"
	"github.com/jobsift/jobsift/internal/rank"
	"github.com/jobsift/jobsift/internal/ratelimit"
	"github.com/jobsift/jobsift/internal/reconcile"
	"github.com/jobsift/jobsift/internal/scheduler"
	"github.com/jobsift/jobsift/internal/storage/memory"
	"github.com/jobsift/jobsift/internal/storage/postgres"
)

// App is the composition root. A DSN selects the Postgres store;
// without one everything runs on the in-memory store.
type App struct {
	Cfg    config.Config
	Logger *zap.Logger

	Fetcher    *fetch.Client
	Reconciler *reconcile.Reconciler
	Ranker     *rank.Ranker
	Tracker    *interactions.Tracker
	Profiles   *profile.Service
	Entities   engine.EntityStore
	Server     *api.Server
	Scheduler  *scheduler.Scheduler

	pg *postgres.Store
}

// New loads configuration and builds every service.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	metrics.Init()

	a := &App{Cfg: cfg, Logger: logger}

	var (
		entities engine.EntityStore
		source   engine.EmbeddingSource
		interSt  engine.InteractionStore
		profSt   engine.ProfileStore
		pinger   api.Pinger
	)
	if cfg.DB.DSN != "" {
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.pg = pg
		entities, source, interSt, profSt, pinger = pg, pg, pg, pg, pg
		logger.Info("using postgres store")
	} else {
		mem := memory.New()
		entities, source, interSt, profSt = mem, mem, mem, mem
		logger.Warn("no db.dsn configured, state is in-memory only")
	}
	a.Entities = entities

	clk := system.New()
	hasher := sha256.New()
	ids := uuid.New()

	emb := embedder.New(embedder.Config{
		Endpoint:   cfg.Embedder.Endpoint,
		APIKey:     cfg.Embedder.APIKey,
		Model:      cfg.Embedder.Model,
		Dimensions: cfg.Embedder.Dimensions,
		Timeout:    cfg.EmbedderTimeout(),
	})

	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Source.RPS,
		Burst: cfg.Source.Burst,
	})
	a.Fetcher = fetch.NewClient(fetch.Config{
		BaseURL:    cfg.Source.BaseURL,
		UserAgent:  cfg.Source.UserAgent,
		PageSize:   cfg.Source.PageSize,
		MaxRetries: cfg.Source.MaxRetries,
		Timeout:    cfg.SourceTimeout(),
	}, limiter, logger.Named("fetch"))

	a.Reconciler = reconcile.New(entities, emb, hasher, clk, ids, logger.Named("reconcile"))
	a.Tracker = interactions.New(interSt, entities, clk, logger.Named("interactions"))
	a.Ranker = rank.New(profSt, source, interSt, clk, logger.Named("rank"))
	a.Profiles = profile.New(profSt, emb, hasher, clk, logger.Named("profile"))

	a.Server = api.NewServer(entities, a.Crawl, a.Ranker, a.Tracker, a.Profiles,
		pinger, cfg, logger.Named("api"))

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(cfg.Scheduler.Spec, a.Crawl,
			cfg.Source.Categories, logger.Named("scheduler"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init scheduler: %w", err)
		}
		a.Scheduler = sched
	}

	return a, nil
}

// Crawl fetches one snapshot from the source and reconciles it.
// Incremental passes without explicit categories fall back to the
// configured category scope; full passes always cover the whole
// universe.
func (a *App) Crawl(ctx context.Context, kind engine.RunKind, categories []string) (engine.RunSummary, error) {
	if kind == engine.RunKindFull {
		categories = nil
	} else if len(categories) == 0 {
		categories = a.Cfg.Source.Categories
	}
	snap := a.Fetcher.Snapshot(ctx, categories)
	return a.Reconciler.Reconcile(ctx, snap, kind, categories)
}

// Close flushes the logger and releases the store.
func (a *App) Close() {
	if a.pg != nil {
		a.pg.Close()
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}
