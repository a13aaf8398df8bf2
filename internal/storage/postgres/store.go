package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/jobsift/jobsift/internal/engine"
)

// DB is the subset of pgxpool.Pool the store uses. pgxmock pools
// implement it, which is how the store tests run without a database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store persists runs, entities, embeddings, interactions and the
// profile in Postgres. Vectors live in pgvector columns.
type Store struct {
	db DB
}

// New opens a connection pool, verifies connectivity and ensures the
// schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection. Used by tests with pgxmock.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `SELECT 1`); err != nil {
		return &engine.StoreError{Op: "ping", Err: err}
	}
	return nil
}

const entityColumns = `entity_id, first_seen_run, last_seen_run, is_active,
	first_seen_at, last_seen_at, title, organization, location, url`

func scanEntity(row pgx.Row) (engine.Entity, error) {
	var e engine.Entity
	err := row.Scan(&e.ID, &e.FirstSeenRun, &e.LastSeenRun, &e.IsActive,
		&e.FirstSeenAt, &e.LastSeenAt, &e.Title, &e.Organization,
		&e.Location, &e.URL)
	return e, err
}

// GetEntity returns a single entity or engine.ErrUnknownEntity.
func (s *Store) GetEntity(ctx context.Context, id string) (engine.Entity, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE entity_id = $1`, id)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Entity{}, fmt.Errorf("entity %q: %w", id, engine.ErrUnknownEntity)
	}
	if err != nil {
		return engine.Entity{}, &engine.StoreError{Op: "get entity", Err: err}
	}
	return e, nil
}

// ListActive returns active entities ordered by recency. The keyword
// matches title, organization and location case-insensitively.
func (s *Store) ListActive(ctx context.Context, q engine.ListQuery) ([]engine.Entity, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT ` + entityColumns + ` FROM entities WHERE is_active`)
	if kw := strings.TrimSpace(q.Keyword); kw != "" {
		args = append(args, "%"+kw+"%")
		cond := fmt.Sprintf(
			` AND (title ILIKE $%d OR organization ILIKE $%d OR location ILIKE $%d)`,
			len(args), len(args), len(args))
		sb.WriteString(cond)
	}
	if len(q.Exclude) > 0 {
		args = append(args, q.Exclude)
		sb.WriteString(fmt.Sprintf(` AND entity_id != ALL($%d)`, len(args)))
	}
	sb.WriteString(` ORDER BY last_seen_at DESC, entity_id`)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(fmt.Sprintf(` LIMIT $%d`, len(args)))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sb.WriteString(fmt.Sprintf(` OFFSET $%d`, len(args)))
	}

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, &engine.StoreError{Op: "list active", Err: err}
	}
	defer rows.Close()

	var out []engine.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, &engine.StoreError{Op: "list active", Err: err}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &engine.StoreError{Op: "list active", Err: err}
	}
	return out, nil
}

// ActiveCount returns the number of active entities.
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM entities WHERE is_active`).Scan(&n)
	if err != nil {
		return 0, &engine.StoreError{Op: "active count", Err: err}
	}
	return n, nil
}

// RecentRuns returns finished runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]engine.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT run_id, started_at, finished_at, kind, categories,
			total_seen, added, maintained, removed, skipped
		FROM runs WHERE finished_at IS NOT NULL
		ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, &engine.StoreError{Op: "recent runs", Err: err}
	}
	defer rows.Close()

	var out []engine.Run
	for rows.Next() {
		var (
			r    engine.Run
			cats []byte
		)
		err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Kind, &cats,
			&r.Counters.TotalSeen, &r.Counters.Added, &r.Counters.Maintained,
			&r.Counters.Removed, &r.Counters.Skipped)
		if err != nil {
			return nil, &engine.StoreError{Op: "recent runs", Err: err}
		}
		if len(cats) > 0 {
			if err := json.Unmarshal(cats, &r.Categories); err != nil {
				return nil, &engine.StoreError{Op: "recent runs", Err: err}
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &engine.StoreError{Op: "recent runs", Err: err}
	}
	return out, nil
}

// ActiveCandidates streams every active entity that has an embedding,
// in one query, for the ranker.
func (s *Store) ActiveCandidates(ctx context.Context) ([]engine.Candidate, error) {
	rows, err := s.db.Query(ctx,
		`SELECT e.entity_id, e.title, e.organization, e.location, e.url,
			e.last_seen_at, m.embedding
		FROM embeddings m
		JOIN entities e ON e.entity_id = m.entity_id
		WHERE e.is_active`)
	if err != nil {
		return nil, &engine.StoreError{Op: "active candidates", Err: err}
	}
	defer rows.Close()

	var out []engine.Candidate
	for rows.Next() {
		var (
			c   engine.Candidate
			vec pgvector.Vector
		)
		err := rows.Scan(&c.EntityID, &c.Title, &c.Organization, &c.Location,
			&c.URL, &c.LastSeenAt, &vec)
		if err != nil {
			return nil, &engine.StoreError{Op: "active candidates", Err: err}
		}
		c.Vector = vec.Slice()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &engine.StoreError{Op: "active candidates", Err: err}
	}
	return out, nil
}

// Record appends an interaction row. The log is append-only.
func (s *Store) Record(ctx context.Context, in engine.Interaction) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO interactions (entity_id, kind, recorded_at) VALUES ($1, $2, $3)`,
		in.EntityID, in.Kind, in.RecordedAt)
	if err != nil {
		return &engine.StoreError{Op: "record interaction", Err: err}
	}
	return nil
}

// ExclusionSet returns the distinct entity IDs with at least one
// interaction of any kind.
func (s *Store) ExclusionSet(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT entity_id FROM interactions`)
	if err != nil {
		return nil, &engine.StoreError{Op: "exclusion set", Err: err}
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &engine.StoreError{Op: "exclusion set", Err: err}
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, &engine.StoreError{Op: "exclusion set", Err: err}
	}
	return out, nil
}

// Get returns the stored profile or engine.ErrProfileMissing.
func (s *Store) Get(ctx context.Context) (engine.Profile, error) {
	var (
		p   engine.Profile
		vec pgvector.Vector
	)
	err := s.db.QueryRow(ctx,
		`SELECT display_id, source_digest, embedding, updated_at FROM profile`).
		Scan(&p.DisplayID, &p.SourceDigest, &vec, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Profile{}, engine.ErrProfileMissing
	}
	if err != nil {
		return engine.Profile{}, &engine.StoreError{Op: "get profile", Err: err}
	}
	p.Vector = vec.Slice()
	return p, nil
}

// Replace overwrites the single profile row.
func (s *Store) Replace(ctx context.Context, p engine.Profile) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO profile (onerow, display_id, source_digest, embedding, updated_at)
		VALUES (TRUE, $1, $2, $3, $4)
		ON CONFLICT (onerow) DO UPDATE SET
			display_id = EXCLUDED.display_id,
			source_digest = EXCLUDED.source_digest,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at`,
		p.DisplayID, p.SourceDigest, pgvector.NewVector(p.Vector), p.UpdatedAt)
	if err != nil {
		return &engine.StoreError{Op: "replace profile", Err: err}
	}
	return nil
}
