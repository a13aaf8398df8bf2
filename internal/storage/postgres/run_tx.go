package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/jobsift/jobsift/internal/engine"
)

// BeginRun opens a transaction and writes the in-progress run row
// inside it. The row becomes visible only when the transaction commits.
func (s *Store) BeginRun(ctx context.Context, run engine.Run) (engine.RunTx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, &engine.StoreError{Op: "begin run", Err: err}
	}

	cats, err := json.Marshal(run.Categories)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, &engine.StoreError{Op: "begin run", Err: err}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO runs (run_id, started_at, kind, categories) VALUES ($1, $2, $3, $4)`,
		run.ID, run.StartedAt, run.Kind, cats)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, &engine.StoreError{Op: "begin run", Err: err}
	}
	return &runTx{tx: tx, run: run}, nil
}

type runTx struct {
	tx  pgx.Tx
	run engine.Run
}

func (t *runTx) Run() engine.Run { return t.run }

func (t *runTx) KnownEntities(ctx context.Context) (map[string]engine.EntityState, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT e.entity_id, e.is_active, COALESCE(m.digest, '')
		FROM entities e
		LEFT JOIN embeddings m ON m.entity_id = e.entity_id`)
	if err != nil {
		return nil, &engine.StoreError{Op: "known entities", Err: err}
	}
	defer rows.Close()

	out := make(map[string]engine.EntityState)
	for rows.Next() {
		var (
			id string
			st engine.EntityState
		)
		if err := rows.Scan(&id, &st.Active, &st.Digest); err != nil {
			return nil, &engine.StoreError{Op: "known entities", Err: err}
		}
		out[id] = st
	}
	if err := rows.Err(); err != nil {
		return nil, &engine.StoreError{Op: "known entities", Err: err}
	}
	return out, nil
}

// UpsertSeen inserts or refreshes one entity. Blank incoming display
// fields never overwrite previously stored values.
func (t *runTx) UpsertSeen(ctx context.Context, l engine.Listing, seenAt time.Time) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO entities (entity_id, first_seen_run, last_seen_run, is_active,
			first_seen_at, last_seen_at, title, organization, location, url, raw_payload)
		VALUES ($1, $2, $2, TRUE, $3, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_id) DO UPDATE SET
			last_seen_run = EXCLUDED.last_seen_run,
			last_seen_at = EXCLUDED.last_seen_at,
			is_active = TRUE,
			title = COALESCE(NULLIF(EXCLUDED.title, ''), entities.title),
			organization = COALESCE(NULLIF(EXCLUDED.organization, ''), entities.organization),
			location = COALESCE(NULLIF(EXCLUDED.location, ''), entities.location),
			url = COALESCE(NULLIF(EXCLUDED.url, ''), entities.url),
			raw_payload = COALESCE(EXCLUDED.raw_payload, entities.raw_payload)`,
		l.ID, t.run.ID, seenAt, l.Title, l.Organization, l.Location, l.URL,
		rawOrNil(l.RawPayload))
	if err != nil {
		return &engine.StoreError{Op: "upsert entity", Err: err}
	}
	return nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// Deactivate flips is_active only; last-seen fields keep their final
// observed values.
func (t *runTx) Deactivate(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE entities SET is_active = FALSE WHERE entity_id = ANY($1)`, ids)
	if err != nil {
		return &engine.StoreError{Op: "deactivate entities", Err: err}
	}
	return nil
}

func (t *runTx) RecordStatuses(ctx context.Context, kind engine.RunStatusKind, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO run_status (run_id, entity_id, status)
		SELECT $1, unnest($2::text[]), $3
		ON CONFLICT (run_id, entity_id) DO UPDATE SET status = EXCLUDED.status`,
		t.run.ID, ids, kind)
	if err != nil {
		return &engine.StoreError{Op: "record statuses", Err: err}
	}
	return nil
}

func (t *runTx) UpsertEmbedding(ctx context.Context, entityID, digest string, vec []float32) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO embeddings (entity_id, digest, vector_dimension, embedding, embedded_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (entity_id) DO UPDATE SET
			digest = EXCLUDED.digest,
			vector_dimension = EXCLUDED.vector_dimension,
			embedding = EXCLUDED.embedding,
			embedded_at = EXCLUDED.embedded_at`,
		entityID, digest, len(vec), pgvector.NewVector(vec))
	if err != nil {
		return &engine.StoreError{Op: "upsert embedding", Err: err}
	}
	return nil
}

func (t *runTx) DeleteEmbeddings(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.Exec(ctx,
		`DELETE FROM embeddings WHERE entity_id = ANY($1)`, ids)
	if err != nil {
		return &engine.StoreError{Op: "delete embeddings", Err: err}
	}
	return nil
}

func (t *runTx) Finalize(ctx context.Context, finishedAt time.Time, c engine.RunCounters) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE runs SET finished_at = $2, total_seen = $3, added = $4,
			maintained = $5, removed = $6, skipped = $7
		WHERE run_id = $1`,
		t.run.ID, finishedAt, c.TotalSeen, c.Added, c.Maintained, c.Removed, c.Skipped)
	if err != nil {
		return &engine.StoreError{Op: "finalize run", Err: err}
	}
	t.run.FinishedAt = &finishedAt
	t.run.Counters = c
	return nil
}

func (t *runTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return &engine.StoreError{Op: "commit run", Err: err}
	}
	return nil
}

func (t *runTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		return &engine.StoreError{Op: "rollback run", Err: err}
	}
	return nil
}
