package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink/fieldlink-api/internal/entity"
	"github.com/fieldlink/fieldlink-api/internal/timeutil"
)

// PG stores documents as jsonb rows in a single table keyed by
// (collection, id). Timestamps live in dedicated columns so the server can
// assign them; reads fold them back into the payload.
type PG struct {
	Pool *pgxpool.Pool
}

// NewPG wraps a pgx pool as a document store.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{Pool: pool}
}

func (s *PG) Get(ctx context.Context, collection, id string) (entity.Record, error) {
	var payload entity.Record
	var createdAt, updatedAt time.Time
	err := s.Pool.QueryRow(ctx, `
		SELECT payload, created_at, updated_at
		FROM document
		WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&payload, &createdAt, &updatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		log.Error().Err(err).Str("collection", collection).Str("id", id).Msg("document get failed")
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fold(payload, createdAt, updatedAt), nil
}

func (s *PG) Set(ctx context.Context, collection, id string, rec entity.Record) error {
	createdAt := timeutil.ToInstant(rec["created_at"])
	updatedAt := timeutil.ToInstant(rec["updated_at"])
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO document (collection, id, payload, created_at, updated_at)
		VALUES ($1, $2, $3, COALESCE($4, now()), COALESCE($5, now()))
		ON CONFLICT (collection, id) DO UPDATE SET
			payload    = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`, collection, id, payload, createdAt, updatedAt)
	if err != nil {
		log.Error().Err(err).Str("collection", collection).Str("id", id).Msg("document set failed")
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

func (s *PG) Update(ctx context.Context, collection, id string, patch entity.Record) error {
	updatedAt := timeutil.ToInstant(patch["updated_at"])
	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE document SET
			payload    = payload || $3,
			updated_at = COALESCE($4, now())
		WHERE collection = $1 AND id = $2
	`, collection, id, payload, updatedAt)
	if err != nil {
		log.Error().Err(err).Str("collection", collection).Str("id", id).Msg("document update failed")
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PG) Delete(ctx context.Context, collection, id string) error {
	_, err := s.Pool.Exec(ctx, `
		DELETE FROM document WHERE collection = $1 AND id = $2
	`, collection, id)
	if err != nil {
		log.Error().Err(err).Str("collection", collection).Str("id", id).Msg("document delete failed")
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// WhereEquals matches by jsonb containment so numeric values compare
// numerically (40 hits 40.0) and the field index stays usable.
func (s *PG) WhereEquals(ctx context.Context, collection, field string, value any) ([]entity.Record, error) {
	probe, err := json.Marshal(entity.Record{field: value})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT payload, created_at, updated_at
		FROM document
		WHERE collection = $1 AND payload @> $2
	`, collection, probe)
	if err != nil {
		log.Error().Err(err).Str("collection", collection).Str("field", field).Msg("document query failed")
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer rows.Close()
	return collect(rows)
}

func (s *PG) List(ctx context.Context, collection string) ([]entity.Record, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT payload, created_at, updated_at
		FROM document
		WHERE collection = $1
		ORDER BY updated_at, id
	`, collection)
	if err != nil {
		log.Error().Err(err).Str("collection", collection).Msg("document list failed")
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]entity.Record, error) {
	out := make([]entity.Record, 0)
	for rows.Next() {
		var payload entity.Record
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&payload, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		out = append(out, fold(payload, createdAt, updatedAt))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return out, nil
}

// fold overlays the column timestamps onto the payload; the columns are
// authoritative because the server may have assigned them.
func fold(payload entity.Record, createdAt, updatedAt time.Time) entity.Record {
	if payload == nil {
		payload = entity.Record{}
	}
	payload["created_at"] = timeutil.RFC3339(createdAt)
	payload["updated_at"] = timeutil.RFC3339(updatedAt)
	return Normalize(payload)
}
