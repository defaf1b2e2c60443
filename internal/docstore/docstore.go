// Package docstore wraps the authoritative document store behind a typed
// per-collection interface. The production implementation keeps documents as
// jsonb rows in Postgres; an in-memory twin backs the tests.
package docstore

import (
	"context"
	"errors"

	"github.com/fieldlink/fieldlink-api/internal/entity"
	"github.com/fieldlink/fieldlink-api/internal/timeutil"
)

var (
	// ErrNotFound is returned when a document id has no row.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrTransient wraps storage failures the client may retry.
	ErrTransient = errors.New("docstore: transient storage error")
)

// Store is the document-store surface the sync engine depends on.
//
// Set replaces the whole document and stamps created_at, plus updated_at when
// the record does not carry one. Update merges the patch into the existing
// document and stamps updated_at when absent from the patch. Reads return
// records whose created_at/updated_at are normalized to RFC3339 strings.
type Store interface {
	Get(ctx context.Context, collection, id string) (entity.Record, error)
	Set(ctx context.Context, collection, id string, rec entity.Record) error
	Update(ctx context.Context, collection, id string, patch entity.Record) error
	Delete(ctx context.Context, collection, id string) error
	WhereEquals(ctx context.Context, collection, field string, value any) ([]entity.Record, error)
	List(ctx context.Context, collection string) ([]entity.Record, error)
}

// Normalize rewrites the bookkeeping timestamp fields of a record to RFC3339
// strings so callers always compare like with like. Unparseable values are
// left untouched; staleness treats them as unknown.
func Normalize(rec entity.Record) entity.Record {
	for _, f := range []string{"created_at", "updated_at"} {
		if v, ok := rec[f]; ok && v != nil {
			if t := timeutil.ToInstant(v); t != nil {
				rec[f] = timeutil.RFC3339(*t)
			}
		}
	}
	return rec
}
