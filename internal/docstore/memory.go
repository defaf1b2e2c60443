package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/fieldlink/fieldlink-api/internal/entity"
	"github.com/fieldlink/fieldlink-api/internal/timeutil"
)

// Memory is an in-memory Store for tests and local development. Safe for
// concurrent use; data is not persisted.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]entity.Record

	// Now overrides the clock for deterministic tests.
	Now func() time.Time
}

// NewMemory returns an empty in-memory document store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string]entity.Record),
		Now:  time.Now,
	}
}

func (s *Memory) coll(name string) map[string]entity.Record {
	c, ok := s.data[name]
	if !ok {
		c = make(map[string]entity.Record)
		s.data[name] = c
	}
	return c
}

func (s *Memory) Get(_ context.Context, collection, id string) (entity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return Normalize(entity.Clone(rec)), nil
}

func (s *Memory) Set(_ context.Context, collection, id string, rec entity.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := timeutil.RFC3339(s.Now())
	stored := entity.Clone(rec)
	if prev, ok := s.data[collection][id]; ok {
		// created_at survives a full replace, matching server-assigned
		// column behavior.
		stored["created_at"] = prev["created_at"]
	} else if timeutil.ToInstant(stored["created_at"]) == nil {
		stored["created_at"] = now
	}
	if timeutil.ToInstant(stored["updated_at"]) == nil {
		stored["updated_at"] = now
	}
	s.coll(collection)[id] = Normalize(stored)
	return nil
}

func (s *Memory) Update(_ context.Context, collection, id string, patch entity.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	merged := entity.Clone(rec)
	for k, v := range patch {
		merged[k] = v
	}
	if timeutil.ToInstant(patch["updated_at"]) == nil {
		merged["updated_at"] = timeutil.RFC3339(s.Now())
	}
	s.data[collection][id] = Normalize(merged)
	return nil
}

func (s *Memory) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[collection], id)
	return nil
}

func (s *Memory) WhereEquals(_ context.Context, collection, field string, value any) ([]entity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.Record, 0)
	for _, rec := range s.data[collection] {
		if v, ok := rec[field]; ok && entity.Equal(v, value) {
			out = append(out, Normalize(entity.Clone(rec)))
		}
	}
	return out, nil
}

func (s *Memory) List(_ context.Context, collection string) ([]entity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.Record, 0, len(s.data[collection]))
	for _, rec := range s.data[collection] {
		out = append(out, Normalize(entity.Clone(rec)))
	}
	return out, nil
}
