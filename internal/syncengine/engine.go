// Package syncengine drives the per-entity sync and resolve-conflict state
// machines: staleness against the stored copy, secondary-uniqueness probes,
// same-entity auto-merge, and strategy application on explicit resolution.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fieldlink/fieldlink-api/internal/authstore"
	"github.com/fieldlink/fieldlink-api/internal/conflict"
	"github.com/fieldlink/fieldlink-api/internal/docstore"
	"github.com/fieldlink/fieldlink-api/internal/entity"
	"github.com/fieldlink/fieldlink-api/internal/identity"
	"github.com/fieldlink/fieldlink-api/internal/timeutil"
	"github.com/fieldlink/fieldlink-api/internal/validate"
)

// Engine composes the stores and pure kits into the two operations every
// kind exposes. It is stateless between requests; all shared state lives in
// the stores.
type Engine struct {
	Docs docstore.Store
	Auth authstore.Store

	// Now overrides the clock for deterministic tests.
	Now func() time.Time

	locks *keyLock
}

// New builds an engine over the given stores.
func New(docs docstore.Store, auth authstore.Store) *Engine {
	return &Engine{Docs: docs, Auth: auth, Now: time.Now, locks: newKeyLock()}
}

// Outcome is a ready-to-write HTTP result. The engine decides status codes
// because the sync protocol is defined in terms of them; handlers only
// serialize.
type Outcome struct {
	Status int
	Body   map[string]any
}

func transientOutcome(msg string) Outcome {
	return Outcome{Status: http.StatusInternalServerError, Body: map[string]any{
		"success": false,
		"message": msg,
	}}
}

func badRequest(body map[string]any) Outcome {
	return Outcome{Status: http.StatusBadRequest, Body: body}
}

// Sync attempts to apply one client write for the given kind.
func (e *Engine) Sync(ctx context.Context, m entity.Meta, client entity.Record) Outcome {
	if ferr := validate.Record(m.Kind, client); ferr != nil {
		return badRequest(map[string]any{
			"error":  "validation failed",
			"field":  ferr.Field,
			"reason": ferr.Reason,
		})
	}

	pk := entity.Stringify(client[m.PrimaryKey])
	release := e.locks.acquire(e.lockKeys(m, client))
	defer release()

	server, err := e.Docs.Get(ctx, m.Collection, pk)
	switch {
	case err == nil:
	case errors.Is(err, docstore.ErrNotFound):
		server = nil
	default:
		return transientOutcome("failed to load current record")
	}

	now := e.Now()

	if server != nil {
		cT := timeutil.ToInstant(client["updated_at"])
		sT := timeutil.ToInstant(server["updated_at"])
		if timeutil.Compare(cT, sT, now) < 0 {
			return Outcome{Status: http.StatusConflict, Body: map[string]any{
				"error":              "Conflict detected: the server has a newer copy of this record",
				"conflict_field":     "updated_at",
				"latest_data":        server,
				"allowed_strategies": conflict.Names(conflict.BaseStrategies(m)),
				"client_id":          pk,
				"server_id":          pk,
			}}
		}
	}

	createPath := server == nil

	hit, field, terr := e.probeUniques(ctx, m, client, server, pk, createPath)
	if terr != nil {
		return transientOutcome("uniqueness check failed")
	}
	if hit != nil {
		res := identity.IsSame(m, client, hit, e.identityEnv(ctx))
		serverPK := entity.Stringify(hit[m.PrimaryKey])
		switch {
		case res.Same && createPath:
			merged := identity.AutoMerge(m, client, hit, timeutil.RFC3339(now))
			delete(merged, "password") // never persist a plaintext credential
			if err := e.Docs.Set(ctx, m.Collection, serverPK, merged); err != nil {
				return transientOutcome("auto-merge write failed")
			}
			log.Info().
				Str("kind", string(m.Kind)).
				Str("client_id", pk).
				Str("server_id", serverPK).
				Float64("score", res.Score).
				Msg("secondary-uniqueness collision auto-merged as same entity")
			return Outcome{Status: http.StatusOK, Body: map[string]any{
				"success":                          true,
				"message":                          fmt.Sprintf("existing %s matched and merged", snake(m.Kind)),
				"resolved_as":                      fmt.Sprintf("same_%s_detected", snake(m.Kind)),
				fmt.Sprintf("server_%s_id", snake(m.Kind)): serverPK,
			}}
		case res.Same:
			return Outcome{Status: http.StatusConflict, Body: map[string]any{
				"error":              "Conflict detected: an existing record looks like the same " + snake(m.Kind),
				"conflict_field":     field,
				"conflict_type":      fmt.Sprintf("potential_duplicate_%s", snake(m.Kind)),
				"latest_data":        hit,
				"allowed_strategies": conflict.Names([]conflict.Strategy{conflict.ClientWins, conflict.ServerWins, conflict.Merge}),
				"client_id":          pk,
				"server_id":          serverPK,
			}}
		default:
			strategies := []conflict.Strategy{conflict.ClientWins}
			if !createPath {
				strategies = conflict.BaseStrategies(m)
			}
			return Outcome{Status: http.StatusConflict, Body: map[string]any{
				"error":              fmt.Sprintf("Conflict detected: %s value already in use", field),
				"conflict_field":     field,
				"conflict_type":      "unique_constraint",
				"latest_data":        hit,
				"allowed_strategies": conflict.Names(strategies),
				"client_id":          pk,
				"server_id":          serverPK,
			}}
		}
	}

	stored := entity.Clone(client)
	delete(stored, "password")
	if createPath {
		if err := e.Docs.Set(ctx, m.Collection, pk, stored); err != nil {
			return transientOutcome("create failed")
		}
	} else {
		if err := e.Docs.Update(ctx, m.Collection, pk, stored); err != nil {
			return transientOutcome("update failed")
		}
	}

	return Outcome{Status: http.StatusOK, Body: map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("%s synced", snake(m.Kind)),
		m.PrimaryKey:   pk,
		isNewKey(m):    createPath,
	}}
}

// Resolve applies a client-chosen strategy to a previously reported conflict.
func (e *Engine) Resolve(ctx context.Context, m entity.Meta, pk string, strategy conflict.Strategy, clientData entity.Record) Outcome {
	if pk == "" {
		return badRequest(map[string]any{"error": "missing " + m.PrimaryKey})
	}
	if clientData == nil {
		clientData = entity.Record{}
	}

	release := e.locks.acquire(e.lockKeys(m, clientData))
	defer release()

	server, err := e.Docs.Get(ctx, m.Collection, pk)
	switch {
	case err == nil:
	case errors.Is(err, docstore.ErrNotFound):
		server = nil
	default:
		return transientOutcome("failed to load current record")
	}

	now := e.Now()
	isNew := server == nil

	var allowed []conflict.Strategy
	if isNew {
		allowed = []conflict.Strategy{conflict.ClientWins}
	} else {
		allowed = conflict.ResolveStrategies(m)
	}
	if !conflict.Allowed(allowed, strategy) {
		return badRequest(map[string]any{
			"error":              fmt.Sprintf("strategy %q not allowed", strategy),
			"allowed_strategies": conflict.Names(allowed),
		})
	}

	// A uniqueness re-check runs when the write can introduce a new unique
	// value: always on create, and for update_data against an existing doc.
	if isNew || strategy == conflict.UpdateData {
		hit, field, terr := e.probeUniques(ctx, m, clientData, server, pk, isNew)
		if terr != nil {
			return transientOutcome("uniqueness check failed")
		}
		if hit != nil {
			return Outcome{Status: http.StatusConflict, Body: map[string]any{
				"error":              fmt.Sprintf("Conflict detected: %s value already in use", field),
				"conflict_field":     field,
				"conflict_type":      "unique_constraint",
				"latest_data":        hit,
				"allowed_strategies": conflict.Names(allowed),
				"client_id":          pk,
				"server_id":          entity.Stringify(hit[m.PrimaryKey]),
			}}
		}
	}

	var resolved entity.Record
	if isNew {
		resolved = entity.Clone(clientData)
		resolved[m.PrimaryKey] = pk
		if timeutil.ToInstant(resolved["updated_at"]) == nil {
			resolved["updated_at"] = timeutil.RFC3339(now)
		}
	} else {
		resolved, err = conflict.Apply(m, strategy, clientData, server, now)
		if err != nil {
			return badRequest(map[string]any{
				"error":              err.Error(),
				"allowed_strategies": conflict.Names(allowed),
			})
		}
		resolved[m.PrimaryKey] = server[m.PrimaryKey]
	}
	delete(resolved, "password")

	if isNew {
		if err := e.Docs.Set(ctx, m.Collection, pk, resolved); err != nil {
			return transientOutcome("create failed")
		}
	} else {
		if err := e.Docs.Update(ctx, m.Collection, pk, resolved); err != nil {
			return transientOutcome("update failed")
		}
	}

	log.Info().
		Str("kind", string(m.Kind)).
		Str("id", pk).
		Str("strategy", string(strategy)).
		Bool("created", isNew).
		Msg("conflict resolved")

	return Outcome{Status: http.StatusOK, Body: map[string]any{
		"success":             true,
		"status":              "resolved",
		"message":             fmt.Sprintf("%s conflict resolved with %s", snake(m.Kind), strategy),
		m.PrimaryKey:          pk,
		"resolvedData":        resolved,
		isNewKey(m):           isNew,
		"resolution_strategy": string(strategy),
		"allowed_strategies":  conflict.Names(allowed),
		"client_id":           pk,
		"server_id":           pk,
	}}
}

// probeUniques runs the secondary-uniqueness probes for a record. On the
// update path constraints whose values match the stored copy are skipped: the
// write does not move them. Returns the first colliding record and the
// representative conflicting field.
func (e *Engine) probeUniques(ctx context.Context, m entity.Meta, client, server entity.Record, pk string, createPath bool) (entity.Record, string, error) {
	for _, u := range m.Uniques {
		if !allPresent(client, u.Fields) {
			continue
		}
		if !createPath && server != nil && fieldsEqual(client, server, u.Fields) {
			continue
		}
		hits, err := e.Docs.WhereEquals(ctx, m.Collection, u.Fields[0], client[u.Fields[0]])
		if err != nil {
			return nil, "", err
		}
		for _, hit := range hits {
			if entity.Stringify(hit[m.PrimaryKey]) == pk {
				continue
			}
			if !fieldsEqual(client, hit, u.Fields[1:]) {
				continue
			}
			return hit, u.Fields[0], nil
		}
	}
	return nil, "", nil
}

func (e *Engine) lockKeys(m entity.Meta, client entity.Record) []string {
	keys := make([]string, 0, len(m.Uniques))
	for _, u := range m.Uniques {
		if !allPresent(client, u.Fields) {
			continue
		}
		keys = append(keys, fmt.Sprintf("%s:%s:%s", m.Collection, u.Fields[0], entity.Stringify(client[u.Fields[0]])))
	}
	return keys
}

// identityEnv wires the auth store's hash-verify into the User heuristic.
// The signal only ever merges profile rows; it never grants access.
func (e *Engine) identityEnv(ctx context.Context) identity.Env {
	return identity.Env{
		PasswordMatches: func(client, server entity.Record) bool {
			plaintext, ok := entity.GetString(client, "password")
			if !ok || plaintext == "" {
				return false
			}
			email, ok := entity.GetString(server, "email")
			if !ok || email == "" {
				return false
			}
			_, err := e.Auth.VerifyPassword(ctx, email, plaintext)
			return err == nil
		},
	}
}

func allPresent(r entity.Record, fields []string) bool {
	for _, f := range fields {
		if !entity.Present(r, f) {
			return false
		}
	}
	return true
}

func fieldsEqual(a, b entity.Record, fields []string) bool {
	for _, f := range fields {
		if !entity.Equal(a[f], b[f]) {
			return false
		}
	}
	return true
}

// snake renders a kind for response fields: task-assignment -> task_assignment.
func snake(k entity.Kind) string {
	return strings.ReplaceAll(string(k), "-", "_")
}

// isNewKey renders the isNew<Entity> response key: task-assignment -> isNewTaskAssignment.
func isNewKey(m entity.Meta) string {
	parts := strings.Split(string(m.Kind), "-")
	var b strings.Builder
	b.WriteString("isNew")
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
