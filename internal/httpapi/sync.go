package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fieldlink/fieldlink-api/internal/conflict"
	"github.com/fieldlink/fieldlink-api/internal/entity"
)

// kindFromRequest resolves the {kind} path segment; the unauthenticated
// user route has no URL param and defaults to user.
func kindFromRequest(r *http.Request) (entity.Meta, bool) {
	seg := chi.URLParam(r, "kind")
	if seg == "" {
		seg = "user"
	}
	return entity.FromPath(seg)
}

// SyncEntity handles POST /api/sync/{kind}
// Applies one client write through the sync state machine: validation,
// staleness, uniqueness probes with same-entity auto-merge, then the write.
func (s *Server) SyncEntity(w http.ResponseWriter, r *http.Request) {
	m, ok := kindFromRequest(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown entity kind")
		return
	}

	var body entity.Record
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		log.Warn().Err(err).Str("kind", string(m.Kind)).Msg("invalid sync request body")
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	out := s.Engine.Sync(r.Context(), m, body)
	writeJSON(w, out.Status, out.Body)
}

// resolveReq is the request body for resolve-conflict endpoints. The primary
// key may ride at the top level or inside clientData.
type resolveReq struct {
	Strategy           string        `json:"strategy"`
	ResolutionStrategy string        `json:"resolution_strategy"`
	ClientData         entity.Record `json:"clientData"`
}

// ResolveEntity handles POST /api/sync/{kind}/resolve-conflict
// Applies a client-chosen strategy to a previously reported conflict.
func (s *Server) ResolveEntity(w http.ResponseWriter, r *http.Request) {
	m, ok := kindFromRequest(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown entity kind")
		return
	}

	var raw entity.Record
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		log.Warn().Err(err).Str("kind", string(m.Kind)).Msg("invalid resolve request body")
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var req resolveReq
	if s, ok := entity.GetString(raw, "strategy"); ok {
		req.Strategy = s
	}
	if s, ok := entity.GetString(raw, "resolution_strategy"); ok && req.Strategy == "" {
		req.Strategy = s
	}
	if cd, ok := raw["clientData"].(map[string]any); ok {
		req.ClientData = cd
	}

	pk := entity.Stringify(raw[m.PrimaryKey])
	if pk == "" && req.ClientData != nil {
		pk = entity.Stringify(req.ClientData[m.PrimaryKey])
	}
	if req.Strategy == "" {
		writeError(w, http.StatusBadRequest, "missing strategy")
		return
	}

	out := s.Engine.Resolve(r.Context(), m, pk, conflict.Strategy(req.Strategy), req.ClientData)
	writeJSON(w, out.Status, out.Body)
}

// DownSync handles GET /api/down-sync/{kind}?user_id=<id>
// Bulk read of one collection for clients rebuilding local state.
func (s *Server) DownSync(w http.ResponseWriter, r *http.Request) {
	m, ok := kindFromRequest(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown entity kind")
		return
	}

	var (
		items []entity.Record
		err   error
	)
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		field := m.OwnerField
		if field == "" {
			field = m.PrimaryKey
		}
		items, err = s.Docs.WhereEquals(r.Context(), m.Collection, field, userID)
	} else {
		items, err = s.Docs.List(r.Context(), m.Collection)
	}
	if err != nil {
		log.Error().Err(err).Str("kind", string(m.Kind)).Msg("down-sync query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(items),
		"items":   items,
	})
}
