// Package conflict implements the resolution strategies applied to a
// (client, server) record pair, and the merge rules built from them:
// critical-field last-writer-wins, status-lattice join, text-append merge,
// and the Supply quantity arithmetic.
package conflict

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fieldlink/fieldlink-api/internal/entity"
	"github.com/fieldlink/fieldlink-api/internal/timeutil"
)

// Strategy names a resolution strategy a client may request.
type Strategy string

const (
	ClientWins        Strategy = "client_wins"
	ServerWins        Strategy = "server_wins"
	Merge             Strategy = "merge"
	UpdateData        Strategy = "update_data"
	SumQuantities     Strategy = "sum_quantities"
	AverageQuantities Strategy = "average_quantities"
)

// MergeMarker prefixes the appended client text in a text-append merge.
const MergeMarker = "\n\n[SYNC MERGE] Client update:\n"

// BaseStrategies returns the strategies offered on a staleness or duplicate
// conflict for a kind. update_data is only offered for kinds with an
// identity-defining subset.
func BaseStrategies(m entity.Meta) []Strategy {
	out := []Strategy{ClientWins, ServerWins, Merge}
	if len(m.IdentityFields) > 0 {
		out = append(out, UpdateData)
	}
	return out
}

// ResolveStrategies returns the strategies accepted by resolve-conflict when
// the server document exists. Supply additionally accepts the quantity
// arithmetic strategies.
func ResolveStrategies(m entity.Meta) []Strategy {
	out := BaseStrategies(m)
	if m.QuantityField != "" {
		out = append(out, SumQuantities, AverageQuantities)
	}
	return out
}

// Allowed reports whether s is in the given strategy set.
func Allowed(set []Strategy, s Strategy) bool {
	for _, a := range set {
		if a == s {
			return true
		}
	}
	return false
}

// Names renders a strategy set for response bodies.
func Names(set []Strategy) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}

// Apply resolves a (client, server) pair under the named strategy. The server
// record may be nil only for client_wins. now stamps updated_at where the
// strategy dictates a fresh timestamp.
func Apply(m entity.Meta, s Strategy, client, server entity.Record, now time.Time) (entity.Record, error) {
	switch s {
	case ClientWins:
		return entity.Clone(client), nil
	case ServerWins:
		if server == nil {
			return nil, fmt.Errorf("server_wins: no server record")
		}
		return entity.Clone(server), nil
	case UpdateData:
		if server == nil {
			return nil, fmt.Errorf("update_data: no server record")
		}
		if len(m.IdentityFields) == 0 {
			return nil, fmt.Errorf("update_data: not offered for %s", m.Kind)
		}
		return applyUpdateData(m, client, server, now), nil
	case Merge:
		if server == nil {
			return nil, fmt.Errorf("merge: no server record")
		}
		return MergeRecords(m, client, server, now), nil
	case SumQuantities, AverageQuantities:
		if server == nil {
			return nil, fmt.Errorf("%s: no server record", s)
		}
		if m.QuantityField == "" {
			return nil, fmt.Errorf("%s: not offered for %s", s, m.Kind)
		}
		return applyQuantity(m, s, client, server, now), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", s)
	}
}

// applyUpdateData overlays the client onto the server but pins the server's
// identity-defining fields, primary key and created_at.
func applyUpdateData(m entity.Meta, client, server entity.Record, now time.Time) entity.Record {
	out := entity.Clone(server)
	for k, v := range client {
		out[k] = v
	}
	for _, f := range m.IdentityFields {
		if v, ok := server[f]; ok {
			out[f] = v
		} else {
			delete(out, f)
		}
	}
	out[m.PrimaryKey] = server[m.PrimaryKey]
	if v, ok := server["created_at"]; ok {
		out["created_at"] = v
	}
	out["updated_at"] = timeutil.RFC3339(now)
	return out
}

func applyQuantity(m entity.Meta, s Strategy, client, server entity.Record, now time.Time) entity.Record {
	out := entity.Clone(server)
	for k, v := range client {
		out[k] = v
	}
	cq, _ := entity.GetNumber(client, m.QuantityField)
	sq, _ := entity.GetNumber(server, m.QuantityField)
	switch s {
	case SumQuantities:
		out[m.QuantityField] = cq + sq
	case AverageQuantities:
		out[m.QuantityField] = math.Round((cq + sq) / 2)
	}
	out[m.PrimaryKey] = server[m.PrimaryKey]
	if v, ok := server["created_at"]; ok {
		out["created_at"] = v
	}
	out["updated_at"] = timeutil.RFC3339(now)
	return out
}

// MergeRecords implements the merge strategy: start from the server copy,
// adopt client values only where the client copy is strictly newer and the
// values differ, then apply the type-aware overrides for free text, status
// lattices and Supply quantities. The merged updated_at is the later of the
// two input timestamps.
func MergeRecords(m entity.Meta, client, server entity.Record, now time.Time) entity.Record {
	cT := timeutil.ToInstant(client["updated_at"])
	sT := timeutil.ToInstant(server["updated_at"])
	clientNewer := timeutil.Compare(cT, sT, now) > 0

	out := entity.Clone(server)
	for k, cv := range client {
		if k == m.PrimaryKey || k == "created_at" || k == "updated_at" {
			continue
		}
		sv, onServer := server[k]
		if !onServer {
			// Server never saw this field; a merge keeps it regardless of
			// which side is newer.
			out[k] = cv
			continue
		}
		if clientNewer && !entity.Equal(cv, sv) {
			out[k] = cv
		}
	}

	for _, f := range m.TextFields {
		cs, _ := entity.GetString(client, f)
		ss, _ := entity.GetString(server, f)
		if merged := TextAppendMerge(ss, cs); merged != "" {
			out[f] = merged
		}
	}

	if m.HasLattice() {
		cs, _ := entity.GetString(client, m.StatusField)
		ss, _ := entity.GetString(server, m.StatusField)
		if joined := StatusJoin(m, cs, ss); joined != "" {
			out[m.StatusField] = joined
		}
	}

	if m.QuantityField != "" {
		cq, cok := entity.GetNumber(client, m.QuantityField)
		sq, sok := entity.GetNumber(server, m.QuantityField)
		if cok && sok {
			out[m.QuantityField] = math.Min(cq, sq)
		}
	}

	out[m.PrimaryKey] = server[m.PrimaryKey]
	out["updated_at"] = timeutil.RFC3339(timeutil.Max(cT, sT, now))
	return out
}

// TextAppendMerge combines two free-text values without losing either. Equal
// or containing values collapse to the longer side; genuinely divergent text
// keeps the server value and appends the client's under a marker.
func TextAppendMerge(server, client string) string {
	server = strings.TrimSpace(server)
	client = strings.TrimSpace(client)
	switch {
	case server == "":
		return client
	case client == "":
		return server
	case server == client:
		return server
	case strings.Contains(server, client):
		return server
	case strings.Contains(client, server):
		return client
	default:
		return server + MergeMarker + client
	}
}

// StatusJoin returns the higher-ranked status under the kind's lattice.
// A value missing on one side defers to the other; unknown values rank below
// every known one.
func StatusJoin(m entity.Meta, a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	ra := m.StatusRanks[strings.ToLower(a)]
	rb := m.StatusRanks[strings.ToLower(b)]
	if ra >= rb {
		return a
	}
	return b
}
