// Package identity computes canonical identity keys for sessions and
// de-duplicates session lists by those keys. Two session records denote the
// same conversation when their canonical keys match, regardless of how each
// record was created (local action vs. history import).
package identity

import (
	"regexp"
	"sort"
	"strings"

	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// keySeparator joins an agent id and a remote id into the deterministic
// local id of an imported history session. A composite id keeps the remote
// identifier recoverable when the explicit ACP field is lost (legacy data).
const keySeparator = "::"

// remoteIDPattern is the expected shape of an agent-side session
// identifier. History files are named session-<id>.jsonl, so anything the
// agent reports must carry the session- prefix.
var remoteIDPattern = regexp.MustCompile(`^session-[0-9A-Za-z][0-9A-Za-z._-]*$`)

// IsRemoteID reports whether s matches the remote identifier shape.
func IsRemoteID(s string) bool {
	return remoteIDPattern.MatchString(strings.TrimSpace(s))
}

// CanonicalKey returns the string that decides whether two session records
// denote the same conversation: the remote identifier when present, else
// the session's own id.
func CanonicalKey(s types.Session) string {
	if acp := strings.TrimSpace(s.ACPSessionID); acp != "" {
		return "acp:" + acp
	}
	return "id:" + s.ID
}

// HistorySessionID derives the deterministic local id for a session
// imported from an agent's history. The mapping is stable: importing the
// same remote entry twice always yields the same local id.
func HistorySessionID(agentID, remoteID string) string {
	return agentID + keySeparator + remoteID
}

// InferLegacyRemoteID attempts to recover a remote identifier from a
// composite local id. It accepts the trailing segment only when it matches
// the remote identifier shape; anything else returns "". This is a
// best-effort recovery path for records that predate the explicit
// ACPSessionID field, not a guarantee.
func InferLegacyRemoteID(agentID, localID string) string {
	if rest, ok := strings.CutPrefix(localID, agentID+keySeparator); ok {
		if IsRemoteID(rest) {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	if idx := strings.LastIndex(localID, keySeparator); idx >= 0 {
		if tail := localID[idx+len(keySeparator):]; IsRemoteID(tail) {
			return strings.TrimSpace(tail)
		}
	}
	return ""
}

// SortByRecency orders sessions by updatedAt descending. Ties preserve the
// input order, so applying the sort twice is a no-op.
func SortByRecency(sessions []types.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
}

// Dedupe sorts the sessions by recency and keeps the first occurrence per
// canonical key. The result is a new slice; the input is not modified.
// Dedupe is idempotent on its own output.
func Dedupe(sessions []types.Session) []types.Session {
	sorted := append([]types.Session(nil), sessions...)
	SortByRecency(sorted)

	seen := make(map[string]struct{}, len(sorted))
	out := sorted[:0]
	for _, s := range sorted {
		key := CanonicalKey(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
