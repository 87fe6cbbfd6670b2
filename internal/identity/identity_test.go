package identity

import (
	"testing"
	"time"

	"github.com/chenweil/FlowHub-sub000/internal/types"
)

func TestIsRemoteID(t *testing.T) {
	cases := map[string]bool{
		"session-abc123":          true,
		"session-2024-01-02.v1_x": true,
		"  session-abc  ":         true, // surrounding space is tolerated
		"session-":                false,
		"abc123":                  false,
		"Session-abc":             false,
		"session-абв":             false,
		"":                        false,
	}
	for input, want := range cases {
		if got := IsRemoteID(input); got != want {
			t.Errorf("IsRemoteID(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestHistorySessionIDDeterministic(t *testing.T) {
	first := HistorySessionID("iflow-1", "session-abc")
	second := HistorySessionID("iflow-1", "session-abc")
	if first != second {
		t.Fatalf("expected stable id, got %q and %q", first, second)
	}
	if first == HistorySessionID("iflow-2", "session-abc") {
		t.Fatal("ids for different agents must differ")
	}
}

func TestCanonicalKey(t *testing.T) {
	withACP := types.Session{ID: "local-1", ACPSessionID: "session-abc"}
	imported := types.Session{ID: "iflow-1::session-abc", ACPSessionID: "session-abc"}
	if CanonicalKey(withACP) != CanonicalKey(imported) {
		t.Error("sessions sharing a remote id must share a canonical key")
	}

	plain := types.Session{ID: "local-2"}
	if CanonicalKey(plain) == CanonicalKey(withACP) {
		t.Error("a session without a remote id keys on its own id")
	}
}

func TestInferLegacyRemoteID(t *testing.T) {
	cases := []struct {
		agentID, localID, want string
	}{
		{"iflow-1", "iflow-1::session-abc", "session-abc"},
		{"iflow-1", "iflow-1::not-a-session", ""},
		{"other", "iflow-1::session-abc", "session-abc"}, // trailing segment still recoverable
		{"iflow-1", "a::b::session-xyz", "session-xyz"},
		{"iflow-1", "550e8400-e29b-41d4-a716-446655440000", ""},
		{"iflow-1", "", ""},
	}
	for _, tc := range cases {
		if got := InferLegacyRemoteID(tc.agentID, tc.localID); got != tc.want {
			t.Errorf("InferLegacyRemoteID(%q, %q) = %q, want %q", tc.agentID, tc.localID, got, tc.want)
		}
	}
}

func TestSortByRecencyStable(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := []types.Session{
		{ID: "old", UpdatedAt: base.Add(-time.Hour)},
		{ID: "tie-a", UpdatedAt: base},
		{ID: "tie-b", UpdatedAt: base},
		{ID: "new", UpdatedAt: base.Add(time.Hour)},
	}

	SortByRecency(sessions)

	wantOrder := []string{"new", "tie-a", "tie-b", "old"}
	for i, want := range wantOrder {
		if sessions[i].ID != want {
			t.Fatalf("position %d = %s, want %s", i, sessions[i].ID, want)
		}
	}

	// Re-sorting an already sorted list must not reorder ties.
	SortByRecency(sessions)
	for i, want := range wantOrder {
		if sessions[i].ID != want {
			t.Fatalf("after re-sort, position %d = %s, want %s", i, sessions[i].ID, want)
		}
	}
}

func TestDedupeKeepsMostRecentPerKey(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	input := []types.Session{
		{ID: "local-1", ACPSessionID: "session-abc", UpdatedAt: base},
		{ID: "iflow-1::session-abc", ACPSessionID: "session-abc", UpdatedAt: base.Add(time.Hour)},
		{ID: "local-2", UpdatedAt: base.Add(-time.Hour)},
	}

	out := Dedupe(input)
	if len(out) != 2 {
		t.Fatalf("got %d sessions, want 2", len(out))
	}
	if out[0].ID != "iflow-1::session-abc" {
		t.Errorf("survivor = %s, want the most recent duplicate", out[0].ID)
	}
	if out[1].ID != "local-2" {
		t.Errorf("second = %s, want local-2", out[1].ID)
	}

	if len(input) != 3 {
		t.Error("input slice must not be modified")
	}

	// Idempotent on its own output.
	again := Dedupe(out)
	if len(again) != len(out) {
		t.Fatalf("second pass changed length: %d -> %d", len(out), len(again))
	}
	for i := range out {
		if again[i].ID != out[i].ID {
			t.Fatalf("second pass reordered: position %d = %s, want %s", i, again[i].ID, out[i].ID)
		}
	}
}
