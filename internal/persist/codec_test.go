package persist

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// ts builds a millisecond-precision UTC timestamp, matching what the
// durable form can carry.
func ts(hour, min int) time.Time {
	return time.Date(2026, 3, 1, hour, min, 0, 123_000_000, time.UTC)
}

func sampleSnapshot() types.Snapshot {
	snap := types.NewSnapshot()
	snap.SessionsByAgent["iflow-1"] = []types.Session{
		{
			ID:        "local-uuid-1",
			AgentID:   "iflow-1",
			Title:     "本地会话",
			CreatedAt: ts(9, 0),
			UpdatedAt: ts(10, 0),
			Source:    types.SourceLocal,
		},
		{
			ID:               "iflow-1::session-x",
			AgentID:          "iflow-1",
			Title:            "导入会话",
			CreatedAt:        ts(8, 0),
			UpdatedAt:        ts(9, 30),
			ACPSessionID:     "session-x",
			Source:           types.SourceRemoteLog,
			MessageCountHint: 7,
		},
	}
	snap.MessagesBySession["local-uuid-1"] = []types.Message{
		{ID: "m1", Role: types.RoleUser, Content: "你好世界", Timestamp: ts(9, 5), AgentID: "iflow-1"},
		{ID: "m2", Role: types.RoleAssistant, Content: "回复内容", Timestamp: ts(9, 6), AgentID: "iflow-1"},
	}
	return snap
}

func TestSnapshotRoundTrip(t *testing.T) {
	snap := sampleSnapshot()

	payload, err := json.Marshal(encodeSnapshot(snap))
	require.NoError(t, err)

	var rec snapshotRecord
	require.NoError(t, json.Unmarshal(payload, &rec))

	if diff := cmp.Diff(snap, decodeSnapshot(rec)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeExcludesRemoteLogMessages(t *testing.T) {
	snap := sampleSnapshot()
	// A cached copy of a remote conversation must not be persisted.
	snap.MessagesBySession["iflow-1::session-x"] = []types.Message{
		{ID: "r1", Role: types.RoleUser, Content: "远端缓存", Timestamp: ts(9, 0)},
	}

	rec := encodeSnapshot(snap)
	_, cached := rec.MessagesBySession["iflow-1::session-x"]
	assert.False(t, cached, "remote-log caches are re-fetchable, not durable")
	assert.Contains(t, rec.MessagesBySession, "local-uuid-1")
}

func TestDecodeFiltersRecordsWithoutIdentity(t *testing.T) {
	rec := snapshotRecord{
		SessionsByAgent: map[string][]sessionRecord{
			"iflow-1": {
				{ID: "", Title: "无标识"},
				{ID: "keep-1", Title: "有效"},
			},
			"": {{ID: "orphan"}},
		},
		MessagesBySession: map[string][]messageRecord{
			"keep-1": {
				{ID: "", Content: "无标识"},
				{ID: "m1", Role: "user", Content: "有效"},
			},
		},
	}

	snap := decodeSnapshot(rec)
	require.Len(t, snap.SessionsByAgent["iflow-1"], 1)
	assert.Equal(t, "keep-1", snap.SessionsByAgent["iflow-1"][0].ID)
	assert.NotContains(t, snap.SessionsByAgent, "")
	require.Len(t, snap.MessagesBySession["keep-1"], 1)
	assert.Equal(t, "m1", snap.MessagesBySession["keep-1"][0].ID)
}

func TestDecodeInfersLegacySource(t *testing.T) {
	cases := []struct {
		name string
		rec  sessionRecord
		want types.Source
	}{
		{"explicit remote id", sessionRecord{ID: "local-uuid-1", ACPSessionID: "session-x"}, types.SourceRemoteLog},
		{"composite id", sessionRecord{ID: "iflow-1::session-y"}, types.SourceRemoteLog},
		{"plain local id", sessionRecord{ID: "550e8400-e29b-41d4-a716-446655440000"}, types.SourceLocal},
		{"explicit field wins", sessionRecord{ID: "iflow-1::session-y", Source: "local"}, types.SourceLocal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decodeSession("iflow-1", tc.rec)
			assert.Equal(t, tc.want, got.Source)
		})
	}
}

func TestDecodeToleratesDamagedTimestamps(t *testing.T) {
	rec := snapshotRecord{
		SessionsByAgent: map[string][]sessionRecord{
			"iflow-1": {{ID: "s1", CreatedAt: "garbage", UpdatedAt: "also garbage"}},
		},
	}
	snap := decodeSnapshot(rec)
	require.Len(t, snap.SessionsByAgent["iflow-1"], 1)
	assert.True(t, snap.SessionsByAgent["iflow-1"][0].CreatedAt.IsZero())
	assert.True(t, snap.SessionsByAgent["iflow-1"][0].UpdatedAt.IsZero())
}
