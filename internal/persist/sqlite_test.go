package persist

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chenweil/FlowHub-sub000/internal/types"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "session-store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteSaveLoadRoundTrip(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	snap := sampleSnapshot()

	require.NoError(t, store.Save(ctx, snap))

	loaded, populated, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, populated)
	if diff := cmp.Diff(snap, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteLoadEmpty(t *testing.T) {
	store := newTestSQLite(t)

	snap, populated, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, populated)
	assert.True(t, snap.Empty())
	assert.NotNil(t, snap.SessionsByAgent)
	assert.NotNil(t, snap.MessagesBySession)
}

func TestSQLiteSaveReplacesPrevious(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSnapshot()))

	replacement := types.NewSnapshot()
	replacement.SessionsByAgent["iflow-2"] = []types.Session{
		{ID: "only-one", AgentID: "iflow-2", Title: "替换后", CreatedAt: ts(11, 0), UpdatedAt: ts(11, 0), Source: types.SourceLocal},
	}
	require.NoError(t, store.Save(ctx, replacement))

	loaded, populated, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, populated)
	if diff := cmp.Diff(replacement, loaded); diff != "" {
		t.Errorf("save is replace-all (-want +got):\n%s", diff)
	}
}

func TestSQLitePreservesOrder(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	snap := types.NewSnapshot()
	for _, id := range []string{"c", "a", "b"} {
		snap.SessionsByAgent["iflow-1"] = append(snap.SessionsByAgent["iflow-1"], types.Session{
			ID: id, AgentID: "iflow-1", Title: id, CreatedAt: ts(9, 0), UpdatedAt: ts(9, 0), Source: types.SourceLocal,
		})
	}
	snap.MessagesBySession["c"] = []types.Message{
		{ID: "m3", Role: types.RoleUser, Content: "三", Timestamp: ts(9, 3)},
		{ID: "m1", Role: types.RoleUser, Content: "一", Timestamp: ts(9, 1)},
		{ID: "m2", Role: types.RoleUser, Content: "二", Timestamp: ts(9, 2)},
	}

	require.NoError(t, store.Save(ctx, snap))
	loaded, _, err := store.Load(ctx)
	require.NoError(t, err)

	var sessionOrder []string
	for _, sess := range loaded.SessionsByAgent["iflow-1"] {
		sessionOrder = append(sessionOrder, sess.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, sessionOrder, "session order is stored, not re-derived")

	var messageOrder []string
	for _, msg := range loaded.MessagesBySession["c"] {
		messageOrder = append(messageOrder, msg.ID)
	}
	assert.Equal(t, []string{"m3", "m1", "m2"}, messageOrder, "message order is stored, not re-derived")
}

func TestSQLiteClear(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSnapshot()))
	require.NoError(t, store.Clear(ctx))

	_, populated, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, populated)
}

func TestSQLiteReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session-store.db")
	ctx := context.Background()
	snap := sampleSnapshot()

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, snap))
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()

	loaded, populated, err := second.Load(ctx)
	require.NoError(t, err)
	assert.True(t, populated)
	if diff := cmp.Diff(snap, loaded); diff != "" {
		t.Errorf("data must survive a reopen (-want +got):\n%s", diff)
	}
}
