package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "fallback.json"))
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

func TestFileStoreLoadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "fallback.json"))

	snap, populated, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, populated)
	assert.True(t, snap.Empty())
}

func TestFileStoreLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	store := NewFileStore(path)

	_, populated, err := store.Load(context.Background())
	require.Error(t, err, "malformed content must surface so the gateway treats the tier as unavailable")
	assert.False(t, populated)
}

func TestFileStoreClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.json")
	store := NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSnapshot()))
	require.NoError(t, store.Clear(ctx))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// Clearing an already absent file is fine.
	require.NoError(t, store.Clear(ctx))
}

func TestFileStoreCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "fallback.json")
	store := NewFileStore(path)

	require.NoError(t, store.Save(context.Background(), sampleSnapshot()))
	_, err := os.Stat(path)
	require.NoError(t, err)
}
