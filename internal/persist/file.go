package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chenweil/FlowHub-sub000/internal/logging"
	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// =============================================================================
// FALLBACK TIER: JSON DOCUMENT
// =============================================================================

// FileStore is the fallback snapshot tier: one JSON document on disk. It
// only holds data while the primary store is unreachable; after any
// successful primary write the gateway clears it so the two tiers never
// diverge.
type FileStore struct {
	path string
}

// NewFileStore creates a fallback store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save writes the snapshot document.
func (f *FileStore) Save(ctx context.Context, snap types.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create fallback dir: %w", err)
		}
	}
	payload, err := json.MarshalIndent(encodeSnapshot(snap), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode fallback snapshot: %w", err)
	}
	if err := os.WriteFile(f.path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write fallback snapshot: %w", err)
	}
	logging.Get(logging.CategoryPersist).Debugw("fallback snapshot written", "path", f.path)
	return nil
}

// Load reads the snapshot document. A missing or empty file is an empty,
// unpopulated snapshot; malformed content is reported as an error so the
// gateway can treat the tier as unavailable.
func (f *FileStore) Load(ctx context.Context) (types.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.NewSnapshot(), false, err
	}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.NewSnapshot(), false, nil
		}
		return types.NewSnapshot(), false, fmt.Errorf("failed to read fallback snapshot: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return types.NewSnapshot(), false, nil
	}

	var rec snapshotRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return types.NewSnapshot(), false, fmt.Errorf("failed to parse fallback snapshot: %w", err)
	}

	snap := decodeSnapshot(rec)
	return snap, !snap.Empty(), nil
}

// Clear removes the fallback document. Already absent is success.
func (f *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove fallback snapshot: %w", err)
	}
	return nil
}
