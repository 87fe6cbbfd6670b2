package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/chenweil/FlowHub-sub000/internal/logging"
	"github.com/chenweil/FlowHub-sub000/internal/title"
	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// =============================================================================
// LEGACY MIGRATION
// =============================================================================

// MigrateLegacy converts the old flat "agent id -> message array" record
// into proper sessions: one synthesized session per agent carrying the
// converted messages, with updatedAt set to the last migrated message's
// timestamp. The legacy file is deleted afterwards so the migration never
// repeats; that guard also applies when the file turns out unreadable.
func (g *Gateway) MigrateLegacy(ctx context.Context, legacyPath string) (bool, error) {
	log := logging.Get(logging.CategoryBoot)

	raw, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read legacy record: %w", err)
	}

	var legacy map[string][]messageRecord
	if err := json.Unmarshal(raw, &legacy); err != nil {
		log.Errorw("legacy record malformed, discarding", "path", legacyPath, "error", err)
		if err := os.Remove(legacyPath); err != nil {
			log.Warnw("failed to remove malformed legacy record", "error", err)
		}
		return false, nil
	}

	snap := g.LoadSnapshot(ctx)
	migrated := 0

	agentIDs := make([]string, 0, len(legacy))
	for agentID := range legacy {
		agentIDs = append(agentIDs, agentID)
	}
	sort.Strings(agentIDs)

	for _, agentID := range agentIDs {
		records := legacy[agentID]
		if agentID == "" || len(records) == 0 {
			continue
		}

		messages := make([]types.Message, 0, len(records))
		for _, mr := range records {
			if mr.ID == "" {
				mr.ID = uuid.NewString()
			}
			messages = append(messages, types.Message{
				ID:        mr.ID,
				Role:      types.Role(mr.Role),
				Content:   mr.Content,
				Timestamp: types.ParseTime(mr.Timestamp),
				AgentID:   agentID,
			})
		}

		sess := types.Session{
			ID:        uuid.NewString(),
			AgentID:   agentID,
			Title:     title.DefaultTitle,
			CreatedAt: messages[0].Timestamp,
			UpdatedAt: messages[len(messages)-1].Timestamp,
			Source:    types.SourceLocal,
		}
		snap.SessionsByAgent[agentID] = append(snap.SessionsByAgent[agentID], sess)
		snap.MessagesBySession[sess.ID] = messages
		migrated++
	}

	if migrated > 0 {
		if err := g.SaveSnapshot(ctx, snap); err != nil {
			// Keep the legacy file: migration retries on next startup.
			return false, fmt.Errorf("failed to persist migrated sessions: %w", err)
		}
	}

	if err := os.Remove(legacyPath); err != nil && !os.IsNotExist(err) {
		log.Warnw("failed to remove legacy record", "error", err)
	}
	log.Infow("legacy record migrated", "agents", migrated)
	return migrated > 0, nil
}

// =============================================================================
// ROSTER PRUNING
// =============================================================================

// Prune drops session and message data belonging to agents no longer in
// the roster. Called after the roster loads; the returned flag says
// whether the result needs persisting.
func Prune(snap types.Snapshot, live []types.Agent) (types.Snapshot, bool) {
	alive := make(map[string]struct{}, len(live))
	for _, agent := range live {
		alive[agent.ID] = struct{}{}
	}

	out := snap.Clone()
	changed := false
	for agentID, sessions := range snap.SessionsByAgent {
		if _, ok := alive[agentID]; ok {
			continue
		}
		for _, sess := range sessions {
			delete(out.MessagesBySession, sess.ID)
		}
		delete(out.SessionsByAgent, agentID)
		changed = true
		logging.Get(logging.CategoryPersist).Infow("pruned departed agent", "agent", agentID)
	}
	return out, changed
}
