// Package reconcile merges an agent's on-disk history listing into the
// session store. A pass is atomic: either every correction commits together
// or, when the remote listing cannot be read, nothing changes at all. Each
// pass computes its merge against the store state at apply time, so
// concurrent passes for the same agent (connect racing a manual refresh)
// resolve with the last fully-applied pass winning.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/chenweil/FlowHub-sub000/internal/history"
	"github.com/chenweil/FlowHub-sub000/internal/identity"
	"github.com/chenweil/FlowHub-sub000/internal/logging"
	"github.com/chenweil/FlowHub-sub000/internal/store"
	"github.com/chenweil/FlowHub-sub000/internal/title"
	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// maxConcurrentPasses bounds the fan-out when reconciling every agent.
const maxConcurrentPasses = 4

// Reconciler drives reconciliation passes against one shared store.
type Reconciler struct {
	store  *store.Store
	remote history.Provider
	roster store.Roster
}

// New creates a reconciler over the given store and agent connection.
func New(st *store.Store, remote history.Provider, roster store.Roster) *Reconciler {
	return &Reconciler{store: st, remote: remote, roster: roster}
}

// Reconcile runs one pass for the agent. A listing error aborts the pass
// with zero mutation. An unknown agent is a silent no-op.
func (r *Reconciler) Reconcile(ctx context.Context, agentID string) error {
	log := logging.Get(logging.CategoryReconcile)
	workspace, ok := r.roster.WorkspacePath(agentID)
	if !ok {
		log.Debugw("skipping pass for unknown agent", "agent", agentID)
		return nil
	}

	// The agent counts as accessed from here on: it must always keep at
	// least one session, whatever the listing says.
	r.store.EnsureAgentSessions(ctx, agentID)

	timer := logging.StartTimer(logging.CategoryReconcile, "Reconcile")
	defer timer.Stop()

	listing, err := r.remote.ListSessions(ctx, workspace)
	if err != nil {
		return fmt.Errorf("reconciliation pass aborted for %s: %w", agentID, err)
	}

	changed := r.store.UpdateAgentSessions(ctx, agentID, func(current []types.Session) ([]types.Session, []string, bool) {
		return merge(agentID, current, listing)
	})
	log.Infow("pass complete", "agent", agentID, "remote", len(listing), "changed", changed)
	return nil
}

// ReconcileAll runs a pass for every agent in the roster. Individual pass
// failures are logged and do not stop the others; a stale list for one
// agent is the safe default.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPasses)
	for _, agent := range r.roster.Agents() {
		agentID := agent.ID
		g.Go(func() error {
			if err := r.Reconcile(ctx, agentID); err != nil {
				logging.Get(logging.CategoryReconcile).Warnw("pass failed",
					"agent", agentID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Clear wipes the agent's remote history and reconciles, so stale imports
// disappear immediately. Returns the number of history files removed.
func (r *Reconciler) Clear(ctx context.Context, agentID string) (int, error) {
	workspace, ok := r.roster.WorkspacePath(agentID)
	if !ok {
		return 0, nil
	}
	deleted, err := r.remote.ClearSessions(ctx, workspace)
	if err != nil {
		return deleted, fmt.Errorf("failed to clear history for %s: %w", agentID, err)
	}
	return deleted, r.Reconcile(ctx, agentID)
}

// =============================================================================
// MERGE
// =============================================================================

// merge computes the corrected session list for one agent from its current
// list and a remote listing. It is a pure function: the store applies it
// under the write lock so no partially-applied state is ever observable.
func merge(agentID string, current []types.Session, listing []history.Session) (next []types.Session, dropMessages []string, changed bool) {
	next = append([]types.Session(nil), current...)
	remoteIDs := make(map[string]struct{}, len(listing))

	for _, entry := range listing {
		remoteID := strings.TrimSpace(entry.RemoteID)
		if remoteID == "" {
			continue
		}
		remoteIDs[remoteID] = struct{}{}
		histID := identity.HistorySessionID(agentID, remoteID)

		idx := -1
		for i, sess := range next {
			if strings.TrimSpace(sess.ACPSessionID) == remoteID || sess.ID == histID {
				idx = i
				break
			}
		}

		if idx < 0 {
			next = append(next, importSession(agentID, histID, remoteID, entry))
			changed = true
			continue
		}

		sess := &next[idx]
		if !identity.IsRemoteID(sess.ACPSessionID) && sess.ACPSessionID != remoteID {
			sess.ACPSessionID = remoteID
			changed = true
		}
		if sess.ID == histID && sess.Source != types.SourceRemoteLog {
			sess.Source = types.SourceRemoteLog
			changed = true
		}
		// updatedAt only ever moves forward.
		if entry.UpdatedAt.After(sess.UpdatedAt) {
			sess.UpdatedAt = entry.UpdatedAt
			changed = true
		}
		// A user-named local session keeps its title; remote-log sessions
		// mirror the listing.
		if sess.Source == types.SourceRemoteLog {
			if entry.Title != "" && sess.Title != entry.Title {
				sess.Title = entry.Title
				changed = true
			}
			if sess.MessageCountHint != entry.MessageCount {
				sess.MessageCountHint = entry.MessageCount
				changed = true
			}
		}
	}

	// Remove remote-log sessions whose backing history no longer exists,
	// along with their cached messages.
	retained := make([]types.Session, 0, len(next))
	for _, sess := range next {
		if sess.Source == types.SourceRemoteLog {
			remoteID := strings.TrimSpace(sess.ACPSessionID)
			if !identity.IsRemoteID(remoteID) {
				remoteID = identity.InferLegacyRemoteID(agentID, sess.ID)
			}
			if _, live := remoteIDs[remoteID]; remoteID == "" || !live {
				dropMessages = append(dropMessages, sess.ID)
				changed = true
				continue
			}
		}
		retained = append(retained, sess)
	}

	deduped := identity.Dedupe(retained)
	if len(deduped) != len(retained) {
		changed = true
		kept := make(map[string]struct{}, len(deduped))
		for _, sess := range deduped {
			kept[sess.ID] = struct{}{}
		}
		for _, sess := range retained {
			if _, ok := kept[sess.ID]; !ok {
				dropMessages = append(dropMessages, sess.ID)
			}
		}
	}
	if !changed {
		changed = !sameOrder(current, deduped)
	}

	if len(deduped) == 0 {
		deduped = append(deduped, store.NewLocalSession(agentID, ""))
		changed = true
	}

	return deduped, dropMessages, changed
}

// importSession materializes a remote listing entry as a new remote-log
// session with the deterministic local id.
func importSession(agentID, histID, remoteID string, entry history.Session) types.Session {
	sessionTitle := entry.Title
	if sessionTitle == "" {
		sessionTitle = title.DefaultTitle
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = entry.UpdatedAt
	}
	return types.Session{
		ID:               histID,
		AgentID:          agentID,
		Title:            sessionTitle,
		CreatedAt:        createdAt,
		UpdatedAt:        entry.UpdatedAt,
		ACPSessionID:     remoteID,
		Source:           types.SourceRemoteLog,
		MessageCountHint: entry.MessageCount,
	}
}

func sameOrder(a, b []types.Session) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
