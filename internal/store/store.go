// Package store owns the in-memory model of conversations: per-agent
// session lists and per-session message lists. Every mutation is followed
// by a persistence write through the injected gateway, so in-memory state
// leads durable state by at most one pending write. The store is a handle
// owned by one composition root; components receive it by injection, which
// keeps tests isolated on fresh stores.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chenweil/FlowHub-sub000/internal/history"
	"github.com/chenweil/FlowHub-sub000/internal/identity"
	"github.com/chenweil/FlowHub-sub000/internal/logging"
	"github.com/chenweil/FlowHub-sub000/internal/title"
	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// ErrNotFound marks an operation against an absent session or agent.
// Call sites treat it as a silent no-op unless the user asked directly.
var ErrNotFound = errors.New("session not found")

// ErrBusy marks a delete aimed at a session that is awaiting a reply.
var ErrBusy = errors.New("session busy")

// Roster resolves agent identity to workspace location. Agents are
// referenced, never owned, by the store.
type Roster interface {
	Agents() []types.Agent
	WorkspacePath(agentID string) (string, bool)
}

// Persister receives the durable snapshot after every mutation.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap types.Snapshot) error
}

// Store is the session/state core shared by the UI surface, the
// reconciler, and the persistence gateway.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]types.Session // agent id -> recency-sorted sessions
	messages map[string][]types.Message // session id -> messages
	inflight map[string]string          // agent id -> session awaiting reply

	activeAgent   string
	activeSession string

	persist Persister
	remote  history.Provider
	roster  Roster
}

// New creates an empty store. remote may be nil when no agent connection
// exists (remote-log deletes then fail as unavailable).
func New(persist Persister, remote history.Provider, roster Roster) *Store {
	return &Store{
		sessions: make(map[string][]types.Session),
		messages: make(map[string][]types.Message),
		inflight: make(map[string]string),
		persist:  persist,
		remote:   remote,
		roster:   roster,
	}
}

// Hydrate replaces the store contents with a loaded snapshot. Called once
// at startup, before any other goroutine holds the store.
func (s *Store) Hydrate(snap types.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string][]types.Session, len(snap.SessionsByAgent))
	for agentID, sessions := range snap.SessionsByAgent {
		list := append([]types.Session(nil), sessions...)
		identity.SortByRecency(list)
		s.sessions[agentID] = list
	}
	s.messages = make(map[string][]types.Message, len(snap.MessagesBySession))
	for sessionID, messages := range snap.MessagesBySession {
		s.messages[sessionID] = append([]types.Message(nil), messages...)
	}
}

// NewLocalSession constructs a locally created session with a fresh
// generated identifier. It does not insert it anywhere.
func NewLocalSession(agentID, sessionTitle string) types.Session {
	if strings.TrimSpace(sessionTitle) == "" {
		sessionTitle = title.DefaultTitle
	}
	now := time.Now()
	return types.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Title:     sessionTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Source:    types.SourceLocal,
	}
}

// =============================================================================
// CRUD SURFACE
// =============================================================================

// CreateSession creates a new local session for the agent and makes it the
// most recent entry.
func (s *Store) CreateSession(ctx context.Context, agentID, sessionTitle string) (types.Session, error) {
	sess := NewLocalSession(agentID, sessionTitle)

	s.mu.Lock()
	s.sessions[agentID] = append([]types.Session{sess}, s.sessions[agentID]...)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	logging.Get(logging.CategorySession).Infow("created session",
		"agent", agentID, "session", sess.ID)
	s.persistSnapshot(ctx, snap)
	return sess, nil
}

// EnsureAgentSessions guarantees the agent has at least one session,
// creating a default one when its list is empty.
func (s *Store) EnsureAgentSessions(ctx context.Context, agentID string) {
	s.mu.Lock()
	if len(s.sessions[agentID]) > 0 {
		s.mu.Unlock()
		return
	}
	sess := NewLocalSession(agentID, "")
	s.sessions[agentID] = []types.Session{sess}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	logging.Get(logging.CategorySession).Infow("created default session",
		"agent", agentID, "session", sess.ID)
	s.persistSnapshot(ctx, snap)
}

// SessionsForAgent returns a recency-sorted copy of the agent's sessions.
func (s *Store) SessionsForAgent(agentID string) []types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Session(nil), s.sessions[agentID]...)
}

// Session finds a session by id across all agents.
func (s *Store) Session(sessionID string) (types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agentID, idx, ok := s.lookupLocked(sessionID)
	if !ok {
		return types.Session{}, false
	}
	return s.sessions[agentID][idx], true
}

// MessagesForSession returns a defensive copy of the session's messages.
func (s *Store) MessagesForSession(sessionID string) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Message(nil), s.messages[sessionID]...)
}

// CommitMessages replaces the session's message list after new activity,
// bumps its recency and regenerates its title.
func (s *Store) CommitMessages(ctx context.Context, sessionID string, messages []types.Message) error {
	s.mu.Lock()
	agentID, idx, ok := s.lookupLocked(sessionID)
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	s.messages[sessionID] = append([]types.Message(nil), messages...)
	s.refreshSessionLocked(agentID, idx, sessionID)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persistSnapshot(ctx, snap)
	return nil
}

// TouchSession bumps the session's updatedAt, regenerates its title from
// the latest exchange, and persists. With no new user/assistant pair the
// title is left untouched.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	agentID, idx, ok := s.lookupLocked(sessionID)
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	s.refreshSessionLocked(agentID, idx, sessionID)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persistSnapshot(ctx, snap)
	return nil
}

// refreshSessionLocked applies message-activity effects to one session:
// monotonic updatedAt bump, title regeneration, recency re-sort.
func (s *Store) refreshSessionLocked(agentID string, idx int, sessionID string) {
	sess := &s.sessions[agentID][idx]
	if now := time.Now(); now.After(sess.UpdatedAt) {
		sess.UpdatedAt = now
	}
	if generated := title.Generate(s.messages[sessionID]); generated != "" && generated != sess.Title {
		logging.Get(logging.CategoryTitle).Debugw("regenerated title",
			"session", sessionID, "title", generated)
		sess.Title = generated
	}
	identity.SortByRecency(s.sessions[agentID])
}

// DeleteSession removes a session. Deleting the agent's in-flight session
// fails with ErrBusy. For remote-log sessions the agent-side file must be
// deleted (or already absent) before local removal proceeds. The agent is
// always left with at least one session.
func (s *Store) DeleteSession(ctx context.Context, agentID, sessionID string) error {
	s.mu.RLock()
	idx, found := s.findLocked(agentID, sessionID)
	var sess types.Session
	if found {
		sess = s.sessions[agentID][idx]
	}
	busy := s.inflight[agentID] == sessionID
	s.mu.RUnlock()

	if !found {
		return ErrNotFound
	}
	if busy {
		return fmt.Errorf("%w: session %s is awaiting a reply", ErrBusy, sessionID)
	}

	if sess.Source == types.SourceRemoteLog {
		if err := s.deleteRemoteLog(ctx, agentID, sess); err != nil {
			return err
		}
	}

	// Re-validate: the list may have changed during the remote round trip.
	s.mu.Lock()
	idx, found = s.findLocked(agentID, sessionID)
	if !found {
		s.mu.Unlock()
		return nil
	}
	if s.inflight[agentID] == sessionID {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s is awaiting a reply", ErrBusy, sessionID)
	}

	list := s.sessions[agentID]
	s.sessions[agentID] = append(list[:idx:idx], list[idx+1:]...)
	delete(s.messages, sessionID)
	if len(s.sessions[agentID]) == 0 {
		s.sessions[agentID] = []types.Session{NewLocalSession(agentID, "")}
	}
	if s.activeAgent == agentID && s.activeSession == sessionID {
		s.activeSession = s.sessions[agentID][0].ID
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	logging.Get(logging.CategorySession).Infow("deleted session",
		"agent", agentID, "session", sessionID)
	s.persistSnapshot(ctx, snap)
	return nil
}

// deleteRemoteLog performs the agent-side round trip for a remote-log
// session. "Already absent" counts as success.
func (s *Store) deleteRemoteLog(ctx context.Context, agentID string, sess types.Session) error {
	remoteID := strings.TrimSpace(sess.ACPSessionID)
	if !identity.IsRemoteID(remoteID) {
		remoteID = identity.InferLegacyRemoteID(agentID, sess.ID)
	}
	if remoteID == "" {
		// No resolvable remote identifier; nothing agent-side to delete.
		return nil
	}
	if s.remote == nil {
		return fmt.Errorf("%w: no agent connection", history.ErrUnavailable)
	}
	workspace, ok := s.roster.WorkspacePath(agentID)
	if !ok {
		return ErrNotFound
	}

	deleted, err := s.remote.DeleteSession(ctx, workspace, remoteID)
	if err != nil {
		return fmt.Errorf("failed to delete remote history %s: %w", remoteID, err)
	}
	if !deleted {
		logging.Get(logging.CategorySession).Debugw("remote history already absent",
			"agent", agentID, "remote", remoteID)
	}
	return nil
}

// =============================================================================
// SELECTION AND IN-FLIGHT TRACKING
// =============================================================================

// SelectSession records the UI's active conversation. Selecting an unknown
// session is a silent no-op.
func (s *Store) SelectSession(agentID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.findLocked(agentID, sessionID); !found {
		logging.Get(logging.CategorySession).Debugw("ignoring selection of unknown session",
			"agent", agentID, "session", sessionID)
		return
	}
	s.activeAgent = agentID
	s.activeSession = sessionID
}

// ActiveSelection returns the currently selected agent and session.
func (s *Store) ActiveSelection() (agentID, sessionID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeAgent, s.activeSession
}

// BeginSend marks the session as awaiting a reply from its agent.
func (s *Store) BeginSend(agentID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[agentID] = sessionID
}

// EndSend clears the agent's in-flight marker.
func (s *Store) EndSend(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, agentID)
}

// InFlight returns the agent's in-flight session id, if any.
func (s *Store) InFlight(agentID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight[agentID]
}

// =============================================================================
// RECONCILER HOOK
// =============================================================================

// UpdateAgentSessions applies a functional update to one agent's session
// list under the write lock. rebuild receives the current list and returns
// the next list, the session ids whose message caches must be dropped, and
// whether anything changed. Running the rebuild against current state at
// apply time (not against an earlier snapshot) is what lets concurrent
// passes race safely: the last fully-applied pass wins.
func (s *Store) UpdateAgentSessions(ctx context.Context, agentID string, rebuild func(current []types.Session) (next []types.Session, dropMessages []string, changed bool)) bool {
	s.mu.Lock()
	current := append([]types.Session(nil), s.sessions[agentID]...)
	next, dropMessages, changed := rebuild(current)
	if !changed {
		s.mu.Unlock()
		return false
	}

	s.sessions[agentID] = next
	for _, sessionID := range dropMessages {
		delete(s.messages, sessionID)
	}
	// Keep the current selection when it survived the pass; otherwise fall
	// back to the most recently updated session. Never "no session".
	if s.activeAgent == agentID && len(next) > 0 {
		if _, stillThere := s.findLocked(agentID, s.activeSession); !stillThere {
			s.activeSession = next[0].ID
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persistSnapshot(ctx, snap)
	return true
}

// =============================================================================
// REMOTE MESSAGE LOADS
// =============================================================================

// LoadToken tags an in-flight remote message load with its target. The UI
// compares it against the active selection at resolution time; the fetched
// data is committed to the store either way.
type LoadToken struct {
	AgentID   string
	SessionID string
}

// Matches reports whether the token targets the given conversation.
func (t LoadToken) Matches(agentID, sessionID string) bool {
	return t.AgentID == agentID && t.SessionID == sessionID
}

// LoadRemoteMessages fetches the message log of a remote-log session from
// the agent's history and caches it in the store. For local sessions the
// cached messages are returned as-is. A load that finds the backing file
// gone removes the session locally and reports the error.
func (s *Store) LoadRemoteMessages(ctx context.Context, agentID, sessionID string) ([]types.Message, LoadToken, error) {
	token := LoadToken{AgentID: agentID, SessionID: sessionID}

	s.mu.RLock()
	idx, found := s.findLocked(agentID, sessionID)
	var sess types.Session
	if found {
		sess = s.sessions[agentID][idx]
	}
	s.mu.RUnlock()
	if !found {
		return nil, token, ErrNotFound
	}

	remoteID := strings.TrimSpace(sess.ACPSessionID)
	if !identity.IsRemoteID(remoteID) {
		remoteID = identity.InferLegacyRemoteID(agentID, sess.ID)
	}
	if sess.Source != types.SourceRemoteLog || remoteID == "" || s.remote == nil {
		return s.MessagesForSession(sessionID), token, nil
	}

	workspace, ok := s.roster.WorkspacePath(agentID)
	if !ok {
		return nil, token, ErrNotFound
	}

	timer := logging.StartTimer(logging.CategoryStore, "LoadRemoteMessages")
	fetched, err := s.remote.LoadMessages(ctx, workspace, remoteID)
	timer.Stop()
	if err != nil {
		if errors.Is(err, history.ErrSessionGone) {
			logging.Get(logging.CategoryStore).Infow("remote history gone, dropping session",
				"agent", agentID, "session", sessionID)
			s.dropSession(ctx, agentID, sessionID)
		}
		return nil, token, err
	}

	messages := make([]types.Message, 0, len(fetched))
	for _, m := range fetched {
		messages = append(messages, types.Message{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			AgentID:   agentID,
		})
	}

	// Remote-log messages are a re-fetchable cache, not a persisted
	// obligation: update memory without forcing a snapshot write.
	s.mu.Lock()
	s.messages[sessionID] = messages
	s.mu.Unlock()

	return append([]types.Message(nil), messages...), token, nil
}

// dropSession removes a session without any remote round trip, used when
// the remote side already confirmed the data is gone.
func (s *Store) dropSession(ctx context.Context, agentID, sessionID string) {
	s.mu.Lock()
	idx, found := s.findLocked(agentID, sessionID)
	if !found {
		s.mu.Unlock()
		return
	}
	list := s.sessions[agentID]
	s.sessions[agentID] = append(list[:idx:idx], list[idx+1:]...)
	delete(s.messages, sessionID)
	if len(s.sessions[agentID]) == 0 {
		s.sessions[agentID] = []types.Session{NewLocalSession(agentID, "")}
	}
	if s.activeAgent == agentID && s.activeSession == sessionID {
		s.activeSession = s.sessions[agentID][0].ID
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persistSnapshot(ctx, snap)
}

// =============================================================================
// SNAPSHOT AND PERSISTENCE
// =============================================================================

// Snapshot returns a deep copy of the full state.
func (s *Store) Snapshot() types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() types.Snapshot {
	snap := types.NewSnapshot()
	for agentID, sessions := range s.sessions {
		snap.SessionsByAgent[agentID] = append([]types.Session(nil), sessions...)
	}
	for sessionID, messages := range s.messages {
		snap.MessagesBySession[sessionID] = append([]types.Message(nil), messages...)
	}
	return snap
}

// persistSnapshot writes the snapshot through the gateway. Persistence
// failures are logged, never fatal: worst case the durable state goes
// stale until the next mutation.
func (s *Store) persistSnapshot(ctx context.Context, snap types.Snapshot) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveSnapshot(ctx, snap); err != nil {
		logging.Get(logging.CategoryStore).Errorw("failed to persist snapshot", "error", err)
	}
}

func (s *Store) findLocked(agentID, sessionID string) (int, bool) {
	for i, sess := range s.sessions[agentID] {
		if sess.ID == sessionID {
			return i, true
		}
	}
	return 0, false
}

func (s *Store) lookupLocked(sessionID string) (string, int, bool) {
	for agentID, sessions := range s.sessions {
		for i, sess := range sessions {
			if sess.ID == sessionID {
				return agentID, i, true
			}
		}
	}
	return "", 0, false
}
