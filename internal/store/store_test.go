package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chenweil/FlowHub-sub000/internal/history"
	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type fakePersister struct {
	mu    sync.Mutex
	saves int
	last  types.Snapshot
	err   error
}

func (p *fakePersister) SaveSnapshot(ctx context.Context, snap types.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.saves++
	p.last = snap
	return nil
}

func (p *fakePersister) saveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

type fakeProvider struct {
	mu        sync.Mutex
	listing   []history.Session
	messages  map[string][]history.Message
	loadErr   error
	deleteOK  bool
	deleteErr error
	deleted   []string
}

func (f *fakeProvider) ListSessions(ctx context.Context, workspacePath string) ([]history.Session, error) {
	return append([]history.Session(nil), f.listing...), nil
}

func (f *fakeProvider) LoadMessages(ctx context.Context, workspacePath, remoteID string) ([]history.Message, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.messages[remoteID], nil
}

func (f *fakeProvider) DeleteSession(ctx context.Context, workspacePath, remoteID string) (bool, error) {
	f.mu.Lock()
	f.deleted = append(f.deleted, remoteID)
	f.mu.Unlock()
	return f.deleteOK, f.deleteErr
}

func (f *fakeProvider) ClearSessions(ctx context.Context, workspacePath string) (int, error) {
	return 0, nil
}

type fakeRoster struct {
	agents []types.Agent
}

func (r *fakeRoster) Agents() []types.Agent { return r.agents }

func (r *fakeRoster) WorkspacePath(agentID string) (string, bool) {
	for _, agent := range r.agents {
		if agent.ID == agentID {
			return agent.WorkspacePath, true
		}
	}
	return "", false
}

const testAgent = "iflow-1"

func newTestStore() (*Store, *fakePersister, *fakeProvider) {
	persister := &fakePersister{}
	provider := &fakeProvider{messages: make(map[string][]history.Message)}
	roster := &fakeRoster{agents: []types.Agent{{ID: testAgent, WorkspacePath: "/work/demo"}}}
	return New(persister, provider, roster), persister, provider
}

func remoteLogSession(id, remoteID string, updatedAt time.Time) types.Session {
	return types.Session{
		ID:           id,
		AgentID:      testAgent,
		Title:        "imported",
		CreatedAt:    updatedAt,
		UpdatedAt:    updatedAt,
		ACPSessionID: remoteID,
		Source:       types.SourceRemoteLog,
	}
}

// =============================================================================
// CRUD
// =============================================================================

func TestCreateSessionPrependsAndPersists(t *testing.T) {
	st, persister, _ := newTestStore()
	ctx := context.Background()

	first, err := st.CreateSession(ctx, testAgent, "第一个")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	second, err := st.CreateSession(ctx, testAgent, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sessions := st.SessionsForAgent(testAgent)
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != second.ID || sessions[1].ID != first.ID {
		t.Error("newest session must come first")
	}
	if second.Title != "新会话" {
		t.Errorf("blank title = %q, want the default", second.Title)
	}
	if second.Source != types.SourceLocal {
		t.Errorf("source = %q, want local", second.Source)
	}
	if persister.saveCount() != 2 {
		t.Errorf("persisted %d times, want 2", persister.saveCount())
	}
}

func TestEnsureAgentSessions(t *testing.T) {
	st, persister, _ := newTestStore()
	ctx := context.Background()

	st.EnsureAgentSessions(ctx, testAgent)
	sessions := st.SessionsForAgent(testAgent)
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1 default", len(sessions))
	}

	st.EnsureAgentSessions(ctx, testAgent)
	again := st.SessionsForAgent(testAgent)
	if len(again) != 1 || again[0].ID != sessions[0].ID {
		t.Error("second call must be a no-op")
	}
	if persister.saveCount() != 1 {
		t.Errorf("persisted %d times, want 1", persister.saveCount())
	}
}

func TestCommitMessagesRegeneratesTitle(t *testing.T) {
	st, _, _ := newTestStore()
	ctx := context.Background()

	sess, _ := st.CreateSession(ctx, testAgent, "")
	err := st.CommitMessages(ctx, sess.ID, []types.Message{
		{ID: "m1", Role: types.RoleUser, Content: "帮我写一个爬虫脚本", Timestamp: time.Now(), AgentID: testAgent},
		{ID: "m2", Role: types.RoleAssistant, Content: "好的，这是代码", Timestamp: time.Now(), AgentID: testAgent},
	})
	if err != nil {
		t.Fatalf("CommitMessages: %v", err)
	}

	updated, ok := st.Session(sess.ID)
	if !ok {
		t.Fatal("session disappeared")
	}
	if updated.Title != "写一个爬虫脚本·这是代码" {
		t.Errorf("title = %q, want derived from the exchange", updated.Title)
	}
	if updated.UpdatedAt.Before(sess.UpdatedAt) {
		t.Error("updatedAt must not move backwards")
	}
}

func TestCommitMessagesUnknownSession(t *testing.T) {
	st, _, _ := newTestStore()
	err := st.CommitMessages(context.Background(), "no-such-session", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestTouchSessionKeepsTitleWithoutExchange(t *testing.T) {
	st, _, _ := newTestStore()
	ctx := context.Background()

	sess, _ := st.CreateSession(ctx, testAgent, "手动命名")
	if err := st.TouchSession(ctx, sess.ID); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}

	updated, _ := st.Session(sess.ID)
	if updated.Title != "手动命名" {
		t.Errorf("title = %q, an incomplete exchange must not rename", updated.Title)
	}
}

// =============================================================================
// DELETE
// =============================================================================

func TestDeleteBusySession(t *testing.T) {
	st, _, _ := newTestStore()
	ctx := context.Background()

	sess, _ := st.CreateSession(ctx, testAgent, "")
	st.BeginSend(testAgent, sess.ID)

	err := st.DeleteSession(ctx, testAgent, sess.ID)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if _, ok := st.Session(sess.ID); !ok {
		t.Fatal("busy session must survive the delete attempt")
	}

	st.EndSend(testAgent)
	if err := st.DeleteSession(ctx, testAgent, sess.ID); err != nil {
		t.Fatalf("DeleteSession after EndSend: %v", err)
	}

	// The agent never ends up with zero sessions.
	sessions := st.SessionsForAgent(testAgent)
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1 replacement", len(sessions))
	}
	if sessions[0].ID == sess.ID {
		t.Error("replacement must be a fresh session")
	}
}

func TestDeleteRemoteLogAlreadyAbsent(t *testing.T) {
	st, _, provider := newTestStore()
	ctx := context.Background()
	provider.deleteOK = false // file already gone agent-side

	sess := remoteLogSession(testAgent+"::session-x", "session-x", time.Now())
	snap := types.NewSnapshot()
	snap.SessionsByAgent[testAgent] = []types.Session{sess}
	st.Hydrate(snap)

	if err := st.DeleteSession(ctx, testAgent, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if len(provider.deleted) != 1 || provider.deleted[0] != "session-x" {
		t.Errorf("remote delete calls = %v, want [session-x]", provider.deleted)
	}
	if _, ok := st.Session(sess.ID); ok {
		t.Error("session must be removed locally")
	}
}

func TestDeleteRemoteLogUnavailableKeepsSession(t *testing.T) {
	st, _, provider := newTestStore()
	ctx := context.Background()
	provider.deleteErr = history.ErrUnavailable

	sess := remoteLogSession(testAgent+"::session-x", "session-x", time.Now())
	snap := types.NewSnapshot()
	snap.SessionsByAgent[testAgent] = []types.Session{sess}
	st.Hydrate(snap)

	if err := st.DeleteSession(ctx, testAgent, sess.ID); !errors.Is(err, history.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if _, ok := st.Session(sess.ID); !ok {
		t.Error("session must survive a failed remote delete")
	}
}

func TestDeleteUnknownSession(t *testing.T) {
	st, _, _ := newTestStore()
	err := st.DeleteSession(context.Background(), testAgent, "no-such-session")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// =============================================================================
// SELECTION
// =============================================================================

func TestSelectSessionUnknownIsNoop(t *testing.T) {
	st, _, _ := newTestStore()
	ctx := context.Background()

	sess, _ := st.CreateSession(ctx, testAgent, "")
	st.SelectSession(testAgent, sess.ID)
	st.SelectSession(testAgent, "no-such-session")

	agentID, sessionID := st.ActiveSelection()
	if agentID != testAgent || sessionID != sess.ID {
		t.Errorf("selection = (%s, %s), want unchanged", agentID, sessionID)
	}
}

func TestSelectionFallsBackAfterDelete(t *testing.T) {
	st, _, _ := newTestStore()
	ctx := context.Background()

	keep, _ := st.CreateSession(ctx, testAgent, "保留")
	doomed, _ := st.CreateSession(ctx, testAgent, "删除")
	st.SelectSession(testAgent, doomed.ID)

	if err := st.DeleteSession(ctx, testAgent, doomed.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	_, sessionID := st.ActiveSelection()
	if sessionID != keep.ID {
		t.Errorf("active session = %s, want fallback to %s", sessionID, keep.ID)
	}
}

// =============================================================================
// COPY SEMANTICS
// =============================================================================

func TestMessagesForSessionDefensiveCopy(t *testing.T) {
	st, _, _ := newTestStore()
	ctx := context.Background()

	sess, _ := st.CreateSession(ctx, testAgent, "")
	original := []types.Message{{ID: "m1", Role: types.RoleUser, Content: "原始内容", Timestamp: time.Now()}}
	if err := st.CommitMessages(ctx, sess.ID, original); err != nil {
		t.Fatalf("CommitMessages: %v", err)
	}

	got := st.MessagesForSession(sess.ID)
	got[0].Content = "mutated"

	fresh := st.MessagesForSession(sess.ID)
	if fresh[0].Content != "原始内容" {
		t.Error("callers must not be able to mutate stored messages")
	}
}

// =============================================================================
// REMOTE MESSAGE LOADS
// =============================================================================

func TestLoadRemoteMessagesLocalSession(t *testing.T) {
	st, _, provider := newTestStore()
	ctx := context.Background()

	sess, _ := st.CreateSession(ctx, testAgent, "")
	committed := []types.Message{{ID: "m1", Role: types.RoleUser, Content: "本地消息", Timestamp: time.Now()}}
	if err := st.CommitMessages(ctx, sess.ID, committed); err != nil {
		t.Fatalf("CommitMessages: %v", err)
	}

	messages, token, err := st.LoadRemoteMessages(ctx, testAgent, sess.ID)
	if err != nil {
		t.Fatalf("LoadRemoteMessages: %v", err)
	}
	if !token.Matches(testAgent, sess.ID) {
		t.Error("token must target the requested conversation")
	}
	if len(messages) != 1 || messages[0].ID != "m1" {
		t.Errorf("messages = %v, want the committed cache", messages)
	}
	if len(provider.deleted) != 0 {
		t.Error("local loads must not touch the agent connection")
	}
}

func TestLoadRemoteMessagesFetchesWithoutPersisting(t *testing.T) {
	st, persister, provider := newTestStore()
	ctx := context.Background()

	sess := remoteLogSession(testAgent+"::session-x", "session-x", time.Now())
	snap := types.NewSnapshot()
	snap.SessionsByAgent[testAgent] = []types.Session{sess}
	st.Hydrate(snap)

	provider.messages["session-x"] = []history.Message{
		{ID: "r1", Role: types.RoleUser, Content: "远端消息", Timestamp: time.Now()},
	}

	before := persister.saveCount()
	messages, _, err := st.LoadRemoteMessages(ctx, testAgent, sess.ID)
	if err != nil {
		t.Fatalf("LoadRemoteMessages: %v", err)
	}
	if len(messages) != 1 || messages[0].AgentID != testAgent {
		t.Errorf("messages = %v, want one tagged with the agent", messages)
	}
	if persister.saveCount() != before {
		t.Error("a re-fetchable cache update must not force a snapshot write")
	}

	cached := st.MessagesForSession(sess.ID)
	if len(cached) != 1 || cached[0].ID != "r1" {
		t.Error("fetched messages must be cached in the store")
	}
}

func TestLoadRemoteMessagesGoneDropsSession(t *testing.T) {
	st, _, provider := newTestStore()
	ctx := context.Background()
	provider.loadErr = history.ErrSessionGone

	sess := remoteLogSession(testAgent+"::session-x", "session-x", time.Now())
	snap := types.NewSnapshot()
	snap.SessionsByAgent[testAgent] = []types.Session{sess}
	st.Hydrate(snap)

	_, _, err := st.LoadRemoteMessages(ctx, testAgent, sess.ID)
	if !errors.Is(err, history.ErrSessionGone) {
		t.Fatalf("err = %v, want ErrSessionGone", err)
	}
	if _, ok := st.Session(sess.ID); ok {
		t.Error("a session whose backing file is gone must be dropped")
	}
	sessions := st.SessionsForAgent(testAgent)
	if len(sessions) != 1 || sessions[0].Source != types.SourceLocal {
		t.Error("the agent must be refilled with a fresh local session")
	}
}

// =============================================================================
// RECONCILER HOOK
// =============================================================================

func TestUpdateAgentSessionsNoChange(t *testing.T) {
	st, persister, _ := newTestStore()
	ctx := context.Background()
	st.EnsureAgentSessions(ctx, testAgent)

	before := persister.saveCount()
	applied := st.UpdateAgentSessions(ctx, testAgent, func(current []types.Session) ([]types.Session, []string, bool) {
		return current, nil, false
	})
	if applied {
		t.Error("an unchanged rebuild must not report application")
	}
	if persister.saveCount() != before {
		t.Error("an unchanged rebuild must not persist")
	}
}

func TestUpdateAgentSessionsSelectionFallback(t *testing.T) {
	st, _, _ := newTestStore()
	ctx := context.Background()

	old, _ := st.CreateSession(ctx, testAgent, "")
	st.SelectSession(testAgent, old.ID)

	replacement := NewLocalSession(testAgent, "替代会话")
	applied := st.UpdateAgentSessions(ctx, testAgent, func(current []types.Session) ([]types.Session, []string, bool) {
		return []types.Session{replacement}, []string{old.ID}, true
	})
	if !applied {
		t.Fatal("rebuild must apply")
	}

	_, sessionID := st.ActiveSelection()
	if sessionID != replacement.ID {
		t.Errorf("active session = %s, want fallback to %s", sessionID, replacement.ID)
	}
	if got := st.MessagesForSession(old.ID); len(got) != 0 {
		t.Error("dropped message caches must be removed")
	}
}
