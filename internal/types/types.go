// Package types provides the shared data model for the FlowHub session core.
// This package exists to break import cycles between the store, reconciler,
// and persistence layers. Types here are foundational records with no
// behavior beyond copying and timestamp handling.
package types

import (
	"time"
)

// =============================================================================
// DOMAIN RECORDS
// =============================================================================

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleThought   Role = "thought"
)

// Source identifies where a session originated.
type Source string

const (
	// SourceLocal marks a session created by explicit user action.
	SourceLocal Source = "local"
	// SourceRemoteLog marks a session imported from an agent's on-disk
	// history; its authoritative content lives in the agent's log files.
	SourceRemoteLog Source = "remote-log"
)

// Agent describes an external assistant endpoint. Agents are referenced,
// not owned, by the session core: the roster is loaded from configuration
// and the core never mutates it.
type Agent struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Type          string `yaml:"type"`
	WorkspacePath string `yaml:"workspacePath"`
}

// Session is one conversation thread tied to one agent.
type Session struct {
	ID        string
	AgentID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time

	// ACPSessionID is the agent-side remote identifier, when known.
	ACPSessionID string
	Source       Source
	// MessageCountHint mirrors the remote listing's message count for
	// remote-log sessions; it is a display hint, not a guarantee.
	MessageCountHint int
}

// Message is a single conversation entry.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
	AgentID   string
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the full in-memory state of sessions and messages at a point
// in time. The persistence gateway serializes and restores it.
type Snapshot struct {
	SessionsByAgent   map[string][]Session
	MessagesBySession map[string][]Message
}

// NewSnapshot returns an empty snapshot with allocated maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		SessionsByAgent:   make(map[string][]Session),
		MessagesBySession: make(map[string][]Message),
	}
}

// Empty reports whether the snapshot holds no sessions and no messages.
func (s Snapshot) Empty() bool {
	return len(s.SessionsByAgent) == 0 && len(s.MessagesBySession) == 0
}

// Clone returns a deep copy. Sessions and messages are value types, so
// copying the slices is sufficient.
func (s Snapshot) Clone() Snapshot {
	out := NewSnapshot()
	for agentID, sessions := range s.SessionsByAgent {
		out.SessionsByAgent[agentID] = append([]Session(nil), sessions...)
	}
	for sessionID, messages := range s.MessagesBySession {
		out.MessagesBySession[sessionID] = append([]Message(nil), messages...)
	}
	return out
}

// =============================================================================
// TIMESTAMP CODEC
// =============================================================================

// timeLayout is the fixed serialized form for timestamps. Millisecond
// precision matches the payloads the agent history files carry.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime serializes a timestamp to its durable text form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime restores a timestamp from its text form. Parsing is permissive
// across RFC 3339 precision variants; unparseable input hydrates to the
// zero time so a damaged field never fails a snapshot load.
func ParseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
