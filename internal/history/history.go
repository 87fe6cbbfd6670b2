// Package history gives the session core its view of the externally
// authoritative conversation logs each agent keeps on disk. The Provider
// interface is the narrow boundary the reconciler and store consume; the
// iFlow implementation in this package reads the agent's JSONL files
// directly. Payloads coming off disk are untrusted: every record passes a
// parse-and-normalize boundary and malformed entries are filtered out.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// ErrUnavailable marks a listing/load failure where the agent's history
// location could not be read at all. Reconciliation passes abort with zero
// mutation on this error.
var ErrUnavailable = errors.New("agent history unavailable")

// ErrSessionGone marks a load/delete that targeted a session whose backing
// file no longer exists. Callers use it to remove the local mirror.
var ErrSessionGone = errors.New("history session gone")

// Session is one entry of an agent's remote history listing.
type Session struct {
	RemoteID     string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// Message is one parsed entry of a remote conversation log.
type Message struct {
	ID        string
	Role      types.Role
	Content   string
	Timestamp time.Time
}

// Provider is the agent-connection collaborator surface.
type Provider interface {
	// ListSessions enumerates the history sessions recorded for a
	// workspace, most recently updated first.
	ListSessions(ctx context.Context, workspacePath string) ([]Session, error)

	// LoadMessages reads the full message log of one history session.
	LoadMessages(ctx context.Context, workspacePath, remoteID string) ([]Message, error)

	// DeleteSession removes a history session's backing file. It returns
	// true when a file was deleted and false when it was already absent.
	DeleteSession(ctx context.Context, workspacePath, remoteID string) (bool, error)

	// ClearSessions removes every history session of a workspace and
	// returns the number of files deleted.
	ClearSessions(ctx context.Context, workspacePath string) (int, error)
}
