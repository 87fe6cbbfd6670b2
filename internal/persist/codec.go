// Package persist makes the session state durable through a tiered path:
// a SQLite primary store with a JSON document fallback. The gateway also
// owns the one-time legacy migration and roster-based pruning.
package persist

import (
	"strings"

	"github.com/chenweil/FlowHub-sub000/internal/identity"
	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// =============================================================================
// SNAPSHOT CODEC
// =============================================================================
// The durable snapshot shape. Field names match the original client's
// store document so old fallback files keep loading.

type snapshotRecord struct {
	SessionsByAgent   map[string][]sessionRecord `json:"sessionsByAgent"`
	MessagesBySession map[string][]messageRecord `json:"messagesBySession"`
}

type sessionRecord struct {
	ID               string `json:"id"`
	AgentID          string `json:"agentId"`
	Title            string `json:"title"`
	CreatedAt        string `json:"createdAt"`
	UpdatedAt        string `json:"updatedAt"`
	ACPSessionID     string `json:"acpSessionId,omitempty"`
	Source           string `json:"source,omitempty"`
	MessageCountHint int    `json:"messageCountHint,omitempty"`
}

type messageRecord struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agentId,omitempty"`
}

// encodeSnapshot builds the durable form. Messages of remote-log sessions
// are excluded: they are a re-fetchable cache whose truth lives in the
// agent's history files, and persisting them would let the copy drift.
func encodeSnapshot(snap types.Snapshot) snapshotRecord {
	rec := snapshotRecord{
		SessionsByAgent:   make(map[string][]sessionRecord, len(snap.SessionsByAgent)),
		MessagesBySession: make(map[string][]messageRecord, len(snap.MessagesBySession)),
	}

	remoteLog := make(map[string]struct{})
	for agentID, sessions := range snap.SessionsByAgent {
		out := make([]sessionRecord, 0, len(sessions))
		for _, sess := range sessions {
			if sess.Source == types.SourceRemoteLog {
				remoteLog[sess.ID] = struct{}{}
			}
			out = append(out, sessionRecord{
				ID:               sess.ID,
				AgentID:          sess.AgentID,
				Title:            sess.Title,
				CreatedAt:        types.FormatTime(sess.CreatedAt),
				UpdatedAt:        types.FormatTime(sess.UpdatedAt),
				ACPSessionID:     sess.ACPSessionID,
				Source:           string(sess.Source),
				MessageCountHint: sess.MessageCountHint,
			})
		}
		rec.SessionsByAgent[agentID] = out
	}

	for sessionID, messages := range snap.MessagesBySession {
		if _, cached := remoteLog[sessionID]; cached {
			continue
		}
		out := make([]messageRecord, 0, len(messages))
		for _, msg := range messages {
			out = append(out, messageRecord{
				ID:        msg.ID,
				Role:      string(msg.Role),
				Content:   msg.Content,
				Timestamp: types.FormatTime(msg.Timestamp),
				AgentID:   msg.AgentID,
			})
		}
		rec.MessagesBySession[sessionID] = out
	}

	return rec
}

// decodeSnapshot restores a durable record into the in-memory model. This
// is a parse-and-normalize boundary: records missing identity fields are
// filtered out rather than trusted downstream.
func decodeSnapshot(rec snapshotRecord) types.Snapshot {
	snap := types.NewSnapshot()

	for agentID, sessions := range rec.SessionsByAgent {
		if agentID == "" {
			continue
		}
		out := make([]types.Session, 0, len(sessions))
		for _, sr := range sessions {
			if strings.TrimSpace(sr.ID) == "" {
				continue
			}
			out = append(out, decodeSession(agentID, sr))
		}
		if len(out) > 0 {
			snap.SessionsByAgent[agentID] = out
		}
	}

	for sessionID, messages := range rec.MessagesBySession {
		if sessionID == "" {
			continue
		}
		out := make([]types.Message, 0, len(messages))
		for _, mr := range messages {
			if strings.TrimSpace(mr.ID) == "" {
				continue
			}
			out = append(out, types.Message{
				ID:        mr.ID,
				Role:      types.Role(mr.Role),
				Content:   mr.Content,
				Timestamp: types.ParseTime(mr.Timestamp),
				AgentID:   mr.AgentID,
			})
		}
		if len(out) > 0 {
			snap.MessagesBySession[sessionID] = out
		}
	}

	return snap
}

func decodeSession(agentID string, sr sessionRecord) types.Session {
	source := types.Source(sr.Source)
	if source != types.SourceLocal && source != types.SourceRemoteLog {
		// Records predating the explicit source field: recover the kind
		// from the identifier shape, best effort.
		if identity.IsRemoteID(sr.ACPSessionID) || identity.InferLegacyRemoteID(agentID, sr.ID) != "" {
			source = types.SourceRemoteLog
		} else {
			source = types.SourceLocal
		}
	}
	ownerID := sr.AgentID
	if ownerID == "" {
		ownerID = agentID
	}
	return types.Session{
		ID:               sr.ID,
		AgentID:          ownerID,
		Title:            sr.Title,
		CreatedAt:        types.ParseTime(sr.CreatedAt),
		UpdatedAt:        types.ParseTime(sr.UpdatedAt),
		ACPSessionID:     sr.ACPSessionID,
		Source:           source,
		MessageCountHint: sr.MessageCountHint,
	}
}
