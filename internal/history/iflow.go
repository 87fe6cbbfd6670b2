package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chenweil/FlowHub-sub000/internal/logging"
	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// =============================================================================
// IFLOW ON-DISK HISTORY
// =============================================================================
// iFlow records one JSONL file per session under
// ~/.iflow/projects/<project-key>/session-<id>.jsonl, where the project key
// is derived from the workspace path. Each line is a JSON record carrying
// type, message.content, timestamp, cwd and uuid fields.

const (
	sessionFilePrefix = "session-"
	sessionFileSuffix = ".jsonl"

	// fallbackSummaryTitle is used when a history file holds no user
	// message to derive a title from.
	fallbackSummaryTitle = "iFlow 会话"

	// summaryTitleMax bounds the compacted listing title.
	summaryTitleMax = 28
)

// IflowProvider implements Provider against the iFlow projects directory.
type IflowProvider struct {
	root string
}

// NewIflowProvider creates a provider rooted at dir. An empty dir resolves
// to ~/.iflow/projects.
func NewIflowProvider(dir string) *IflowProvider {
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".iflow", "projects")
		}
	}
	return &IflowProvider{root: dir}
}

// normalizeWorkspacePath canonicalizes separators and trims trailing
// slashes so equivalent spellings of a workspace map to one project key.
func normalizeWorkspacePath(workspacePath string) string {
	normalized := strings.ReplaceAll(strings.TrimSpace(workspacePath), "\\", "/")
	for len(normalized) > 1 && strings.HasSuffix(normalized, "/") {
		normalized = normalized[:len(normalized)-1]
	}
	return normalized
}

// projectKey converts a workspace path into iFlow's directory naming.
func projectKey(workspacePath string) string {
	key := normalizeWorkspacePath(workspacePath)
	key = strings.ReplaceAll(key, "/", "-")
	key = strings.ReplaceAll(key, ":", "-")
	if !strings.HasPrefix(key, "-") {
		key = "-" + key
	}
	return key
}

// resolveWorkspace returns the canonical workspace path, falling back to
// plain normalization when the path cannot be resolved on this machine.
func resolveWorkspace(workspacePath string) string {
	abs, err := filepath.Abs(workspacePath)
	if err != nil {
		return normalizeWorkspacePath(workspacePath)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return normalizeWorkspacePath(resolved)
	}
	return normalizeWorkspacePath(abs)
}

// ProjectDirs lists the candidate project directories for a workspace.
// Both the raw and the canonicalized spelling are tried; historical files
// may live under either key.
func (p *IflowProvider) ProjectDirs(workspacePath string) []string {
	resolved := resolveWorkspace(workspacePath)
	seen := make(map[string]struct{}, 2)
	var dirs []string
	for _, candidate := range []string{workspacePath, resolved} {
		key := projectKey(candidate)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		dirs = append(dirs, filepath.Join(p.root, key))
	}
	return dirs
}

// normalizeRemoteID validates and canonicalizes an agent-side session id.
func normalizeRemoteID(remoteID string) (string, error) {
	id := strings.TrimSuffix(strings.TrimSpace(remoteID), sessionFileSuffix)
	if id == "" {
		return "", fmt.Errorf("session id cannot be empty")
	}
	if !strings.HasPrefix(id, sessionFilePrefix) {
		return "", fmt.Errorf("invalid session id format: %q", id)
	}
	return id, nil
}

// ListSessions implements Provider.
func (p *IflowProvider) ListSessions(ctx context.Context, workspacePath string) ([]Session, error) {
	timer := logging.StartTimer(logging.CategoryHistory, "ListSessions")
	defer timer.Stop()

	resolved := resolveWorkspace(workspacePath)
	seen := make(map[string]struct{})
	var sessions []Session

	for _, dir := range p.ProjectDirs(workspacePath) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("%w: read project dir %s: %v", ErrUnavailable, dir, err)
		}

		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, sessionFilePrefix) || !strings.HasSuffix(name, sessionFileSuffix) {
				continue
			}
			remoteID := strings.TrimSuffix(name, sessionFileSuffix)
			if _, dup := seen[remoteID]; dup {
				continue
			}
			seen[remoteID] = struct{}{}

			summary, err := parseSummary(filepath.Join(dir, name), remoteID, resolved)
			if err != nil {
				logging.Get(logging.CategoryHistory).Warnw("skipping unreadable history file",
					"file", name, "error", err)
				continue
			}
			if summary != nil {
				sessions = append(sessions, *summary)
			}
		}
	}

	// Recency order; ties keep directory order.
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	logging.Get(logging.CategoryHistory).Debugw("listed history sessions",
		"workspace", resolved, "count", len(sessions))
	return sessions, nil
}

// LoadMessages implements Provider.
func (p *IflowProvider) LoadMessages(ctx context.Context, workspacePath, remoteID string) ([]Message, error) {
	id, err := normalizeRemoteID(remoteID)
	if err != nil {
		return nil, err
	}

	resolved := resolveWorkspace(workspacePath)
	for _, dir := range p.ProjectDirs(workspacePath) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, id+sessionFileSuffix)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to inspect %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		return parseMessages(path, id, resolved)
	}

	return nil, fmt.Errorf("%w: %s under workspace %s", ErrSessionGone, id, resolved)
}

// DeleteSession implements Provider.
func (p *IflowProvider) DeleteSession(ctx context.Context, workspacePath, remoteID string) (bool, error) {
	id, err := normalizeRemoteID(remoteID)
	if err != nil {
		return false, err
	}

	for _, dir := range p.ProjectDirs(workspacePath) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		path := filepath.Join(dir, id+sessionFileSuffix)
		err := os.Remove(path)
		if err == nil {
			logging.Get(logging.CategoryHistory).Infow("deleted history session", "file", path)
			return true, nil
		}
		if os.IsNotExist(err) {
			continue
		}
		return false, fmt.Errorf("failed to delete %s: %w", path, err)
	}

	// Already absent: report success=false so the caller can treat the
	// session as gone without surfacing an error.
	return false, nil
}

// ClearSessions implements Provider.
func (p *IflowProvider) ClearSessions(ctx context.Context, workspacePath string) (int, error) {
	deleted := 0
	for _, dir := range p.ProjectDirs(workspacePath) {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return deleted, fmt.Errorf("%w: read project dir %s: %v", ErrUnavailable, dir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, sessionFilePrefix) || !strings.HasSuffix(name, sessionFileSuffix) {
				continue
			}
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err != nil {
				return deleted, fmt.Errorf("failed to delete %s: %w", path, err)
			}
			deleted++
		}
	}
	return deleted, nil
}

// =============================================================================
// JSONL PARSING
// =============================================================================

// historyRecord is the trusted subset of one JSONL line. Content stays
// untyped because agents interleave plain strings, text entries and tool
// orchestration blocks.
type historyRecord struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Cwd       string `json:"cwd"`
	UUID      string `json:"uuid"`
	Message   struct {
		Content any `json:"content"`
	} `json:"message"`
}

// recordContent extracts displayable text from a record, or "" when the
// record should not surface (tool orchestration, empty, non-chat types).
func recordContent(rec historyRecord) string {
	if rec.Type != "user" && rec.Type != "assistant" {
		return ""
	}
	// Tool orchestration records pollute history replies; drop them whole.
	if hasToolEntries(rec.Message.Content) {
		return ""
	}
	return strings.TrimSpace(extractTextEntries(rec.Message.Content))
}

func hasToolEntries(v any) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if kind, _ := m["type"].(string); kind == "tool_use" || kind == "tool_result" {
			return true
		}
	}
	return false
}

// extractTextValue flattens any nested content value to text.
func extractTextValue(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []any:
		var parts []string
		for _, item := range val {
			if text := extractTextValue(item); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		if text := extractTextValue(val["text"]); text != "" {
			return text
		}
		return extractTextValue(val["content"])
	default:
		return ""
	}
}

// extractTextEntries collects only text-typed entries, ignoring structured
// entries like tool_use/tool_result.
func extractTextEntries(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []any:
		var parts []string
		for _, item := range val {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			kind, ok := m["type"].(string)
			if !ok || kind != "text" {
				continue
			}
			if text := extractTextValue(m["text"]); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		if kind, ok := val["type"].(string); ok {
			if kind != "text" {
				return ""
			}
			return extractTextValue(val["text"])
		}
		if text := extractTextValue(val["text"]); text != "" {
			return text
		}
		return extractTextEntries(val["content"])
	default:
		return ""
	}
}

func recordTimestamp(rec historyRecord) time.Time {
	if ts := strings.TrimSpace(rec.Timestamp); ts != "" {
		return types.ParseTime(ts)
	}
	return time.Time{}
}

// compactSummaryTitle squashes a raw first message into a listing title.
func compactSummaryTitle(raw string) string {
	normalized := strings.Join(strings.Fields(raw), " ")
	if normalized == "" {
		return fallbackSummaryTitle
	}
	runes := []rune(normalized)
	if len(runes) <= summaryTitleMax {
		return normalized
	}
	return string(runes[:summaryTitleMax]) + "..."
}

// parseSummary builds a listing entry from one history file. It returns
// (nil, nil) when the file belongs to a different workspace.
func parseSummary(path, remoteID, workspace string) (*Session, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	fallback := time.Now()
	if info, err := os.Stat(path); err == nil {
		fallback = info.ModTime()
	}

	var createdAt, updatedAt time.Time
	var title string
	messageCount := 0
	hasCwd := false
	workspaceMatches := false

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec historyRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != "user" && rec.Type != "assistant" {
			continue
		}

		if cwd := strings.TrimSpace(rec.Cwd); cwd != "" {
			hasCwd = true
			if normalizeWorkspacePath(cwd) == workspace {
				workspaceMatches = true
			}
		}

		content := recordContent(rec)
		if content == "" {
			continue
		}
		messageCount++

		if ts := recordTimestamp(rec); !ts.IsZero() {
			if createdAt.IsZero() {
				createdAt = ts
			}
			updatedAt = ts
		}
		if title == "" && rec.Type == "user" {
			title = content
		}
	}

	if hasCwd && !workspaceMatches {
		return nil, nil
	}

	if createdAt.IsZero() {
		createdAt = fallback
	}
	if updatedAt.IsZero() {
		updatedAt = fallback
	}
	if title == "" {
		title = remoteID
	}

	return &Session{
		RemoteID:     remoteID,
		Title:        compactSummaryTitle(title),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		MessageCount: messageCount,
	}, nil
}

// parseMessages reads the full message log from one history file.
func parseMessages(path, remoteID, workspace string) ([]Message, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var messages []Message
	hasCwd := false
	workspaceMatches := false

	for index, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec historyRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}

		var role types.Role
		switch rec.Type {
		case "user":
			role = types.RoleUser
		case "assistant":
			role = types.RoleAssistant
		default:
			continue
		}

		if cwd := strings.TrimSpace(rec.Cwd); cwd != "" {
			hasCwd = true
			if normalizeWorkspacePath(cwd) == workspace {
				workspaceMatches = true
			}
		}

		content := recordContent(rec)
		if content == "" {
			continue
		}

		ts := recordTimestamp(rec)
		if ts.IsZero() {
			ts = time.Now()
		}

		id := strings.TrimSpace(rec.UUID)
		if id == "" {
			id = fmt.Sprintf("%s-%d", remoteID, index)
		}

		messages = append(messages, Message{
			ID:        id,
			Role:      role,
			Content:   content,
			Timestamp: ts,
		})
	}

	if hasCwd && !workspaceMatches {
		return nil, fmt.Errorf("session %s does not belong to workspace %s", remoteID, workspace)
	}

	return messages, nil
}
