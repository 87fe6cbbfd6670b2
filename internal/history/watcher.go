package history

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chenweil/FlowHub-sub000/internal/logging"
	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// Watcher observes the iFlow project directories of a set of agents and
// reports which agent's history changed. Events are debounced per agent:
// the agent writes its JSONL file line by line, and one reconcile pass per
// burst is enough.
type Watcher struct {
	fsw      *fsnotify.Watcher
	agents   map[string]string // watched dir -> agent id
	onChange func(agentID string)
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher builds a watcher over every existing project directory of the
// given agents. Directories that do not exist yet are skipped; they appear
// once the agent records its first session, and the next restart picks
// them up.
func NewWatcher(provider *IflowProvider, agents []types.Agent, debounce time.Duration, onChange func(agentID string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		agents:   make(map[string]string),
		onChange: onChange,
		debounce: debounce,
		pending:  make(map[string]*time.Timer),
	}

	log := logging.Get(logging.CategoryHistory)
	for _, agent := range agents {
		for _, dir := range provider.ProjectDirs(agent.WorkspacePath) {
			if err := fsw.Add(dir); err != nil {
				log.Debugw("not watching history dir", "dir", dir, "error", err)
				continue
			}
			w.agents[dir] = agent.ID
			log.Infow("watching history dir", "dir", dir, "agent", agent.ID)
		}
	}

	return w, nil
}

// Run processes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stopPending()
	log := logging.Get(logging.CategoryHistory)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !isSessionFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			agentID, watched := w.agents[filepath.Dir(event.Name)]
			if !watched {
				continue
			}
			w.schedule(agentID)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warnw("history watcher error", "error", err)
		}
	}
}

// Close releases the underlying filesystem watcher.
func (w *Watcher) Close() error {
	w.stopPending()
	return w.fsw.Close()
}

func (w *Watcher) schedule(agentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, exists := w.pending[agentID]; exists {
		timer.Reset(w.debounce)
		return
	}
	w.pending[agentID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, agentID)
		w.mu.Unlock()
		w.onChange(agentID)
	})
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for agentID, timer := range w.pending {
		timer.Stop()
		delete(w.pending, agentID)
	}
}

func isSessionFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, sessionFilePrefix) && strings.HasSuffix(name, sessionFileSuffix)
}
