// Package logging provides categorized structured logging for FlowHub.
// Every subsystem logs through a named child of one shared zap core, so a
// single log stream stays filterable by category. Before Initialize is
// called (and in tests) all loggers are no-ops.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup, wiring, migration
	CategorySession   Category = "session"   // session CRUD, selection
	CategoryStore     Category = "store"     // in-memory state mutations
	CategoryReconcile Category = "reconcile" // history reconciliation passes
	CategoryHistory   Category = "history"   // agent history file access
	CategoryPersist   Category = "persist"   // snapshot reads/writes
	CategoryTitle     Category = "title"     // title generation
)

var (
	mu      sync.RWMutex
	base    *zap.Logger
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Initialize builds the shared logger. Output goes to <dir>/flowhub.log
// (and stderr for warnings and above). An empty dir logs to stderr only.
func Initialize(dir string, level zapcore.Level) error {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log dir: %w", err)
		}
		cfg.OutputPaths = []string{filepath.Join(dir, "flowhub.log")}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	base = logger
	loggers = make(map[Category]*zap.SugaredLogger)
	mu.Unlock()
	return nil
}

// Get returns the logger for a category. Safe to call before Initialize.
func Get(c Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[c]; ok {
		return l
	}
	root := base
	if root == nil {
		root = zap.NewNop()
	}
	l := root.Named(string(c)).Sugar()
	loggers[c] = l
	return l
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
}

// Timer measures the duration of a named operation and logs it at debug
// level when stopped.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(c Category, op string) *Timer {
	return &Timer{category: c, op: op, start: time.Now()}
}

// Stop logs the elapsed time for the operation.
func (t *Timer) Stop() {
	Get(t.category).Debugw("operation complete", "op", t.op, "elapsed", time.Since(t.start))
}
