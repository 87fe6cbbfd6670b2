// Package config loads the FlowHub data directory layout and the agent
// roster. The roster is the source of truth for which agents exist; the
// session core references agents by id and never mutates the roster.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// Config is the on-disk configuration, stored as YAML in the data dir.
type Config struct {
	// DataDir overrides where stores and logs live. Defaults to the
	// directory the config was loaded from.
	DataDir string `yaml:"dataDir,omitempty"`

	Logging LoggingConfig `yaml:"logging"`
	Agents  []types.Agent `yaml:"agents"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // debug, info, warn, error
}

// DefaultDir returns the default data directory (~/.flowhub).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowhub"
	}
	return filepath.Join(home, ".flowhub")
}

// Load reads the config file at path. A missing file yields defaults with
// an empty roster; a malformed file is an error the caller surfaces.
func Load(path string) (*Config, error) {
	cfg := &Config{DataDir: filepath.Dir(path)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(path)
	}
	return cfg, nil
}

// Storage layout inside the data dir.

func (c *Config) SnapshotDBPath() string {
	return filepath.Join(c.DataDir, "session-store.db")
}

func (c *Config) FallbackPath() string {
	return filepath.Join(c.DataDir, "session-store-fallback.json")
}

// LegacyPath is the pre-snapshot flat message record, migrated once.
func (c *Config) LegacyPath() string {
	return filepath.Join(c.DataDir, "messages-legacy.json")
}

func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// Roster adapts the configured agents to the store's Roster interface.
type Roster struct {
	agents []types.Agent
}

// NewRoster builds a roster from the configured agents.
func (c *Config) NewRoster() *Roster {
	return &Roster{agents: append([]types.Agent(nil), c.Agents...)}
}

// Agents returns the configured agents.
func (r *Roster) Agents() []types.Agent {
	return append([]types.Agent(nil), r.agents...)
}

// WorkspacePath resolves an agent id to its workspace.
func (r *Roster) WorkspacePath(agentID string) (string, bool) {
	for _, agent := range r.agents {
		if agent.ID == agentID {
			return agent.WorkspacePath, true
		}
	}
	return "", false
}
