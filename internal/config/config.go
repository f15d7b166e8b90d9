package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adrg/xdg"
	"github.com/muhammadmuzzammil1998/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/treesync/internal/walker"
)

// ExcludeAction decides what a walk.exclude pattern does
type ExcludeAction = walker.Action

const (
	ActionExclude = walker.ActionExclude
	ActionInclude = walker.ActionInclude
)

// ScorerName selects the built-in priority scorer
type ScorerName string

const (
	ScorerNone ScorerName = "none"
	ScorerSize ScorerName = "size"
)

// Config represents the complete treesync configuration
type Config struct {
	State    StateConfig    `yaml:"state" json:"state"`
	Walk     WalkConfig     `yaml:"walk" json:"walk"`
	Hash     HashConfig     `yaml:"hash" json:"hash"`
	Priority PriorityConfig `yaml:"priority" json:"priority"`
}

// StateConfig configures where the reference state is persisted
type StateConfig struct {
	// Path is a local file path or an s3://bucket/key location
	Path string   `yaml:"path" json:"path"`
	S3   S3Config `yaml:"s3" json:"s3"`
}

// S3Config configures the object store backend for s3:// state paths
type S3Config struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	Region    string `yaml:"region" json:"region"`
	Insecure  bool   `yaml:"insecure" json:"insecure"`
}

// WalkConfig configures tree traversal
type WalkConfig struct {
	// Exclude maps doublestar patterns to an action
	Exclude map[string]ExcludeAction `yaml:"exclude" json:"exclude"`
}

// HashConfig configures the hashing worker pool
type HashConfig struct {
	Workers   int    `yaml:"workers" json:"workers"`
	QueueSize int    `yaml:"queue_size" json:"queue_size"`
	CachePath string `yaml:"cache_path" json:"cache_path"`
}

// PriorityConfig configures hashing order
type PriorityConfig struct {
	Scorer            ScorerName `yaml:"scorer" json:"scorer"`
	DetectContentType bool       `yaml:"detect_content_type" json:"detect_content_type"`
}

// DefaultPath returns the config file looked up when --config is not given
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "treesync", "config.yaml")
}

// DefaultStatePath returns the state location used when state.path is unset
func DefaultStatePath() string {
	return filepath.Join(xdg.StateHome, "treesync", "reference.state")
}

// DefaultExcludes are applied when walk.exclude is unset
func DefaultExcludes() map[string]ExcludeAction {
	m := make(map[string]ExcludeAction, len(walker.DefaultRules))
	for _, r := range walker.DefaultRules {
		m[r.Pattern] = r.Action
	}
	return m
}

// Default returns the configuration used without a config file
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file. Files ending in .json or
// .jsonc are parsed as JSON with comments, anything else as YAML.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path when given. Without an explicit path the default
// config file is used if present, and built-in defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if _, err := os.Stat(DefaultPath()); err == nil {
		return Load(DefaultPath())
	}
	return Default(), nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.State.Path = os.ExpandEnv(c.State.Path)
	c.State.S3.Endpoint = os.ExpandEnv(c.State.S3.Endpoint)
	c.State.S3.AccessKey = os.ExpandEnv(c.State.S3.AccessKey)
	c.State.S3.SecretKey = os.ExpandEnv(c.State.S3.SecretKey)
	c.State.S3.Region = os.ExpandEnv(c.State.S3.Region)
	c.Hash.CachePath = os.ExpandEnv(c.Hash.CachePath)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.State.Path == "" {
		c.State.Path = DefaultStatePath()
	}
	if c.Walk.Exclude == nil {
		c.Walk.Exclude = DefaultExcludes()
	}
	if c.Priority.Scorer == "" {
		c.Priority.Scorer = ScorerNone
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.IsObjectState() {
		if c.State.S3.Endpoint == "" {
			return fmt.Errorf("state.s3.endpoint is required when state.path is an s3:// location")
		}
		if (c.State.S3.AccessKey == "") != (c.State.S3.SecretKey == "") {
			return fmt.Errorf("state.s3: access_key and secret_key must be set together")
		}
	}

	for _, pattern := range c.ExcludePatterns() {
		switch c.Walk.Exclude[pattern] {
		case ActionExclude, ActionInclude:
			// valid
		default:
			return fmt.Errorf("invalid walk.exclude action for %q: %s (must be exclude or include)", pattern, c.Walk.Exclude[pattern])
		}
	}

	if c.Hash.Workers < 0 {
		return fmt.Errorf("hash.workers must not be negative: %d", c.Hash.Workers)
	}
	if c.Hash.QueueSize < 0 {
		return fmt.Errorf("hash.queue_size must not be negative: %d", c.Hash.QueueSize)
	}

	switch c.Priority.Scorer {
	case ScorerNone, ScorerSize:
		// valid
	default:
		return fmt.Errorf("invalid priority.scorer: %s (must be none or size)", c.Priority.Scorer)
	}
	if c.Priority.DetectContentType && c.Priority.Scorer == ScorerNone {
		return fmt.Errorf("priority.detect_content_type requires a priority.scorer")
	}

	return nil
}

// IsObjectState returns true if the state lives in an object store
func (c *Config) IsObjectState() bool {
	return strings.HasPrefix(c.State.Path, "s3://")
}

// ExcludePatterns returns the walk.exclude patterns in sorted order
func (c *Config) ExcludePatterns() []string {
	patterns := make([]string, 0, len(c.Walk.Exclude))
	for p := range c.Walk.Exclude {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return patterns
}
