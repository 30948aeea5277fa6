// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths    PathsConfig    `yaml:"paths"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Listen   ListenConfig   `yaml:"listen"`
	Sessions SessionsConfig `yaml:"sessions"`
	Auth     AuthConfig     `yaml:"auth"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Environment sections are decoded over the base values after the
	// file is loaded. Any subset of the fields above may appear.
	Development *yaml.Node `yaml:"development,omitempty"`
	Staging     *yaml.Node `yaml:"staging,omitempty"`
	Production  *yaml.Node `yaml:"production,omitempty"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Root is the base directory for hub state.
	Root string `yaml:"root"`

	// Archive holds the index ring, segments and checkpoint.
	Archive string `yaml:"archive"`

	// Credentials is the SQLite user database.
	Credentials string `yaml:"credentials"`

	// NetworkLists holds <name>.jsonc address lists. Empty disables
	// network lists.
	NetworkLists string `yaml:"network_lists"`

	// IngestSocket is the Unix socket local producers connect to.
	// Empty disables the ingestion socket.
	IngestSocket string `yaml:"ingest_socket"`
}

// ArchiveConfig sizes the archive.
type ArchiveConfig struct {
	Capacity       uint32 `yaml:"capacity"`
	SegmentRecords uint32 `yaml:"segment_records"`

	// MaxSegments is the hard cap on segment files. Zero derives it
	// from capacity.
	MaxSegments int `yaml:"max_segments"`

	// Compression is none, lz4 or zstd.
	Compression string `yaml:"compression"`

	SubmitTimeout      time.Duration `yaml:"submit_timeout"`
	WriteRetries       int           `yaml:"write_retries"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CacheEntries       int           `yaml:"cache_entries"`
}

// ListenConfig configures the distribution listener.
type ListenConfig struct {
	Address string `yaml:"address"`

	// Security is plain, starttls or tls.
	Security string `yaml:"security"`

	// RequireUpgrade refuses authentication on starttls connections
	// that have not upgraded.
	RequireUpgrade bool `yaml:"require_upgrade"`

	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`

	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// SessionsConfig bounds per-session work.
type SessionsConfig struct {
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	MaxAuthAttempts int           `yaml:"max_auth_attempts"`
	MaxWait         time.Duration `yaml:"max_wait"`
	MaxBatch        int           `yaml:"max_batch"`
	ScanBudget      int           `yaml:"scan_budget"`
}

// AuthConfig configures authenticator checking.
type AuthConfig struct {
	// Tolerance is the accepted client clock skew.
	Tolerance time.Duration `yaml:"tolerance"`

	// Algorithms restricts accepted algorithms, strongest first.
	// Empty accepts every supported algorithm.
	Algorithms []string `yaml:"algorithms"`

	RejectReplays bool `yaml:"reject_replays"`
}

// IngestConfig configures producers.
type IngestConfig struct {
	// Sources names the producers allowed to submit, by source ID.
	// Empty accepts any source.
	Sources map[uint16]string `yaml:"sources"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text, json, or auto (text on a terminal).
	Format string `yaml:"format"`

	// File, when set, receives the log instead of stderr and is
	// rotated by size.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the default configuration. The defaults give every
// field a sensible value; they are not a fallback for a missing file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "dcphub")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:         defaultRoot,
			Archive:      "${DCPHUB_ROOT}/archive",
			Credentials:  "${DCPHUB_ROOT}/credentials.db",
			NetworkLists: "${DCPHUB_ROOT}/netlists",
			IngestSocket: "${DCPHUB_ROOT}/ingest.sock",
		},
		Archive: ArchiveConfig{
			Capacity:           100000,
			SegmentRecords:     4096,
			Compression:        "zstd",
			SubmitTimeout:      2 * time.Second,
			WriteRetries:       3,
			CheckpointInterval: 30 * time.Second,
			CacheEntries:       4096,
		},
		Listen: ListenConfig{
			Address:        ":16003",
			Security:       "plain",
			MaxConnections: 256,
			IdleTimeout:    10 * time.Minute,
			SweepInterval:  30 * time.Second,
		},
		Sessions: SessionsConfig{
			AuthTimeout:     30 * time.Second,
			MaxAuthAttempts: 3,
			MaxWait:         30 * time.Second,
			MaxBatch:        256,
			ScanBudget:      10000,
		},
		Auth: AuthConfig{
			Tolerance:     10 * time.Minute,
			RejectReplays: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load loads configuration from the DCPHUB_CONFIG environment
// variable. There is no fallback when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("DCPHUB_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("DCPHUB_CONFIG environment variable not set; " +
			"set it to the path of your dcphub.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides decodes the section for the current
// environment over the loaded values.
func (c *Config) applyEnvironmentOverrides() error {
	var overrides *yaml.Node
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil && c.Listen.Security == "plain" {
			// Production without its own section upgrades plaintext
			// listeners to starttls with a mandatory upgrade.
			c.Listen.Security = "starttls"
			c.Listen.RequireUpgrade = true
		}
	}
	if overrides == nil {
		return nil
	}

	var section struct {
		Paths    *PathsConfig    `yaml:"paths"`
		Archive  *ArchiveConfig  `yaml:"archive"`
		Listen   *ListenConfig   `yaml:"listen"`
		Sessions *SessionsConfig `yaml:"sessions"`
		Auth     *AuthConfig     `yaml:"auth"`
		Ingest   *IngestConfig   `yaml:"ingest"`
		Logging  *LoggingConfig  `yaml:"logging"`
	}
	// Decoding into pointers to the live sections leaves fields the
	// override omits untouched.
	section.Paths = &c.Paths
	section.Archive = &c.Archive
	section.Listen = &c.Listen
	section.Sessions = &c.Sessions
	section.Auth = &c.Auth
	section.Ingest = &c.Ingest
	section.Logging = &c.Logging
	if err := overrides.Decode(&section); err != nil {
		return fmt.Errorf("config: %s section: %w", c.Environment, err)
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"DCPHUB_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["DCPHUB_ROOT"] = c.Paths.Root

	c.Paths.Archive = expandVars(c.Paths.Archive, vars)
	c.Paths.Credentials = expandVars(c.Paths.Credentials, vars)
	c.Paths.NetworkLists = expandVars(c.Paths.NetworkLists, vars)
	c.Paths.IngestSocket = expandVars(c.Paths.IngestSocket, vars)
	c.Listen.CertFile = expandVars(c.Listen.CertFile, vars)
	c.Listen.KeyFile = expandVars(c.Listen.KeyFile, vars)
	c.Listen.ClientCAFile = expandVars(c.Listen.ClientCAFile, vars)
	c.Logging.File = expandVars(c.Logging.File, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Archive == "" {
		errs = append(errs, fmt.Errorf("paths.archive is required"))
	}
	if c.Paths.Credentials == "" {
		errs = append(errs, fmt.Errorf("paths.credentials is required"))
	}

	if c.Archive.Capacity == 0 {
		errs = append(errs, fmt.Errorf("archive.capacity must be positive"))
	}
	if !slices.Contains([]string{"none", "lz4", "zstd"}, c.Archive.Compression) {
		errs = append(errs, fmt.Errorf("archive.compression must be one of: none, lz4, zstd"))
	}
	if c.Archive.CheckpointInterval <= 0 {
		errs = append(errs, fmt.Errorf("archive.checkpoint_interval must be positive"))
	}

	if c.Listen.Address == "" {
		errs = append(errs, fmt.Errorf("listen.address is required"))
	}
	switch c.Listen.Security {
	case "plain":
	case "starttls", "tls":
		if c.Listen.CertFile == "" || c.Listen.KeyFile == "" {
			errs = append(errs, fmt.Errorf("listen.security %s requires cert_file and key_file", c.Listen.Security))
		}
	default:
		errs = append(errs, fmt.Errorf("listen.security must be one of: plain, starttls, tls"))
	}
	if c.Listen.RequireUpgrade && c.Listen.Security != "starttls" {
		errs = append(errs, fmt.Errorf("listen.require_upgrade only applies to starttls"))
	}

	if c.Sessions.MaxAuthAttempts <= 0 {
		errs = append(errs, fmt.Errorf("sessions.max_auth_attempts must be positive"))
	}
	if c.Auth.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("auth.tolerance must be positive"))
	}
	for _, algorithm := range c.Auth.Algorithms {
		if !slices.Contains([]string{"sha1", "sha256", "sha3-256"}, algorithm) {
			errs = append(errs, fmt.Errorf("auth.algorithms: unknown algorithm %q", algorithm))
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: debug, info, warn, error"))
	}
	if !slices.Contains([]string{"auto", "text", "json"}, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: auto, text, json"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the state directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.Archive,
		filepath.Dir(c.Paths.Credentials),
	}
	if c.Paths.IngestSocket != "" {
		paths = append(paths, filepath.Dir(c.Paths.IngestSocket))
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
