package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for dsync.
type Config struct {
	BaseDir     string            `toml:"base_dir"`
	Database    DatabaseConfig    `toml:"database"`
	Providers   []ProviderConfig  `toml:"providers"`
	Sync        SyncConfig        `toml:"sync"`
	Log         LogConfig         `toml:"log"`
	Credentials CredentialsConfig `toml:"credentials"`
	Watch       WatchConfig       `toml:"watch"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// DatabaseConfig represents configuration for the local record store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ProviderConfig configures one remote. Name is the value projects use as
// their git provider; Type selects the implementation.
type ProviderConfig struct {
	Name string `toml:"name"`
	Type string `toml:"type"` // "github", "gitlab", "git" or "memory"

	// BaseURL points github/gitlab at a self-hosted install, and is the
	// repositories root directory for type=git.
	BaseURL    string `toml:"base_url,omitempty"`
	PathSuffix string `toml:"path_suffix,omitempty"`

	TokenEnv  string `toml:"token_env,omitempty"`
	Retries   int    `toml:"retries,omitempty"`
	BackoffMS int    `toml:"backoff_ms,omitempty"`

	// Author is the commit author for type=git.
	Author string `toml:"author,omitempty"`
}

// SyncConfig controls how the sync engine maps and pushes diagrams.
type SyncConfig struct {
	RemoteDir    string `toml:"remote_dir"`
	Workers      int    `toml:"workers"`
	CommitPrefix string `toml:"commit_prefix,omitempty"`
}

// LogConfig controls the rotating log file.
type LogConfig struct {
	Dir        string `toml:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// CredentialsConfig locates the encrypted token file.
type CredentialsConfig struct {
	Path string `toml:"path"`
}

// WatchConfig names the folder the watcher imports from and its target project.
type WatchConfig struct {
	Dir     string   `toml:"dir,omitempty"`
	Project string   `toml:"project,omitempty"`
	Ignore  []string `toml:"ignore,omitempty"` // glob patterns on file names
}

// MetricsConfig configures where run metrics are pushed. Empty disables pushing.
type MetricsConfig struct {
	PushgatewayURL string `toml:"pushgateway_url,omitempty"`
}

// Defaults for fields left unset in the config file.
const (
	DefaultRemoteDir  = "diagrams"
	DefaultWorkers    = 4
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 28
)

// NewConfig creates a new Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Providers: []ProviderConfig{
			{Name: "github", Type: "github", TokenEnv: "GITHUB_TOKEN"},
			{Name: "gitlab", Type: "gitlab", TokenEnv: "GITLAB_TOKEN"},
		},
		Sync: SyncConfig{RemoteDir: DefaultRemoteDir, Workers: DefaultWorkers},
		Log: LogConfig{
			Dir:        filepath.Join(baseDir, "log"),
			MaxSizeMB:  DefaultMaxSizeMB,
			MaxBackups: DefaultMaxBackups,
			MaxAgeDays: DefaultMaxAgeDays,
		},
		Credentials: CredentialsConfig{Path: filepath.Join(baseDir, "credentials.age")},
	}
}

// Provider returns the provider config named name, or nil.
func (c *Config) Provider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// applyDefaults fills zero values a hand-edited file may leave out.
func (c *Config) applyDefaults() {
	if c.Sync.RemoteDir == "" {
		c.Sync.RemoteDir = DefaultRemoteDir
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = DefaultWorkers
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = DefaultMaxSizeMB
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = DefaultMaxBackups
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = DefaultMaxAgeDays
	}
	if c.Log.Dir == "" && c.BaseDir != "" {
		c.Log.Dir = filepath.Join(c.BaseDir, "log")
	}
	if c.Credentials.Path == "" && c.BaseDir != "" {
		c.Credentials.Path = filepath.Join(c.BaseDir, "credentials.age")
	}
}

// Validate checks cross-field rules the TOML decoder cannot.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with type %q has no name", p.Type)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q configured twice", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "github", "gitlab", "memory":
		case "git":
			if p.BaseURL == "" {
				return fmt.Errorf("provider %q: git provider requires base_url", p.Name)
			}
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
	}
	if c.Watch.Dir != "" && c.Watch.Project == "" {
		return fmt.Errorf("watch.dir set without watch.project")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
