package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the hub configuration.
type Config struct {
	// DataDir is the root under which archive, plugin, diff and log
	// folders live unless overridden individually.
	DataDir string `yaml:"data_dir"`

	// ArchiveRoot holds per-source dump folders: <archive_root>/<source>/<release>.
	ArchiveRoot string `yaml:"archive_root,omitempty"`
	// PluginRoot holds plugin source-code folders.
	PluginRoot string `yaml:"plugin_root,omitempty"`
	// DiffRoot holds diff folders: <diff_root>/<old>_vs_<new>.
	DiffRoot string `yaml:"diff_root,omitempty"`
	// LogDir holds per-job logfiles referenced from status records.
	LogDir string `yaml:"log_dir,omitempty"`

	HubDB  HubDBConfig  `yaml:"hubdb"`
	Store  StoreConfig  `yaml:"store"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Events EventsConfig `yaml:"events,omitempty"`

	// KeepArchives bounds retained archived collections and dump folders
	// per source.
	KeepArchives int `yaml:"keep_archives,omitempty"`
	// BuildHistory caps the per-config build history list.
	BuildHistory int `yaml:"build_history,omitempty"`

	// AutoUpload queues an upload after each successful dump.
	AutoUpload bool `yaml:"auto_upload"`
	// AutoDiscover registers unknown plugin folders found under PluginRoot.
	AutoDiscover bool `yaml:"auto_discover"`
}

// HubDBConfig selects the backing store for hub state.
type HubDBConfig struct {
	// Path is the sqlite database file; ":memory:" for ephemeral state.
	Path string `yaml:"path,omitempty"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	// Source is the sqlite file for per-source collections.
	Source string `yaml:"source,omitempty"`
	// Target is the sqlite file for merged target collections.
	Target string `yaml:"target,omitempty"`
	// MaxDocBytes is the per-document size limit enforced by size-checking
	// storage strategies.
	MaxDocBytes int `yaml:"max_doc_bytes,omitempty"`
}

// JobsConfig tunes the job manager pools and timeouts.
type JobsConfig struct {
	// LightWorkers bounds the blocking-IO pool.
	LightWorkers int `yaml:"light_workers,omitempty"`
	// HeavyWorkers bounds the compute pool.
	HeavyWorkers int `yaml:"heavy_workers,omitempty"`
	// QueueSize bounds over-capacity submissions before Submit blocks.
	QueueSize int `yaml:"queue_size,omitempty"`
	// TransferConcurrency bounds parallel downloads within one dump.
	TransferConcurrency int `yaml:"transfer_concurrency,omitempty"`
	// FTPTimeout is the per-request FTP timeout.
	FTPTimeout time.Duration `yaml:"ftp_timeout,omitempty"`
	// HTTPTimeout is the per-request HTTP timeout.
	HTTPTimeout time.Duration `yaml:"http_timeout,omitempty"`
	// PredicatePoll is the retry interval while a job waits on predicates.
	PredicatePoll time.Duration `yaml:"predicate_poll,omitempty"`
}

// EventsConfig configures optional event fan-out.
type EventsConfig struct {
	// NATSURL enables publication of hub events when non-empty.
	NATSURL string `yaml:"nats_url,omitempty"`
	// Subject prefix for published events.
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// Load reads configuration from the specified file and applies defaults.
func Load(configPath string) (*Config, error) {
	// Load .env/.env.local if present; absence is not an error.
	for _, envPath := range []string{".env", ".env.local"} {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
			}
			break
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Normalize()
	return &cfg, nil
}

// Normalize fills defaults for zero-valued fields. Safe to call repeatedly.
func (c *Config) Normalize() {
	if c.DataDir == "" {
		c.DataDir = "./datahub-data"
	}
	if c.ArchiveRoot == "" {
		c.ArchiveRoot = filepath.Join(c.DataDir, "archive")
	}
	if c.PluginRoot == "" {
		c.PluginRoot = filepath.Join(c.DataDir, "plugins")
	}
	if c.DiffRoot == "" {
		c.DiffRoot = filepath.Join(c.DataDir, "diff")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.DataDir, "logs")
	}
	if c.HubDB.Path == "" {
		c.HubDB.Path = filepath.Join(c.DataDir, "hub.db")
	}
	if c.Store.Source == "" {
		c.Store.Source = filepath.Join(c.DataDir, "src.db")
	}
	if c.Store.Target == "" {
		c.Store.Target = filepath.Join(c.DataDir, "target.db")
	}
	if c.Store.MaxDocBytes <= 0 {
		c.Store.MaxDocBytes = 16 * 1024 * 1024
	}
	if c.Jobs.LightWorkers <= 0 {
		c.Jobs.LightWorkers = 8
	}
	if c.Jobs.HeavyWorkers <= 0 {
		c.Jobs.HeavyWorkers = 4
	}
	if c.Jobs.QueueSize <= 0 {
		c.Jobs.QueueSize = 100
	}
	if c.Jobs.TransferConcurrency <= 0 {
		c.Jobs.TransferConcurrency = 3
	}
	if c.Jobs.FTPTimeout <= 0 {
		c.Jobs.FTPTimeout = 10 * time.Minute
	}
	if c.Jobs.HTTPTimeout <= 0 {
		c.Jobs.HTTPTimeout = 10 * time.Minute
	}
	if c.Jobs.PredicatePoll <= 0 {
		c.Jobs.PredicatePoll = time.Second
	}
	if c.KeepArchives <= 0 {
		c.KeepArchives = 10
	}
	if c.BuildHistory <= 0 {
		c.BuildHistory = 100
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "datahub.events"
	}
}

// Default returns a normalized configuration without reading any file.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}
