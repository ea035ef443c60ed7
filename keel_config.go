package keel

import (
	"fmt"
	"os"
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"gopkg.in/yaml.v3"
)

type Config = domain.Config

type StorageConfig = domain.StorageConfig

type StorageBackend = domain.StorageBackend

const (
	StorageBadger StorageBackend = domain.StorageBadger
	StorageSQLite StorageBackend = domain.StorageSQLite
	StorageMemory StorageBackend = domain.StorageMemory
)

type LeaseConfig = domain.LeaseConfig

type TimerConfig = domain.TimerConfig

type QueueConfig = domain.QueueConfig

type RetryConfig = domain.RetryConfig

type EngineConfig = domain.EngineConfig

// DefaultConfig returns the configuration a single-node deployment starts
// from. Every field can be overridden before passing it to New.
func DefaultConfig() Config {
	return domain.DefaultConfig()
}

// fileConfig mirrors Config for YAML files, with durations written as
// strings like "15s".
type fileConfig struct {
	NodeID  string `yaml:"node_id"`
	DataDir string `yaml:"data_dir"`

	Storage struct {
		Backend     string `yaml:"backend"`
		Path        string `yaml:"path"`
		InMemory    bool   `yaml:"in_memory"`
		BusyTimeout string `yaml:"busy_timeout"`
	} `yaml:"storage"`

	Lease struct {
		TTL           string `yaml:"ttl"`
		RenewInterval string `yaml:"renew_interval"`
	} `yaml:"lease"`

	Timers struct {
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"timers"`

	Queue struct {
		VisibilityTimeout string `yaml:"visibility_timeout"`
		ReapInterval      string `yaml:"reap_interval"`
		MaxDeliveries     int    `yaml:"max_deliveries"`
	} `yaml:"queue"`

	Retry struct {
		Type        string  `yaml:"type"`
		BaseDelay   string  `yaml:"base_delay"`
		Factor      float64 `yaml:"factor"`
		MaxDelay    string  `yaml:"max_delay"`
		MaxAttempts int     `yaml:"max_attempts"`
		Jitter      bool    `yaml:"jitter"`
	} `yaml:"retry"`

	Engine struct {
		MaxConcurrentExecutions int    `yaml:"max_concurrent_executions"`
		RecoveryScanInterval    string `yaml:"recovery_scan_interval"`
		InboxSize               int    `yaml:"inbox_size"`
		AppendRetryLimit        int    `yaml:"append_retry_limit"`
	} `yaml:"engine"`
}

// LoadConfig reads a YAML file and overlays it on DefaultConfig. Absent
// fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if file.NodeID != "" {
		cfg.NodeID = file.NodeID
	}
	if file.DataDir != "" {
		cfg.DataDir = file.DataDir
	}
	if file.Storage.Backend != "" {
		cfg.Storage.Backend = StorageBackend(file.Storage.Backend)
	}
	if file.Storage.Path != "" {
		cfg.Storage.Path = file.Storage.Path
	}
	cfg.Storage.InMemory = file.Storage.InMemory
	if err := overlayDuration(&cfg.Storage.BusyTimeout, file.Storage.BusyTimeout); err != nil {
		return cfg, err
	}

	if err := overlayDuration(&cfg.Lease.TTL, file.Lease.TTL); err != nil {
		return cfg, err
	}
	if err := overlayDuration(&cfg.Lease.RenewInterval, file.Lease.RenewInterval); err != nil {
		return cfg, err
	}
	if err := overlayDuration(&cfg.Timers.SweepInterval, file.Timers.SweepInterval); err != nil {
		return cfg, err
	}
	if err := overlayDuration(&cfg.Queue.VisibilityTimeout, file.Queue.VisibilityTimeout); err != nil {
		return cfg, err
	}
	if err := overlayDuration(&cfg.Queue.ReapInterval, file.Queue.ReapInterval); err != nil {
		return cfg, err
	}
	if file.Queue.MaxDeliveries != 0 {
		cfg.Queue.MaxDeliveries = file.Queue.MaxDeliveries
	}

	if file.Retry.Type != "" {
		cfg.Retry.Policy.Type = domain.RetryPolicyType(file.Retry.Type)
	}
	if err := overlayDuration(&cfg.Retry.Policy.BaseDelay, file.Retry.BaseDelay); err != nil {
		return cfg, err
	}
	if file.Retry.Factor != 0 {
		cfg.Retry.Policy.Factor = file.Retry.Factor
	}
	if err := overlayDuration(&cfg.Retry.Policy.MaxDelay, file.Retry.MaxDelay); err != nil {
		return cfg, err
	}
	if file.Retry.MaxAttempts != 0 {
		cfg.Retry.Policy.MaxAttempts = file.Retry.MaxAttempts
	}
	cfg.Retry.Policy.Jitter = file.Retry.Jitter

	if file.Engine.MaxConcurrentExecutions != 0 {
		cfg.Engine.MaxConcurrentExecutions = file.Engine.MaxConcurrentExecutions
	}
	if err := overlayDuration(&cfg.Engine.RecoveryScanInterval, file.Engine.RecoveryScanInterval); err != nil {
		return cfg, err
	}
	if file.Engine.InboxSize != 0 {
		cfg.Engine.InboxSize = file.Engine.InboxSize
	}
	if file.Engine.AppendRetryLimit != 0 {
		cfg.Engine.AppendRetryLimit = file.Engine.AppendRetryLimit
	}

	return cfg, cfg.Validate()
}

func overlayDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}
