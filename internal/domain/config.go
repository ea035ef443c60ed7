package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	NodeID  string       `json:"node_id" yaml:"node_id"`
	DataDir string       `json:"data_dir" yaml:"data_dir"`
	Logger  *slog.Logger `json:"-" yaml:"-"`

	Storage StorageConfig `json:"storage" yaml:"storage"`
	Lease   LeaseConfig   `json:"lease" yaml:"lease"`
	Timers  TimerConfig   `json:"timers" yaml:"timers"`
	Queue   QueueConfig   `json:"queue" yaml:"queue"`
	Retry   RetryConfig   `json:"retry" yaml:"retry"`
	Engine  EngineConfig  `json:"engine" yaml:"engine"`
}

type StorageBackend string

const (
	StorageBadger StorageBackend = "badger"
	StorageSQLite StorageBackend = "sqlite"
	StorageMemory StorageBackend = "memory"
)

type StorageConfig struct {
	Backend StorageBackend `json:"backend" yaml:"backend"`
	// Path overrides DataDir-derived locations when set.
	Path        string        `json:"path,omitempty" yaml:"path,omitempty"`
	InMemory    bool          `json:"in_memory" yaml:"in_memory"`
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

type LeaseConfig struct {
	TTL           time.Duration `json:"ttl" yaml:"ttl"`
	RenewInterval time.Duration `json:"renew_interval" yaml:"renew_interval"`
}

type TimerConfig struct {
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

type QueueConfig struct {
	VisibilityTimeout time.Duration `json:"visibility_timeout" yaml:"visibility_timeout"`
	ReapInterval      time.Duration `json:"reap_interval" yaml:"reap_interval"`
	MaxDeliveries     int           `json:"max_deliveries" yaml:"max_deliveries"`
}

type RetryConfig struct {
	Policy RetryPolicy `json:"policy" yaml:"policy"`
}

type EngineConfig struct {
	// MaxConcurrentExecutions bounds driver loops per scheduler instance.
	MaxConcurrentExecutions int           `json:"max_concurrent_executions" yaml:"max_concurrent_executions"`
	RecoveryScanInterval    time.Duration `json:"recovery_scan_interval" yaml:"recovery_scan_interval"`
	InboxSize               int           `json:"inbox_size" yaml:"inbox_size"`
	AppendRetryLimit        int           `json:"append_retry_limit" yaml:"append_retry_limit"`
}

func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrInvalidConfig
	}
	if c.Lease.TTL <= 0 || c.Lease.RenewInterval <= 0 {
		return ErrInvalidConfig
	}
	if c.Lease.RenewInterval >= c.Lease.TTL {
		return ErrInvalidConfig
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.Timers.SweepInterval <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
