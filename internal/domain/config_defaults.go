package domain

import (
	"time"

	"github.com/google/uuid"
)

func DefaultConfig() Config {
	return Config{
		NodeID:  "keel-" + uuid.New().String()[:8],
		DataDir: "./data",
		Storage: DefaultStorageConfig(),
		Lease:   DefaultLeaseConfig(),
		Timers:  DefaultTimerConfig(),
		Queue:   DefaultQueueConfig(),
		Retry:   DefaultRetryConfig(),
		Engine:  DefaultEngineConfig(),
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:     StorageBadger,
		BusyTimeout: 5 * time.Second,
	}
}

func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		TTL:           15 * time.Second,
		RenewInterval: 5 * time.Second,
	}
}

func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		SweepInterval: time.Second,
	}
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		VisibilityTimeout: 30 * time.Second,
		ReapInterval:      5 * time.Second,
		MaxDeliveries:     5,
	}
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Policy: RetryPolicy{
			Type:        RetryPolicyExponential,
			BaseDelay:   time.Second,
			Factor:      2,
			MaxDelay:    time.Minute,
			MaxAttempts: 3,
		},
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentExecutions: 256,
		RecoveryScanInterval:    10 * time.Second,
		InboxSize:               64,
		AppendRetryLimit:        5,
	}
}
