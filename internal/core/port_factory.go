package core

import (
	"log/slog"
	"path/filepath"

	"github.com/eleven-am/keel/internal/adapters/memory"
	"github.com/eleven-am/keel/internal/adapters/sqlite"
	"github.com/eleven-am/keel/internal/adapters/storage"
	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
)

// newStoragePort selects the durable backend from config. Badger is the
// default; sqlite suits single-binary deployments that want a file a
// standard toolchain can inspect; memory is for tests.
func newStoragePort(cfg domain.Config, logger *slog.Logger) (ports.StoragePort, error) {
	switch cfg.Storage.Backend {
	case domain.StorageSQLite:
		path := cfg.Storage.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "keel.db")
		}
		return sqlite.Open(path, cfg.Storage.BusyTimeout, logger)

	case domain.StorageMemory:
		return memory.NewStore(), nil

	default:
		dir := cfg.Storage.Path
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "badger")
		}
		return storage.Open(dir, cfg.Storage.InMemory, logger)
	}
}
