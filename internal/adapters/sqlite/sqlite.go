package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is a SQLite-backed ports.StoragePort. SQLite prefers a single
// writer, so the pool is pinned to one connection; the versioned-put
// contract is enforced with conditional UPDATEs.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]chan ports.StorageEvent
	closed bool
}

func Open(path string, busyTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, domain.ErrInvalidConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{
		db:     db,
		logger: logger.With("component", "sqlite-store"),
		subs:   make(map[string][]chan ports.StorageEvent),
	}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func getKV(q execer, key string) ([]byte, int64, bool, error) {
	var value []byte
	var version int64
	err := q.QueryRow(`SELECT value, version FROM kv WHERE key = ?`, key).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return value, version, true, nil
}

func putKV(q execer, key string, value []byte, version int64) (int64, error) {
	if version == 0 {
		_, err := q.Exec(
			`INSERT INTO kv(key, value, version) VALUES(?, ?, 1)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = kv.version + 1`,
			key, value)
		if err != nil {
			return 0, err
		}
		_, written, _, err := getKV(q, key)
		return written, err
	}

	if version == 1 {
		res, err := q.Exec(`INSERT INTO kv(key, value, version) VALUES(?, ?, 1) ON CONFLICT(key) DO NOTHING`, key, value)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return 1, nil
		}
		_, actual, _, err := getKV(q, key)
		if err != nil {
			return 0, err
		}
		return 0, domain.NewVersionMismatchError(key, 0, actual)
	}

	res, err := q.Exec(`UPDATE kv SET value = ?, version = ? WHERE key = ? AND version = ?`, value, version, key, version-1)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return version, nil
	}
	_, actual, _, err := getKV(q, key)
	if err != nil {
		return 0, err
	}
	return 0, domain.NewVersionMismatchError(key, version-1, actual)
}

func (s *Store) Get(key string) ([]byte, int64, bool, error) {
	return getKV(s.db, key)
}

func (s *Store) Put(key string, value []byte, version int64) error {
	written, err := putKV(s.db, key, value, version)
	if err != nil {
		return err
	}
	s.broadcast(ports.StorageEvent{Type: ports.StoragePut, Key: key, Version: written, Timestamp: time.Now()})
	return nil
}

func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return err
	}
	s.broadcast(ports.StorageEvent{Type: ports.StorageDelete, Key: key, Timestamp: time.Now()})
	return nil
}

func (s *Store) Exists(key string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM kv WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) BatchWrite(ops []ports.WriteOp) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Type {
		case ports.OpPut:
			if _, err := putKV(tx, op.Key, op.Value, op.Version); err != nil {
				return err
			}
		case ports.OpDelete:
			if _, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, op.Key); err != nil {
				return err
			}
		default:
			return domain.ErrInvalidInput
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	for _, op := range ops {
		eventType := ports.StoragePut
		if op.Type == ports.OpDelete {
			eventType = ports.StorageDelete
		}
		s.broadcast(ports.StorageEvent{Type: eventType, Key: op.Key, Timestamp: time.Now()})
	}
	return nil
}

func (s *Store) GetNext(prefix string) (string, []byte, bool, error) {
	var key string
	var value []byte
	err := s.db.QueryRow(
		`SELECT key, value FROM kv WHERE substr(key, 1, length(?1)) = ?1 ORDER BY key LIMIT 1`,
		prefix).Scan(&key, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	return key, value, true, nil
}

func (s *Store) GetNextAfter(prefix string, afterKey string) (string, []byte, bool, error) {
	var key string
	var value []byte
	err := s.db.QueryRow(
		`SELECT key, value FROM kv WHERE substr(key, 1, length(?1)) = ?1 AND key > ?2 ORDER BY key LIMIT 1`,
		prefix, afterKey).Scan(&key, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, err
	}
	return key, value, true, nil
}

func (s *Store) CountPrefix(prefix string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM kv WHERE substr(key, 1, length(?1)) = ?1`, prefix).Scan(&count)
	return count, err
}

func (s *Store) AtomicIncrement(key string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO counters(key, value) VALUES(?, 1)
		 ON CONFLICT(key) DO UPDATE SET value = counters.value + 1`, key); err != nil {
		return 0, err
	}

	var counter int64
	if err := tx.QueryRow(`SELECT value FROM counters WHERE key = ?`, key).Scan(&counter); err != nil {
		return 0, err
	}
	return counter, tx.Commit()
}

func (s *Store) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	rows, err := s.db.Query(
		`SELECT key, value, version FROM kv WHERE substr(key, 1, length(?1)) = ?1 ORDER BY key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ports.KeyValueVersion
	for rows.Next() {
		var kv ports.KeyValueVersion
		if err := rows.Scan(&kv.Key, &kv.Value, &kv.Version); err != nil {
			return nil, err
		}
		results = append(results, kv)
	}
	return results, rows.Err()
}

func (s *Store) DeleteByPrefix(prefix string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM kv WHERE substr(key, 1, length(?1)) = ?1`, prefix)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) RunInTransaction(fn func(tx ports.Transaction) error) error {
	sqlTx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	var staged []ports.StorageEvent
	tx := &transaction{tx: sqlTx, staged: &staged}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}
	for _, ev := range staged {
		s.broadcast(ev)
	}
	return nil
}

type transaction struct {
	tx     *sql.Tx
	staged *[]ports.StorageEvent
}

func (t *transaction) Get(key string) ([]byte, int64, bool, error) {
	return getKV(t.tx, key)
}

func (t *transaction) Put(key string, value []byte, version int64) error {
	written, err := putKV(t.tx, key, value, version)
	if err != nil {
		return err
	}
	*t.staged = append(*t.staged, ports.StorageEvent{Type: ports.StoragePut, Key: key, Version: written, Timestamp: time.Now()})
	return nil
}

func (t *transaction) Delete(key string) error {
	if _, err := t.tx.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return err
	}
	*t.staged = append(*t.staged, ports.StorageEvent{Type: ports.StorageDelete, Key: key, Timestamp: time.Now()})
	return nil
}

func (t *transaction) Exists(key string) (bool, error) {
	_, _, ok, err := t.Get(key)
	return ok, err
}

func (s *Store) Subscribe(prefix string) (<-chan ports.StorageEvent, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, &domain.StorageError{Type: domain.ErrClosed, Message: "storage is closed"}
	}

	ch := make(chan ports.StorageEvent, 100)
	s.subs[prefix] = append(s.subs[prefix], ch)

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		subs := s.subs[prefix]
		for i, sub := range subs {
			if sub == ch {
				s.subs[prefix] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}

	return ch, unsubscribe, nil
}

func (s *Store) broadcast(event ports.StorageEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	for prefix, subs := range s.subs {
		if strings.HasPrefix(event.Key, prefix) {
			for _, ch := range subs {
				select {
				case ch <- event:
				default:
				}
			}
		}
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan ports.StorageEvent)
	s.mu.Unlock()

	return s.db.Close()
}

var _ ports.StoragePort = (*Store)(nil)
