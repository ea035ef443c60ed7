package storage

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/eleven-am/keel/internal/xjson"
)

// BadgerStore is the durable ports.StoragePort. Versions live beside values
// under a "v:" key; optimistic Put checks run inside the badger update
// transaction, so contention surfaces as a version mismatch rather than a
// lost write.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]chan ports.StorageEvent
	closed bool
}

func NewBadgerStore(db *badger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{
		db:     db,
		logger: logger.With("component", "badger-store"),
		subs:   make(map[string][]chan ports.StorageEvent),
	}
}

// Open initializes badger under dir, or purely in memory when inMemory is
// set (used by tests).
func Open(dir string, inMemory bool, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return NewBadgerStore(db, logger), nil
}

func versionKey(key string) string {
	return "v:" + key
}

func isMetadataKey(key []byte) bool {
	return len(key) >= 2 && key[0] == 'v' && key[1] == ':'
}

func readVersion(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get([]byte(versionKey(key)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	var version int64
	if err := xjson.Unmarshal(raw, &version); err != nil {
		return 0, err
	}
	return version, nil
}

func writeVersioned(txn *badger.Txn, key string, value []byte, version int64) (int64, error) {
	current, err := readVersion(txn, key)
	if err != nil {
		return 0, err
	}

	if version == 0 {
		version = current + 1
	} else if current != version-1 {
		return 0, domain.NewVersionMismatchError(key, version-1, current)
	}

	if err := txn.Set([]byte(key), value); err != nil {
		return 0, err
	}
	raw, err := xjson.Marshal(version)
	if err != nil {
		return 0, err
	}
	if err := txn.Set([]byte(versionKey(key)), raw); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *BadgerStore) Get(key string) (value []byte, version int64, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		exists = true
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		version, err = readVersion(txn, key)
		return err
	})
	return value, version, exists, err
}

func (s *BadgerStore) Put(key string, value []byte, version int64) error {
	var written int64
	err := s.update(func(txn *badger.Txn) error {
		var err error
		written, err = writeVersioned(txn, key, value, version)
		return err
	})
	if err != nil {
		return err
	}
	s.broadcast(ports.StorageEvent{Type: ports.StoragePut, Key: key, Version: written, Timestamp: time.Now()})
	return nil
}

func (s *BadgerStore) Delete(key string) error {
	err := s.update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(versionKey(key)))
	})
	if err != nil {
		return err
	}
	s.broadcast(ports.StorageEvent{Type: ports.StorageDelete, Key: key, Timestamp: time.Now()})
	return nil
}

func (s *BadgerStore) Exists(key string) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err == nil {
			exists = true
		}
		return err
	})
	return exists, err
}

func (s *BadgerStore) BatchWrite(ops []ports.WriteOp) error {
	err := s.update(func(txn *badger.Txn) error {
		for _, op := range ops {
			switch op.Type {
			case ports.OpPut:
				if _, err := writeVersioned(txn, op.Key, op.Value, op.Version); err != nil {
					return err
				}
			case ports.OpDelete:
				if err := txn.Delete([]byte(op.Key)); err != nil {
					return err
				}
				if err := txn.Delete([]byte(versionKey(op.Key))); err != nil {
					return err
				}
			default:
				return domain.ErrInvalidInput
			}
		}
		return nil
	})
	if err != nil {
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

func (s *BadgerStore) GetNext(prefix string) (key string, value []byte, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if isMetadataKey(item.Key()) {
				continue
			}
			key = string(item.Key())
			exists = true
			value, err = item.ValueCopy(nil)
			return err
		}
		return nil
	})
	return key, value, exists, err
}

func (s *BadgerStore) GetNextAfter(prefix string, afterKey string) (key string, value []byte, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(afterKey)); it.Valid(); it.Next() {
			item := it.Item()
			if isMetadataKey(item.Key()) {
				continue
			}
			candidate := string(item.Key())
			if candidate <= afterKey {
				continue
			}
			key = candidate
			exists = true
			value, err = item.ValueCopy(nil)
			return err
		}
		return nil
	})
	return key, value, exists, err
}

func (s *BadgerStore) CountPrefix(prefix string) (count int, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if isMetadataKey(it.Item().Key()) {
				continue
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *BadgerStore) AtomicIncrement(key string) (int64, error) {
	var counter int64
	err := s.update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == nil {
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := xjson.Unmarshal(raw, &counter); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		counter++
		raw, err := xjson.Marshal(counter)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), raw)
	})
	return counter, err
}

func (s *BadgerStore) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	var results []ports.KeyValueVersion
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if isMetadataKey(item.Key()) {
				continue
			}
			key := string(item.Key())
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			version, err := readVersion(txn, key)
			if err != nil {
				return err
			}
			results = append(results, ports.KeyValueVersion{Key: key, Value: value, Version: version})
		}
		return nil
	})
	return results, err
}

func (s *BadgerStore) DeleteByPrefix(prefix string) (int, error) {
	list, err := s.ListByPrefix(prefix)
	if err != nil {
		return 0, err
	}

	ops := make([]ports.WriteOp, 0, len(list))
	for _, kv := range list {
		ops = append(ops, ports.WriteOp{Type: ports.OpDelete, Key: kv.Key})
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := s.BatchWrite(ops); err != nil {
		return 0, err
	}
	return len(ops), nil
}

func (s *BadgerStore) RunInTransaction(fn func(tx ports.Transaction) error) error {
	var staged []stagedEvent
	err := s.update(func(txn *badger.Txn) error {
		staged = staged[:0]
		tx := &transaction{txn: txn, staged: &staged}
		return fn(tx)
	})
	if err != nil {
		return err
	}
	for _, ev := range staged {
		s.broadcast(ev.event)
	}
	return nil
}

// update retries once on badger's internal conflict; persistent conflicts
// surface as transaction errors to the caller.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		err = s.db.Update(fn)
	}
	if err != nil && strings.Contains(err.Error(), "Conflict") {
		return &domain.StorageError{Type: domain.ErrTransactionConflict, Message: err.Error()}
	}
	return err
}

type stagedEvent struct {
	event ports.StorageEvent
}

type transaction struct {
	txn    *badger.Txn
	staged *[]stagedEvent
}

func (t *transaction) Get(key string) (value []byte, version int64, exists bool, err error) {
	item, err := t.txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	value, err = item.ValueCopy(nil)
	if err != nil {
		return nil, 0, false, err
	}
	version, err = readVersion(t.txn, key)
	return value, version, true, err
}

func (t *transaction) Put(key string, value []byte, version int64) error {
	written, err := writeVersioned(t.txn, key, value, version)
	if err != nil {
		return err
	}
	*t.staged = append(*t.staged, stagedEvent{event: ports.StorageEvent{Type: ports.StoragePut, Key: key, Version: written, Timestamp: time.Now()}})
	return nil
}

func (t *transaction) Delete(key string) error {
	if err := t.txn.Delete([]byte(key)); err != nil {
		return err
	}
	if err := t.txn.Delete([]byte(versionKey(key))); err != nil {
		return err
	}
	*t.staged = append(*t.staged, stagedEvent{event: ports.StorageEvent{Type: ports.StorageDelete, Key: key, Timestamp: time.Now()}})
	return nil
}

func (t *transaction) Exists(key string) (bool, error) {
	_, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *BadgerStore) Subscribe(prefix string) (<-chan ports.StorageEvent, func(), error) {
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

func (s *BadgerStore) broadcast(event ports.StorageEvent) {
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

func (s *BadgerStore) Close() error {
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

	s.logger.Info("closing badger store")
	return s.db.Close()
}

var _ ports.StoragePort = (*BadgerStore)(nil)
