package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
)

// Store is a complete in-process ports.StoragePort. It backs tests and
// single-process embedding; durability comes from the badger or sqlite
// adapters.
type Store struct {
	mu     sync.RWMutex
	data   map[string]entry
	subs   map[string][]chan ports.StorageEvent
	closed bool
}

type entry struct {
	value   []byte
	version int64
}

func NewStore() *Store {
	return &Store{
		data: make(map[string]entry),
		subs: make(map[string][]chan ports.StorageEvent),
	}
}

func (s *Store) Get(key string) ([]byte, int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, 0, false, &domain.StorageError{Type: domain.ErrClosed, Message: "storage is closed"}
	}

	e, ok := s.data[key]
	if !ok {
		return nil, 0, false, nil
	}
	return append([]byte(nil), e.value...), e.version, true, nil
}

func (s *Store) Put(key string, value []byte, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "storage is closed"}
	}

	if err := s.putLocked(key, value, version); err != nil {
		return err
	}
	s.broadcastLocked(ports.StorageEvent{Type: ports.StoragePut, Key: key, Version: s.data[key].version, Timestamp: time.Now()})
	return nil
}

func (s *Store) putLocked(key string, value []byte, version int64) error {
	current, exists := s.data[key]

	if version != 0 {
		if exists && current.version != version-1 {
			return domain.NewVersionMismatchError(key, version-1, current.version)
		}
		if !exists && version != 1 {
			return domain.NewVersionMismatchError(key, version-1, 0)
		}
	} else {
		version = current.version + 1
	}

	s.data[key] = entry{value: append([]byte(nil), value...), version: version}
	return nil
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "storage is closed"}
	}

	delete(s.data, key)
	s.broadcastLocked(ports.StorageEvent{Type: ports.StorageDelete, Key: key, Timestamp: time.Now()})
	return nil
}

func (s *Store) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

func (s *Store) BatchWrite(ops []ports.WriteOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "storage is closed"}
	}

	for _, op := range ops {
		switch op.Type {
		case ports.OpPut:
			if err := s.putLocked(op.Key, op.Value, op.Version); err != nil {
				return err
			}
		case ports.OpDelete:
			delete(s.data, op.Key)
		default:
			return domain.ErrInvalidInput
		}
	}

	for _, op := range ops {
		eventType := ports.StoragePut
		if op.Type == ports.OpDelete {
			eventType = ports.StorageDelete
		}
		s.broadcastLocked(ports.StorageEvent{Type: eventType, Key: op.Key, Timestamp: time.Now()})
	}
	return nil
}

func (s *Store) sortedKeys(prefix string) []string {
	keys := make([]string, 0)
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) GetNext(prefix string) (string, []byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.sortedKeys(prefix)
	if len(keys) == 0 {
		return "", nil, false, nil
	}
	e := s.data[keys[0]]
	return keys[0], append([]byte(nil), e.value...), true, nil
}

func (s *Store) GetNextAfter(prefix string, afterKey string) (string, []byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, key := range s.sortedKeys(prefix) {
		if key > afterKey {
			e := s.data[key]
			return key, append([]byte(nil), e.value...), true, nil
		}
	}
	return "", nil, false, nil
}

func (s *Store) CountPrefix(prefix string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sortedKeys(prefix)), nil
}

func (s *Store) AtomicIncrement(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, &domain.StorageError{Type: domain.ErrClosed, Message: "storage is closed"}
	}

	var counter int64
	if e, ok := s.data[key]; ok {
		counter = decodeCounter(e.value)
	}
	counter++
	s.data[key] = entry{value: encodeCounter(counter), version: s.data[key].version + 1}
	return counter, nil
}

func (s *Store) ListByPrefix(prefix string) ([]ports.KeyValueVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []ports.KeyValueVersion
	for _, key := range s.sortedKeys(prefix) {
		e := s.data[key]
		results = append(results, ports.KeyValueVersion{
			Key:     key,
			Value:   append([]byte(nil), e.value...),
			Version: e.version,
		})
	}
	return results, nil
}

func (s *Store) DeleteByPrefix(prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.sortedKeys(prefix)
	for _, key := range keys {
		delete(s.data, key)
	}
	return len(keys), nil
}

// RunInTransaction applies fn against a staged view and commits its writes
// atomically. Version checks run against the live map at commit, so a
// concurrent writer surfaces as a version mismatch.
func (s *Store) RunInTransaction(fn func(tx ports.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "storage is closed"}
	}

	tx := &transaction{store: s, staged: make(map[string]*stagedWrite)}
	if err := fn(tx); err != nil {
		return err
	}

	// Validate every version precondition before touching the map, so a
	// conflicted transaction leaves no partial writes behind.
	for key, write := range tx.staged {
		if write.delete || write.version == 0 {
			continue
		}
		current, exists := s.data[key]
		if exists && current.version != write.version-1 {
			return domain.NewVersionMismatchError(key, write.version-1, current.version)
		}
		if !exists && write.version != 1 {
			return domain.NewVersionMismatchError(key, write.version-1, 0)
		}
	}

	for key, write := range tx.staged {
		if write.delete {
			delete(s.data, key)
			continue
		}
		if err := s.putLocked(key, write.value, write.version); err != nil {
			return err
		}
	}

	for key, write := range tx.staged {
		eventType := ports.StoragePut
		if write.delete {
			eventType = ports.StorageDelete
		}
		s.broadcastLocked(ports.StorageEvent{Type: eventType, Key: key, Timestamp: time.Now()})
	}
	return nil
}

type stagedWrite struct {
	value   []byte
	version int64
	delete  bool
}

type transaction struct {
	store  *Store
	staged map[string]*stagedWrite
}

func (t *transaction) Get(key string) ([]byte, int64, bool, error) {
	if write, ok := t.staged[key]; ok {
		if write.delete {
			return nil, 0, false, nil
		}
		return append([]byte(nil), write.value...), write.version, true, nil
	}
	e, ok := t.store.data[key]
	if !ok {
		return nil, 0, false, nil
	}
	return append([]byte(nil), e.value...), e.version, true, nil
}

func (t *transaction) Put(key string, value []byte, version int64) error {
	t.staged[key] = &stagedWrite{value: append([]byte(nil), value...), version: version}
	return nil
}

func (t *transaction) Delete(key string) error {
	t.staged[key] = &stagedWrite{delete: true}
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

func (s *Store) broadcastLocked(event ports.StorageEvent) {
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
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan ports.StorageEvent)
	return nil
}

func encodeCounter(v int64) []byte {
	buf := make([]byte, 0, 20)
	if v == 0 {
		return append(buf, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, digits[i:]...)
}

func decodeCounter(data []byte) int64 {
	var v int64
	for _, c := range data {
		if c < '0' || c > '9' {
			return 0
		}
		v = v*10 + int64(c-'0')
	}
	return v
}
