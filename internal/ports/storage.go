package ports

import (
	"time"
)

// StoragePort is the versioned KV contract every durable backend implements.
// Put with a non-zero version succeeds only when the stored version equals
// version-1 (version 1 creates); version 0 writes blindly. Implementations
// return a domain version-mismatch error on contention.
type StoragePort interface {
	Get(key string) (value []byte, version int64, exists bool, err error)
	Put(key string, value []byte, version int64) error
	Delete(key string) error

	Exists(key string) (bool, error)

	BatchWrite(ops []WriteOp) error

	GetNext(prefix string) (key string, value []byte, exists bool, err error)
	GetNextAfter(prefix string, afterKey string) (key string, value []byte, exists bool, err error)
	CountPrefix(prefix string) (count int, err error)
	AtomicIncrement(key string) (newValue int64, err error)

	ListByPrefix(prefix string) ([]KeyValueVersion, error)
	DeleteByPrefix(prefix string) (deletedCount int, err error)

	RunInTransaction(fn func(tx Transaction) error) error

	Subscribe(prefix string) (<-chan StorageEvent, func(), error)

	Close() error
}

// Transaction groups reads and writes into one atomic unit. Version checks
// apply at Put time against the transaction's snapshot.
type Transaction interface {
	Get(key string) (value []byte, version int64, exists bool, err error)
	Put(key string, value []byte, version int64) error
	Delete(key string) error
	Exists(key string) (bool, error)
}

type WriteOp struct {
	Type    OpType
	Key     string
	Value   []byte
	Version int64
}

type KeyValueVersion struct {
	Key     string
	Value   []byte
	Version int64
}

type OpType int

const (
	OpPut OpType = iota
	OpDelete
)

type StorageEventType int

const (
	StoragePut StorageEventType = iota
	StorageDelete
)

type StorageEvent struct {
	Type      StorageEventType
	Key       string
	Version   int64
	Timestamp time.Time
}
