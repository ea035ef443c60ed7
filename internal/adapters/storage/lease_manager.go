package storage

import (
	"log/slog"
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/eleven-am/keel/internal/xjson"
)

const leaseKeyPrefix = "lease:"

// LeaseManager provides a storage-backed implementation of
// ports.LeaseManagerPort. Mutual exclusion rests on the store's optimistic
// versioning: two racing acquirers write the same version and one loses.
type LeaseManager struct {
	storage ports.StoragePort
	logger  *slog.Logger
}

// NewLeaseManager constructs a new LeaseManager instance.
func NewLeaseManager(storage ports.StoragePort, logger *slog.Logger) *LeaseManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseManager{
		storage: storage,
		logger:  logger.With("component", "lease-manager"),
	}
}

// Key returns the storage key for a lease scoped to the provided namespace and identifier.
func (m *LeaseManager) Key(namespace, id string) string {
	return leaseKeyPrefix + namespace + ":" + id
}

// TryAcquire attempts to obtain the lease for the provided key. Generation
// increments on every ownership change and serves as the fencing token.
func (m *LeaseManager) TryAcquire(key, owner string, ttl time.Duration) (*ports.LeaseRecord, bool, error) {
	record, version, exists, err := m.readRecord(key)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	if exists && record.Owner != "" && record.Owner != owner && record.ExpiresAt.After(now) {
		return &record, false, nil
	}

	newRecord := ports.LeaseRecord{
		Key:        key,
		Owner:      owner,
		ExpiresAt:  now.Add(ttl),
		RenewedAt:  now,
		Generation: 1,
	}
	if exists {
		newRecord.Generation = record.Generation + 1
	}

	payload, err := xjson.Marshal(newRecord)
	if err != nil {
		return nil, false, err
	}

	if err := m.storage.Put(key, payload, version+1); err != nil {
		if domain.IsVersionMismatch(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	return &newRecord, true, nil
}

// Renew extends the lease expiration if the caller still holds it. A renew
// attempted after expiry fails even for the last owner; the caller must
// go back through TryAcquire and receive a fresh fencing token.
func (m *LeaseManager) Renew(key, owner string, ttl time.Duration) (*ports.LeaseRecord, error) {
	record, version, exists, err := m.readRecord(key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrLeaseNotFound
	}
	if record.Owner != owner {
		return nil, domain.ErrLeaseHeld
	}

	now := time.Now().UTC()
	if !record.ExpiresAt.After(now) {
		return nil, domain.ErrLeaseExpired
	}

	record.RenewedAt = now
	record.ExpiresAt = now.Add(ttl)

	payload, err := xjson.Marshal(record)
	if err != nil {
		return nil, err
	}

	if err := m.storage.Put(key, payload, version+1); err != nil {
		if domain.IsVersionMismatch(err) {
			return nil, domain.ErrLeaseHeld
		}
		return nil, err
	}

	return &record, nil
}

// Release relinquishes the lease if owned by the caller. The record is
// expired in place rather than deleted: the generation counter must keep
// climbing across release and re-acquire cycles or fencing breaks.
func (m *LeaseManager) Release(key, owner string) error {
	record, version, exists, err := m.readRecord(key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if record.Owner != owner {
		return domain.ErrLeaseHeld
	}

	record.ExpiresAt = time.Now().UTC()

	payload, err := xjson.Marshal(record)
	if err != nil {
		return err
	}
	if err := m.storage.Put(key, payload, version+1); err != nil {
		if domain.IsVersionMismatch(err) {
			return nil
		}
		return err
	}
	return nil
}

// Get fetches the current lease record.
func (m *LeaseManager) Get(key string) (*ports.LeaseRecord, bool, error) {
	record, _, exists, err := m.readRecord(key)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	return &record, true, nil
}

func (m *LeaseManager) readRecord(key string) (ports.LeaseRecord, int64, bool, error) {
	value, version, exists, err := m.storage.Get(key)
	if err != nil {
		return ports.LeaseRecord{}, 0, false, err
	}
	if !exists || len(value) == 0 {
		return ports.LeaseRecord{}, version, false, nil
	}

	var record ports.LeaseRecord
	if err := xjson.Unmarshal(value, &record); err != nil {
		return ports.LeaseRecord{}, version, false, err
	}
	return record, version, true, nil
}

var _ ports.LeaseManagerPort = (*LeaseManager)(nil)
