package ports

import (
	"time"

	"github.com/eleven-am/keel/internal/domain"
)

// LeaseRecord is the serialized ownership grant for one execution.
// Generation increments on every ownership change and doubles as the
// fencing token: mutation paths reject any fence older than the stored
// generation.
type LeaseRecord struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	Generation int64     `json:"generation"`
	ExpiresAt  time.Time `json:"expires_at"`
	RenewedAt  time.Time `json:"renewed_at"`
}

// VerifyFence checks a claimed ownership against this record at the point
// of mutation. A revived former owner whose lease was reassigned fails the
// generation comparison even if its clock still thinks the lease is live.
func (r *LeaseRecord) VerifyFence(owner string, token int64, now time.Time) error {
	if r == nil {
		return domain.ErrLeaseNotFound
	}
	if r.Owner != owner || r.Generation != token {
		return domain.ErrFenceRejected
	}
	if !r.ExpiresAt.After(now) {
		return domain.ErrLeaseExpired
	}
	return nil
}

// Fence is the (owner, token) pair a lease holder presents on every append
// and dispatch.
type Fence struct {
	Owner string
	Token int64
}

// LeaseManagerPort grants one scheduler instance exclusive, time-bounded
// ownership of an execution. Ownership is TTL-based; a crashed owner's
// lease becomes reclaimable without cleanup.
type LeaseManagerPort interface {
	// Key builds the storage key for a lease scoped to namespace/id.
	Key(namespace, id string) string

	// TryAcquire attempts to take ownership. It returns the resulting record, a
	// boolean indicating whether the caller became the owner, and any error.
	// False with a nil error means another owner currently holds the lease.
	TryAcquire(key, owner string, ttl time.Duration) (*LeaseRecord, bool, error)

	// Renew extends the expiration if the supplied owner still holds the lease,
	// returning domain.ErrLeaseHeld or domain.ErrLeaseExpired otherwise.
	Renew(key, owner string, ttl time.Duration) (*LeaseRecord, error)

	// Release relinquishes the lease if owned by the caller.
	Release(key, owner string) error

	// Get fetches the current lease record.
	Get(key string) (*LeaseRecord, bool, error)
}
