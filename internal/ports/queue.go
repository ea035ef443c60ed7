package ports

import (
	"context"
	"time"

	"github.com/eleven-am/keel/internal/domain"
)

// TaskQueuePort is the single-purpose work queue between the scheduler and
// external worker processes. Delivery is at-least-once: claims carry a
// visibility timeout and unreported claims are requeued by the reaper.
type TaskQueuePort interface {
	Enqueue(task *domain.Task) error
	Claim(visibility time.Duration) (task *domain.Task, claimID string, exists bool, err error)
	Complete(claimID string) error
	Extend(claimID string, visibility time.Duration) error

	// ReapExpired requeues claims whose visibility window has passed and
	// dead-letters items past the delivery budget.
	ReapExpired(now time.Time, maxDeliveries int) (requeued int, err error)

	WaitForItem(ctx context.Context) <-chan struct{}
	Size() (int, error)

	SendToDeadLetter(item []byte, reason string, retryCount int) error
	GetDeadLetterItems(limit int) ([]domain.DeadLetterItem, error)
	GetDeadLetterSize() (int, error)
	RetryFromDeadLetter(itemID string) error

	Close() error
}
