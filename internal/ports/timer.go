package ports

import (
	"time"

	"github.com/eleven-am/keel/internal/domain"
)

// TimerStorePort persists durable future wake-ups. Arming is idempotent per
// (executionID, timerID); MarkFired is a compare-and-swap so concurrent
// sweep passes elect exactly one winner.
type TimerStorePort interface {
	Arm(timer *domain.Timer) error
	Cancel(executionID, timerID string) error
	Get(executionID, timerID string) (*domain.Timer, bool, error)
	Pending(executionID string) ([]domain.Timer, error)

	// Due lists Pending timers with fireAt <= now across all executions.
	Due(now time.Time) ([]domain.Timer, error)

	// MarkFired transitions Pending -> Fired. Returns false when another
	// sweep already won the transition.
	MarkFired(executionID, timerID string) (bool, error)
}
