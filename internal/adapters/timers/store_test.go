package timers

import (
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/keel/internal/adapters/memory"
	"github.com/eleven-am/keel/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := memory.NewStore()
	t.Cleanup(func() { store.Close() })
	return NewStore(store, nil)
}

func pendingTimer(executionID, id string, fireAt time.Time) *domain.Timer {
	return &domain.Timer{
		ID:          id,
		ExecutionID: executionID,
		FireAt:      fireAt,
		Status:      domain.TimerStatusPending,
		CreatedSeq:  1,
	}
}

func TestArmIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	fireAt := time.Now().UTC().Add(time.Minute)

	require.NoError(t, s.Arm(pendingTimer("exec-1", "timer-1", fireAt)))
	require.NoError(t, s.Arm(pendingTimer("exec-1", "timer-1", fireAt)), "re-arming after replay must not error")

	timer, found, err := s.Get("exec-1", "timer-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.TimerStatusPending, timer.Status)
}

func TestDueListsOnlyElapsedPending(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Arm(pendingTimer("exec-1", "past", now.Add(-time.Second))))
	require.NoError(t, s.Arm(pendingTimer("exec-1", "future", now.Add(time.Hour))))
	require.NoError(t, s.Arm(pendingTimer("exec-2", "also-past", now.Add(-time.Minute))))

	due, err := s.Due(now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "also-past", due[0].ID, "oldest fire time first")
	require.Equal(t, "past", due[1].ID)
}

func TestMarkFiredSingleWinner(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Arm(pendingTimer("exec-1", "timer-1", time.Now().UTC())))

	const sweeps = 16
	var wg sync.WaitGroup
	var wins int
	var mu sync.Mutex

	for i := 0; i < sweeps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.MarkFired("exec-1", "timer-1")
			require.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins, "concurrent sweeps must elect exactly one winner")

	timer, found, err := s.Get("exec-1", "timer-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.TimerStatusFired, timer.Status)
}

func TestMarkFiredOnMissingOrSettledTimer(t *testing.T) {
	s := newTestStore(t)

	won, err := s.MarkFired("exec-1", "missing")
	require.NoError(t, err)
	require.False(t, won)

	require.NoError(t, s.Arm(pendingTimer("exec-1", "timer-1", time.Now().UTC())))
	require.NoError(t, s.Cancel("exec-1", "timer-1"))

	won, err = s.MarkFired("exec-1", "timer-1")
	require.NoError(t, err)
	require.False(t, won, "a cancelled timer never fires")
}

func TestCancelMissingTimer(t *testing.T) {
	s := newTestStore(t)
	require.ErrorIs(t, s.Cancel("exec-1", "missing"), domain.ErrTimerNotFound)
}

func TestPendingScopesToExecution(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Arm(pendingTimer("exec-1", "a", now)))
	require.NoError(t, s.Arm(pendingTimer("exec-1", "b", now)))
	require.NoError(t, s.Arm(pendingTimer("exec-2", "c", now)))
	_, err := s.MarkFired("exec-1", "a")
	require.NoError(t, err)

	pending, err := s.Pending("exec-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "b", pending[0].ID)
}

func TestSweeperFiresDueTimersOnce(t *testing.T) {
	s := newTestStore(t)
	sink := &captureSink{}
	sweeper := NewSweeper(s, time.Second, nil)
	sweeper.SetSink(sink)

	require.NoError(t, s.Arm(pendingTimer("exec-1", "timer-1", time.Now().UTC().Add(-time.Second))))

	sweeper.Sweep()
	sweeper.Sweep()

	require.Len(t, sink.fires(), 1)
	require.Equal(t, "timer-1", sink.fires()[0].ID)
}

type captureSink struct {
	mu    sync.Mutex
	fired []domain.Timer
}

func (c *captureSink) OfferReport(domain.TaskReport) bool {
	return true
}

func (c *captureSink) OfferTimerFire(timer domain.Timer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fired = append(c.fired, timer)
	return true
}

func (c *captureSink) fires() []domain.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Timer(nil), c.fired...)
}
