package timers

import (
	"log/slog"
	"sort"
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
)

// Store keeps durable timers in versioned storage rows. Status transitions go
// through compare-and-swap puts, so concurrent sweep passes on different
// nodes elect exactly one winner per timer.
type Store struct {
	storage ports.StoragePort
	logger  *slog.Logger
}

func NewStore(storage ports.StoragePort, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		storage: storage,
		logger:  logger.With("component", "timer-store"),
	}
}

// Arm persists the timer row. Re-arming an existing timer id is a no-op, so
// replay after recovery can arm unconditionally.
func (s *Store) Arm(timer *domain.Timer) error {
	key := domain.TimerKey(timer.ExecutionID, timer.ID)

	exists, err := s.storage.Exists(key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	data, err := timer.ToBytes()
	if err != nil {
		return err
	}

	if err := s.storage.Put(key, data, 1); err != nil {
		if domain.IsVersionMismatch(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Store) Cancel(executionID, timerID string) error {
	return s.transition(executionID, timerID, domain.TimerStatusCancelled)
}

func (s *Store) Get(executionID, timerID string) (*domain.Timer, bool, error) {
	value, _, exists, err := s.storage.Get(domain.TimerKey(executionID, timerID))
	if err != nil || !exists {
		return nil, false, err
	}

	timer, err := domain.TimerFromBytes(value)
	if err != nil {
		return nil, false, err
	}
	return timer, true, nil
}

func (s *Store) Pending(executionID string) ([]domain.Timer, error) {
	rows, err := s.storage.ListByPrefix(domain.TimerScanPrefix(executionID))
	if err != nil {
		return nil, err
	}

	var pending []domain.Timer
	for _, row := range rows {
		timer, err := domain.TimerFromBytes(row.Value)
		if err != nil {
			continue
		}
		if timer.Status == domain.TimerStatusPending {
			pending = append(pending, *timer)
		}
	}
	return pending, nil
}

// Due lists pending timers with fireAt <= now across all executions, oldest
// first.
func (s *Store) Due(now time.Time) ([]domain.Timer, error) {
	rows, err := s.storage.ListByPrefix(domain.TimerPrefix)
	if err != nil {
		return nil, err
	}

	var due []domain.Timer
	for _, row := range rows {
		timer, err := domain.TimerFromBytes(row.Value)
		if err != nil {
			s.logger.Warn("skipping undecodable timer row", "key", row.Key, "error", err)
			continue
		}
		if timer.Due(now) {
			due = append(due, *timer)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].FireAt.Before(due[j].FireAt)
	})
	return due, nil
}

// MarkFired transitions Pending -> Fired. Returns false when the timer is
// gone, already fired, cancelled, or another sweep won the version race.
func (s *Store) MarkFired(executionID, timerID string) (bool, error) {
	key := domain.TimerKey(executionID, timerID)

	value, version, exists, err := s.storage.Get(key)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	timer, err := domain.TimerFromBytes(value)
	if err != nil {
		return false, err
	}
	if timer.Status != domain.TimerStatusPending {
		return false, nil
	}

	timer.Status = domain.TimerStatusFired
	data, err := timer.ToBytes()
	if err != nil {
		return false, err
	}

	if err := s.storage.Put(key, data, version+1); err != nil {
		if domain.IsVersionMismatch(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) transition(executionID, timerID string, to domain.TimerStatus) error {
	key := domain.TimerKey(executionID, timerID)

	value, version, exists, err := s.storage.Get(key)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrTimerNotFound
	}

	timer, err := domain.TimerFromBytes(value)
	if err != nil {
		return err
	}
	if timer.Status != domain.TimerStatusPending {
		return nil
	}

	timer.Status = to
	data, err := timer.ToBytes()
	if err != nil {
		return err
	}

	if err := s.storage.Put(key, data, version+1); err != nil {
		if domain.IsVersionMismatch(err) {
			return nil
		}
		return err
	}
	return nil
}

var _ ports.TimerStorePort = (*Store)(nil)
