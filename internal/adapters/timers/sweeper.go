package timers

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/robfig/cron/v3"
)

// Sweeper periodically scans for due timers, wins the fired transition and
// hands each fire to the sink. The storage CAS in MarkFired is what keeps a
// timer single-fire; the sweep interval only bounds latency.
type Sweeper struct {
	store    ports.TimerStorePort
	sink     ports.ReportSink
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	started bool
}

func NewSweeper(store ports.TimerStorePort, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger.With("component", "timer-sweeper"),
	}
}

func (s *Sweeper) SetSink(sink ports.ReportSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return domain.ErrAlreadyStarted
	}

	s.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", s.interval)
	entry, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		return fmt.Errorf("schedule timer sweep: %w", err)
	}
	s.entry = entry
	s.cron.Start()
	s.started = true

	s.logger.Debug("timer sweeper started", "interval", s.interval)
	return nil
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.started = false
}

// Sweep runs one pass immediately. Exposed so recovery can drain overdue
// timers without waiting for the first tick.
func (s *Sweeper) Sweep() {
	s.sweep()
}

func (s *Sweeper) sweep() {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}

	now := time.Now().UTC()
	due, err := s.store.Due(now)
	if err != nil {
		s.logger.Error("timer sweep failed", "error", err)
		return
	}

	for _, timer := range due {
		won, err := s.store.MarkFired(timer.ExecutionID, timer.ID)
		if err != nil {
			s.logger.Error("marking timer fired failed",
				"execution_id", timer.ExecutionID,
				"timer_id", timer.ID,
				"error", err,
			)
			continue
		}
		if !won {
			continue
		}
		if !sink.OfferTimerFire(timer) {
			s.logger.Debug("timer fire had no live driver",
				"execution_id", timer.ExecutionID,
				"timer_id", timer.ID,
			)
		}
	}
}
