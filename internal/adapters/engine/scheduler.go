package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/eleven-am/keel/internal/xjson"
	"github.com/robfig/cron/v3"
)

// Scheduler owns the driver loops on this instance. One driver per owned
// execution; reports and timer fires route through the scheduler into the
// owning driver's inbox.
type Scheduler struct {
	cfg        domain.Config
	log        ports.EventLogPort
	leases     ports.LeaseManagerPort
	timers     ports.TimerStorePort
	dispatcher ports.DispatcherPort
	registry   ports.DefinitionRegistryPort
	logger     *slog.Logger

	mu      sync.Mutex
	drivers map[string]*driver
	slots   chan struct{}
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	cron   *cron.Cron
}

func NewScheduler(
	cfg domain.Config,
	log ports.EventLogPort,
	leases ports.LeaseManagerPort,
	timers ports.TimerStorePort,
	dispatcher ports.DispatcherPort,
	registry ports.DefinitionRegistryPort,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	slots := cfg.Engine.MaxConcurrentExecutions
	if slots < 1 {
		slots = 1
	}
	return &Scheduler{
		cfg:        cfg,
		log:        log,
		leases:     leases,
		timers:     timers,
		dispatcher: dispatcher,
		registry:   registry,
		logger:     logger.With("component", "scheduler"),
		drivers:    make(map[string]*driver),
		slots:      make(chan struct{}, slots),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return domain.ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()

	recoverySpec := fmt.Sprintf("@every %s", s.cfg.Engine.RecoveryScanInterval)
	if _, err := s.cron.AddFunc(recoverySpec, s.recoverPass); err != nil {
		return fmt.Errorf("schedule recovery scan: %w", err)
	}
	reapSpec := fmt.Sprintf("@every %s", s.cfg.Queue.ReapInterval)
	if _, err := s.cron.AddFunc(reapSpec, s.reapPass); err != nil {
		return fmt.Errorf("schedule queue reap: %w", err)
	}

	s.cron.Start()
	s.started = true

	// Startup is the same path as crash recovery: scan the registry and
	// adopt whatever is acquirable.
	go s.recoverPass()

	s.logger.Info("scheduler started", "node_id", s.cfg.NodeID)
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cronCtx := s.cron.Stop()
	s.cancel()
	s.mu.Unlock()

	<-cronCtx.Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// StartExecution creates the execution record, appends ExecutionStarted as
// event 1 and spawns the driver.
func (s *Scheduler) StartExecution(ctx context.Context, executionID, workflowType string, version int, input xjson.RawMessage) error {
	if _, ok := s.registry.Lookup(workflowType, version); !ok {
		return domain.ErrUnknownDefinition
	}

	first, err := domain.NewEvent(executionID, domain.EventExecutionStarted, domain.ExecutionStartedPayload{
		WorkflowType:      workflowType,
		DefinitionVersion: version,
		Input:             input,
	})
	if err != nil {
		return err
	}
	first.Sequence = 1

	record := &domain.ExecutionRecord{
		ID:                executionID,
		WorkflowType:      workflowType,
		DefinitionVersion: version,
		Status:            domain.ExecutionStatusRunning,
		Sequence:          1,
		StartedAt:         first.Timestamp,
	}
	if err := s.log.CreateExecution(ctx, record, first); err != nil {
		return err
	}

	s.spawn(executionID)
	return nil
}

// Signal routes a named payload into the execution's log via its driver,
// spawning one when nothing on this instance owns the execution yet.
func (s *Scheduler) Signal(ctx context.Context, executionID, name string, payload xjson.RawMessage) error {
	return s.deliver(ctx, executionID, message{kind: msgSignal, signalName: name, signalPayload: payload})
}

// Cancel requests a cooperative stop. The driver appends the terminal event
// and lingers to drain in-flight reports.
func (s *Scheduler) Cancel(ctx context.Context, executionID, reason string) error {
	return s.deliver(ctx, executionID, message{kind: msgCancel, reason: reason})
}

func (s *Scheduler) deliver(ctx context.Context, executionID string, msg message) error {
	record, err := s.log.GetRecord(ctx, executionID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		if msg.kind == msgCancel {
			return nil
		}
		return domain.ErrExecutionTerminal
	}

	d := s.spawn(executionID)
	if d == nil {
		return domain.ErrAlreadyShutdown
	}
	if !d.offer(ctx, msg) {
		return fmt.Errorf("execution %s driver unavailable: %w", executionID, domain.ErrLeaseHeld)
	}
	return nil
}

// OfferReport implements ports.ReportSink.
func (s *Scheduler) OfferReport(report domain.TaskReport) bool {
	s.mu.Lock()
	d, ok := s.drivers[report.ExecutionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return d.tryOffer(message{kind: msgReport, report: report})
}

// OfferTimerFire implements ports.ReportSink.
func (s *Scheduler) OfferTimerFire(timer domain.Timer) bool {
	s.mu.Lock()
	d, ok := s.drivers[timer.ExecutionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return d.tryOffer(message{kind: msgTimerFire, timer: timer})
}

// spawn returns the live driver for the execution, creating one when
// missing. Nil means the scheduler is shut down or out of slots.
func (s *Scheduler) spawn(executionID string) *driver {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	if d, ok := s.drivers[executionID]; ok {
		return d
	}

	select {
	case s.slots <- struct{}{}:
	default:
		s.logger.Warn("driver slots exhausted, deferring execution", "execution_id", executionID)
		return nil
	}

	d := newDriver(executionID, s)
	s.drivers[executionID] = d
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()
		d.run(s.ctx)
	}()
	return d
}

func (s *Scheduler) removeDriver(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drivers, executionID)
}

// recoverPass adopts running executions nobody on this instance drives.
// Lease acquisition inside the driver arbitrates with other instances; a
// lost race just means the driver exits quietly.
func (s *Scheduler) recoverPass() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	records, err := s.log.ListRecords(ctx, domain.ExecutionFilter{Status: domain.ExecutionStatusRunning})
	if err != nil {
		s.logger.Error("recovery scan failed", "error", err)
		return
	}

	for _, record := range records {
		s.mu.Lock()
		_, driven := s.drivers[record.ID]
		s.mu.Unlock()
		if driven {
			continue
		}
		s.spawn(record.ID)
	}
}

func (s *Scheduler) reapPass() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	requeued, err := s.dispatcher.Reap(ctx)
	if err != nil {
		s.logger.Error("queue reap failed", "error", err)
		return
	}
	if requeued > 0 {
		s.logger.Debug("requeued expired claims", "count", requeued)
	}
}

var _ ports.ReportSink = (*Scheduler)(nil)
