package core

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eleven-am/keel/internal/adapters/dispatch"
	"github.com/eleven-am/keel/internal/adapters/engine"
	"github.com/eleven-am/keel/internal/adapters/eventlog"
	"github.com/eleven-am/keel/internal/adapters/queue"
	"github.com/eleven-am/keel/internal/adapters/storage"
	"github.com/eleven-am/keel/internal/adapters/timers"
	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/eleven-am/keel/internal/xjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Manager wires the adapters into one runnable scheduler instance and is
// the single entry point the public facade talks to.
type Manager struct {
	cfg    domain.Config
	logger *slog.Logger

	storage    ports.StoragePort
	leases     ports.LeaseManagerPort
	log        ports.EventLogPort
	queue      ports.TaskQueuePort
	timers     ports.TimerStorePort
	sweeper    *timers.Sweeper
	dispatcher ports.DispatcherPort
	registry   ports.DefinitionRegistryPort
	scheduler  *engine.Scheduler

	mu      sync.Mutex
	started bool
	stopped bool
}

func NewManager(cfg domain.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := newStoragePort(cfg, logger)
	if err != nil {
		return nil, err
	}

	leases := storage.NewLeaseManager(store, logger)
	log := eventlog.NewLog(store, logger)
	taskQueue := queue.NewTaskQueue(store, logger)
	timerStore := timers.NewStore(store, logger)
	sweeper := timers.NewSweeper(timerStore, cfg.Timers.SweepInterval, logger)
	dispatcher := dispatch.NewDispatcher(store, taskQueue, cfg.Queue, logger)
	registry := engine.NewRegistry()
	scheduler := engine.NewScheduler(cfg, log, leases, timerStore, dispatcher, registry, logger)

	dispatcher.SetSink(scheduler)
	sweeper.SetSink(scheduler)

	return &Manager{
		cfg:        cfg,
		logger:     logger.With("component", "manager"),
		storage:    store,
		leases:     leases,
		log:        log,
		queue:      taskQueue,
		timers:     timerStore,
		sweeper:    sweeper,
		dispatcher: dispatcher,
		registry:   registry,
		scheduler:  scheduler,
	}, nil
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return domain.ErrAlreadyShutdown
	}
	if m.started {
		return domain.ErrAlreadyStarted
	}

	if err := m.scheduler.Start(ctx); err != nil {
		return err
	}
	if err := m.sweeper.Start(); err != nil {
		m.scheduler.Stop()
		return err
	}

	m.started = true
	m.logger.Info("keel instance started",
		"node_id", m.cfg.NodeID,
		"storage", m.cfg.Storage.Backend,
	)
	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.stopped {
		m.stopped = true
		return nil
	}
	m.stopped = true

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.sweeper.Stop()
		return nil
	})
	g.Go(func() error {
		m.scheduler.Stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := m.dispatcher.Close(); err != nil {
		m.logger.Warn("dispatcher close failed", "error", err)
	}
	if err := m.storage.Close(); err != nil {
		return err
	}

	m.logger.Info("keel instance stopped", "node_id", m.cfg.NodeID)
	return nil
}

func (m *Manager) RegisterDefinition(workflowType string, version int, fn ports.DecisionFunc) error {
	return m.registry.Register(workflowType, version, fn)
}

// StartExecution creates and adopts a new execution. An empty id gets a
// generated one; version 0 resolves to the latest registered version.
func (m *Manager) StartExecution(ctx context.Context, executionID, workflowType string, version int, input xjson.RawMessage) (string, error) {
	if workflowType == "" {
		return "", domain.ErrInvalidInput
	}
	if len(input) > 0 && !xjson.Valid(input) {
		return "", domain.ErrInvalidInput
	}
	if executionID == "" {
		executionID = uuid.New().String()
	}
	if version == 0 {
		latest, ok := m.registry.LatestVersion(workflowType)
		if !ok {
			return "", domain.ErrUnknownDefinition
		}
		version = latest
	}

	if err := m.scheduler.StartExecution(ctx, executionID, workflowType, version, input); err != nil {
		return "", err
	}
	return executionID, nil
}

func (m *Manager) CancelExecution(ctx context.Context, executionID, reason string) error {
	return m.scheduler.Cancel(ctx, executionID, reason)
}

func (m *Manager) Signal(ctx context.Context, executionID, name string, payload xjson.RawMessage) error {
	return m.scheduler.Signal(ctx, executionID, name, payload)
}

func (m *Manager) ClaimTask(ctx context.Context) (*domain.Task, bool, error) {
	return m.dispatcher.ClaimTask(ctx)
}

func (m *Manager) CompleteTask(ctx context.Context, taskID, idempotencyKey string, result xjson.RawMessage) error {
	return m.dispatcher.Complete(ctx, taskID, idempotencyKey, result)
}

func (m *Manager) FailTask(ctx context.Context, taskID, idempotencyKey, errMsg string) error {
	return m.dispatcher.Fail(ctx, taskID, idempotencyKey, errMsg)
}

func (m *Manager) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	record, err := m.log.GetRecord(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return record.ToExecution(), nil
}

func (m *Manager) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, error) {
	records, err := m.log.ListRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	executions := make([]domain.Execution, 0, len(records))
	for i := range records {
		executions = append(executions, *records[i].ToExecution())
	}
	return executions, nil
}

func (m *Manager) GetExecutionHistory(ctx context.Context, executionID string) ([]domain.Event, error) {
	tail, err := m.log.Tail(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if tail == 0 {
		return nil, domain.ErrExecutionNotFound
	}
	return m.log.ReadFrom(ctx, executionID, 1)
}

func (m *Manager) DeadLetters(limit int) ([]domain.DeadLetterItem, error) {
	return m.queue.GetDeadLetterItems(limit)
}

func (m *Manager) RetryDeadLetter(itemID string) error {
	return m.queue.RetryFromDeadLetter(itemID)
}
