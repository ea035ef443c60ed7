package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/eleven-am/keel/internal/xjson"
	"github.com/google/uuid"
)

type msgKind int

const (
	msgReport msgKind = iota
	msgTimerFire
	msgSignal
	msgCancel
)

type message struct {
	kind msgKind

	report domain.TaskReport
	timer  domain.Timer

	signalName    string
	signalPayload xjson.RawMessage

	reason string
}

// errReloaded signals that an append lost the sequence race and state was
// refolded from the log. The loop re-decides against the fresh state.
var errReloaded = errors.New("state reloaded after sequence conflict")

// driver is the single-writer loop for one execution. It holds the lease,
// folds the log, asks the definition for the next decision, appends the
// resulting events and reacts to reports and timer fires from its inbox.
type driver struct {
	executionID string
	sched       *Scheduler
	inbox       chan message
	done        chan struct{}
	logger      *slog.Logger

	fence ports.Fence
	state *domain.DerivedState
}

func newDriver(executionID string, sched *Scheduler) *driver {
	return &driver{
		executionID: executionID,
		sched:       sched,
		inbox:       make(chan message, sched.cfg.Engine.InboxSize),
		done:        make(chan struct{}),
		logger:      sched.logger.With("execution_id", executionID),
	}
}

// offer delivers a message to the loop. False means the driver already
// exited or never took ownership.
func (d *driver) offer(ctx context.Context, msg message) bool {
	select {
	case d.inbox <- msg:
		return true
	case <-d.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (d *driver) tryOffer(msg message) bool {
	select {
	case d.inbox <- msg:
		return true
	case <-d.done:
		return false
	default:
		return false
	}
}

func (d *driver) run(ctx context.Context) {
	defer close(d.done)
	defer d.sched.removeDriver(d.executionID)

	if !d.acquire() {
		return
	}
	defer d.release()

	if err := d.load(ctx); err != nil {
		d.logger.Error("loading execution state failed", "error", err)
		return
	}
	if err := d.reconcile(ctx); err != nil && !errors.Is(err, errReloaded) {
		d.logger.Error("reconciling execution failed", "error", err)
		return
	}

	renew := time.NewTicker(d.sched.cfg.Lease.RenewInterval)
	defer renew.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return
		}

		if d.state.Status.IsTerminal() {
			if d.state.Status == domain.ExecutionStatusCancelled && len(d.state.PendingTasks) > 0 {
				d.drain(ctx, renew)
			}
			d.finalize(ctx)
			return
		}

		if d.state.Failure != nil {
			if err := d.resolveFailure(ctx); err != nil {
				if errors.Is(err, errReloaded) {
					continue
				}
				d.logger.Error("resolving step failure failed", "error", err)
				return
			}
			continue
		}

		if d.state.Quiescent() {
			block, err := d.decide(ctx)
			if err != nil {
				if errors.Is(err, errReloaded) {
					continue
				}
				d.logger.Error("advancing execution failed", "error", err)
				return
			}
			if !block {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-renew.C:
			if err := d.renew(); err != nil {
				d.logger.Warn("lost execution ownership", "error", err)
				return
			}
		case msg := <-d.inbox:
			if err := d.handle(ctx, msg); err != nil && !errors.Is(err, errReloaded) {
				d.logger.Error("handling inbox message failed", "error", err)
				return
			}
		}
	}
}

func (d *driver) acquire() bool {
	key := d.sched.leases.Key("execution", d.executionID)
	record, acquired, err := d.sched.leases.TryAcquire(key, d.sched.cfg.NodeID, d.sched.cfg.Lease.TTL)
	if err != nil {
		d.logger.Error("lease acquisition failed", "error", err)
		return false
	}
	if !acquired {
		return false
	}
	d.fence = ports.Fence{Owner: record.Owner, Token: record.Generation}
	return true
}

func (d *driver) renew() error {
	key := d.sched.leases.Key("execution", d.executionID)
	_, err := d.sched.leases.Renew(key, d.sched.cfg.NodeID, d.sched.cfg.Lease.TTL)
	return err
}

func (d *driver) release() {
	if d.fence.Owner == "" {
		return
	}
	key := d.sched.leases.Key("execution", d.executionID)
	if err := d.sched.leases.Release(key, d.sched.cfg.NodeID); err != nil {
		d.logger.Warn("lease release failed", "error", err)
	}
}

func (d *driver) load(ctx context.Context) error {
	events, err := d.sched.log.ReadFrom(ctx, d.executionID, 1)
	if err != nil {
		return err
	}
	state, err := domain.Fold(d.executionID, events)
	if err != nil {
		return err
	}
	d.state = state
	return nil
}

// reconcile closes the gap between the log and the durable side effects
// after an ownership change: timers are re-armed, fires and reports that
// landed while nobody was listening are folded, and in-flight tasks are
// re-offered to the queue.
func (d *driver) reconcile(ctx context.Context) error {
	for _, pt := range d.state.PendingTimers {
		timer := &domain.Timer{
			ID:          pt.TimerID,
			ExecutionID: d.executionID,
			FireAt:      pt.FireAt,
			Status:      domain.TimerStatusPending,
			CreatedSeq:  pt.CreatedSeq,
		}
		if err := d.sched.timers.Arm(timer); err != nil {
			return err
		}
		stored, found, err := d.sched.timers.Get(d.executionID, pt.TimerID)
		if err != nil {
			return err
		}
		if found && stored.Status == domain.TimerStatusFired {
			event, err := domain.NewEvent(d.executionID, domain.EventTimerFired, domain.TimerFiredPayload{TimerID: pt.TimerID})
			if err != nil {
				return err
			}
			if err := d.append(ctx, event); err != nil {
				return err
			}
		}
	}

	for _, pt := range d.state.PendingTasks {
		report, terminal, err := d.sched.dispatcher.TaskOutcome(pt.TaskID)
		if err != nil {
			return err
		}
		if terminal {
			if err := d.foldReport(ctx, *report); err != nil {
				return err
			}
			continue
		}
		task := &domain.Task{
			ID:             pt.TaskID,
			ExecutionID:    d.executionID,
			StepName:       pt.StepName,
			IdempotencyKey: pt.IdempotencyKey,
			Payload:        pt.Input,
			Status:         domain.TaskStatusQueued,
			Attempt:        pt.Attempt,
			EnqueuedAt:     time.Now().UTC(),
		}
		if err := d.sched.dispatcher.Dispatch(ctx, task, d.fence); err != nil {
			return err
		}
	}

	return nil
}

// decide asks the definition for the next action against quiescent state.
// Returns true when the loop should block for external input.
func (d *driver) decide(ctx context.Context) (bool, error) {
	fn, ok := d.sched.registry.Lookup(d.state.WorkflowType, d.state.DefinitionVersion)
	if !ok {
		d.logger.Warn("no definition registered, parking execution",
			"workflow_type", d.state.WorkflowType,
			"version", d.state.DefinitionVersion,
		)
		return true, nil
	}

	decision, err := fn(d.state)
	if err != nil {
		return false, d.appendExecutionFailed(ctx, "", fmt.Sprintf("definition error: %v", err), 0)
	}

	switch decision.Type {
	case ports.DecisionRunStep:
		return false, d.startStep(ctx, decision)

	case ports.DecisionSleep:
		if d.state.TimerElapsed(decision.SleepName) {
			return false, d.appendExecutionFailed(ctx, "", fmt.Sprintf("definition re-requested elapsed timer %q", decision.SleepName), 0)
		}
		return false, d.createTimer(ctx, decision)

	case ports.DecisionAwaitSignal:
		if _, ok := d.state.SignalPayload(decision.SignalName); ok {
			return false, d.appendExecutionFailed(ctx, "", fmt.Sprintf("definition re-awaited received signal %q", decision.SignalName), 0)
		}
		return true, nil

	case ports.DecisionComplete:
		event, err := domain.NewEvent(d.executionID, domain.EventExecutionCompleted, domain.ExecutionCompletedPayload{Result: decision.Result})
		if err != nil {
			return false, err
		}
		return false, d.append(ctx, event)

	case ports.DecisionFail:
		return false, d.appendExecutionFailed(ctx, "", decision.Error, 0)

	default:
		return false, d.appendExecutionFailed(ctx, "", fmt.Sprintf("unknown decision type %q", decision.Type), 0)
	}
}

// startStep appends StepStarted and hands the task to the dispatcher. The
// task and idempotency identifiers are minted here and recorded in the
// event, so replay reuses them instead of generating fresh ones.
func (d *driver) startStep(ctx context.Context, decision ports.Decision) error {
	attempt := d.state.Attempts(decision.StepName) + 1
	taskID := uuid.New().String()
	idempotencyKey := fmt.Sprintf("%s:%s:%d", d.executionID, decision.StepName, attempt)

	event, err := domain.NewEvent(d.executionID, domain.EventStepStarted, domain.StepStartedPayload{
		TaskID:         taskID,
		StepName:       decision.StepName,
		IdempotencyKey: idempotencyKey,
		Attempt:        attempt,
		Input:          decision.StepInput,
	})
	if err != nil {
		return err
	}
	if err := d.append(ctx, event); err != nil {
		return err
	}

	task := &domain.Task{
		ID:             taskID,
		ExecutionID:    d.executionID,
		StepName:       decision.StepName,
		IdempotencyKey: idempotencyKey,
		Payload:        decision.StepInput,
		Status:         domain.TaskStatusQueued,
		Attempt:        attempt,
		EnqueuedAt:     time.Now().UTC(),
	}
	return d.sched.dispatcher.Dispatch(ctx, task, d.fence)
}

func (d *driver) createTimer(ctx context.Context, decision ports.Decision) error {
	timerID := uuid.New().String()
	fireAt := time.Now().UTC().Add(decision.SleepFor)

	event, err := domain.NewEvent(d.executionID, domain.EventTimerCreated, domain.TimerCreatedPayload{
		TimerID: timerID,
		FireAt:  fireAt,
		Name:    decision.SleepName,
	})
	if err != nil {
		return err
	}
	if err := d.append(ctx, event); err != nil {
		return err
	}

	return d.sched.timers.Arm(&domain.Timer{
		ID:          timerID,
		ExecutionID: d.executionID,
		FireAt:      fireAt,
		Status:      domain.TimerStatusPending,
		CreatedSeq:  event.Sequence,
	})
}

func (d *driver) handle(ctx context.Context, msg message) error {
	switch msg.kind {
	case msgReport:
		return d.foldReport(ctx, msg.report)

	case msgTimerFire:
		if _, pending := d.state.PendingTimers[msg.timer.ID]; !pending {
			return nil
		}
		event, err := domain.NewEvent(d.executionID, domain.EventTimerFired, domain.TimerFiredPayload{TimerID: msg.timer.ID})
		if err != nil {
			return err
		}
		return d.append(ctx, event)

	case msgSignal:
		if d.state.Status.IsTerminal() {
			return nil
		}
		event, err := domain.NewEvent(d.executionID, domain.EventSignalReceived, domain.SignalReceivedPayload{
			Name:    msg.signalName,
			Payload: msg.signalPayload,
		})
		if err != nil {
			return err
		}
		return d.append(ctx, event)

	case msgCancel:
		if d.state.Status.IsTerminal() {
			return nil
		}
		event, err := domain.NewEvent(d.executionID, domain.EventExecutionCancelled, domain.ExecutionCancelledPayload{Reason: msg.reason})
		if err != nil {
			return err
		}
		return d.append(ctx, event)
	}
	return nil
}

func (d *driver) foldReport(ctx context.Context, report domain.TaskReport) error {
	if d.state.KeySeen(report.IdempotencyKey) {
		return nil
	}
	task, pending := d.state.PendingTasks[report.TaskID]
	if !pending {
		return nil
	}

	var event *domain.Event
	var err error
	if report.Success {
		event, err = domain.NewEvent(d.executionID, domain.EventStepCompleted, domain.StepCompletedPayload{
			TaskID:         report.TaskID,
			StepName:       report.StepName,
			IdempotencyKey: report.IdempotencyKey,
			Result:         report.Result,
		})
	} else {
		event, err = domain.NewEvent(d.executionID, domain.EventStepFailed, domain.StepFailedPayload{
			TaskID:         report.TaskID,
			StepName:       report.StepName,
			IdempotencyKey: report.IdempotencyKey,
			Attempt:        task.Attempt,
			Error:          report.Error,
			JitterSeed:     time.Now().UTC().UnixNano(),
		})
	}
	if err != nil {
		return err
	}
	return d.append(ctx, event)
}

func (d *driver) appendExecutionFailed(ctx context.Context, stepName, errMsg string, attempts int) error {
	event, err := domain.NewEvent(d.executionID, domain.EventExecutionFailed, domain.ExecutionFailedPayload{
		StepName: stepName,
		Error:    errMsg,
		Attempts: attempts,
	})
	if err != nil {
		return err
	}
	return d.append(ctx, event)
}

// append writes the event after the folded tail and applies it locally. A
// sequence conflict means the log moved underneath us; state is refolded
// and errReloaded returned so the caller re-decides.
func (d *driver) append(ctx context.Context, event *domain.Event) error {
	limit := d.sched.cfg.Engine.AppendRetryLimit
	if limit < 1 {
		limit = 1
	}

	for attempt := 0; attempt < limit; attempt++ {
		seq, err := d.sched.log.Append(ctx, d.executionID, d.state.Sequence, event, d.fence)
		if err == nil {
			event.Sequence = seq
			if err := d.state.Apply(event); err != nil {
				return err
			}
			d.snapshot(ctx)
			return nil
		}
		if domain.IsSequenceConflict(err) {
			if rerr := d.load(ctx); rerr != nil {
				return rerr
			}
			return errReloaded
		}
		var serr *domain.StorageError
		if errors.As(err, &serr) && serr.Type == domain.ErrTransactionConflict {
			continue
		}
		return err
	}
	return &domain.StorageError{
		Type:    domain.ErrTransactionConflict,
		Message: "append retry limit exhausted for execution " + d.executionID,
	}
}

// snapshot refreshes the registry row. Best effort: the log stays
// authoritative and a stale row heals on the next fold.
func (d *driver) snapshot(ctx context.Context) {
	if err := d.sched.log.UpdateRecord(ctx, d.state.ToRecord()); err != nil {
		d.logger.Warn("registry snapshot update failed", "error", err)
	}
}

// drain keeps folding late reports for a cancelled execution so workers get
// their acknowledgements, bounded by one visibility window.
func (d *driver) drain(ctx context.Context, renew *time.Ticker) {
	deadline := time.NewTimer(d.sched.cfg.Queue.VisibilityTimeout)
	defer deadline.Stop()

	for len(d.state.PendingTasks) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-renew.C:
			if err := d.renew(); err != nil {
				return
			}
		case msg := <-d.inbox:
			if msg.kind != msgReport {
				continue
			}
			if err := d.handle(ctx, msg); err != nil && !errors.Is(err, errReloaded) {
				return
			}
		}
	}
}

func (d *driver) finalize(ctx context.Context) {
	d.snapshot(ctx)
	d.logger.Info("execution reached terminal status",
		"status", d.state.Status,
		"sequence", d.state.Sequence,
	)
}
