package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/eleven-am/keel/internal/xjson"
)

// taskRecord is the durable per-task row. Status transitions make completion
// idempotent: the first report wins the CAS, duplicates see a terminal row
// and are acknowledged without effect.
type taskRecord struct {
	Task    domain.Task      `json:"task"`
	ClaimID string           `json:"claim_id,omitempty"`
	Result  xjson.RawMessage `json:"result,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Dispatcher hands step tasks to worker processes through the queue and
// collapses their reports. Every dispatch carries the owner's fence so a
// deposed scheduler cannot keep feeding work.
type Dispatcher struct {
	storage ports.StoragePort
	queue   ports.TaskQueuePort
	cfg     domain.QueueConfig
	logger  *slog.Logger

	mu     sync.Mutex
	sink   ports.ReportSink
	closed bool
}

func NewDispatcher(storage ports.StoragePort, queue ports.TaskQueuePort, cfg domain.QueueConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		storage: storage,
		queue:   queue,
		cfg:     cfg,
		logger:  logger.With("component", "dispatcher"),
	}
}

func (d *Dispatcher) SetSink(sink ports.ReportSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// Dispatch persists the task row and enqueues it. Re-dispatching an existing
// task id is a no-op, so replay after recovery never double-enqueues a step
// the log already knows about.
func (d *Dispatcher) Dispatch(ctx context.Context, task *domain.Task, fence ports.Fence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.verifyFence(task.ExecutionID, fence); err != nil {
		return err
	}

	existing, _, found, err := d.readRecord(task.ID)
	if err != nil {
		return err
	}
	if found {
		if existing.Task.Status == domain.TaskStatusCompleted || existing.Task.Status == domain.TaskStatusFailed {
			return nil
		}
		// Still in flight. Enqueue again; a duplicate delivery collapses at
		// report time through the idempotency key.
		return d.queue.Enqueue(&existing.Task)
	}

	record := taskRecord{Task: *task}
	record.Task.Status = domain.TaskStatusQueued
	data, err := xjson.Marshal(record)
	if err != nil {
		return err
	}
	if err := d.storage.Put(domain.TaskKey(task.ID), data, 1); err != nil {
		if domain.IsVersionMismatch(err) {
			return nil
		}
		return err
	}

	return d.queue.Enqueue(&record.Task)
}

// ClaimTask is the worker-side pull. The claim id is pinned on the task row
// so a later report can acknowledge the right queue claim.
func (d *Dispatcher) ClaimTask(ctx context.Context) (*domain.Task, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	task, claimID, exists, err := d.queue.Claim(d.cfg.VisibilityTimeout)
	if err != nil || !exists {
		return nil, false, err
	}

	record, version, found, err := d.readRecord(task.ID)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// Row was cleaned up under the queue item; drop the claim.
		_ = d.queue.Complete(claimID)
		return nil, false, nil
	}
	if record.Task.Status == domain.TaskStatusCompleted || record.Task.Status == domain.TaskStatusFailed {
		// Already reported through an earlier delivery.
		_ = d.queue.Complete(claimID)
		return nil, false, nil
	}

	record.ClaimID = claimID
	record.Task.Status = domain.TaskStatusDispatched
	if err := d.writeRecord(task.ID, record, version+1); err != nil {
		if domain.IsVersionMismatch(err) {
			_ = d.queue.Complete(claimID)
			return nil, false, nil
		}
		return nil, false, err
	}

	return &record.Task, true, nil
}

func (d *Dispatcher) Complete(ctx context.Context, taskID, idempotencyKey string, result xjson.RawMessage) error {
	return d.report(ctx, taskID, idempotencyKey, true, result, "")
}

func (d *Dispatcher) Fail(ctx context.Context, taskID, idempotencyKey, errMsg string) error {
	return d.report(ctx, taskID, idempotencyKey, false, nil, errMsg)
}

func (d *Dispatcher) report(ctx context.Context, taskID, idempotencyKey string, success bool, result xjson.RawMessage, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	record, version, found, err := d.readRecord(taskID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrTaskNotFound
	}
	if record.Task.IdempotencyKey != idempotencyKey {
		// Report from a stale attempt. Acknowledge and drop.
		d.ackClaim(record)
		return nil
	}
	if record.Task.Status == domain.TaskStatusCompleted || record.Task.Status == domain.TaskStatusFailed {
		d.ackClaim(record)
		return nil
	}

	if success {
		record.Task.Status = domain.TaskStatusCompleted
		record.Result = result
	} else {
		record.Task.Status = domain.TaskStatusFailed
		record.Error = errMsg
	}
	if err := d.writeRecord(taskID, record, version+1); err != nil {
		if domain.IsVersionMismatch(err) {
			// Concurrent duplicate won the transition.
			d.ackClaim(record)
			return nil
		}
		return err
	}

	d.ackClaim(record)

	report := domain.TaskReport{
		TaskID:         taskID,
		ExecutionID:    record.Task.ExecutionID,
		StepName:       record.Task.StepName,
		IdempotencyKey: idempotencyKey,
		Success:        success,
		Result:         result,
		Error:          errMsg,
		ReportedAt:     time.Now().UTC(),
	}

	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink == nil || !sink.OfferReport(report) {
		// No live driver. The terminal task row survives, so the next owner
		// reconciles the outcome during recovery.
		d.logger.Debug("task report had no live driver",
			"task_id", taskID,
			"execution_id", record.Task.ExecutionID,
		)
	}
	return nil
}

// TaskOutcome rebuilds the report for a task whose row already reached a
// terminal status. Recovery uses it to fold outcomes whose in-memory report
// was lost with the previous owner.
func (d *Dispatcher) TaskOutcome(taskID string) (*domain.TaskReport, bool, error) {
	record, _, found, err := d.readRecord(taskID)
	if err != nil || !found {
		return nil, false, err
	}
	if record.Task.Status != domain.TaskStatusCompleted && record.Task.Status != domain.TaskStatusFailed {
		return nil, false, nil
	}
	return &domain.TaskReport{
		TaskID:         record.Task.ID,
		ExecutionID:    record.Task.ExecutionID,
		StepName:       record.Task.StepName,
		IdempotencyKey: record.Task.IdempotencyKey,
		Success:        record.Task.Status == domain.TaskStatusCompleted,
		Result:         record.Result,
		Error:          record.Error,
	}, true, nil
}

func (d *Dispatcher) Reap(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return d.queue.ReapExpired(time.Now().UTC(), d.cfg.MaxDeliveries)
}

func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.queue.Close()
}

func (d *Dispatcher) verifyFence(executionID string, fence ports.Fence) error {
	value, _, exists, err := d.storage.Get(domain.LeaseKey(executionID))
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrLeaseNotFound
	}

	var lease ports.LeaseRecord
	if err := xjson.Unmarshal(value, &lease); err != nil {
		return err
	}
	return lease.VerifyFence(fence.Owner, fence.Token, time.Now().UTC())
}

func (d *Dispatcher) ackClaim(record *taskRecord) {
	if record.ClaimID == "" {
		return
	}
	if err := d.queue.Complete(record.ClaimID); err != nil {
		d.logger.Warn("acknowledging queue claim failed", "claim_id", record.ClaimID, "error", err)
	}
}

func (d *Dispatcher) readRecord(taskID string) (*taskRecord, int64, bool, error) {
	value, version, exists, err := d.storage.Get(domain.TaskKey(taskID))
	if err != nil || !exists {
		return nil, 0, false, err
	}

	var record taskRecord
	if err := xjson.Unmarshal(value, &record); err != nil {
		return nil, 0, false, err
	}
	return &record, version, true, nil
}

func (d *Dispatcher) writeRecord(taskID string, record *taskRecord, version int64) error {
	data, err := xjson.Marshal(record)
	if err != nil {
		return err
	}
	return d.storage.Put(domain.TaskKey(taskID), data, version)
}

var _ ports.DispatcherPort = (*Dispatcher)(nil)
