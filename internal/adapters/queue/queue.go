package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/google/uuid"
)

// TaskQueue is the storage-backed work queue between the scheduler and
// worker processes. Pending items live under zero-padded sequence keys so
// claim order equals enqueue order; claimed items are parked under their
// claim id until completed or reaped.
type TaskQueue struct {
	storage ports.StoragePort
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool
}

func NewTaskQueue(storage ports.StoragePort, logger *slog.Logger) *TaskQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskQueue{
		storage: storage,
		logger:  logger.With("component", "task-queue"),
	}
}

func (q *TaskQueue) Enqueue(task *domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	data, err := task.ToBytes()
	if err != nil {
		return err
	}

	sequence, err := q.storage.AtomicIncrement(domain.QueueSeqKey)
	if err != nil {
		return err
	}

	item := domain.NewQueueItem(data, sequence)
	itemBytes, err := item.ToBytes()
	if err != nil {
		return err
	}

	return q.storage.Put(domain.QueuePendingKey(sequence), itemBytes, 0)
}

// Claim leases the oldest pending item for the visibility window. The item
// moves to the claimed section atomically, so two workers cannot both take
// it.
func (q *TaskQueue) Claim(visibility time.Duration) (*domain.Task, string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, "", false, &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	key, value, exists, err := q.storage.GetNext(domain.QueuePrefix)
	if err != nil || !exists {
		return nil, "", false, err
	}

	item, err := domain.QueueItemFromBytes(value)
	if err != nil {
		return nil, "", false, err
	}

	claimID := uuid.New().String()
	claimed := domain.NewClaimedItem(item.Data, claimID, item.Sequence, visibility, item.Delivery+1)
	claimedBytes, err := claimed.ToBytes()
	if err != nil {
		return nil, "", false, err
	}

	ops := []ports.WriteOp{
		{Type: ports.OpDelete, Key: key},
		{Type: ports.OpPut, Key: domain.QueueClaimedKey(claimID), Value: claimedBytes},
	}
	if err := q.storage.BatchWrite(ops); err != nil {
		return nil, "", false, err
	}

	task, err := domain.TaskFromBytes(item.Data)
	if err != nil {
		return nil, "", false, err
	}
	return task, claimID, true, nil
}

func (q *TaskQueue) Complete(claimID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	return q.storage.Delete(domain.QueueClaimedKey(claimID))
}

// Extend pushes a claim's visibility deadline out, for workers that need
// longer than the default window.
func (q *TaskQueue) Extend(claimID string, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := domain.QueueClaimedKey(claimID)
	value, _, exists, err := q.storage.Get(key)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrTaskNotFound
	}

	claimed, err := domain.ClaimedItemFromBytes(value)
	if err != nil {
		return err
	}
	claimed.VisibleAt = time.Now().UTC().Add(visibility)

	claimedBytes, err := claimed.ToBytes()
	if err != nil {
		return err
	}
	return q.storage.Put(key, claimedBytes, 0)
}

// ReapExpired requeues claims whose visibility window passed without a
// report and dead-letters items past the delivery budget. Runs on the
// reaper schedule; safe to run on every instance because requeue and
// delete are batched per claim.
func (q *TaskQueue) ReapExpired(now time.Time, maxDeliveries int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	claims, err := q.storage.ListByPrefix(domain.ClaimPrefix)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, row := range claims {
		claimed, err := domain.ClaimedItemFromBytes(row.Value)
		if err != nil {
			q.logger.Warn("dropping undecodable claim row", "key", row.Key, "error", err)
			_ = q.storage.Delete(row.Key)
			continue
		}
		if !claimed.Expired(now) {
			continue
		}

		if maxDeliveries > 0 && claimed.Delivery >= maxDeliveries {
			if err := q.sendToDeadLetterLocked(claimed.Data, "delivery budget exhausted", claimed.Delivery); err != nil {
				return requeued, err
			}
			if err := q.storage.Delete(row.Key); err != nil {
				return requeued, err
			}
			q.logger.Warn("task dead-lettered after repeated redelivery",
				"claim_id", claimed.ClaimID,
				"deliveries", claimed.Delivery,
			)
			continue
		}

		sequence, err := q.storage.AtomicIncrement(domain.QueueSeqKey)
		if err != nil {
			return requeued, err
		}
		item := &domain.QueueItem{
			Data:     claimed.Data,
			Sequence: sequence,
			Enqueued: now.UTC(),
			Delivery: claimed.Delivery,
		}
		itemBytes, err := item.ToBytes()
		if err != nil {
			return requeued, err
		}

		ops := []ports.WriteOp{
			{Type: ports.OpDelete, Key: row.Key},
			{Type: ports.OpPut, Key: domain.QueuePendingKey(sequence), Value: itemBytes},
		}
		if err := q.storage.BatchWrite(ops); err != nil {
			return requeued, err
		}
		requeued++
	}

	return requeued, nil
}

func (q *TaskQueue) WaitForItem(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)

		events, unsubscribe, err := q.storage.Subscribe(domain.QueuePrefix)
		if err != nil {
			return
		}
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}

func (q *TaskQueue) Size() (int, error) {
	return q.storage.CountPrefix(domain.QueuePrefix)
}

func (q *TaskQueue) SendToDeadLetter(item []byte, reason string, retryCount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}
	return q.sendToDeadLetterLocked(item, reason, retryCount)
}

func (q *TaskQueue) sendToDeadLetterLocked(item []byte, reason string, retryCount int) error {
	dlqItem := &domain.DeadLetterItem{
		ID:         uuid.New().String(),
		Data:       item,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
		RetryCount: retryCount,
	}
	itemBytes, err := dlqItem.ToBytes()
	if err != nil {
		return err
	}
	return q.storage.Put(domain.DeadLetterKey(dlqItem.ID), itemBytes, 0)
}

func (q *TaskQueue) GetDeadLetterItems(limit int) ([]domain.DeadLetterItem, error) {
	rows, err := q.storage.ListByPrefix(domain.DeadLetterPrefix)
	if err != nil {
		return nil, err
	}

	var items []domain.DeadLetterItem
	for i, row := range rows {
		if limit > 0 && i >= limit {
			break
		}
		item, err := domain.DeadLetterItemFromBytes(row.Value)
		if err != nil {
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

func (q *TaskQueue) GetDeadLetterSize() (int, error) {
	return q.storage.CountPrefix(domain.DeadLetterPrefix)
}

func (q *TaskQueue) RetryFromDeadLetter(itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return &domain.StorageError{Type: domain.ErrClosed, Message: "queue is closed"}
	}

	key := domain.DeadLetterKey(itemID)
	value, _, exists, err := q.storage.Get(key)
	if err != nil {
		return err
	}
	if !exists {
		return &domain.StorageError{Type: domain.ErrKeyNotFound, Key: key, Message: "dead letter item not found"}
	}

	dlqItem, err := domain.DeadLetterItemFromBytes(value)
	if err != nil {
		return err
	}

	sequence, err := q.storage.AtomicIncrement(domain.QueueSeqKey)
	if err != nil {
		return err
	}
	item := domain.NewQueueItem(dlqItem.Data, sequence)
	itemBytes, err := item.ToBytes()
	if err != nil {
		return err
	}

	ops := []ports.WriteOp{
		{Type: ports.OpDelete, Key: key},
		{Type: ports.OpPut, Key: domain.QueuePendingKey(sequence), Value: itemBytes},
	}
	return q.storage.BatchWrite(ops)
}

func (q *TaskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	return nil
}

var _ ports.TaskQueuePort = (*TaskQueue)(nil)
