package eventlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/keel/internal/domain"
	"github.com/eleven-am/keel/internal/ports"
	"github.com/eleven-am/keel/internal/xjson"
)

// Log is the append-only event store. One storage transaction carries the
// fence check, the tail comparison and the row write, so an append by a
// deposed or raced scheduler cannot land.
type Log struct {
	storage ports.StoragePort
	logger  *slog.Logger
}

func NewLog(storage ports.StoragePort, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		storage: storage,
		logger:  logger.With("component", "event-log"),
	}
}

func (l *Log) Append(ctx context.Context, executionID string, expectedSeq int64, event *domain.Event, fence ports.Fence) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	seq := expectedSeq + 1
	now := time.Now().UTC()

	err := l.storage.RunInTransaction(func(tx ports.Transaction) error {
		leaseRaw, _, exists, err := tx.Get(domain.LeaseKey(executionID))
		if err != nil {
			return err
		}
		var lease *ports.LeaseRecord
		if exists {
			lease = &ports.LeaseRecord{}
			if err := xjson.Unmarshal(leaseRaw, lease); err != nil {
				return err
			}
		}
		if err := lease.VerifyFence(fence.Owner, fence.Token, now); err != nil {
			return err
		}

		tail, tailVersion, err := readTail(tx, executionID)
		if err != nil {
			return err
		}
		if tail != expectedSeq {
			return domain.NewSequenceConflictError(executionID, expectedSeq, tail)
		}

		event.ExecutionID = executionID
		event.Sequence = seq
		raw, err := event.ToBytes()
		if err != nil {
			return err
		}

		if err := tx.Put(domain.EventKey(executionID, seq), raw, 1); err != nil {
			return err
		}
		return writeTail(tx, executionID, seq, tailVersion+1)
	})
	if err != nil {
		if domain.IsVersionMismatch(err) {
			tail, tailErr := l.Tail(ctx, executionID)
			if tailErr != nil {
				tail = -1
			}
			return 0, domain.NewSequenceConflictError(executionID, expectedSeq, tail)
		}
		return 0, err
	}

	return seq, nil
}

func (l *Log) ReadFrom(ctx context.Context, executionID string, fromSeq int64) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fromSeq < 1 {
		fromSeq = 1
	}

	prefix := domain.EventScanPrefix(executionID)
	afterKey := domain.EventKey(executionID, fromSeq-1)
	var events []domain.Event

	for {
		key, value, exists, err := l.storage.GetNextAfter(prefix, afterKey)
		if err != nil {
			return nil, err
		}
		if !exists {
			break
		}
		event, err := domain.EventFromBytes(value)
		if err != nil {
			return nil, &domain.StorageError{Type: domain.ErrCorrupted, Key: key, Message: "undecodable event row: " + err.Error()}
		}
		events = append(events, *event)
		afterKey = key
	}
	return events, nil
}

func (l *Log) Tail(ctx context.Context, executionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	raw, _, exists, err := l.storage.Get(domain.EventTailKey(executionID))
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	var tail int64
	if err := xjson.Unmarshal(raw, &tail); err != nil {
		return 0, err
	}
	return tail, nil
}

// CreateExecution registers the execution and appends its first event in
// one transaction. No fence applies: ownership starts only after a
// scheduler acquires the lease.
func (l *Log) CreateExecution(ctx context.Context, record *domain.ExecutionRecord, first *domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	first.ExecutionID = record.ID
	first.Sequence = 1
	eventRaw, err := first.ToBytes()
	if err != nil {
		return err
	}
	record.Sequence = 1
	recordRaw, err := xjson.Marshal(record)
	if err != nil {
		return err
	}

	err = l.storage.RunInTransaction(func(tx ports.Transaction) error {
		exists, err := tx.Exists(domain.ExecutionKey(record.ID))
		if err != nil {
			return err
		}
		if exists {
			return domain.ErrExecutionExists
		}
		if err := tx.Put(domain.ExecutionKey(record.ID), recordRaw, 1); err != nil {
			return err
		}
		if err := tx.Put(domain.EventKey(record.ID, 1), eventRaw, 1); err != nil {
			return err
		}
		return writeTail(tx, record.ID, 1, 1)
	})
	if domain.IsVersionMismatch(err) {
		return domain.ErrExecutionExists
	}
	return err
}

// UpdateRecord rewrites the registry snapshot. Blind write: the snapshot is
// derived and the log stays authoritative.
func (l *Log) UpdateRecord(ctx context.Context, record *domain.ExecutionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := xjson.Marshal(record)
	if err != nil {
		return err
	}
	return l.storage.Put(domain.ExecutionKey(record.ID), raw, 0)
}

func (l *Log) GetRecord(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, _, exists, err := l.storage.Get(domain.ExecutionKey(executionID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrExecutionNotFound
	}
	var record domain.ExecutionRecord
	if err := xjson.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (l *Log) ListRecords(ctx context.Context, filter domain.ExecutionFilter) ([]domain.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := l.storage.ListByPrefix(domain.ExecutionPrefix)
	if err != nil {
		return nil, err
	}

	var records []domain.ExecutionRecord
	for _, row := range rows {
		var record domain.ExecutionRecord
		if err := xjson.Unmarshal(row.Value, &record); err != nil {
			l.logger.Warn("skipping undecodable execution record", "key", row.Key, "error", err)
			continue
		}
		if !filter.Matches(&record) {
			continue
		}
		records = append(records, record)
		if filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}
	}
	return records, nil
}

func readTail(tx ports.Transaction, executionID string) (tail int64, version int64, err error) {
	raw, version, exists, err := tx.Get(domain.EventTailKey(executionID))
	if err != nil {
		return 0, 0, err
	}
	if !exists {
		return 0, 0, nil
	}
	if err := xjson.Unmarshal(raw, &tail); err != nil {
		return 0, 0, err
	}
	return tail, version, nil
}

func writeTail(tx ports.Transaction, executionID string, tail int64, version int64) error {
	raw, err := xjson.Marshal(tail)
	if err != nil {
		return err
	}
	return tx.Put(domain.EventTailKey(executionID), raw, version)
}

var _ ports.EventLogPort = (*Log)(nil)
