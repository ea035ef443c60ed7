package domain

import (
	"time"

	"github.com/eleven-am/keel/internal/xjson"
)

type TimerStatus string

const (
	TimerStatusPending   TimerStatus = "pending"
	TimerStatusFired     TimerStatus = "fired"
	TimerStatusCancelled TimerStatus = "cancelled"
)

// Timer is a durable future wake-up. CreatedSeq records the event that armed
// it, so a replaying owner can tell stale rows from live ones.
type Timer struct {
	ID          string      `json:"id"`
	ExecutionID string      `json:"execution_id"`
	FireAt      time.Time   `json:"fire_at"`
	Status      TimerStatus `json:"status"`
	CreatedSeq  int64       `json:"created_seq"`
}

func (t *Timer) ToBytes() ([]byte, error) {
	return xjson.Marshal(t)
}

func TimerFromBytes(data []byte) (*Timer, error) {
	var timer Timer
	if err := xjson.Unmarshal(data, &timer); err != nil {
		return nil, err
	}
	return &timer, nil
}

func (t *Timer) Due(now time.Time) bool {
	return t.Status == TimerStatusPending && !t.FireAt.After(now)
}
