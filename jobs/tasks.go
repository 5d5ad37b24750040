package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockcount/internal/stockcount"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockCountPosted publishes a posted count to downstream consumers.
	TaskStockCountPosted = "stockcount:posted"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// IdempotencyCleanupPayload carries scheduling metadata.
type IdempotencyCleanupPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewStockCountPostedTask constructs the publish task for one posting pass.
func NewStockCountPostedTask(evt stockcount.PostedEvent) (*asynq.Task, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockCountPosted, body, asynq.Queue(QueueDefault), asynq.MaxRetry(10)), nil
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
