package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockcount/internal/jobs"
)

// KeyCleaner removes expired idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob purges scan idempotency keys past retention.
type IdempotencyCleanupJob struct {
	Store     KeyCleaner
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob initialises the handler. A zero retention defaults to 72h.
func NewIdempotencyCleanupJob(store KeyCleaner, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &IdempotencyCleanupJob{Store: store, Retention: retention, Logger: logger, Metrics: metrics}
}

// Handle executes one cleanup pass.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() { err = tracker.End(err) }()

	removed, err := j.Store.Cleanup(ctx, j.Retention)
	if err != nil {
		return err
	}
	j.Metrics.AddPurged(removed)
	if j.Logger != nil {
		j.Logger.Info("idempotency cleanup",
			slog.Int64("removed", removed),
			slog.Duration("retention", j.Retention))
	}
	return nil
}
