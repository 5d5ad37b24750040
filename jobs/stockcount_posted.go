package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockcount/internal/jobs"
	"github.com/odyssey-erp/stockcount/internal/stockcount"
)

// PostedPublisher delivers posted counts to a broker.
type PostedPublisher interface {
	PublishStockCountPosted(ctx context.Context, evt stockcount.PostedEvent) error
	Topic() string
}

// StockCountPostedJob forwards posted counts to the integration publisher.
type StockCountPostedJob struct {
	Publisher PostedPublisher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewStockCountPostedJob initialises the handler.
func NewStockCountPostedJob(publisher PostedPublisher, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockCountPostedJob {
	return &StockCountPostedJob{Publisher: publisher, Logger: logger, Metrics: metrics}
}

// Handle publishes the task payload. Malformed payloads are not retried.
func (j *StockCountPostedJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Publisher == nil {
		return errors.New("stockcount posted: handler not configured")
	}
	var evt stockcount.PostedEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskStockCountPosted)
	defer func() { err = tracker.End(err) }()

	if err := j.Publisher.PublishStockCountPosted(ctx, evt); err != nil {
		j.logger().Warn("stockcount posted publish failed",
			slog.Int64("adjustment_id", evt.AdjustmentID),
			slog.Any("error", err))
		return err
	}
	j.Metrics.AddPublished(j.Publisher.Topic(), 1)
	j.logger().Info("stockcount posted published",
		slog.Int64("adjustment_id", evt.AdjustmentID),
		slog.String("name", evt.Name),
		slog.Int("moves", len(evt.Moves)))
	return nil
}

func (j *StockCountPostedJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
