package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/stockcount/internal/jobs"
	"github.com/odyssey-erp/stockcount/internal/stockcount"
)

type publisherStub struct {
	events []stockcount.PostedEvent
	err    error
}

func (p *publisherStub) PublishStockCountPosted(ctx context.Context, evt stockcount.PostedEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *publisherStub) Topic() string { return "stockcount.posted" }

type cleanerStub struct {
	retention time.Duration
	removed   int64
	err       error
}

func (c *cleanerStub) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	c.retention = olderThan
	return c.removed, c.err
}

type enqueuerStub struct {
	tasks []*asynq.Task
}

func (e *enqueuerStub) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

func (e *enqueuerStub) Close() error { return nil }

func TestClientNotifyEnqueuesPostedTask(t *testing.T) {
	q := &enqueuerStub{}
	client := &Client{client: q}
	evt := stockcount.PostedEvent{AdjustmentID: 3, Name: "INV-ADJ/00003", LocationID: 10, State: stockcount.StateDone}

	require.NoError(t, client.NotifyStockCountPosted(context.Background(), evt))
	require.Len(t, q.tasks, 1)
	require.Equal(t, TaskStockCountPosted, q.tasks[0].Type())

	var decoded stockcount.PostedEvent
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &decoded))
	require.Equal(t, evt.Name, decoded.Name)
}

func TestStockCountPostedJobPublishes(t *testing.T) {
	pub := &publisherStub{}
	job := NewStockCountPostedJob(pub, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	task, err := NewStockCountPostedTask(stockcount.PostedEvent{AdjustmentID: 9, Name: "INV-ADJ/00009"})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, pub.events, 1)
	require.Equal(t, int64(9), pub.events[0].AdjustmentID)
}

func TestStockCountPostedJobErrors(t *testing.T) {
	pub := &publisherStub{err: errors.New("broker down")}
	job := NewStockCountPostedJob(pub, nil, nil)

	bad := asynq.NewTask(TaskStockCountPosted, []byte("{"))
	require.ErrorIs(t, job.Handle(context.Background(), bad), asynq.SkipRetry)

	task, err := NewStockCountPostedTask(stockcount.PostedEvent{AdjustmentID: 9})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), pub.err)

	var empty *StockCountPostedJob
	require.Error(t, empty.Handle(context.Background(), task))
}

func TestIdempotencyCleanupJob(t *testing.T) {
	store := &cleanerStub{removed: 4}
	job := NewIdempotencyCleanupJob(store, 0, nil, nil)
	task, err := NewIdempotencyCleanupTask(time.Now())
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 72*time.Hour, store.retention)

	store.err = errors.New("db down")
	require.ErrorIs(t, job.Handle(context.Background(), task), store.err)
	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, []byte("nope"))), asynq.SkipRetry)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil).MountRoutes)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, res.Body.String())
}
