package perf

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/odyssey-erp/stockcount/internal/jobs"
	"github.com/odyssey-erp/stockcount/internal/stockcount"
	workerjobs "github.com/odyssey-erp/stockcount/jobs"
)

type flakyPublisher struct {
	failEvery int
	calls     int
}

func (p *flakyPublisher) PublishStockCountPosted(ctx context.Context, evt stockcount.PostedEvent) error {
	p.calls++
	if p.failEvery > 0 && p.calls%p.failEvery == 0 {
		return errors.New("broker timeout")
	}
	return nil
}

func (p *flakyPublisher) Topic() string { return "stockcount.posted" }

func TestPostedJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	pub := &flakyPublisher{failEvery: 25}
	job := workerjobs.NewStockCountPostedJob(pub, nil, metrics)

	for i := 0; i < 100; i++ {
		task, err := workerjobs.NewStockCountPostedTask(stockcount.PostedEvent{AdjustmentID: int64(i + 1), Name: "INV-ADJ"})
		if err != nil {
			t.Fatalf("build task: %v", err)
		}
		_ = job.Handle(context.Background(), task)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "stockcount_jobs_total", map[string]string{"job": workerjobs.TaskStockCountPosted, "status": "success"})
	failure := metricValue(t, families, "stockcount_jobs_total", map[string]string{"job": workerjobs.TaskStockCountPosted, "status": "failure"})
	if success+failure != 100 {
		t.Fatalf("expected 100 executions, got %f", success+failure)
	}
	if ratio := success / (success + failure); ratio < 0.95 {
		t.Fatalf("posted job success ratio too low: %f", ratio)
	}
	published := metricValue(t, families, "stockcount_events_published_total", map[string]string{"topic": "stockcount.posted"})
	if published != success {
		t.Fatalf("published %f events for %f successful runs", published, success)
	}

	mean := histogramMean(t, families, "stockcount_job_duration_seconds", map[string]string{"job": workerjobs.TaskStockCountPosted})
	if mean > 0.05 {
		t.Fatalf("posted job duration above budget: %f", mean)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist == nil || hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s missing samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range metric.GetLabel() {
		if val, ok := labels[lp.GetName()]; ok {
			if lp.GetValue() != val {
				return false
			}
			found++
		}
	}
	return found == len(labels)
}
