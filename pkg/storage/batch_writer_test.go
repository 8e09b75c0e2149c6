package storage

import (
	"testing"
	"time"
)

func TestMetricWriterFlushOnSize(t *testing.T) {
	store := newTestStore(t)

	job := &TrainingJob{ID: "mw-job", Status: "InProgress", Backend: "builtin", Hyperparameters: "{}", CreatedAt: time.Now()}
	if err := store.CreateTrainingJob(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	writer := store.NewMetricWriter(3, time.Minute)
	defer writer.Close()

	for epoch := 1; epoch <= 3; epoch++ {
		if err := writer.Add(&JobMetric{JobID: job.ID, Epoch: epoch, Loss: 0.1, Accuracy: 0.9}); err != nil {
			t.Fatalf("add metric %d: %v", epoch, err)
		}
	}

	// Batch of 3 flushes synchronously inside Add
	metrics, err := store.GetJobMetrics(job.ID)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	if len(metrics) != 3 {
		t.Fatalf("expected 3 flushed metrics, got %d", len(metrics))
	}
	if writer.BatchSize() != 0 {
		t.Fatalf("expected empty batch after flush, got %d", writer.BatchSize())
	}
}

func TestMetricWriterFlushOnTimeout(t *testing.T) {
	store := newTestStore(t)

	job := &TrainingJob{ID: "mw-timeout", Status: "InProgress", Backend: "builtin", Hyperparameters: "{}", CreatedAt: time.Now()}
	if err := store.CreateTrainingJob(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	writer := store.NewMetricWriter(100, 50*time.Millisecond)
	defer writer.Close()

	if err := writer.Add(&JobMetric{JobID: job.ID, Epoch: 1, Loss: 0.5, Accuracy: 0.8}); err != nil {
		t.Fatalf("add metric: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		metrics, err := store.GetJobMetrics(job.ID)
		if err != nil {
			t.Fatalf("get metrics: %v", err)
		}
		if len(metrics) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timer flush never happened")
}

func TestMetricWriterCloseFlushesRemaining(t *testing.T) {
	store := newTestStore(t)

	job := &TrainingJob{ID: "mw-close", Status: "InProgress", Backend: "builtin", Hyperparameters: "{}", CreatedAt: time.Now()}
	if err := store.CreateTrainingJob(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	writer := store.NewMetricWriter(100, time.Minute)
	for epoch := 1; epoch <= 5; epoch++ {
		if err := writer.Add(&JobMetric{JobID: job.ID, Epoch: epoch, Loss: 0.2, Accuracy: 0.85}); err != nil {
			t.Fatalf("add metric %d: %v", epoch, err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	metrics, err := store.GetJobMetrics(job.ID)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	if len(metrics) != 5 {
		t.Fatalf("expected 5 metrics after close, got %d", len(metrics))
	}

	if err := writer.Add(&JobMetric{JobID: job.ID, Epoch: 6}); err != ErrStoreClosed {
		t.Fatalf("expected ErrStoreClosed after close, got %v", err)
	}
}
