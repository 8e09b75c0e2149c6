package trainjob

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/kiln/pkg/bus"
	"github.com/odvcencio/kiln/pkg/config"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/storage"
)

func testRunner(t *testing.T) (*Runner, *bus.MemoryBus) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "kiln.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	mb := bus.NewMemoryBus()
	t.Cleanup(func() {
		mb.Close()
		store.Close()
	})

	cfg := config.DefaultConfig()
	cfg.Training.PollInterval = 5 * time.Millisecond
	cfg.Training.MaxRuntime = 2 * time.Second
	return NewRunner(cfg, store, Options{Bus: mb}), mb
}

func testSpec() Spec {
	return Spec{
		Name:            "mnist-mlp",
		Backend:         config.BackendBuiltin,
		Hyperparameters: map[string]string{"epochs": "10", "learning_rate": "0.1"},
		InputURIs:       map[string]string{"training": "kiln://kiln-local/data/train.ndjson"},
		OutputURI:       "kiln://kiln-local/jobs",
	}
}

func TestCreatePersistsJob(t *testing.T) {
	r, _ := testRunner(t)

	job, err := r.Create(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(job.ID, "mnist-mlp-") {
		t.Fatalf("job ID %q should carry the name prefix", job.ID)
	}
	if job.Status != StatusCreating {
		t.Fatalf("new job status = %q, want Creating", job.Status)
	}

	got, err := r.Describe(job.ID)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if got.Hyperparameters["learning_rate"] != "0.1" {
		t.Fatalf("hyperparameters did not round-trip: %v", got.Hyperparameters)
	}
	if got.InputURIs["training"] != "kiln://kiln-local/data/train.ndjson" {
		t.Fatalf("input URIs did not round-trip: %v", got.InputURIs)
	}
}

func TestCreateValidation(t *testing.T) {
	r, _ := testRunner(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"unknown backend", func(s *Spec) { s.Backend = "spark" }},
		{"docker without image", func(s *Spec) { s.Backend = config.BackendDocker; s.Image = "" }},
		{"missing output URI", func(s *Spec) { s.OutputURI = "  " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := testSpec()
			tc.mutate(&spec)
			_, err := r.Create(ctx, spec)
			if !kilnerrors.IsCode(err, kilnerrors.ErrCodeInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestTransitionLifecycle(t *testing.T) {
	r, _ := testRunner(t)
	ctx := context.Background()

	job, err := r.Create(ctx, testSpec())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	steps := []struct{ status, secondary string }{
		{StatusInProgress, SecondaryStarting},
		{StatusInProgress, SecondaryTraining},
		{StatusCompleted, ""},
	}
	for _, s := range steps {
		if err := r.Transition(ctx, job.ID, s.status, s.secondary, ""); err != nil {
			t.Fatalf("Transition to %s/%s failed: %v", s.status, s.secondary, err)
		}
	}

	got, err := r.Describe(job.ID)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %q, want Completed", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatal("started_at should be stamped on the first InProgress transition")
	}
	if got.EndedAt == nil {
		t.Fatal("ended_at should be stamped on the terminal transition")
	}
}

func TestTransitionRejectsTerminalJobs(t *testing.T) {
	r, _ := testRunner(t)
	ctx := context.Background()

	job, err := r.Create(ctx, testSpec())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.Transition(ctx, job.ID, StatusCompleted, "", ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	err = r.Transition(ctx, job.ID, StatusInProgress, "", "")
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeInvalidInput) {
		t.Fatalf("expected terminal jobs to reject transitions, got %v", err)
	}
}

func TestTransitionUnknownJob(t *testing.T) {
	r, _ := testRunner(t)

	err := r.Transition(context.Background(), "train-missing", StatusInProgress, "", "")
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeJobNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}
}

func TestStatusEventsOnBus(t *testing.T) {
	r, mb := testRunner(t)
	ctx := context.Background()

	events := make(chan StatusEvent, 8)
	_, err := mb.Subscribe(ctx, SubjectStatusAll, func(msg *bus.Message) {
		var ev StatusEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			events <- ev
		}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	job, err := r.Create(ctx, testSpec())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.Transition(ctx, job.ID, StatusInProgress, SecondaryTraining, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := r.Transition(ctx, job.ID, StatusCompleted, "", ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	want := []string{StatusCreating, StatusInProgress, StatusCompleted}
	for _, status := range want {
		select {
		case ev := <-events:
			if ev.JobID != job.ID {
				t.Fatalf("event for job %q, want %q", ev.JobID, job.ID)
			}
			if ev.Status != status {
				t.Fatalf("event status = %q, want %q", ev.Status, status)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", status)
		}
	}
}

func TestRecordMetric(t *testing.T) {
	r, mb := testRunner(t)
	ctx := context.Background()

	metrics := make(chan MetricEvent, 4)
	_, err := mb.Subscribe(ctx, SubjectMetric, func(msg *bus.Message) {
		var ev MetricEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			metrics <- ev
		}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	job, err := r.Create(ctx, testSpec())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.RecordMetric(ctx, job.ID, 1, 0.42, 0.88, 150*time.Millisecond); err != nil {
		t.Fatalf("RecordMetric failed: %v", err)
	}

	got, err := r.Describe(job.ID)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if len(got.Metrics) != 1 {
		t.Fatalf("expected 1 metric row, got %d", len(got.Metrics))
	}
	if got.Metrics[0].Epoch != 1 || got.Metrics[0].Loss != 0.42 {
		t.Fatalf("metric row mismatch: %+v", got.Metrics[0])
	}

	select {
	case ev := <-metrics:
		if ev.JobID != job.ID || ev.Epoch != 1 || ev.Accuracy != 0.88 {
			t.Fatalf("metric event mismatch: %+v", ev)
		}
		if ev.DurationMS != 150 {
			t.Fatalf("duration = %dms, want 150ms", ev.DurationMS)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for metric event")
	}
}

func TestSetModel(t *testing.T) {
	r, _ := testRunner(t)
	ctx := context.Background()

	job, err := r.Create(ctx, testSpec())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	uri := "kiln://kiln-local/jobs/" + job.ID + "/output/model.tar.gz"
	if err := r.SetModel(job.ID, uri); err != nil {
		t.Fatalf("SetModel failed: %v", err)
	}

	got, err := r.Describe(job.ID)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if got.ModelURI != uri {
		t.Fatalf("model URI = %q, want %q", got.ModelURI, uri)
	}
}

func TestStop(t *testing.T) {
	r, _ := testRunner(t)
	ctx := context.Background()

	job, err := r.Create(ctx, testSpec())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.Transition(ctx, job.ID, StatusInProgress, SecondaryTraining, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := r.Stop(ctx, job.ID, ""); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	got, err := r.Describe(job.ID)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if got.Status != StatusStopped {
		t.Fatalf("status = %q, want Stopped", got.Status)
	}
}

func TestList(t *testing.T) {
	r, _ := testRunner(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Create(ctx, testSpec()); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	jobs, err := r.List(0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}

	jobs, err = r.List(2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected limit to cap at 2 jobs, got %d", len(jobs))
	}
}

func TestWaitCompleted(t *testing.T) {
	r, _ := testRunner(t)
	ctx := context.Background()

	job, err := r.Create(ctx, testSpec())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	go func() {
		time.Sleep(15 * time.Millisecond)
		_ = r.Transition(ctx, job.ID, StatusInProgress, SecondaryTraining, "")
		time.Sleep(15 * time.Millisecond)
		_ = r.Transition(ctx, job.ID, StatusCompleted, "", "")
	}()

	got, err := r.Wait(ctx, job.ID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %q, want Completed", got.Status)
	}
}

func TestWaitFailedJob(t *testing.T) {
	r, _ := testRunner(t)
	ctx := context.Background()

	job, err := r.Create(ctx, testSpec())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := r.Transition(ctx, job.ID, StatusFailed, "", "loss diverged"); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	got, err := r.Wait(ctx, job.ID)
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeJobFailed) {
		t.Fatalf("expected job failed error, got %v", err)
	}
	if got == nil || got.FailureReason != "loss diverged" {
		t.Fatalf("expected failed job record alongside the error, got %+v", got)
	}
}

func TestWaitTimeout(t *testing.T) {
	r, _ := testRunner(t)
	r.cfg.Training.MaxRuntime = 30 * time.Millisecond
	ctx := context.Background()

	job, err := r.Create(ctx, testSpec())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = r.Wait(ctx, job.ID)
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeJobTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestWaitContextCanceled(t *testing.T) {
	r, _ := testRunner(t)

	job, err := r.Create(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = r.Wait(ctx, job.ID)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewJobID(t *testing.T) {
	id := NewJobID("MNIST mlp!")
	if !strings.HasPrefix(id, "mnist-mlp-") {
		t.Fatalf("id %q should start with sanitized prefix", id)
	}
	if id := NewJobID(""); !strings.HasPrefix(id, "train-") {
		t.Fatalf("id %q should fall back to the train prefix", id)
	}
	if a, b := NewJobID("x"), NewJobID("x"); a == b {
		t.Fatal("ids should be unique")
	}
}

func TestStatusSubject(t *testing.T) {
	if got := StatusSubject(StatusInProgress); got != "job.status.inprogress" {
		t.Fatalf("subject = %q", got)
	}
	if !IsTerminal(StatusFailed) || IsTerminal(StatusInProgress) {
		t.Fatal("terminal classification wrong")
	}
}
