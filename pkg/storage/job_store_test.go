package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "kiln.db"))
	if err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTrainingJobLifecycle(t *testing.T) {
	store := newTestStore(t)

	job := &TrainingJob{
		ID:              "kiln-mnist-001",
		RunID:           "run-abc",
		Status:          "Creating",
		Backend:         "builtin",
		Hyperparameters: `{"epochs":"10"}`,
		InputURI:        "kiln://kiln-local/datasets/mnist/train",
		OutputURI:       "kiln://kiln-local/output",
		CreatedAt:       time.Now(),
	}
	if err := store.CreateTrainingJob(job); err != nil {
		t.Fatalf("create training job: %v", err)
	}

	got, err := store.GetTrainingJob(job.ID)
	if err != nil {
		t.Fatalf("get training job: %v", err)
	}
	if got == nil || got.Status != "Creating" {
		t.Fatalf("expected Creating job, got %+v", got)
	}
	if got.StartedAt != nil {
		t.Fatalf("expected nil started_at on fresh job, got %v", got.StartedAt)
	}

	if err := store.UpdateTrainingJobStatus(job.ID, "InProgress", "Training", ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err = store.GetTrainingJob(job.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Status != "InProgress" || got.SecondaryStatus != "Training" {
		t.Fatalf("expected InProgress/Training, got %s/%s", got.Status, got.SecondaryStatus)
	}
	if got.StartedAt == nil {
		t.Fatal("expected started_at to be stamped on InProgress")
	}
	if got.EndedAt != nil {
		t.Fatalf("expected nil ended_at while running, got %v", got.EndedAt)
	}

	if err := store.SetTrainingJobModel(job.ID, "kiln://kiln-local/output/kiln-mnist-001/model.tar.gz"); err != nil {
		t.Fatalf("set model uri: %v", err)
	}

	if err := store.UpdateTrainingJobStatus(job.ID, "Completed", "Completed", ""); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	got, err = store.GetTrainingJob(job.ID)
	if err != nil {
		t.Fatalf("get completed job: %v", err)
	}
	if got.Status != "Completed" {
		t.Fatalf("expected Completed, got %s", got.Status)
	}
	if got.EndedAt == nil {
		t.Fatal("expected ended_at on terminal status")
	}
	if got.ModelURI == "" {
		t.Fatal("expected model_uri to be recorded")
	}
}

func TestGetTrainingJobMissing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetTrainingJob("does-not-exist")
	if err != nil {
		t.Fatalf("get missing job: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing job, got %+v", got)
	}
}

func TestUpdateTrainingJobStatusMissing(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateTrainingJobStatus("does-not-exist", "InProgress", "", "")
	if err == nil {
		t.Fatal("expected error updating missing job")
	}
}

func TestListTrainingJobs(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"job-a", "job-b", "job-c"} {
		job := &TrainingJob{
			ID:              id,
			Status:          "Creating",
			Backend:         "builtin",
			Hyperparameters: "{}",
			CreatedAt:       base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.CreateTrainingJob(job); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	jobs, err := store.ListTrainingJobs(0)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "job-c" {
		t.Fatalf("expected newest first, got %s", jobs[0].ID)
	}

	jobs, err = store.ListTrainingJobs(2)
	if err != nil {
		t.Fatalf("list jobs with limit: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs with limit, got %d", len(jobs))
	}

	if err := store.UpdateTrainingJobStatus("job-b", "Failed", "Failed", "exit status 1"); err != nil {
		t.Fatalf("fail job-b: %v", err)
	}
	failed, err := store.ListTrainingJobsByStatus("Failed")
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "job-b" {
		t.Fatalf("expected job-b failed, got %+v", failed)
	}
	if failed[0].FailureReason != "exit status 1" {
		t.Fatalf("expected failure reason preserved, got %q", failed[0].FailureReason)
	}
}

func TestJobMetrics(t *testing.T) {
	store := newTestStore(t)

	job := &TrainingJob{
		ID:              "metrics-job",
		Status:          "InProgress",
		Backend:         "builtin",
		Hyperparameters: "{}",
		CreatedAt:       time.Now(),
	}
	if err := store.CreateTrainingJob(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	for epoch := 1; epoch <= 3; epoch++ {
		m := &JobMetric{
			JobID:      job.ID,
			Epoch:      epoch,
			Loss:       1.0 / float64(epoch),
			Accuracy:   0.80 + 0.05*float64(epoch),
			DurationMS: 1500,
		}
		if err := store.RecordJobMetric(m); err != nil {
			t.Fatalf("record metric epoch %d: %v", epoch, err)
		}
		if m.ID == 0 {
			t.Fatal("expected metric ID to be assigned")
		}
	}

	metrics, err := store.GetJobMetrics(job.ID)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	if len(metrics) != 3 {
		t.Fatalf("expected 3 metrics, got %d", len(metrics))
	}
	if metrics[0].Epoch != 1 || metrics[2].Epoch != 3 {
		t.Fatalf("expected metrics ordered by epoch, got %+v", metrics)
	}

	latest, err := store.GetLatestJobMetric(job.ID)
	if err != nil {
		t.Fatalf("get latest metric: %v", err)
	}
	if latest == nil || latest.Epoch != 3 {
		t.Fatalf("expected latest epoch 3, got %+v", latest)
	}

	none, err := store.GetLatestJobMetric("no-such-job")
	if err != nil {
		t.Fatalf("get latest for missing job: %v", err)
	}
	if none != nil {
		t.Fatalf("expected nil metric for missing job, got %+v", none)
	}
}

func TestSaveJobMetricsBatch(t *testing.T) {
	store := newTestStore(t)

	job := &TrainingJob{
		ID:              "batch-job",
		Status:          "InProgress",
		Backend:         "builtin",
		Hyperparameters: "{}",
		CreatedAt:       time.Now(),
	}
	if err := store.CreateTrainingJob(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	batch := make([]*JobMetric, 0, 10)
	for epoch := 1; epoch <= 10; epoch++ {
		batch = append(batch, &JobMetric{
			JobID:    job.ID,
			Epoch:    epoch,
			Loss:     0.5,
			Accuracy: 0.9,
		})
	}
	if err := store.SaveJobMetricsBatch(batch); err != nil {
		t.Fatalf("save batch: %v", err)
	}

	metrics, err := store.GetJobMetrics(job.ID)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	if len(metrics) != 10 {
		t.Fatalf("expected 10 metrics, got %d", len(metrics))
	}
}

func TestGetJobSummary(t *testing.T) {
	store := newTestStore(t)

	summary, err := store.GetJobSummary()
	if err != nil {
		t.Fatalf("get empty summary: %v", err)
	}
	if summary.Total != 0 {
		t.Fatalf("expected empty summary, got %+v", summary)
	}

	now := time.Now()
	jobs := []TrainingJob{
		{ID: "j1", Status: "Completed", Backend: "builtin", Hyperparameters: "{}", CreatedAt: now},
		{ID: "j2", Status: "Completed", Backend: "builtin", Hyperparameters: "{}", CreatedAt: now},
		{ID: "j3", Status: "InProgress", Backend: "builtin", Hyperparameters: "{}", CreatedAt: now},
		{ID: "j4", Status: "Failed", Backend: "docker", Hyperparameters: "{}", CreatedAt: now},
		{ID: "j5", Status: "Stopped", Backend: "builtin", Hyperparameters: "{}", CreatedAt: now},
	}
	for i := range jobs {
		if err := store.CreateTrainingJob(&jobs[i]); err != nil {
			t.Fatalf("create job %d: %v", i, err)
		}
	}

	summary, err = store.GetJobSummary()
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if summary.Total != 5 {
		t.Errorf("expected total 5, got %d", summary.Total)
	}
	if summary.Completed != 2 {
		t.Errorf("expected completed 2, got %d", summary.Completed)
	}
	if summary.Running != 1 {
		t.Errorf("expected running 1, got %d", summary.Running)
	}
	if summary.Failed != 1 {
		t.Errorf("expected failed 1, got %d", summary.Failed)
	}
	if summary.Stopped != 1 {
		t.Errorf("expected stopped 1, got %d", summary.Stopped)
	}
}

func TestJobEventsNotifyObservers(t *testing.T) {
	store := newTestStore(t)

	events := make(chan Event, 8)
	store.AddObserver(ObserverFunc(func(e Event) {
		events <- e
	}))

	job := &TrainingJob{
		ID:              "observed-job",
		Status:          "Creating",
		Backend:         "builtin",
		Hyperparameters: "{}",
		CreatedAt:       time.Now(),
	}
	if err := store.CreateTrainingJob(job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != EventJobCreated {
			t.Fatalf("expected job.created event, got %s", e.Type)
		}
		if e.EntityID != job.ID {
			t.Fatalf("expected entity %s, got %s", job.ID, e.EntityID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for job.created event")
	}
}
