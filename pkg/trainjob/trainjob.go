// Package trainjob tracks the lifecycle of training jobs: status
// transitions persisted in sqlite, per-epoch metrics, and the bus
// events downstream consumers subscribe to.
package trainjob

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/kiln/pkg/bus"
	"github.com/odvcencio/kiln/pkg/config"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/logging"
	"github.com/odvcencio/kiln/pkg/storage"
	"github.com/odvcencio/kiln/pkg/telemetry"
)

// Job statuses. A job moves Creating -> InProgress -> one of the
// terminal states. Stopping is the brief window between a stop request
// and the Stopped record.
const (
	StatusCreating   = "Creating"
	StatusInProgress = "InProgress"
	StatusStopping   = "Stopping"
	StatusCompleted  = "Completed"
	StatusFailed     = "Failed"
	StatusStopped    = "Stopped"
)

// Secondary statuses refine InProgress.
const (
	SecondaryStarting    = "Starting"
	SecondaryDownloading = "Downloading"
	SecondaryTraining    = "Training"
	SecondaryUploading   = "Uploading"
)

// Bus subjects. Status events go out per status so subscribers can
// match "job.status.completed" or the whole family with "job.status.*".
const (
	SubjectMetric    = "job.metric"
	SubjectStatusAll = "job.status.*"
	SubjectAll       = "job.>"

	subjectStatusPrefix = "job.status."
)

// StatusSubject returns the bus subject for a status transition.
func StatusSubject(status string) string {
	return subjectStatusPrefix + strings.ToLower(status)
}

// IsTerminal reports whether a status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Job is the domain view of a training job, with the JSON columns
// decoded and metrics attached.
type Job struct {
	ID              string              `json:"id"`
	Status          string              `json:"status"`
	SecondaryStatus string              `json:"secondaryStatus,omitempty"`
	Backend         string              `json:"backend"`
	Image           string              `json:"image,omitempty"`
	Hyperparameters map[string]string   `json:"hyperparameters,omitempty"`
	InputURIs       map[string]string   `json:"inputUris,omitempty"`
	OutputURI       string              `json:"outputUri,omitempty"`
	ModelURI        string              `json:"modelUri,omitempty"`
	FailureReason   string              `json:"failureReason,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	StartedAt       *time.Time          `json:"startedAt,omitempty"`
	EndedAt         *time.Time          `json:"endedAt,omitempty"`
	Metrics         []storage.JobMetric `json:"metrics,omitempty"`
}

// Spec describes a job to create. Name is a display prefix; the
// generated job ID is the identifier everywhere else.
type Spec struct {
	Name            string
	Backend         string
	Image           string
	Hyperparameters map[string]string
	InputURIs       map[string]string
	OutputURI       string
	RunID           string
}

// StatusEvent is the payload published on job.status.* subjects.
type StatusEvent struct {
	JobID           string    `json:"jobId"`
	Status          string    `json:"status"`
	SecondaryStatus string    `json:"secondaryStatus,omitempty"`
	FailureReason   string    `json:"failureReason,omitempty"`
	At              time.Time `json:"at"`
}

// MetricEvent is the payload published on the job.metric subject.
type MetricEvent struct {
	JobID      string  `json:"jobId"`
	Epoch      int     `json:"epoch"`
	Loss       float64 `json:"loss"`
	Accuracy   float64 `json:"accuracy"`
	DurationMS int64   `json:"durationMs"`
}

// Runner persists job state and fans transitions out to the bus, the
// event hub, and the metric registry. Backends drive it; the CLI and
// API read through it.
type Runner struct {
	cfg    *config.Config
	store  *storage.Store
	bus    bus.MessageBus
	hub    *telemetry.Hub
	logger *logging.Logger
}

// Options carries the optional collaborators for a Runner.
type Options struct {
	Bus    bus.MessageBus
	Hub    *telemetry.Hub
	Logger *logging.Logger
}

func NewRunner(cfg *config.Config, store *storage.Store, opts Options) *Runner {
	return &Runner{
		cfg:    cfg,
		store:  store,
		bus:    opts.Bus,
		hub:    opts.Hub,
		logger: opts.Logger,
	}
}

// NewJobID builds a job identifier from a sanitized name prefix and a
// ULID, so IDs sort by creation time.
func NewJobID(name string) string {
	prefix := sanitizeName(name)
	if prefix == "" {
		prefix = "train"
	}
	return prefix + "-" + ulid.Make().String()
}

func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ' || r == '.':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}

// Create validates the spec, persists the job in Creating, and
// announces it. The returned job carries the generated ID.
func (r *Runner) Create(ctx context.Context, spec Spec) (*Job, error) {
	backend := strings.ToLower(strings.TrimSpace(spec.Backend))
	if backend == "" {
		backend = r.cfg.Backend()
	}
	if backend != config.BackendBuiltin && backend != config.BackendDocker {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "unknown training backend").
			WithContext("backend", spec.Backend).
			WithRemediation("valid backends are builtin and docker")
	}
	if backend == config.BackendDocker && strings.TrimSpace(spec.Image) == "" {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "docker backend requires an image").
			WithContext("backend", backend)
	}
	if strings.TrimSpace(spec.OutputURI) == "" {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "job needs an output URI")
	}

	hp, err := encodeMap(spec.Hyperparameters)
	if err != nil {
		return nil, err
	}
	inputs, err := encodeMap(spec.InputURIs)
	if err != nil {
		return nil, err
	}

	rec := &storage.TrainingJob{
		ID:              NewJobID(spec.Name),
		RunID:           spec.RunID,
		Status:          StatusCreating,
		Backend:         backend,
		Image:           spec.Image,
		Hyperparameters: hp,
		InputURI:        inputs,
		OutputURI:       spec.OutputURI,
		CreatedAt:       time.Now().UTC(),
	}
	if err := r.store.CreateTrainingJob(rec); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "persisting job").
			WithContext("job_id", rec.ID)
	}

	r.publishStatus(ctx, StatusEvent{
		JobID:  rec.ID,
		Status: StatusCreating,
		At:     rec.CreatedAt,
	})
	r.publishHub(telemetry.Event{
		Type:  telemetry.EventJobCreated,
		JobID: rec.ID,
		Data:  map[string]any{"backend": backend, "output_uri": spec.OutputURI},
	})
	r.logInfo("job.created", "training job created", map[string]any{
		"job_id":  rec.ID,
		"backend": backend,
	})

	return fromRecord(rec, nil)
}

// Transition moves a job to a new status. Transitions out of terminal
// states are rejected so a late backend cannot resurrect a stopped job.
func (r *Runner) Transition(ctx context.Context, jobID, status, secondary, failureReason string) error {
	rec, err := r.store.GetTrainingJob(jobID)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "loading job").
			WithContext("job_id", jobID)
	}
	if rec == nil {
		return jobNotFound(jobID)
	}
	if IsTerminal(rec.Status) {
		return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "job already reached a terminal status").
			WithContext("job_id", jobID).
			WithContext("status", rec.Status)
	}

	if err := r.store.UpdateTrainingJobStatus(jobID, status, secondary, failureReason); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "updating job status").
			WithContext("job_id", jobID)
	}

	now := time.Now().UTC()
	r.publishStatus(ctx, StatusEvent{
		JobID:           jobID,
		Status:          status,
		SecondaryStatus: secondary,
		FailureReason:   failureReason,
		At:              now,
	})
	// Secondary-only refinements keep the hub quiet; subscribers care
	// about primary transitions.
	if rec.Status != status {
		if ev := hubEventForStatus(status); ev != "" {
			r.publishHub(telemetry.Event{
				Type:  ev,
				JobID: jobID,
				Data:  map[string]any{"status": status, "secondary_status": secondary},
			})
		}
	}

	details := map[string]any{
		"job_id":           jobID,
		"status":           status,
		"secondary_status": secondary,
	}
	if status == StatusFailed {
		details["failure_reason"] = failureReason
		r.logError("job.status", "training job failed", details)
	} else {
		r.logInfo("job.status", "training job status changed", details)
	}

	if IsTerminal(status) {
		telemetry.RecordTrainingJob(status)
		started := rec.CreatedAt
		if rec.StartedAt != nil {
			started = *rec.StartedAt
		}
		telemetry.RecordTrainingDuration(rec.Backend, now.Sub(started))
	}
	return nil
}

// RecordMetric persists one epoch's metrics and publishes them.
func (r *Runner) RecordMetric(ctx context.Context, jobID string, epoch int, loss, accuracy float64, duration time.Duration) error {
	m := &storage.JobMetric{
		JobID:      jobID,
		Epoch:      epoch,
		Loss:       loss,
		Accuracy:   accuracy,
		DurationMS: duration.Milliseconds(),
	}
	if err := r.store.RecordJobMetric(m); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "recording metric").
			WithContext("job_id", jobID).
			WithContext("epoch", epoch)
	}

	r.publishMetric(ctx, MetricEvent{
		JobID:      jobID,
		Epoch:      epoch,
		Loss:       loss,
		Accuracy:   accuracy,
		DurationMS: m.DurationMS,
	})
	r.publishHub(telemetry.Event{
		Type:  telemetry.EventJobMetrics,
		JobID: jobID,
		Data: map[string]any{
			"epoch":    epoch,
			"loss":     loss,
			"accuracy": accuracy,
		},
	})
	if r.logger != nil {
		r.logger.Info(logging.CategoryMetric, "job.metric", "epoch metrics", map[string]any{
			"job_id":      jobID,
			"epoch":       epoch,
			"loss":        loss,
			"accuracy":    accuracy,
			"duration_ms": m.DurationMS,
		})
	}
	return nil
}

// SetModel records the packed model artifact URI for a completed run.
func (r *Runner) SetModel(jobID, modelURI string) error {
	if err := r.store.SetTrainingJobModel(jobID, modelURI); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "recording model URI").
			WithContext("job_id", jobID)
	}
	r.logInfo("job.model", "model artifact recorded", map[string]any{
		"job_id":    jobID,
		"model_uri": modelURI,
	})
	return nil
}

// Describe returns the full job record including metric history. It is
// the low-level poll call behind Wait and the jobs describe command.
func (r *Runner) Describe(jobID string) (*Job, error) {
	rec, err := r.store.GetTrainingJob(jobID)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "loading job").
			WithContext("job_id", jobID)
	}
	if rec == nil {
		return nil, jobNotFound(jobID)
	}
	metrics, err := r.store.GetJobMetrics(jobID)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "loading job metrics").
			WithContext("job_id", jobID)
	}
	return fromRecord(rec, metrics)
}

// List returns jobs newest first, without metric history.
func (r *Runner) List(limit int) ([]Job, error) {
	recs, err := r.store.ListTrainingJobs(limit)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "listing jobs")
	}
	jobs := make([]Job, 0, len(recs))
	for i := range recs {
		job, err := fromRecord(&recs[i], nil)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// Summary returns aggregate job counts.
func (r *Runner) Summary() (*storage.JobSummary, error) {
	summary, err := r.store.GetJobSummary()
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "summarizing jobs")
	}
	return summary, nil
}

// Stop marks a running job stopped. In local mode there is no separate
// control plane to wind the worker down, so the record moves through
// Stopping straight to Stopped; an in-process backend observes its own
// context instead.
func (r *Runner) Stop(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = "stopped by user"
	}
	if err := r.Transition(ctx, jobID, StatusStopping, "", ""); err != nil {
		return err
	}
	return r.Transition(ctx, jobID, StatusStopped, "", reason)
}

// Wait polls Describe until the job reaches a terminal status. The
// poll interval starts at the configured value and backs off. Failed
// and stopped jobs return the record alongside the error so callers
// can inspect the failure reason.
func (r *Runner) Wait(ctx context.Context, jobID string) (*Job, error) {
	interval := r.cfg.Training.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Time{}
	if r.cfg.Training.MaxRuntime > 0 {
		deadline = time.Now().Add(r.cfg.Training.MaxRuntime)
	}

	for {
		job, err := r.Describe(jobID)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case StatusCompleted:
			return job, nil
		case StatusFailed:
			return job, kilnerrors.New(kilnerrors.ErrCodeJobFailed, "training job failed").
				WithContext("job_id", jobID).
				WithContext("failure_reason", job.FailureReason).
				WithUserMessage("Training job " + jobID + " failed: " + job.FailureReason)
		case StatusStopped:
			return job, kilnerrors.New(kilnerrors.ErrCodeJobStopped, "training job was stopped").
				WithContext("job_id", jobID)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return job, kilnerrors.New(kilnerrors.ErrCodeJobTimeout, "timed out waiting for job").
				WithContext("job_id", jobID).
				WithContext("max_runtime", r.cfg.Training.MaxRuntime.String()).
				WithRemediation("raise training.max_runtime or stop the job")
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * 1.5)
		if interval > 15*time.Second {
			interval = 15 * time.Second
		}
	}
}

func fromRecord(rec *storage.TrainingJob, metrics []storage.JobMetric) (*Job, error) {
	hp, err := decodeMap(rec.Hyperparameters)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageCorrupt, "decoding hyperparameters").
			WithContext("job_id", rec.ID)
	}
	inputs, err := decodeMap(rec.InputURI)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageCorrupt, "decoding input URIs").
			WithContext("job_id", rec.ID)
	}
	return &Job{
		ID:              rec.ID,
		Status:          rec.Status,
		SecondaryStatus: rec.SecondaryStatus,
		Backend:         rec.Backend,
		Image:           rec.Image,
		Hyperparameters: hp,
		InputURIs:       inputs,
		OutputURI:       rec.OutputURI,
		ModelURI:        rec.ModelURI,
		FailureReason:   rec.FailureReason,
		CreatedAt:       rec.CreatedAt,
		StartedAt:       rec.StartedAt,
		EndedAt:         rec.EndedAt,
		Metrics:         metrics,
	}, nil
}

func encodeMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", kilnerrors.Wrap(err, kilnerrors.ErrCodeInvalidInput, "encoding map")
	}
	return string(data), nil
}

func decodeMap(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func jobNotFound(jobID string) *kilnerrors.Error {
	return kilnerrors.New(kilnerrors.ErrCodeJobNotFound, "no such training job").
		WithContext("job_id", jobID).
		WithRemediation("list jobs with `kiln jobs list`")
}

func hubEventForStatus(status string) telemetry.EventType {
	switch status {
	case StatusInProgress:
		return telemetry.EventJobStarted
	case StatusCompleted:
		return telemetry.EventJobCompleted
	case StatusFailed:
		return telemetry.EventJobFailed
	case StatusStopped:
		return telemetry.EventJobStopped
	}
	return ""
}

func (r *Runner) publishStatus(ctx context.Context, ev StatusEvent) {
	if r.bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, StatusSubject(ev.Status), data); err != nil && r.logger != nil {
		r.logger.Warn(logging.CategoryTraining, "job.publish", "status publish failed", map[string]any{
			"job_id": ev.JobID,
			"error":  err.Error(),
		})
	}
}

func (r *Runner) publishMetric(ctx context.Context, ev MetricEvent) {
	if r.bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, SubjectMetric, data); err != nil && r.logger != nil {
		r.logger.Warn(logging.CategoryTraining, "job.publish", "metric publish failed", map[string]any{
			"job_id": ev.JobID,
			"error":  err.Error(),
		})
	}
}

func (r *Runner) publishHub(ev telemetry.Event) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(ev)
}

func (r *Runner) logInfo(eventType, message string, details map[string]any) {
	if r.logger == nil {
		return
	}
	r.logger.Info(logging.CategoryTraining, eventType, message, details)
}

func (r *Runner) logError(eventType, message string, details map[string]any) {
	if r.logger == nil {
		return
	}
	r.logger.Error(logging.CategoryTraining, eventType, message, details)
}
