package storage

import (
	"database/sql"
	"time"
)

// TrainingJob is the persisted record of a training job.
type TrainingJob struct {
	ID              string     `json:"id"`
	RunID           string     `json:"runId,omitempty"`
	Status          string     `json:"status"`
	SecondaryStatus string     `json:"secondaryStatus,omitempty"`
	Backend         string     `json:"backend"`
	Image           string     `json:"image,omitempty"`
	Hyperparameters string     `json:"hyperparameters"`
	InputURI        string     `json:"inputUri,omitempty"`
	OutputURI       string     `json:"outputUri,omitempty"`
	ModelURI        string     `json:"modelUri,omitempty"`
	FailureReason   string     `json:"failureReason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
}

// JobMetric is one epoch's training metrics.
type JobMetric struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"jobId"`
	Epoch      int       `json:"epoch"`
	Loss       float64   `json:"loss"`
	Accuracy   float64   `json:"accuracy"`
	DurationMS int64     `json:"durationMs"`
	RecordedAt time.Time `json:"recordedAt"`
}

// CreateTrainingJob inserts a new training job record.
func (s *Store) CreateTrainingJob(job *TrainingJob) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	query := `
		INSERT INTO training_jobs (id, run_id, status, secondary_status, backend, image,
		                           hyperparameters, input_uri, output_uri, model_uri,
		                           failure_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		job.ID,
		job.RunID,
		job.Status,
		job.SecondaryStatus,
		job.Backend,
		job.Image,
		job.Hyperparameters,
		job.InputURI,
		job.OutputURI,
		job.ModelURI,
		job.FailureReason,
		job.CreatedAt,
	)
	if err != nil {
		return err
	}

	clone := *job
	s.notify(newEvent(EventJobCreated, job.ID, clone))

	return nil
}

// UpdateTrainingJobStatus transitions a job's status, stamping started_at on
// the first move out of Creating and ended_at on terminal states.
func (s *Store) UpdateTrainingJobStatus(id, status, secondary, failureReason string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	now := time.Now()

	query := `
		UPDATE training_jobs
		SET status = ?,
		    secondary_status = ?,
		    failure_reason = ?,
		    started_at = CASE WHEN started_at IS NULL AND ? != 'Creating' THEN ? ELSE started_at END,
		    ended_at = CASE WHEN ? IN ('Completed', 'Failed', 'Stopped') THEN ? ELSE ended_at END
		WHERE id = ?
	`
	res, err := s.db.Exec(query, status, secondary, failureReason, status, now, status, now, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}

	job, err := s.GetTrainingJob(id)
	if err != nil {
		return err
	}
	if job != nil {
		clone := *job
		s.notify(newEvent(EventJobUpdated, job.ID, clone))
	}

	return nil
}

// SetTrainingJobModel records the output model artifact URI for a job.
func (s *Store) SetTrainingJobModel(id, modelURI string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	_, err := s.db.Exec(`UPDATE training_jobs SET model_uri = ? WHERE id = ?`, modelURI, id)
	return err
}

// GetTrainingJob returns a job by ID, or nil if it does not exist.
func (s *Store) GetTrainingJob(id string) (*TrainingJob, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT id, run_id, status, secondary_status, backend, image, hyperparameters,
		       input_uri, output_uri, model_uri, failure_reason, created_at, started_at, ended_at
		FROM training_jobs
		WHERE id = ?
	`
	var job TrainingJob
	err := s.db.QueryRow(query, id).Scan(
		&job.ID,
		&job.RunID,
		&job.Status,
		&job.SecondaryStatus,
		&job.Backend,
		&job.Image,
		&job.Hyperparameters,
		&job.InputURI,
		&job.OutputURI,
		&job.ModelURI,
		&job.FailureReason,
		&job.CreatedAt,
		&job.StartedAt,
		&job.EndedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListTrainingJobs returns jobs ordered newest first, up to limit (0 = all).
func (s *Store) ListTrainingJobs(limit int) ([]TrainingJob, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT id, run_id, status, secondary_status, backend, image, hyperparameters,
		       input_uri, output_uri, model_uri, failure_reason, created_at, started_at, ended_at
		FROM training_jobs
		ORDER BY created_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]TrainingJob, 0)
	for rows.Next() {
		var job TrainingJob
		if err := rows.Scan(
			&job.ID,
			&job.RunID,
			&job.Status,
			&job.SecondaryStatus,
			&job.Backend,
			&job.Image,
			&job.Hyperparameters,
			&job.InputURI,
			&job.OutputURI,
			&job.ModelURI,
			&job.FailureReason,
			&job.CreatedAt,
			&job.StartedAt,
			&job.EndedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// ListTrainingJobsByStatus returns jobs in the given status, newest first.
func (s *Store) ListTrainingJobsByStatus(status string) ([]TrainingJob, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT id, run_id, status, secondary_status, backend, image, hyperparameters,
		       input_uri, output_uri, model_uri, failure_reason, created_at, started_at, ended_at
		FROM training_jobs
		WHERE status = ?
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]TrainingJob, 0)
	for rows.Next() {
		var job TrainingJob
		if err := rows.Scan(
			&job.ID,
			&job.RunID,
			&job.Status,
			&job.SecondaryStatus,
			&job.Backend,
			&job.Image,
			&job.Hyperparameters,
			&job.InputURI,
			&job.OutputURI,
			&job.ModelURI,
			&job.FailureReason,
			&job.CreatedAt,
			&job.StartedAt,
			&job.EndedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// RecordJobMetric appends one epoch's metrics for a job.
func (s *Store) RecordJobMetric(m *JobMetric) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	query := `
		INSERT INTO job_metrics (job_id, epoch, loss, accuracy, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.Exec(query, m.JobID, m.Epoch, m.Loss, m.Accuracy, m.DurationMS, m.RecordedAt)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id

	clone := *m
	s.notify(newEvent(EventJobMetricAdded, m.JobID, clone))

	return nil
}

// SaveJobMetricsBatch inserts multiple metric rows in one transaction.
func (s *Store) SaveJobMetricsBatch(metrics []*JobMetric) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if len(metrics) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO job_metrics (job_id, epoch, loss, accuracy, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range metrics {
		if m.RecordedAt.IsZero() {
			m.RecordedAt = time.Now()
		}
		result, err := stmt.Exec(m.JobID, m.Epoch, m.Loss, m.Accuracy, m.DurationMS, m.RecordedAt)
		if err != nil {
			return err
		}
		if id, err := result.LastInsertId(); err == nil {
			m.ID = id
		}
	}

	return tx.Commit()
}

// GetJobMetrics returns all metrics for a job ordered by epoch.
func (s *Store) GetJobMetrics(jobID string) ([]JobMetric, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT id, job_id, epoch, loss, accuracy, duration_ms, recorded_at
		FROM job_metrics
		WHERE job_id = ?
		ORDER BY epoch ASC
	`
	rows, err := s.db.Query(query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metrics := make([]JobMetric, 0)
	for rows.Next() {
		var m JobMetric
		if err := rows.Scan(&m.ID, &m.JobID, &m.Epoch, &m.Loss, &m.Accuracy, &m.DurationMS, &m.RecordedAt); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}

	return metrics, rows.Err()
}

// GetLatestJobMetric returns the most recent epoch metric for a job, or nil.
func (s *Store) GetLatestJobMetric(jobID string) (*JobMetric, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT id, job_id, epoch, loss, accuracy, duration_ms, recorded_at
		FROM job_metrics
		WHERE job_id = ?
		ORDER BY epoch DESC
		LIMIT 1
	`
	var m JobMetric
	err := s.db.QueryRow(query, jobID).Scan(&m.ID, &m.JobID, &m.Epoch, &m.Loss, &m.Accuracy, &m.DurationMS, &m.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// JobSummary contains aggregate counts across all training jobs.
type JobSummary struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Stopped   int `json:"stopped"`
}

// GetJobSummary returns aggregate job counts.
func (s *Store) GetJobSummary() (*JobSummary, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	query := `
		SELECT
			COUNT(*) as total,
			COALESCE(SUM(CASE WHEN status IN ('Creating', 'InProgress', 'Stopping') THEN 1 ELSE 0 END), 0) as running,
			COALESCE(SUM(CASE WHEN status = 'Completed' THEN 1 ELSE 0 END), 0) as completed,
			COALESCE(SUM(CASE WHEN status = 'Failed' THEN 1 ELSE 0 END), 0) as failed,
			COALESCE(SUM(CASE WHEN status = 'Stopped' THEN 1 ELSE 0 END), 0) as stopped
		FROM training_jobs
	`
	var summary JobSummary
	err := s.db.QueryRow(query).Scan(
		&summary.Total,
		&summary.Running,
		&summary.Completed,
		&summary.Failed,
		&summary.Stopped,
	)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}
