package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/kiln/pkg/config"
	"github.com/odvcencio/kiln/pkg/dataset"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/storage"
)

const defaultJobListLimit = 50

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeKilnError maps structured error codes onto HTTP statuses.
func writeKilnError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch kilnerrors.GetCode(err) {
	case kilnerrors.ErrCodeInvalidInput, kilnerrors.ErrCodeObjectURI:
		status = http.StatusBadRequest
	case kilnerrors.ErrCodeJobNotFound, kilnerrors.ErrCodeEndpointNotFound, kilnerrors.ErrCodeObjectNotFound:
		status = http.StatusNotFound
	case kilnerrors.ErrCodeEndpointExists:
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

// Readiness requires the job store to answer a query.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetJobSummary(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type datasetResponse struct {
	Name  string                `json:"name"`
	Files []storage.DatasetFile `json:"files,omitempty"`
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	names := dataset.Names()
	out := make([]datasetResponse, 0, len(names))
	for _, name := range names {
		files, err := s.store.ListDatasetFiles(name)
		if err != nil {
			writeKilnError(w, err)
			return
		}
		out = append(out, datasetResponse{Name: name, Files: files})
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": out})
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	bucket := r.URL.Query().Get("bucket")
	if bucket == "" {
		bucket = s.cfg.Storage.Bucket
	}
	if bucket == "" {
		bucket = config.DefaultBucket
	}

	objects, err := s.objects.List(bucket, r.URL.Query().Get("prefix"))
	if err != nil {
		writeKilnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bucket": bucket, "objects": objects})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	jobs, err := s.runner.List(limit)
	if err != nil {
		writeKilnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type submitJobRequest struct {
	Name            string            `json:"name"`
	Backend         string            `json:"backend,omitempty"`
	Image           string            `json:"image,omitempty"`
	Hyperparameters map[string]string `json:"hyperparameters,omitempty"`
	InputURIs       map[string]string `json:"inputUris"`
	OutputURI       string            `json:"outputUri,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "job name is required")
		return
	}
	if len(req.InputURIs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one input channel is required")
		return
	}

	job, err := s.submitJob(r.Context(), req)
	if err != nil {
		writeKilnError(w, err)
		return
	}
	metricJobsSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleDescribeJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.runner.Describe(chi.URLParam(r, "id"))
	if err != nil {
		writeKilnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := s.runner.Stop(r.Context(), jobID, "stopped via API"); err != nil {
		writeKilnError(w, err)
		return
	}
	job, err := s.runner.Describe(jobID)
	if err != nil {
		writeKilnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobLogs scans the run logs for entries tagged with the job ID
// and returns them as raw JSON events in append order.
func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, err := s.runner.Describe(jobID); err != nil {
		writeKilnError(w, err)
		return
	}

	runsDir := filepath.Join(config.ResolveDataDir(s.cfg), "logs", "runs")
	entries, err := collectJobLogs(runsDir, jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading logs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": jobID, "entries": entries})
}

func collectJobLogs(runsDir, jobID string) ([]json.RawMessage, error) {
	matches, err := filepath.Glob(filepath.Join(runsDir, "*.jsonl"))
	if err != nil {
		return nil, err
	}

	entries := make([]json.RawMessage, 0)
	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			var probe struct {
				JobID string `json:"job_id"`
			}
			if json.Unmarshal(line, &probe) != nil || probe.JobID != jobID {
				continue
			}
			entry := make(json.RawMessage, len(line))
			copy(entry, line)
			entries = append(entries, entry)
		}
		f.Close()
	}
	return entries, nil
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	if s.endpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "endpoint manager not configured")
		return
	}
	records, err := s.endpoints.List()
	if err != nil {
		writeKilnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": records})
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if s.endpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "endpoint manager not configured")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.endpoints.Delete(r.Context(), name); err != nil {
		writeKilnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deleting"})
}
