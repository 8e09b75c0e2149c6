package estimator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/filewatch"
	"github.com/odvcencio/kiln/pkg/learner"
	"github.com/odvcencio/kiln/pkg/storage"
	"github.com/odvcencio/kiln/pkg/telemetry"
	"github.com/odvcencio/kiln/pkg/trainjob"
)

// The container-side contract: the job directory mounts at /opt/ml,
// inputs appear under input/data/<channel>, hyperparameters under
// input/config, and the image writes its model to model/ and optional
// metrics.jsonl and failure files to output/.
const (
	mlRoot = "/opt/ml"

	hyperparamsFileName = "hyperparameters.json"
	metricsFileName     = "metrics.jsonl"
	failureFileName     = "failure"
	containerLogName    = "container.log"
)

const maxFailureDetail = 512

// dockerBackend runs the training image via the docker CLI with the
// job directory bind-mounted at /opt/ml.
type dockerBackend struct {
	e *Estimator
}

func (d dockerBackend) Run(ctx context.Context, job *trainjob.Job, workDir string, staged map[string]string, modelDir string) error {
	if err := dockerAvailable(ctx); err != nil {
		return err
	}
	if err := writeHyperparameters(workDir, job.Hyperparameters); err != nil {
		return err
	}

	outputDir := filepath.Join(workDir, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "creating output directory").
			WithContext("job_id", job.ID)
	}

	tailer, err := d.e.newMetricTailer(job.ID, outputDir)
	if err != nil {
		return err
	}
	defer tailer.Close()

	logPath := filepath.Join(outputDir, containerLogName)
	logFile, err := os.Create(logPath)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "creating container log").
			WithContext("job_id", job.ID)
	}
	defer logFile.Close()

	name := "kiln-train-" + job.ID
	cmd := exec.CommandContext(ctx, "docker", "run", "--rm",
		"--name", name,
		"-v", workDir+":"+mlRoot,
		job.Image)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	d.e.logInfo("job.container", "starting training container", map[string]any{
		"job_id":    job.ID,
		"image":     job.Image,
		"container": name,
	})
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			// The CLI died with the context; the container must follow.
			_ = exec.Command("docker", "rm", "-f", name).Run()
			return ctx.Err()
		}
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeBackendDocker, containerFailure(outputDir)).
			WithContext("job_id", job.ID).
			WithContext("image", job.Image).
			WithContext("log", logPath).
			WithRemediation("inspect the container log under the job directory")
	}

	if err := tailer.Close(); err != nil {
		d.e.logError("job.metric", "flushing tailed metrics failed", map[string]any{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}

	if _, err := os.Stat(filepath.Join(modelDir, learner.ModelFileName)); err != nil {
		return kilnerrors.New(kilnerrors.ErrCodeBackendDocker, "training container wrote no model file").
			WithContext("job_id", job.ID).
			WithContext("expected", mlRoot+"/model/"+learner.ModelFileName).
			WithRemediation("the image must save its model under " + mlRoot + "/model")
	}
	return nil
}

// dockerAvailable probes the docker CLI and daemon.
func dockerAvailable(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil || strings.TrimSpace(out.String()) == "" {
		return kilnerrors.New(kilnerrors.ErrCodeBackendDocker, "docker is not available").
			WithRemediation("start the docker daemon or set training.backend to builtin")
	}
	return nil
}

// writeHyperparameters stages input/config/hyperparameters.json, the
// file training images read their settings from.
func writeHyperparameters(workDir string, hp map[string]string) error {
	dir := filepath.Join(workDir, "input", "config")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "creating config directory")
	}
	if hp == nil {
		hp = map[string]string{}
	}
	data, err := json.MarshalIndent(hp, "", "  ")
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "encoding hyperparameters")
	}
	if err := os.WriteFile(filepath.Join(dir, hyperparamsFileName), data, 0o644); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "writing hyperparameters file")
	}
	return nil
}

// containerFailure reads the reason a container reported, preferring
// the failure file over a generic message.
func containerFailure(outputDir string) string {
	data, err := os.ReadFile(filepath.Join(outputDir, failureFileName))
	if err != nil {
		return "training container exited with an error"
	}
	detail := bytes.TrimSpace(data)
	if len(detail) == 0 {
		return "training container exited with an error"
	}
	if len(detail) > maxFailureDetail {
		detail = detail[:maxFailureDetail]
	}
	return "training container failed: " + string(detail)
}

// metricTailer follows the container's metrics.jsonl, batching rows
// into the store and fanning events out while training runs.
type metricTailer struct {
	e       *Estimator
	jobID   string
	path    string
	watcher *filewatch.FileWatcher
	writer  *storage.MetricWriter

	mu     sync.Mutex
	offset int64

	closeOnce sync.Once
	closeErr  error
}

func (e *Estimator) newMetricTailer(jobID, outputDir string) (*metricTailer, error) {
	watcher, err := filewatch.NewFileWatcher(32)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "creating metrics watcher").
			WithContext("job_id", jobID)
	}
	if err := watcher.Watch(outputDir); err != nil {
		watcher.Close()
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "watching output directory").
			WithContext("dir", outputDir)
	}

	t := &metricTailer{
		e:       e,
		jobID:   jobID,
		path:    filepath.Join(outputDir, metricsFileName),
		watcher: watcher,
		writer:  e.store.NewMetricWriter(16, 250*time.Millisecond),
	}
	watcher.Subscribe(metricsFileName, func(change filewatch.FileChange) {
		if change.Type == filewatch.ChangeCreated || change.Type == filewatch.ChangeModified {
			t.drain()
		}
	})
	return t, nil
}

func (t *metricTailer) drain() {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// A partial tail line stays unconsumed until its newline arrives.
			return
		}
		t.offset += int64(len(line))
		t.ingest(bytes.TrimSpace(line))
	}
}

func (t *metricTailer) ingest(line []byte) {
	if len(line) == 0 {
		return
	}
	var ev trainjob.MetricEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		// Containers may interleave non-metric output; skip those lines.
		return
	}
	ev.JobID = t.jobID

	if err := t.writer.Add(&storage.JobMetric{
		JobID:      t.jobID,
		Epoch:      ev.Epoch,
		Loss:       ev.Loss,
		Accuracy:   ev.Accuracy,
		DurationMS: ev.DurationMS,
		RecordedAt: time.Now().UTC(),
	}); err != nil {
		t.e.logError("job.metric", "buffering tailed metric failed", map[string]any{
			"job_id": t.jobID,
			"error":  err.Error(),
		})
	}

	if t.e.bus != nil {
		if data, err := json.Marshal(ev); err == nil {
			_ = t.e.bus.Publish(context.Background(), trainjob.SubjectMetric, data)
		}
	}
	t.e.publishHub(telemetry.Event{
		Type:  telemetry.EventJobEpochCompleted,
		JobID: t.jobID,
		Data: map[string]any{
			"epoch":    ev.Epoch,
			"loss":     ev.Loss,
			"accuracy": ev.Accuracy,
		},
	})
}

// Close drains anything the watcher has not delivered yet and flushes
// buffered rows. Safe to call more than once.
func (t *metricTailer) Close() error {
	t.closeOnce.Do(func() {
		t.drain()
		t.watcher.Close()
		t.closeErr = t.writer.Close()
	})
	return t.closeErr
}
