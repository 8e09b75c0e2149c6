// Package estimator is the high-level train-and-deploy flow. An
// Estimator binds hyperparameters and a backend to an output location;
// Fit runs one training job to completion and uploads the packed model
// artifact; Deploy serves the result behind a named endpoint.
package estimator

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/odvcencio/kiln/pkg/artifact"
	"github.com/odvcencio/kiln/pkg/bus"
	"github.com/odvcencio/kiln/pkg/config"
	"github.com/odvcencio/kiln/pkg/endpoint"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/learner"
	"github.com/odvcencio/kiln/pkg/logging"
	"github.com/odvcencio/kiln/pkg/objectstore"
	"github.com/odvcencio/kiln/pkg/observability"
	"github.com/odvcencio/kiln/pkg/storage"
	"github.com/odvcencio/kiln/pkg/telemetry"
	"github.com/odvcencio/kiln/pkg/trainjob"
)

// Input channel names. The training channel is required; the test
// channel, when present, drives validation accuracy.
const (
	ChannelTraining = "training"
	ChannelTest     = "test"
)

// Hyperparameter keys estimators understand. Values are strings on the
// wire; parsing failures surface before any job is created.
const (
	HPLearningRate = "learning_rate"
	HPEpochs       = "epochs"
	HPBatchSize    = "batch_size"
	HPHiddenLayers = "hidden_layers"
	HPMomentum     = "momentum"
	HPSeed         = "seed"
)

const deployReadyTimeout = 30 * time.Second

// Spec describes the estimator a caller wants.
type Spec struct {
	Name            string
	Backend         string
	Image           string
	Hyperparameters map[string]string
	OutputURI       string
	RunID           string
}

// Options carries the platform collaborators. Store and Objects are
// required; the rest are optional.
type Options struct {
	Store   *storage.Store
	Objects *objectstore.Client
	Bus     bus.MessageBus
	Hub     *telemetry.Hub
	Logger  *logging.Logger
}

// Estimator runs training jobs and deploys their artifacts.
type Estimator struct {
	cfg      *config.Config
	spec     Spec
	learnCfg learner.Config
	runner   *trainjob.Runner
	store    *storage.Store
	objects  *objectstore.Client
	bus      bus.MessageBus
	hub      *telemetry.Hub
	logger   *logging.Logger

	mu       sync.Mutex
	modelURI string
}

// TrainingResult is what a completed Fit returns. Job carries the full
// metric history.
type TrainingResult struct {
	Job      *trainjob.Job
	ModelURI string
}

// New validates the spec and builds an estimator. Hyperparameters are
// parsed eagerly so typos fail before a job exists.
func New(cfg *config.Config, spec Spec, opts Options) (*Estimator, error) {
	if opts.Store == nil || opts.Objects == nil {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "estimator needs a store and an object client")
	}

	if spec.Backend == "" {
		spec.Backend = cfg.Backend()
	}
	spec.Backend = strings.ToLower(strings.TrimSpace(spec.Backend))
	if spec.Backend == config.BackendDocker && spec.Image == "" {
		spec.Image = cfg.Training.Image
	}

	learnCfg, err := ParseHyperparameters(spec.Hyperparameters)
	if err != nil {
		return nil, err
	}

	if spec.OutputURI == "" {
		bucket := cfg.Storage.Bucket
		if bucket == "" {
			bucket = config.DefaultBucket
		}
		spec.OutputURI = objectstore.URI(bucket, cfg.Training.OutputPrefix)
	}
	if _, _, err := objectstore.ParseURI(spec.OutputURI); err != nil {
		return nil, err
	}

	return &Estimator{
		cfg:      cfg,
		spec:     spec,
		learnCfg: learnCfg,
		runner: trainjob.NewRunner(cfg, opts.Store, trainjob.Options{
			Bus:    opts.Bus,
			Hub:    opts.Hub,
			Logger: opts.Logger,
		}),
		store:   opts.Store,
		objects: opts.Objects,
		bus:     opts.Bus,
		hub:     opts.Hub,
		logger:  opts.Logger,
	}, nil
}

// ParseHyperparameters folds string hyperparameters over the default
// learner configuration. Unknown keys are rejected.
func ParseHyperparameters(hp map[string]string) (learner.Config, error) {
	cfg := learner.DefaultConfig()
	for key, value := range hp {
		var err error
		switch key {
		case HPLearningRate:
			cfg.LearningRate, err = parseFloat(key, value)
		case HPEpochs:
			cfg.Epochs, err = parseInt(key, value)
		case HPBatchSize:
			cfg.BatchSize, err = parseInt(key, value)
		case HPHiddenLayers:
			cfg.HiddenSizes, err = parseHiddenLayers(value)
		case HPMomentum:
			cfg.Momentum, err = parseFloat(key, value)
		case HPSeed:
			cfg.Seed, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				err = badHyperparameter(key, value, "must be an integer")
			}
		default:
			return cfg, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "unknown hyperparameter").
				WithContext("key", key).
				WithRemediation("known keys: learning_rate, epochs, batch_size, hidden_layers, momentum, seed")
		}
		if err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func parseFloat(key, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f <= 0 {
		return 0, badHyperparameter(key, value, "must be a positive number")
	}
	return f, nil
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, badHyperparameter(key, value, "must be a positive integer")
	}
	return n, nil
}

// parseHiddenLayers decodes "128,64" into layer sizes. An empty value
// means no hidden layers.
func parseHiddenLayers(value string) ([]int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	sizes := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			return nil, badHyperparameter(HPHiddenLayers, value, "must be comma-separated positive integers")
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

func badHyperparameter(key, value, why string) *kilnerrors.Error {
	return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "invalid hyperparameter: "+why).
		WithContext("key", key).
		WithContext("value", value)
}

// Config returns the learner configuration the hyperparameters parsed to.
func (e *Estimator) Config() learner.Config {
	return e.learnCfg
}

// ModelURI returns the artifact URI of the last successful Fit, or ""
// before any.
func (e *Estimator) ModelURI() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modelURI
}

// Fit runs a training job to completion: create, stage inputs, run the
// backend, pack and upload the model artifact. It blocks until the job
// reaches a terminal status and streams metric events along the way.
// inputs maps channel names to kiln:// object URIs.
func (e *Estimator) Fit(ctx context.Context, inputs map[string]string) (*TrainingResult, error) {
	job, err := e.runner.Create(ctx, trainjob.Spec{
		Name:            e.spec.Name,
		Backend:         e.spec.Backend,
		Image:           e.spec.Image,
		Hyperparameters: e.spec.Hyperparameters,
		InputURIs:       inputs,
		OutputURI:       e.spec.OutputURI,
		RunID:           e.spec.RunID,
	})
	if err != nil {
		return nil, err
	}

	if maxRuntime := e.cfg.Training.MaxRuntime; maxRuntime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxRuntime)
		defer cancel()
	}

	result, err := e.run(ctx, job, inputs)
	if err != nil {
		return nil, e.concludeFailure(job.ID, err)
	}

	e.mu.Lock()
	e.modelURI = result.ModelURI
	e.mu.Unlock()
	return result, nil
}

// Submit creates the job and runs the rest of Fit in the background,
// returning the created job record immediately. Progress arrives over
// the bus and the job store; API clients poll or stream from there.
func (e *Estimator) Submit(ctx context.Context, inputs map[string]string) (*trainjob.Job, error) {
	job, err := e.runner.Create(ctx, trainjob.Spec{
		Name:            e.spec.Name,
		Backend:         e.spec.Backend,
		Image:           e.spec.Image,
		Hyperparameters: e.spec.Hyperparameters,
		InputURIs:       inputs,
		OutputURI:       e.spec.OutputURI,
		RunID:           e.spec.RunID,
	})
	if err != nil {
		return nil, err
	}

	go func() {
		// Detached from the submitting request's context.
		runCtx := context.Background()
		if maxRuntime := e.cfg.Training.MaxRuntime; maxRuntime > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, maxRuntime)
			defer cancel()
		}

		result, runErr := e.run(runCtx, job, inputs)
		if runErr != nil {
			if concludeErr := e.concludeFailure(job.ID, runErr); concludeErr != nil {
				e.logError("job.submit", "background training failed", map[string]any{
					"job_id": job.ID,
					"error":  concludeErr.Error(),
				})
			}
			return
		}

		e.mu.Lock()
		e.modelURI = result.ModelURI
		e.mu.Unlock()
	}()

	return job, nil
}

func (e *Estimator) run(ctx context.Context, job *trainjob.Job, inputs map[string]string) (*TrainingResult, error) {
	ctx, span := observability.StartSpan(ctx, "estimator.fit")
	defer span.End()
	observability.SetAttributes(ctx,
		observability.AttrJobID.String(job.ID),
		observability.AttrBackend.String(job.Backend),
	)

	result, err := e.runJob(ctx, job, inputs)
	if err != nil {
		observability.RecordError(ctx, err)
	}
	return result, err
}

func (e *Estimator) runJob(ctx context.Context, job *trainjob.Job, inputs map[string]string) (*TrainingResult, error) {
	workDir := filepath.Join(config.ResolveJobsDir(e.cfg), job.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "creating job directory").
			WithContext("job_id", job.ID)
	}

	if err := e.runner.Transition(ctx, job.ID, trainjob.StatusInProgress, trainjob.SecondaryStarting, ""); err != nil {
		return nil, err
	}

	backend, err := e.backendFor(job)
	if err != nil {
		return nil, err
	}

	if err := e.runner.Transition(ctx, job.ID, trainjob.StatusInProgress, trainjob.SecondaryDownloading, ""); err != nil {
		return nil, err
	}
	staged, err := e.stageInputs(ctx, job.ID, workDir, inputs)
	if err != nil {
		return nil, err
	}

	if err := e.runner.Transition(ctx, job.ID, trainjob.StatusInProgress, trainjob.SecondaryTraining, ""); err != nil {
		return nil, err
	}
	modelDir := filepath.Join(workDir, "model")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "creating model directory").
			WithContext("job_id", job.ID)
	}
	if err := backend.Run(ctx, job, workDir, staged, modelDir); err != nil {
		return nil, err
	}

	if err := e.runner.Transition(ctx, job.ID, trainjob.StatusInProgress, trainjob.SecondaryUploading, ""); err != nil {
		return nil, err
	}
	modelURI, err := e.uploadArtifact(job, workDir, modelDir)
	if err != nil {
		return nil, err
	}
	if err := e.runner.SetModel(job.ID, modelURI); err != nil {
		return nil, err
	}

	if err := e.runner.Transition(ctx, job.ID, trainjob.StatusCompleted, "", ""); err != nil {
		return nil, err
	}

	// Scratch is only removed on success; failed jobs keep their
	// directory (container logs, failure file) for inspection.
	if err := os.RemoveAll(workDir); err != nil {
		e.logError("job.cleanup", "removing job scratch failed", map[string]any{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}

	final, err := e.runner.Describe(job.ID)
	if err != nil {
		return nil, err
	}
	return &TrainingResult{Job: final, ModelURI: modelURI}, nil
}

// stageInputs downloads each channel's object next to the job under
// input/data/<channel>/, the same layout the docker backend mounts.
func (e *Estimator) stageInputs(ctx context.Context, jobID, workDir string, inputs map[string]string) (map[string]string, error) {
	if len(inputs) == 0 {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "training needs at least one input channel").
			WithContext("job_id", jobID)
	}

	staged := make(map[string]string, len(inputs))
	for channel, uri := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bucket, key, err := objectstore.ParseURI(uri)
		if err != nil {
			return nil, err
		}
		if key == "" {
			return nil, kilnerrors.New(kilnerrors.ErrCodeObjectURI, "input URI must name an object, not a bucket").
				WithContext("channel", channel).
				WithContext("uri", uri)
		}
		dest := filepath.Join(workDir, "input", "data", channel, path.Base(key))
		if _, err := e.objects.Download(bucket, key, dest); err != nil {
			return nil, err
		}
		staged[channel] = dest
	}
	return staged, nil
}

func (e *Estimator) uploadArtifact(job *trainjob.Job, workDir, modelDir string) (string, error) {
	archive := filepath.Join(workDir, artifact.ArchiveName)
	if err := artifact.Pack(modelDir, archive); err != nil {
		return "", err
	}

	bucket, prefix, err := objectstore.ParseURI(job.OutputURI)
	if err != nil {
		return "", err
	}
	key := path.Join(prefix, job.ID, "output", artifact.ArchiveName)
	obj, err := e.objects.PutFile(bucket, key, archive)
	if err != nil {
		return "", err
	}

	e.publishHub(telemetry.Event{
		Type:  telemetry.EventArtifactPacked,
		JobID: job.ID,
		Data:  map[string]any{"uri": obj.URI(), "size": obj.SizeBytes},
	})
	e.logInfo("artifact.packed", "model artifact uploaded", map[string]any{
		"job_id": job.ID,
		"uri":    obj.URI(),
	})
	return obj.URI(), nil
}

// concludeFailure stamps the job's terminal status for an error and
// returns the error Fit should surface. Context ends become Stopped,
// anything else Failed.
func (e *Estimator) concludeFailure(jobID string, err error) error {
	bg := context.Background()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		_ = e.runner.Transition(bg, jobID, trainjob.StatusStopped, "", "max runtime exceeded")
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeJobTimeout, "training exceeded max runtime").
			WithContext("job_id", jobID).
			WithContext("max_runtime", e.cfg.Training.MaxRuntime.String()).
			WithRemediation("raise training.max_runtime or reduce epochs")
	case errors.Is(err, context.Canceled):
		_ = e.runner.Transition(bg, jobID, trainjob.StatusStopped, "", "canceled")
		return err
	default:
		reason := err.Error()
		var kerr *kilnerrors.Error
		if errors.As(err, &kerr) {
			reason = kerr.Message
		}
		_ = e.runner.Transition(bg, jobID, trainjob.StatusFailed, "", reason)
		return err
	}
}

// Deploy serves the last trained model behind endpointName and blocks
// until the endpoint answers pings. The serving loop keeps running in
// this process until the endpoint is deleted.
func (e *Estimator) Deploy(ctx context.Context, endpointName string) (*endpoint.Predictor, error) {
	modelURI := e.ModelURI()
	if modelURI == "" {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "estimator has no trained model").
			WithRemediation("call Fit first, or deploy an existing artifact with DeployModel")
	}
	return e.DeployModel(ctx, endpointName, modelURI)
}

// DeployModel deploys an arbitrary model artifact URI.
func (e *Estimator) DeployModel(ctx context.Context, endpointName, modelURI string) (*endpoint.Predictor, error) {
	manager := endpoint.NewManager(e.cfg, e.store, e.objects, endpoint.ManagerOptions{
		Bus:    e.bus,
		Hub:    e.hub,
		Logger: e.logger,
	})
	rec, err := manager.Create(ctx, endpointName, modelURI)
	if err != nil {
		return nil, err
	}

	server, err := endpoint.NewServer(manager, endpointName)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := server.Serve(context.Background()); err != nil {
			e.logError("endpoint.serve", "serving loop failed", map[string]any{
				"endpoint": endpointName,
				"error":    err.Error(),
			})
		}
	}()

	predictor := endpoint.NewPredictor(e.cfg, endpointName, rec.Port)
	readyCtx, cancel := context.WithTimeout(ctx, deployReadyTimeout)
	defer cancel()
	if err := predictor.WaitReady(readyCtx); err != nil {
		server.Stop()
		return nil, err
	}
	return predictor, nil
}

func (e *Estimator) backendFor(job *trainjob.Job) (backend, error) {
	switch job.Backend {
	case config.BackendBuiltin:
		return builtinBackend{e}, nil
	case config.BackendDocker:
		return dockerBackend{e}, nil
	default:
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "unknown training backend").
			WithContext("backend", job.Backend)
	}
}

// backend runs the training phase of one job. staged maps channel
// names to local input files; the model file must land in modelDir.
type backend interface {
	Run(ctx context.Context, job *trainjob.Job, workDir string, staged map[string]string, modelDir string) error
}

func (e *Estimator) publishHub(ev telemetry.Event) {
	if e.hub == nil {
		return
	}
	if ev.RunID == "" {
		ev.RunID = e.spec.RunID
	}
	e.hub.Publish(ev)
}

func (e *Estimator) logInfo(eventType, message string, details map[string]any) {
	if e.logger == nil {
		return
	}
	e.logger.Info(logging.CategoryTraining, eventType, message, details)
}

func (e *Estimator) logError(eventType, message string, details map[string]any) {
	if e.logger == nil {
		return
	}
	e.logger.Error(logging.CategoryTraining, eventType, message, details)
}
