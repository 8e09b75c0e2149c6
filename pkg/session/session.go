// Package session wires the kiln platform together: configuration,
// metadata store, object store, event bus, telemetry hub, and the
// token manager for the control-plane API. A Session is the entry
// point SDK callers and the CLI share.
package session

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/kiln/pkg/bus"
	"github.com/odvcencio/kiln/pkg/config"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/logging"
	"github.com/odvcencio/kiln/pkg/objectstore"
	"github.com/odvcencio/kiln/pkg/observability"
	"github.com/odvcencio/kiln/pkg/storage"
	"github.com/odvcencio/kiln/pkg/telemetry"
)

// Session owns the platform collaborators for one process. Close
// releases them in reverse order of construction.
type Session struct {
	Config  *config.Config
	RunID   string
	Store   *storage.Store
	Objects *objectstore.Client
	Bus     bus.MessageBus
	Hub     *telemetry.Hub
	Logger  *logging.Logger
	Tokens  *TokenManager
	Tracer  *observability.TracerProvider
}

// Options overrides pieces of session construction. Zero value works.
type Options struct {
	// Config skips config.Load when set.
	Config *config.Config

	// ConfigPath loads configuration from an explicit file.
	ConfigPath string

	// RunID labels this session's log file. Generated when empty.
	RunID string
}

// New builds a Session from configuration: resolves the data dir,
// opens the sqlite store and the object store, connects the bus, and
// starts the telemetry hub.
func New(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if opts.ConfigPath != "" {
			cfg, err = config.LoadFromPath(opts.ConfigPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeConfigLoad, "loading configuration")
		}
	}

	dataDir := config.ResolveDataDir(cfg)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "creating data directory").
			WithContext("dir", dataDir)
	}

	runID := opts.RunID
	if runID == "" {
		runID = "run-" + ulid.Make().String()
	}

	logger, err := logging.NewLogger(filepath.Join(dataDir, "logs"), runID)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "opening log files")
	}
	logger.SetMinLevel(logging.Level(strings.ToLower(cfg.Logging.Level)))

	store, err := storage.New(filepath.Join(dataDir, "kiln.db"))
	if err != nil {
		logger.Close()
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "opening metadata store").
			WithContext("dir", dataDir)
	}

	hub := telemetry.NewHub()

	messageBus, err := openBus(cfg)
	if err != nil {
		hub.Close()
		store.Close()
		logger.Close()
		return nil, err
	}

	objects := objectstore.New(config.ResolveObjectsDir(cfg), objectstore.Options{
		Store:  store,
		Logger: logger,
		Hub:    hub,
	})

	var tracer *observability.TracerProvider
	if cfg.Tracing.Enabled {
		serviceName := cfg.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "kiln"
		}
		tracer, err = observability.NewTracerProvider(serviceName)
		if err != nil {
			messageBus.Close()
			hub.Close()
			store.Close()
			logger.Close()
			return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "starting tracer")
		}
	}

	sess := &Session{
		Config:  cfg,
		RunID:   runID,
		Store:   store,
		Objects: objects,
		Bus:     messageBus,
		Hub:     hub,
		Logger:  logger,
		Tokens:  NewTokenManager(cfg.Serve.AuthSecret),
		Tracer:  tracer,
	}

	logger.Info(logging.CategorySession, "session.started", "session initialized", map[string]any{
		"run_id":   runID,
		"data_dir": dataDir,
		"bus":      strings.ToLower(strings.TrimSpace(cfg.Bus.Kind)),
	})
	return sess, nil
}

func openBus(cfg *config.Config) (bus.MessageBus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Bus.Kind)) {
	case "", "memory":
		return bus.NewMemoryBus(), nil
	case "nats":
		b, err := bus.NewNATSBus(bus.Config{
			URL:     cfg.Bus.NATS.URL,
			Name:    "kiln",
			Timeout: cfg.Bus.NATS.RequestTimeout,
		})
		if err != nil {
			return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "connecting to NATS").
				WithContext("url", cfg.Bus.NATS.URL).
				WithRetryable(true).
				WithRemediation("check bus.nats.url, or switch bus.kind to memory")
		}
		return b, nil
	default:
		return nil, kilnerrors.New(kilnerrors.ErrCodeConfigInvalid, "unknown bus kind").
			WithContext("kind", cfg.Bus.Kind)
	}
}

// UploadData stages a local file or directory into the default bucket
// under keyPrefix and returns the kiln:// URI of the prefix. This is
// the one-call upload the training workflow uses for dataset splits.
func (s *Session) UploadData(localPath, keyPrefix string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", kilnerrors.Wrap(err, kilnerrors.ErrCodeObjectPut, "reading upload source").
			WithContext("path", localPath)
	}

	bucket := s.Config.Storage.Bucket
	keyPrefix = strings.Trim(keyPrefix, "/")

	if info.IsDir() {
		if _, err := s.Objects.UploadDir(bucket, keyPrefix, localPath); err != nil {
			return "", err
		}
		return objectstore.URI(bucket, keyPrefix), nil
	}

	key := path.Join(keyPrefix, filepath.Base(localPath))
	obj, err := s.Objects.PutFile(bucket, key, localPath)
	if err != nil {
		return "", err
	}
	return obj.URI(), nil
}

// Close releases the session's resources. Safe to call once.
func (s *Session) Close() error {
	var firstErr error
	if s.Tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Tracer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping tracer: %w", err)
		}
		cancel()
	}
	if s.Bus != nil {
		if err := s.Bus.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing bus: %w", err)
		}
	}
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing store: %w", err)
		}
	}
	if s.Logger != nil {
		if err := s.Logger.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing logger: %w", err)
		}
	}
	return firstErr
}
