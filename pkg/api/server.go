// Package api hosts the control-plane HTTP server: job submission and
// inspection, object and dataset listings, endpoint management, a live
// job event stream over WebSocket, and Prometheus metrics. The server
// speaks cleartext HTTP/2 (h2c) so local gRPC-style clients and plain
// curl both work against the same port.
package api

import (
	"context"
	stdliberrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/odvcencio/kiln/pkg/bus"
	"github.com/odvcencio/kiln/pkg/config"
	"github.com/odvcencio/kiln/pkg/endpoint"
	"github.com/odvcencio/kiln/pkg/estimator"
	"github.com/odvcencio/kiln/pkg/logging"
	"github.com/odvcencio/kiln/pkg/objectstore"
	"github.com/odvcencio/kiln/pkg/session"
	"github.com/odvcencio/kiln/pkg/storage"
	"github.com/odvcencio/kiln/pkg/trainjob"
)

const shutdownTimeout = 10 * time.Second

// Options carries the platform collaborators the server exposes.
type Options struct {
	Config    *config.Config
	Store     *storage.Store
	Objects   *objectstore.Client
	Runner    *trainjob.Runner
	Endpoints *endpoint.Manager
	Bus       bus.MessageBus
	Tokens    *session.TokenManager
	Logger    *logging.Logger
	Version   string
}

// Server is the kiln control-plane HTTP server.
type Server struct {
	cfg       *config.Config
	store     *storage.Store
	objects   *objectstore.Client
	runner    *trainjob.Runner
	endpoints *endpoint.Manager
	bus       bus.MessageBus
	tokens    *session.TokenManager
	logger    *logging.Logger
	version   string

	stream     *eventStream
	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the control-plane server. Store, Objects, and
// Runner are required; Bus enables the live event stream.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Store == nil || opts.Objects == nil || opts.Runner == nil {
		return nil, fmt.Errorf("api server needs config, store, objects, and runner")
	}

	s := &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		objects:   opts.Objects,
		runner:    opts.Runner,
		endpoints: opts.Endpoints,
		bus:       opts.Bus,
		tokens:    opts.Tokens,
		logger:    opts.Logger,
		version:   opts.Version,
	}
	s.stream = newEventStream(opts.Bus, opts.Logger)
	return s, nil
}

// Router assembles the chi router wrapped for h2c.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(s.requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)
	router.Get("/metrics", s.handleMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/datasets", s.requireScope(session.ScopeViewer, s.handleListDatasets))
		r.Get("/objects", s.requireScope(session.ScopeViewer, s.handleListObjects))

		r.Get("/jobs", s.requireScope(session.ScopeViewer, s.handleListJobs))
		r.Post("/jobs", s.requireScope(session.ScopeTrainer, s.handleSubmitJob))
		r.Get("/jobs/{id}", s.requireScope(session.ScopeViewer, s.handleDescribeJob))
		r.Get("/jobs/{id}/logs", s.requireScope(session.ScopeViewer, s.handleJobLogs))
		r.Get("/jobs/{id}/events", s.requireScope(session.ScopeViewer, s.handleJobEvents))
		r.Post("/jobs/{id}/stop", s.requireScope(session.ScopeTrainer, s.handleStopJob))

		r.Get("/endpoints", s.requireScope(session.ScopeViewer, s.handleListEndpoints))
		r.Delete("/endpoints/{name}", s.requireScope(session.ScopeOperator, s.handleDeleteEndpoint))
	})

	return h2c.NewHandler(router, &http2.Server{})
}

// Serve binds the configured address and blocks until ctx is done or
// the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	bind := s.cfg.Serve.Bind
	if bind == "" {
		bind = config.DefaultServeBind
	}

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("binding %s: %w", bind, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.logger != nil {
		s.logger.Info(logging.CategoryAPI, "api.serve", "control plane listening", map[string]any{
			"addr": ln.Addr().String(),
		})
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound address, empty before Serve.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains connections and closes the event stream.
func (s *Server) Shutdown() error {
	s.stream.close()
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// submitJob builds an estimator for the request and runs Fit in the
// background. The created job record is returned immediately so the
// caller can poll or stream events.
func (s *Server) submitJob(ctx context.Context, req submitJobRequest) (*trainjob.Job, error) {
	est, err := estimator.New(s.cfg, estimator.Spec{
		Name:            req.Name,
		Backend:         req.Backend,
		Image:           req.Image,
		Hyperparameters: req.Hyperparameters,
		OutputURI:       req.OutputURI,
	}, estimator.Options{
		Store:   s.store,
		Objects: s.objects,
		Bus:     s.bus,
		Logger:  s.logger,
	})
	if err != nil {
		return nil, err
	}

	return est.Submit(ctx, req.InputURIs)
}
