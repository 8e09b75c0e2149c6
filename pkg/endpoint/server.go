package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/kiln/pkg/config"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/filewatch"
	"github.com/odvcencio/kiln/pkg/learner"
	"github.com/odvcencio/kiln/pkg/logging"
	"github.com/odvcencio/kiln/pkg/telemetry"
)

const (
	maxInvocationBody = 10 << 20

	shutdownGrace = 5 * time.Second
)

// Server answers ping and invocation requests for one endpoint. It
// serves the model staged by the Manager and exits gracefully when
// its context ends or a tombstone appears in the endpoint directory.
type Server struct {
	name    string
	addr    string
	dir     string
	manager *Manager
	network *learner.Network
	limiter *rate.Limiter
	access  *logging.AccessLogger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewServer loads the staged model for a registered endpoint.
func NewServer(m *Manager, name string) (*Server, error) {
	rec, err := m.Describe(name)
	if err != nil {
		return nil, err
	}
	network, err := learner.Load(m.ModelPath(name))
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeEndpointUnhealthy, "loading staged model").
			WithContext("endpoint", name).
			WithRemediation("recreate the endpoint to restage its model artifact")
	}

	limit := rate.Inf
	if m.cfg.Endpoint.RateLimit > 0 {
		limit = rate.Limit(m.cfg.Endpoint.RateLimit)
	}
	burst := m.cfg.Endpoint.RateBurst
	if burst <= 0 {
		burst = 1
	}

	host := m.cfg.Endpoint.Host
	if host == "" {
		host = "127.0.0.1"
	}

	access, err := logging.NewAccessLogger(filepath.Join(config.ResolveDataDir(m.cfg), "logs", "access"))
	if err != nil {
		// Serving beats access logging; the structured log records the miss.
		access = nil
		if m.logger != nil {
			m.logger.Warn(logging.CategoryEndpoint, "endpoint.access_log", "access log unavailable", map[string]any{
				"endpoint": name,
				"error":    err.Error(),
			})
		}
	}

	return &Server{
		name:    name,
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", rec.Port)),
		dir:     m.Dir(name),
		manager: m,
		network: network,
		limiter: rate.NewLimiter(limit, burst),
		access:  access,
		stopCh:  make(chan struct{}),
	}, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Serve runs until the context ends or the endpoint is deleted. On a
// tombstone it drains in-flight requests and removes the endpoint
// directory.
func (s *Server) Serve(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(s.dir, TombstoneFile)); err == nil {
		// Deleted before we ever started.
		s.access.Close()
		_ = os.RemoveAll(s.dir)
		return nil
	}

	watcher, err := filewatch.NewFileWatcher(16)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "creating endpoint watcher").
			WithContext("endpoint", s.name)
	}
	defer watcher.Close()
	if err := watcher.Watch(s.dir); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeEndpointUnhealthy, "watching endpoint directory").
			WithContext("endpoint", s.name).
			WithContext("dir", s.dir)
	}
	watcher.Subscribe("*", func(change filewatch.FileChange) {
		switch {
		case filepath.Base(change.Path) == TombstoneFile &&
			(change.Type == filewatch.ChangeCreated || change.Type == filewatch.ChangeModified):
			s.signalStop()
		case change.Path == s.dir && change.Type == filewatch.ChangeDeleted:
			s.signalStop()
		}
	})

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeEndpointUnhealthy, "binding endpoint listener").
			WithContext("endpoint", s.name).
			WithContext("addr", s.addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("POST /invocations", s.handleInvocations)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := s.manager.store.UpdateEndpointStatus(s.name, StatusInService, ""); err != nil {
		ln.Close()
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "marking endpoint in service").
			WithContext("endpoint", s.name)
	}
	s.manager.publishStatus(ctx, StatusEvent{Name: s.name, Status: StatusInService, At: time.Now().UTC()})
	s.manager.publishHub(telemetry.Event{
		Type:       telemetry.EventEndpointInService,
		EndpointID: s.name,
		Data:       map[string]any{"addr": s.addr},
	})
	s.manager.logInfo("endpoint.serve", "endpoint serving", map[string]any{
		"endpoint": s.name,
		"addr":     s.addr,
	})
	telemetry.IncActiveEndpoints()
	defer telemetry.DecActiveEndpoints()
	defer s.access.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	deleted := false
	select {
	case <-ctx.Done():
	case <-s.stopCh:
		deleted = true
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "endpoint server failed").
				WithContext("endpoint", s.name)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		httpSrv.Close()
	}
	<-errCh

	if deleted {
		// The manager usually removes the directory; mop up in case
		// the delete came from another process that could not.
		_ = os.RemoveAll(s.dir)
		s.manager.logInfo("endpoint.serve", "endpoint drained after delete", map[string]any{
			"endpoint": s.name,
		})
	}
	return nil
}

// Stop asks a running Serve to exit. Exposed for in-process callers;
// cross-process deletes go through the tombstone.
func (s *Server) Stop() {
	s.signalStop()
}

func (s *Server) signalStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pingResponse{Status: "healthy", Endpoint: s.name})
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	telemetry.RecordInvocation(s.name)

	if !s.limiter.Allow() {
		s.invocationFailed("rate_limited", http.StatusTooManyRequests, start)
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxInvocationBody)
	var req InvocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.invocationFailed("bad_request", http.StatusBadRequest, start)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if len(req.Instances) == 0 {
		s.invocationFailed("bad_request", http.StatusBadRequest, start)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request carries no instances"})
		return
	}

	resp := InvocationResponse{Predictions: make([]Prediction, 0, len(req.Instances))}
	for _, vec := range req.Instances {
		label, probs, err := s.network.Classify(vec)
		if err != nil {
			s.invocationFailed("bad_instance", http.StatusBadRequest, start)
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		resp.Predictions = append(resp.Predictions, Prediction{Label: label, Probabilities: probs})
	}

	latency := time.Since(start)
	telemetry.RecordInvocationLatency(latency)
	_ = s.access.Record(s.name, http.StatusOK, "ok", len(req.Instances), latency)
	s.manager.publishHub(telemetry.Event{
		Type:       telemetry.EventInvocationCompleted,
		EndpointID: s.name,
		Data:       map[string]any{"instances": len(req.Instances)},
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) invocationFailed(reason string, status int, start time.Time) {
	_ = s.access.Record(s.name, status, reason, 0, time.Since(start))
	s.manager.publishHub(telemetry.Event{
		Type:       telemetry.EventInvocationFailed,
		EndpointID: s.name,
		Data:       map[string]any{"reason": reason},
	})
	if s.manager.logger != nil {
		s.manager.logger.Warn(logging.CategoryEndpoint, "endpoint.invoke", "invocation rejected", map[string]any{
			"endpoint": s.name,
			"reason":   reason,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
