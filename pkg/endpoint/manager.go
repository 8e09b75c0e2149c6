// Package endpoint hosts trained models behind local HTTP endpoints:
// a sqlite-backed manager for create/list/delete, the serving loop
// itself, and the client-side predictor.
package endpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/kiln/pkg/artifact"
	"github.com/odvcencio/kiln/pkg/bus"
	"github.com/odvcencio/kiln/pkg/config"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/learner"
	"github.com/odvcencio/kiln/pkg/logging"
	"github.com/odvcencio/kiln/pkg/objectstore"
	"github.com/odvcencio/kiln/pkg/storage"
	"github.com/odvcencio/kiln/pkg/telemetry"
)

// Endpoint statuses.
const (
	StatusCreating  = "Creating"
	StatusInService = "InService"
	StatusUpdating  = "Updating"
	StatusFailed    = "Failed"
	StatusDeleting  = "Deleting"
)

// TombstoneFile, dropped into an endpoint's directory, asks the
// serving process to drain and exit. The server watches for it with
// fsnotify so deletes work across processes.
const TombstoneFile = "delete.tombstone"

const (
	modelDirName      = "model"
	instanceTypeLocal = "local"
)

// Bus subjects for endpoint lifecycle events.
const (
	SubjectStatusAll = "endpoint.status.*"

	subjectStatusPrefix = "endpoint.status."
)

// StatusSubject returns the bus subject for an endpoint status change.
func StatusSubject(status string) string {
	return subjectStatusPrefix + strings.ToLower(status)
}

// StatusEvent is the payload published on endpoint.status.* subjects.
type StatusEvent struct {
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	Port          int       `json:"port,omitempty"`
	ModelURI      string    `json:"modelUri,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	At            time.Time `json:"at"`
}

// Manager owns endpoint records and their on-disk layout. Model
// artifacts are staged under endpoints/<name>/model/ at create time so
// the serving process only ever reads local files.
type Manager struct {
	cfg     *config.Config
	store   *storage.Store
	objects *objectstore.Client
	bus     bus.MessageBus
	hub     *telemetry.Hub
	logger  *logging.Logger
}

// ManagerOptions carries the optional collaborators for a Manager.
type ManagerOptions struct {
	Bus    bus.MessageBus
	Hub    *telemetry.Hub
	Logger *logging.Logger
}

func NewManager(cfg *config.Config, store *storage.Store, objects *objectstore.Client, opts ManagerOptions) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		objects: objects,
		bus:     opts.Bus,
		hub:     opts.Hub,
		logger:  opts.Logger,
	}
}

// Dir returns the on-disk home of one endpoint.
func (m *Manager) Dir(name string) string {
	return filepath.Join(config.ResolveEndpointsDir(m.cfg), name)
}

func (m *Manager) modelDir(name string) string {
	return filepath.Join(m.Dir(name), modelDirName)
}

// ModelPath returns where the staged model file lives for an endpoint.
func (m *Manager) ModelPath(name string) string {
	return filepath.Join(m.modelDir(name), learner.ModelFileName)
}

// Create registers an endpoint, allocates its port, and stages the
// model artifact. The record stays Creating until a server marks it
// InService; staging failures leave it Failed with a reason, matching
// how failed endpoints stay visible for inspection.
func (m *Manager) Create(ctx context.Context, name, modelURI string) (*storage.EndpointRecord, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if strings.TrimSpace(modelURI) == "" {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "endpoint needs a model URI").
			WithContext("endpoint", name)
	}

	existing, err := m.store.GetEndpoint(name)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "loading endpoint").
			WithContext("endpoint", name)
	}
	if existing != nil {
		return nil, kilnerrors.New(kilnerrors.ErrCodeEndpointExists, "endpoint already exists").
			WithContext("endpoint", name).
			WithRemediation("delete it with `kiln endpoints delete " + name + "` or pick a new name")
	}

	if err := m.checkCapacity(); err != nil {
		return nil, err
	}
	port, err := m.allocatePort()
	if err != nil {
		return nil, err
	}

	rec := &storage.EndpointRecord{
		Name:         name,
		Status:       StatusCreating,
		ModelURI:     modelURI,
		Port:         port,
		InstanceType: instanceTypeLocal,
	}
	if err := m.store.CreateEndpoint(rec); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "persisting endpoint").
			WithContext("endpoint", name)
	}

	m.publishStatus(ctx, StatusEvent{Name: name, Status: StatusCreating, Port: port, ModelURI: modelURI, At: time.Now().UTC()})
	m.publishHub(telemetry.Event{
		Type:       telemetry.EventEndpointCreating,
		EndpointID: name,
		Data:       map[string]any{"port": port, "model_uri": modelURI},
	})
	m.logInfo("endpoint.create", "endpoint created", map[string]any{
		"endpoint":  name,
		"port":      port,
		"model_uri": modelURI,
	})

	if err := m.stageModel(name, modelURI); err != nil {
		reason := err.Error()
		if kerr, ok := err.(*kilnerrors.Error); ok {
			reason = kerr.Message
		}
		_ = m.store.UpdateEndpointStatus(name, StatusFailed, reason)
		m.publishStatus(ctx, StatusEvent{Name: name, Status: StatusFailed, FailureReason: reason, At: time.Now().UTC()})
		m.logError("endpoint.stage", "model staging failed", map[string]any{
			"endpoint": name,
			"error":    reason,
		})
		return nil, err
	}

	return m.store.GetEndpoint(name)
}

// stageModel downloads and extracts the artifact, then proves the
// model actually loads before anything tries to serve it.
func (m *Manager) stageModel(name, modelURI string) error {
	dir := m.modelDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "creating endpoint directory").
			WithContext("endpoint", name)
	}
	if _, err := artifact.DownloadAndExtract(m.objects, modelURI, dir); err != nil {
		return err
	}
	if _, err := learner.Load(m.ModelPath(name)); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeEndpointUnhealthy, "staged model does not load").
			WithContext("endpoint", name).
			WithContext("model_uri", modelURI).
			WithRemediation("retrain or point the endpoint at a valid model artifact")
	}
	return nil
}

// Describe returns one endpoint record.
func (m *Manager) Describe(name string) (*storage.EndpointRecord, error) {
	rec, err := m.store.GetEndpoint(name)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "loading endpoint").
			WithContext("endpoint", name)
	}
	if rec == nil {
		return nil, endpointNotFound(name)
	}
	return rec, nil
}

// List returns all endpoint records, oldest first.
func (m *Manager) List() ([]storage.EndpointRecord, error) {
	recs, err := m.store.ListEndpoints()
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "listing endpoints")
	}
	return recs, nil
}

// Delete tears an endpoint down: the tombstone asks any serving
// process to drain, the record goes away, and the directory is
// removed. Safe to call whether or not a server is running.
func (m *Manager) Delete(ctx context.Context, name string) error {
	rec, err := m.store.GetEndpoint(name)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "loading endpoint").
			WithContext("endpoint", name)
	}
	if rec == nil {
		return endpointNotFound(name)
	}

	_ = m.store.UpdateEndpointStatus(name, StatusDeleting, "")
	m.publishStatus(ctx, StatusEvent{Name: name, Status: StatusDeleting, Port: rec.Port, At: time.Now().UTC()})

	dir := m.Dir(name)
	tombstone := filepath.Join(dir, TombstoneFile)
	if err := os.WriteFile(tombstone, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil && !os.IsNotExist(err) {
		// The directory may be gone already; the record still needs to go.
		m.logError("endpoint.delete", "writing tombstone failed", map[string]any{
			"endpoint": name,
			"error":    err.Error(),
		})
	}

	if err := m.store.DeleteEndpoint(name); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "deleting endpoint record").
			WithContext("endpoint", name)
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logError("endpoint.delete", "removing endpoint directory failed", map[string]any{
			"endpoint": name,
			"error":    err.Error(),
		})
	}

	m.publishStatus(ctx, StatusEvent{Name: name, Status: "Deleted", Port: rec.Port, At: time.Now().UTC()})
	m.publishHub(telemetry.Event{
		Type:       telemetry.EventEndpointDeleted,
		EndpointID: name,
	})
	m.logInfo("endpoint.delete", "endpoint deleted", map[string]any{"endpoint": name})
	return nil
}

func (m *Manager) checkCapacity() error {
	if m.cfg.Endpoint.MaxServing <= 0 {
		return nil
	}
	recs, err := m.store.ListEndpoints()
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "listing endpoints")
	}
	active := 0
	for _, rec := range recs {
		switch rec.Status {
		case StatusCreating, StatusInService, StatusUpdating:
			active++
		}
	}
	if active >= m.cfg.Endpoint.MaxServing {
		return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "serving capacity reached").
			WithContext("max_serving", m.cfg.Endpoint.MaxServing).
			WithRemediation("delete an endpoint or raise endpoint.max_serving")
	}
	return nil
}

func (m *Manager) allocatePort() (int, error) {
	port := m.cfg.Endpoint.BasePort
	if port <= 0 {
		port = config.DefaultBasePort
	}
	maxUsed, err := m.store.MaxEndpointPort()
	if err != nil {
		return 0, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "allocating port")
	}
	if maxUsed >= port {
		port = maxUsed + 1
	}
	return port, nil
}

func validateName(name string) error {
	if len(name) == 0 || len(name) > 63 {
		return badName(name, "must be 1-63 characters")
	}
	for i, r := range name {
		ok := r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-'
		if !ok {
			return badName(name, "only lowercase letters, digits, and hyphens are allowed")
		}
		if r == '-' && (i == 0 || i == len(name)-1) {
			return badName(name, "hyphens cannot lead or trail")
		}
	}
	return nil
}

func badName(name, why string) *kilnerrors.Error {
	return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "invalid endpoint name: "+why).
		WithContext("endpoint", name)
}

func endpointNotFound(name string) *kilnerrors.Error {
	return kilnerrors.New(kilnerrors.ErrCodeEndpointNotFound, "no such endpoint").
		WithContext("endpoint", name).
		WithRemediation("list endpoints with `kiln endpoints list`")
}

func (m *Manager) publishStatus(ctx context.Context, ev StatusEvent) {
	if m.bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, StatusSubject(ev.Status), data); err != nil && m.logger != nil {
		m.logger.Warn(logging.CategoryEndpoint, "endpoint.publish", "status publish failed", map[string]any{
			"endpoint": ev.Name,
			"error":    err.Error(),
		})
	}
}

func (m *Manager) publishHub(ev telemetry.Event) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(ev)
}

func (m *Manager) logInfo(eventType, message string, details map[string]any) {
	if m.logger == nil {
		return
	}
	m.logger.Info(logging.CategoryEndpoint, eventType, message, details)
}

func (m *Manager) logError(eventType, message string, details map[string]any) {
	if m.logger == nil {
		return
	}
	m.logger.Error(logging.CategoryEndpoint, eventType, message, details)
}
