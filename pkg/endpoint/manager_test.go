package endpoint

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/kiln/pkg/artifact"
	"github.com/odvcencio/kiln/pkg/bus"
	"github.com/odvcencio/kiln/pkg/config"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/learner"
	"github.com/odvcencio/kiln/pkg/objectstore"
	"github.com/odvcencio/kiln/pkg/storage"
)

type testEnv struct {
	cfg     *config.Config
	store   *storage.Store
	objects *objectstore.Client
	manager *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Endpoint.Host = "127.0.0.1"
	cfg.Endpoint.BasePort = freePort(t)
	cfg.Endpoint.MaxServing = 4
	cfg.Endpoint.RateLimit = 0
	cfg.Endpoint.PingTimeout = time.Second

	store, err := storage.New(filepath.Join(config.ResolveDataDir(cfg), "kiln.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	objects := objectstore.New(config.ResolveObjectsDir(cfg), objectstore.Options{})
	return &testEnv{
		cfg:     cfg,
		store:   store,
		objects: objects,
		manager: NewManager(cfg, store, objects, ManagerOptions{}),
	}
}

// freePort reserves an ephemeral port and releases it so the endpoint
// under test can bind it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// stageModelArtifact trains nothing: it packs a freshly initialized
// network as a model archive and uploads it, returning the object URI.
func stageModelArtifact(t *testing.T, env *testEnv, key string) string {
	t.Helper()

	network, err := learner.New(learner.Config{
		InputSize:    4,
		HiddenSizes:  []int{3},
		OutputSize:   3,
		LearningRate: 0.1,
		Momentum:     0.9,
		Epochs:       1,
		BatchSize:    1,
		Seed:         7,
	})
	if err != nil {
		t.Fatalf("build network: %v", err)
	}

	outDir := t.TempDir()
	if err := network.Save(filepath.Join(outDir, learner.ModelFileName)); err != nil {
		t.Fatalf("save model: %v", err)
	}
	archive := filepath.Join(t.TempDir(), artifact.ArchiveName)
	if err := artifact.Pack(outDir, archive); err != nil {
		t.Fatalf("pack artifact: %v", err)
	}

	obj, err := env.objects.PutFile(config.DefaultBucket, key, archive)
	if err != nil {
		t.Fatalf("upload artifact: %v", err)
	}
	return obj.URI()
}

func TestManagerCreateStagesModel(t *testing.T) {
	env := newTestEnv(t)
	uri := stageModelArtifact(t, env, "models/mnist/model.tar.gz")

	rec, err := env.manager.Create(context.Background(), "mnist-mlp", uri)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Status != StatusCreating {
		t.Errorf("status = %q, want %q", rec.Status, StatusCreating)
	}
	if rec.Port != env.cfg.Endpoint.BasePort {
		t.Errorf("port = %d, want %d", rec.Port, env.cfg.Endpoint.BasePort)
	}
	if rec.ModelURI != uri {
		t.Errorf("model URI = %q, want %q", rec.ModelURI, uri)
	}
	if _, err := os.Stat(env.manager.ModelPath("mnist-mlp")); err != nil {
		t.Errorf("staged model missing: %v", err)
	}
	if _, err := learner.Load(env.manager.ModelPath("mnist-mlp")); err != nil {
		t.Errorf("staged model does not load: %v", err)
	}
}

func TestManagerCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	uri := stageModelArtifact(t, env, "models/valid/model.tar.gz")

	cases := []struct {
		label    string
		name     string
		modelURI string
	}{
		{"empty name", "", uri},
		{"uppercase name", "MNIST", uri},
		{"leading hyphen", "-mnist", uri},
		{"trailing hyphen", "mnist-", uri},
		{"name too long", strings.Repeat("a", 64), uri},
		{"missing model URI", "mnist", ""},
	}
	for _, tc := range cases {
		if _, err := env.manager.Create(context.Background(), tc.name, tc.modelURI); !kilnerrors.IsCode(err, kilnerrors.ErrCodeInvalidInput) {
			t.Errorf("%s: error = %v, want %s", tc.label, err, kilnerrors.ErrCodeInvalidInput)
		}
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	env := newTestEnv(t)
	uri := stageModelArtifact(t, env, "models/dup/model.tar.gz")

	if _, err := env.manager.Create(context.Background(), "mnist", uri); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := env.manager.Create(context.Background(), "mnist", uri)
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeEndpointExists) {
		t.Fatalf("error = %v, want %s", err, kilnerrors.ErrCodeEndpointExists)
	}
}

func TestManagerPortAllocation(t *testing.T) {
	env := newTestEnv(t)
	uri := stageModelArtifact(t, env, "models/ports/model.tar.gz")

	first, err := env.manager.Create(context.Background(), "first", uri)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := env.manager.Create(context.Background(), "second", uri)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if first.Port != env.cfg.Endpoint.BasePort {
		t.Errorf("first port = %d, want base %d", first.Port, env.cfg.Endpoint.BasePort)
	}
	if second.Port != first.Port+1 {
		t.Errorf("second port = %d, want %d", second.Port, first.Port+1)
	}
}

func TestManagerCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Endpoint.MaxServing = 1
	uri := stageModelArtifact(t, env, "models/cap/model.tar.gz")

	if _, err := env.manager.Create(context.Background(), "only", uri); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := env.manager.Create(context.Background(), "overflow", uri)
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeInvalidInput) {
		t.Fatalf("error = %v, want %s", err, kilnerrors.ErrCodeInvalidInput)
	}
}

func TestManagerCreateBadModel(t *testing.T) {
	env := newTestEnv(t)

	// A well-formed archive that simply lacks a model file.
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "README.txt"), []byte("nothing here"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	archive := filepath.Join(t.TempDir(), artifact.ArchiveName)
	if err := artifact.Pack(srcDir, archive); err != nil {
		t.Fatalf("pack: %v", err)
	}
	obj, err := env.objects.PutFile(config.DefaultBucket, "models/bad/model.tar.gz", archive)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	_, err = env.manager.Create(context.Background(), "broken", obj.URI())
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeEndpointUnhealthy) {
		t.Fatalf("error = %v, want %s", err, kilnerrors.ErrCodeEndpointUnhealthy)
	}

	rec, err := env.manager.Describe("broken")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if rec.Status != StatusFailed {
		t.Errorf("status = %q, want %q", rec.Status, StatusFailed)
	}
	if rec.FailureReason == "" {
		t.Error("expected a failure reason on the record")
	}
}

func TestManagerDelete(t *testing.T) {
	env := newTestEnv(t)
	uri := stageModelArtifact(t, env, "models/del/model.tar.gz")

	if _, err := env.manager.Create(context.Background(), "doomed", uri); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := env.manager.Delete(context.Background(), "doomed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := env.manager.Describe("doomed"); !kilnerrors.IsCode(err, kilnerrors.ErrCodeEndpointNotFound) {
		t.Errorf("Describe after delete = %v, want %s", err, kilnerrors.ErrCodeEndpointNotFound)
	}
	if _, err := os.Stat(env.manager.Dir("doomed")); !os.IsNotExist(err) {
		t.Errorf("endpoint directory still present: %v", err)
	}
	if err := env.manager.Delete(context.Background(), "doomed"); !kilnerrors.IsCode(err, kilnerrors.ErrCodeEndpointNotFound) {
		t.Errorf("second Delete = %v, want %s", err, kilnerrors.ErrCodeEndpointNotFound)
	}
}

func TestManagerList(t *testing.T) {
	env := newTestEnv(t)
	uri := stageModelArtifact(t, env, "models/list/model.tar.gz")

	for _, name := range []string{"alpha", "beta"} {
		if _, err := env.manager.Create(context.Background(), name, uri); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	recs, err := env.manager.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(recs))
	}
	if recs[0].Name != "alpha" || recs[1].Name != "beta" {
		t.Errorf("order = %s, %s; want alpha, beta", recs[0].Name, recs[1].Name)
	}
}

func TestManagerStatusEvents(t *testing.T) {
	env := newTestEnv(t)
	uri := stageModelArtifact(t, env, "models/events/model.tar.gz")

	mb := bus.NewMemoryBus()
	defer mb.Close()
	m := NewManager(env.cfg, env.store, env.objects, ManagerOptions{Bus: mb})

	events := make(chan StatusEvent, 8)
	sub, err := mb.Subscribe(context.Background(), SubjectStatusAll, func(msg *bus.Message) {
		var ev StatusEvent
		if json.Unmarshal(msg.Data, &ev) == nil {
			events <- ev
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if _, err := m.Create(context.Background(), "observed", uri); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Delete(context.Background(), "observed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	want := []string{StatusCreating, StatusDeleting, "Deleted"}
	for _, status := range want {
		select {
		case ev := <-events:
			if ev.Status != status {
				t.Fatalf("event status = %q, want %q", ev.Status, status)
			}
			if ev.Name != "observed" {
				t.Fatalf("event name = %q, want observed", ev.Name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", status)
		}
	}
}
