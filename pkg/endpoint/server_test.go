package endpoint

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/kiln/pkg/config"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/retry"
)

// startServer runs a Server for an already-created endpoint and waits
// until it answers pings. The server is stopped during test cleanup.
func startServer(t *testing.T, env *testEnv, name string) (*Predictor, chan error) {
	t.Helper()

	rec, err := env.manager.Describe(name)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	srv, err := NewServer(env.manager, name)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		done <- srv.Serve(ctx)
		close(exited)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-exited:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop after cancel")
		}
	})

	pred := NewPredictor(env.cfg, name, rec.Port)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := pred.WaitReady(waitCtx); err != nil {
		t.Fatalf("endpoint never became ready: %v", err)
	}
	return pred, done
}

func TestServerPingAndInvoke(t *testing.T) {
	env := newTestEnv(t)
	uri := stageModelArtifact(t, env, "models/live/model.tar.gz")
	if _, err := env.manager.Create(context.Background(), "live", uri); err != nil {
		t.Fatalf("Create: %v", err)
	}

	pred, _ := startServer(t, env, "live")

	rec, err := env.manager.Describe("live")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if rec.Status != StatusInService {
		t.Errorf("status = %q, want %q", rec.Status, StatusInService)
	}

	instance := []float64{0.1, 0.9, 0.3, 0.5}
	probs, err := pred.Predict(context.Background(), instance)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(probs) != 3 {
		t.Fatalf("got %d probabilities, want 3", len(probs))
	}
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("probabilities sum to %f, want 1", sum)
	}

	label, err := pred.Label(context.Background(), instance)
	if err != nil {
		t.Fatalf("Label: %v", err)
	}
	if label < 0 || label >= 3 {
		t.Errorf("label = %d, want in [0, 3)", label)
	}

	preds, err := pred.PredictBatch(context.Background(), [][]float64{instance, {0.2, 0.2, 0.2, 0.2}})
	if err != nil {
		t.Fatalf("PredictBatch: %v", err)
	}
	if len(preds) != 2 {
		t.Fatalf("got %d predictions, want 2", len(preds))
	}
}

func TestServerRejectsBadInstance(t *testing.T) {
	env := newTestEnv(t)
	uri := stageModelArtifact(t, env, "models/strict/model.tar.gz")
	if _, err := env.manager.Create(context.Background(), "strict", uri); err != nil {
		t.Fatalf("Create: %v", err)
	}
	pred, _ := startServer(t, env, "strict")

	// The staged network expects four inputs.
	_, err := pred.Predict(context.Background(), []float64{0.5})
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeInvocation) {
		t.Fatalf("error = %v, want %s", err, kilnerrors.ErrCodeInvocation)
	}
	if retry.IsRetriable(err) {
		t.Error("a bad instance should not be retryable")
	}
}

func TestServerRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Endpoint.RateLimit = 1
	env.cfg.Endpoint.RateBurst = 1

	uri := stageModelArtifact(t, env, "models/ratelimited/model.tar.gz")
	if _, err := env.manager.Create(context.Background(), "ratelimited", uri); err != nil {
		t.Fatalf("Create: %v", err)
	}
	pred, _ := startServer(t, env, "ratelimited")

	instance := []float64{0.1, 0.2, 0.3, 0.4}
	if _, err := pred.Predict(context.Background(), instance); err != nil {
		t.Fatalf("first Predict: %v", err)
	}
	_, err := pred.Predict(context.Background(), instance)
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeInvocation) {
		t.Fatalf("error = %v, want %s", err, kilnerrors.ErrCodeInvocation)
	}
	if !retry.IsRetriable(err) {
		t.Error("a rate-limited invocation should be retryable")
	}
}

func TestServerTombstoneShutdown(t *testing.T) {
	env := newTestEnv(t)
	uri := stageModelArtifact(t, env, "models/fleeting/model.tar.gz")
	if _, err := env.manager.Create(context.Background(), "fleeting", uri); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, done := startServer(t, env, "fleeting")

	if err := env.manager.Delete(context.Background(), "fleeting"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v after delete, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not drain after delete")
	}

	if _, err := env.manager.Describe("fleeting"); !kilnerrors.IsCode(err, kilnerrors.ErrCodeEndpointNotFound) {
		t.Errorf("Describe after delete = %v, want %s", err, kilnerrors.ErrCodeEndpointNotFound)
	}
	if _, err := os.Stat(env.manager.Dir("fleeting")); !os.IsNotExist(err) {
		t.Errorf("endpoint directory survived delete: %v", err)
	}
}

func TestServerPreexistingTombstone(t *testing.T) {
	env := newTestEnv(t)
	uri := stageModelArtifact(t, env, "models/stale/model.tar.gz")
	if _, err := env.manager.Create(context.Background(), "stale", uri); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tombstone := filepath.Join(env.manager.Dir("stale"), TombstoneFile)
	if err := os.WriteFile(tombstone, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		t.Fatalf("write tombstone: %v", err)
	}

	srv, err := NewServer(env.manager, "stale")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not honor a preexisting tombstone")
	}
	if _, err := os.Stat(env.manager.Dir("stale")); !os.IsNotExist(err) {
		t.Errorf("endpoint directory survived tombstone: %v", err)
	}
}

func TestServerWritesAccessLog(t *testing.T) {
	env := newTestEnv(t)
	uri := stageModelArtifact(t, env, "models/audited/model.tar.gz")
	if _, err := env.manager.Create(context.Background(), "audited", uri); err != nil {
		t.Fatalf("Create: %v", err)
	}
	pred, _ := startServer(t, env, "audited")

	if _, err := pred.Predict(context.Background(), []float64{0.1, 0.2, 0.3, 0.4}); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if _, err := pred.Predict(context.Background(), []float64{0.5}); err == nil {
		t.Fatal("expected error for a bad instance")
	}

	pattern := filepath.Join(config.ResolveDataDir(env.cfg), "logs", "access", "access-*.log")
	files, err := filepath.Glob(pattern)
	if err != nil || len(files) != 1 {
		t.Fatalf("access log files = %v (err %v), want exactly one", files, err)
	}
	content, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("reading access log: %v", err)
	}
	for _, want := range []string{
		"endpoint=audited",
		"status=200",
		"outcome=ok",
		"instances=1",
		"status=400",
		"outcome=bad_instance",
	} {
		if !strings.Contains(string(content), want) {
			t.Errorf("access log missing %q:\n%s", want, content)
		}
	}
}

func TestNewServerUnknownEndpoint(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewServer(env.manager, "ghost")
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeEndpointNotFound) {
		t.Fatalf("error = %v, want %s", err, kilnerrors.ErrCodeEndpointNotFound)
	}
}

func TestPredictorWaitReadyTimeout(t *testing.T) {
	env := newTestEnv(t)
	pred := NewPredictor(env.cfg, "nobody-home", freePort(t))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := pred.WaitReady(ctx)
	if !kilnerrors.IsCode(err, kilnerrors.ErrCodeEndpointUnhealthy) {
		t.Fatalf("error = %v, want %s", err, kilnerrors.ErrCodeEndpointUnhealthy)
	}
}
