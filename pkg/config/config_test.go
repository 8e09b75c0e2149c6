package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/odvcencio/kiln/pkg/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.Storage.Bucket == "" {
		t.Fatalf("default bucket should be populated: %+v", cfg.Storage)
	}
	if cfg.Dataset.MirrorURL == "" {
		t.Fatalf("default dataset mirror should be populated: %+v", cfg.Dataset)
	}
	if !cfg.Dataset.VerifyDigests {
		t.Fatalf("digest verification should default to on")
	}
	if cfg.Training.Backend != config.BackendBuiltin {
		t.Fatalf("unexpected default backend: %s", cfg.Training.Backend)
	}
	if cfg.Endpoint.BasePort <= 1024 {
		t.Fatalf("unexpected default base port: %d", cfg.Endpoint.BasePort)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadHierarchy(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()

	t.Setenv("HOME", home)

	userCfgDir := filepath.Join(home, ".kiln")
	if err := os.MkdirAll(userCfgDir, 0o755); err != nil {
		t.Fatalf("mkdir user config: %v", err)
	}
	userCfg := `
storage:
  bucket: user-bucket
training:
  backend: docker
`
	if err := os.WriteFile(filepath.Join(userCfgDir, "config.yaml"), []byte(userCfg), 0o644); err != nil {
		t.Fatalf("write user config: %v", err)
	}

	projectCfgDir := filepath.Join(project, ".kiln")
	if err := os.MkdirAll(projectCfgDir, 0o755); err != nil {
		t.Fatalf("mkdir project config: %v", err)
	}
	projectCfg := `
storage:
  bucket: project-bucket
endpoint:
  base_port: 9200
`
	if err := os.WriteFile(filepath.Join(projectCfgDir, "config.yaml"), []byte(projectCfg), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}

	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(oldWD)
	})
	if err := os.Chdir(project); err != nil {
		t.Fatalf("chdir project: %v", err)
	}

	t.Setenv("KILN_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}

	if cfg.Storage.Bucket != "project-bucket" {
		t.Fatalf("expected project bucket override, got %s", cfg.Storage.Bucket)
	}
	if cfg.Training.Backend != config.BackendDocker {
		t.Fatalf("expected user backend override, got %s", cfg.Training.Backend)
	}
	if cfg.Endpoint.BasePort != 9200 {
		t.Fatalf("expected project base port override, got %d", cfg.Endpoint.BasePort)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env log level override, got %s", cfg.Logging.Level)
	}
}

func TestInvalidBackendFailsValidation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Training.Backend = "mainframe"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation to fail for invalid backend")
	}

	cfg = config.DefaultConfig()
	cfg.Training.Backend = config.BackendDocker
	cfg.Training.Image = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation to fail for docker backend without image")
	}
}

func TestInvalidBucketNameFailsValidation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Bucket = "Not_A_Bucket"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation to fail for invalid bucket name")
	}
}

func TestEnvOverrideVerifyDigests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dataset.VerifyDigests = true

	t.Setenv("KILN_DATASET_VERIFY_DIGESTS", "0")
	config.ApplyEnvOverridesForTest(cfg)
	if cfg.Dataset.VerifyDigests {
		t.Fatalf("expected KILN_DATASET_VERIFY_DIGESTS=0 to disable verification")
	}

	t.Setenv("KILN_DATASET_VERIFY_DIGESTS", "1")
	config.ApplyEnvOverridesForTest(cfg)
	if !cfg.Dataset.VerifyDigests {
		t.Fatalf("expected KILN_DATASET_VERIFY_DIGESTS=1 to enable verification")
	}
}

func TestServeRemoteBindRequiresToken(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Serve.Enabled = true
	cfg.Serve.Bind = "0.0.0.0:8642"
	cfg.Serve.RequireToken = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for remote serve without auth")
	}

	cfg.Serve.RequireToken = true
	cfg.Serve.AuthSecret = "0123456789abcdef0123456789abcdef"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected remote serve with require_token to validate, got %v", err)
	}

	cfg = config.DefaultConfig()
	cfg.Serve.Enabled = true
	cfg.Serve.Bind = "127.0.0.1:8642"
	cfg.Serve.RequireToken = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected loopback serve without auth to validate, got %v", err)
	}
}

func TestServeShortAuthSecretFailsValidation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Serve.Enabled = true
	cfg.Serve.RequireToken = true
	cfg.Serve.AuthSecret = "too-short"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for short auth secret")
	}
}

func TestLoadReadsConfigEnvForAuthSecret(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()

	t.Setenv("HOME", home)
	t.Setenv("KILN_AUTH_SECRET", "")

	configDir := filepath.Join(home, ".kiln")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configEnv := "export KILN_AUTH_SECRET=\"0123456789abcdef0123456789abcdef\"\n"
	if err := os.WriteFile(filepath.Join(configDir, "config.env"), []byte(configEnv), 0o600); err != nil {
		t.Fatalf("write config.env: %v", err)
	}

	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(oldWD)
	})
	if err := os.Chdir(project); err != nil {
		t.Fatalf("chdir project: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}

	if cfg.Serve.AuthSecret != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("expected auth secret from config.env, got %q", cfg.Serve.AuthSecret)
	}
}

func TestInvalidBusKindFailsValidation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bus.Kind = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation to fail for invalid bus kind")
	}

	cfg = config.DefaultConfig()
	cfg.Bus.Kind = "nats"
	cfg.Bus.NATS.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation to fail for nats bus without url")
	}
}

func TestEndpointPortRangeValidation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Endpoint.BasePort = 80
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation to fail for privileged base port")
	}

	cfg = config.DefaultConfig()
	cfg.Endpoint.BasePort = 65530
	cfg.Endpoint.MaxServing = 20
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation to fail for port range overflow")
	}
}

func TestResolveDataDirExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = "~/.kiln"
	got := config.ResolveDataDir(cfg)
	want := filepath.Join(home, ".kiln")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestResolveDatasetCacheDirDefaultsUnderDataDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(home, "state")
	cfg.Dataset.CacheDir = ""
	got := config.ResolveDatasetCacheDir(cfg)
	want := filepath.Join(home, "state", "datasets")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	cfg.Dataset.CacheDir = filepath.Join(home, "elsewhere")
	if got := config.ResolveDatasetCacheDir(cfg); got != cfg.Dataset.CacheDir {
		t.Fatalf("expected explicit cache dir, got %s", got)
	}
}

func TestEnvOverrideTrainingDurations(t *testing.T) {
	cfg := config.DefaultConfig()

	t.Setenv("KILN_TRAINING_MAX_RUNTIME", "90m")
	t.Setenv("KILN_TRAINING_POLL_INTERVAL", "500ms")
	config.ApplyEnvOverridesForTest(cfg)

	if cfg.Training.MaxRuntime.Minutes() != 90 {
		t.Fatalf("expected max runtime override, got %s", cfg.Training.MaxRuntime)
	}
	if cfg.Training.PollInterval.Milliseconds() != 500 {
		t.Fatalf("expected poll interval override, got %s", cfg.Training.PollInterval)
	}
}
