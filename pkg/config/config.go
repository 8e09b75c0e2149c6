package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// MinTokenLength is the minimum recommended length for API auth secrets
	MinTokenLength = 32
)

// Default configuration values exported for documentation and validation
const (
	DefaultBucket       = "kiln-local"
	DefaultBackend      = BackendBuiltin
	DefaultServeBind    = "127.0.0.1:8642"
	DefaultEndpointHost = "127.0.0.1"
	DefaultBasePort     = 9080
	DefaultMirrorURL    = "https://storage.googleapis.com/cvdf-datasets/mnist/"
	DefaultBusKind      = "memory"
	DefaultLogLevel     = "info"
)

const (
	BackendBuiltin = "builtin"
	BackendDocker  = "docker"
)

// Config represents the complete kiln configuration
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Dataset  DatasetConfig  `yaml:"dataset"`
	Training TrainingConfig `yaml:"training"`
	Serve    ServeConfig    `yaml:"serve"`
	Endpoint EndpointConfig `yaml:"endpoint"`
	Bus      BusConfig      `yaml:"bus"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Retry    RetryPolicy    `yaml:"retry_policy"`
}

// StorageConfig controls where kiln keeps its database and object buckets.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"` // Defaults to ~/.kiln
	Bucket  string `yaml:"bucket"`   // Default object bucket name
}

// DatasetConfig controls dataset download and caching.
type DatasetConfig struct {
	MirrorURL     string `yaml:"mirror_url"`
	CacheDir      string `yaml:"cache_dir"` // Defaults to <data_dir>/datasets
	VerifyDigests bool   `yaml:"verify_digests"`
}

// TrainingConfig controls training job execution defaults.
type TrainingConfig struct {
	Backend      string        `yaml:"backend"` // builtin | docker
	Image        string        `yaml:"image"`   // Container image for the docker backend
	OutputPrefix string        `yaml:"output_prefix"`
	MaxRuntime   time.Duration `yaml:"max_runtime"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ServeConfig controls kiln's control-plane HTTP server.
type ServeConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Bind           string   `yaml:"bind"`
	RequireToken   bool     `yaml:"require_token"`
	AuthSecret     string   `yaml:"auth_secret"` // Can be set here, via env, or ~/.kiln/config.env
	AllowedOrigins []string `yaml:"allowed_origins"`
	PublicMetrics  bool     `yaml:"public_metrics"`
}

// EndpointConfig controls local inference endpoint hosting.
type EndpointConfig struct {
	Host        string        `yaml:"host"`
	BasePort    int           `yaml:"base_port"`
	MaxServing  int           `yaml:"max_serving"`
	RateLimit   float64       `yaml:"rate_limit"` // Invocations per second per endpoint
	RateBurst   int           `yaml:"rate_burst"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// BusConfig selects the event bus backend.
type BusConfig struct {
	Kind string     `yaml:"kind"` // memory | nats
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig contains NATS connection settings.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Token          string        `yaml:"token"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// NotifyConfig controls async notifications for long-running jobs
type NotifyConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
}

// TelegramConfig configures Telegram notifications
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"` // From @BotFather
	ChatID   string `yaml:"chat_id"`   // User or group chat ID
}

// SlackConfig configures Slack notifications
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"` // Incoming webhook URL
	Channel    string `yaml:"channel"`     // Optional channel override
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// RetryPolicy defines retry behavior for transient errors
type RetryPolicy struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.kiln",
			Bucket:  DefaultBucket,
		},
		Dataset: DatasetConfig{
			MirrorURL:     DefaultMirrorURL,
			VerifyDigests: true,
		},
		Training: TrainingConfig{
			Backend:      DefaultBackend,
			Image:        "kiln/mnist-trainer:latest",
			OutputPrefix: "output",
			MaxRuntime:   30 * time.Minute,
			PollInterval: 2 * time.Second,
		},
		Serve: ServeConfig{
			Enabled:        false,
			Bind:           DefaultServeBind,
			RequireToken:   false,
			AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
			PublicMetrics:  false,
		},
		Endpoint: EndpointConfig{
			Host:        DefaultEndpointHost,
			BasePort:    DefaultBasePort,
			MaxServing:  8,
			RateLimit:   50,
			RateBurst:   100,
			PingTimeout: 5 * time.Second,
		},
		Bus: BusConfig{
			Kind: DefaultBusKind,
			NATS: NATSConfig{
				URL:            "nats://127.0.0.1:4222",
				SubjectPrefix:  "kiln",
				ConnectTimeout: 5 * time.Second,
				RequestTimeout: 5 * time.Second,
			},
		},
		Notify: NotifyConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kiln",
		},
		Retry: RetryPolicy{
			MaxRetries:     3,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	configEnv := loadConfigEnvVars()

	// Load user config (~/.kiln/config.yaml)
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to HOME env var if UserHomeDir fails
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".kiln", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	// Load project config (./.kiln/config.yaml)
	projectConfigPath := filepath.Join(".", ".kiln", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg, configEnv)

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	configEnv := loadConfigEnvVars()

	// Load from the specified path
	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg, configEnv)

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverridesForTest exposes env override logic for tests without file I/O.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg, nil)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	if v := os.Getenv("KILN_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("KILN_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}

	if v := os.Getenv("KILN_DATASET_MIRROR"); v != "" {
		cfg.Dataset.MirrorURL = v
	}
	if v := os.Getenv("KILN_DATASET_CACHE_DIR"); v != "" {
		cfg.Dataset.CacheDir = v
	}
	if val, ok := envBool("KILN_DATASET_VERIFY_DIGESTS"); ok {
		cfg.Dataset.VerifyDigests = val
	}

	if v := os.Getenv("KILN_TRAINING_BACKEND"); v != "" {
		cfg.Training.Backend = v
	}
	if v := os.Getenv("KILN_TRAINING_IMAGE"); v != "" {
		cfg.Training.Image = v
	}
	if v := strings.TrimSpace(os.Getenv("KILN_TRAINING_MAX_RUNTIME")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Training.MaxRuntime = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("KILN_TRAINING_POLL_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Training.PollInterval = d
		}
	}

	if val, ok := envBool("KILN_SERVE_ENABLED"); ok {
		cfg.Serve.Enabled = val
	}
	if v := os.Getenv("KILN_SERVE_BIND"); v != "" {
		cfg.Serve.Bind = v
	}
	if val, ok := envBool("KILN_REQUIRE_TOKEN"); ok {
		cfg.Serve.RequireToken = val
	}
	if v := os.Getenv("KILN_AUTH_SECRET"); v != "" {
		cfg.Serve.AuthSecret = v
	} else if cfg.Serve.AuthSecret == "" {
		if v := configEnv["KILN_AUTH_SECRET"]; v != "" {
			cfg.Serve.AuthSecret = v
		}
	}
	if v := os.Getenv("KILN_ALLOWED_ORIGINS"); v != "" {
		cfg.Serve.AllowedOrigins = splitCommaList(v)
	}
	if val, ok := envBool("KILN_PUBLIC_METRICS"); ok {
		cfg.Serve.PublicMetrics = val
	}

	if v := os.Getenv("KILN_ENDPOINT_HOST"); v != "" {
		cfg.Endpoint.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("KILN_ENDPOINT_BASE_PORT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Endpoint.BasePort = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("KILN_ENDPOINT_RATE_LIMIT")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			cfg.Endpoint.RateLimit = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("KILN_ENDPOINT_RATE_BURST")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Endpoint.RateBurst = n
		}
	}

	if v := os.Getenv("KILN_BUS"); v != "" {
		cfg.Bus.Kind = v
	}
	if v := os.Getenv("KILN_NATS_URL"); v != "" {
		cfg.Bus.NATS.URL = v
	}

	// Notify config
	if v, ok := envBool("KILN_NOTIFY_ENABLED"); ok {
		cfg.Notify.Enabled = v
	}
	if v, ok := envBool("KILN_TELEGRAM_ENABLED"); ok {
		cfg.Notify.Telegram.Enabled = v
	}
	if v := os.Getenv("KILN_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notify.Telegram.BotToken = v
		if !cfg.Notify.Telegram.Enabled {
			cfg.Notify.Telegram.Enabled = true
		}
	}
	if v := os.Getenv("KILN_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Notify.Telegram.ChatID = v
	}
	if v, ok := envBool("KILN_SLACK_ENABLED"); ok {
		cfg.Notify.Slack.Enabled = v
	}
	if v := os.Getenv("KILN_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.Slack.WebhookURL = v
		if !cfg.Notify.Slack.Enabled {
			cfg.Notify.Slack.Enabled = true
		}
	}
	if v := os.Getenv("KILN_SLACK_CHANNEL"); v != "" {
		cfg.Notify.Slack.Channel = v
	}

	if v := os.Getenv("KILN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if val, ok := envBool("KILN_TRACING_ENABLED"); ok {
		cfg.Tracing.Enabled = val
	}
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	switch strings.ToLower(host) {
	case "localhost":
		return true
	case "0.0.0.0", "::":
		return false
	default:
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return ip.IsLoopback()
	}
}

var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// Validate checks configuration validity
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.Bucket) == "" {
		return fmt.Errorf("storage.bucket cannot be empty")
	}
	if !bucketNameRe.MatchString(c.Storage.Bucket) {
		return fmt.Errorf("invalid bucket name: %s (lowercase letters, digits, dots and dashes, 3-63 chars)", c.Storage.Bucket)
	}

	validBackends := map[string]bool{
		BackendBuiltin: true,
		BackendDocker:  true,
	}
	if !validBackends[c.Backend()] {
		return fmt.Errorf("invalid training backend: %s (valid: builtin, docker)", c.Training.Backend)
	}
	if c.Backend() == BackendDocker && strings.TrimSpace(c.Training.Image) == "" {
		return fmt.Errorf("training.image is required when the docker backend is selected")
	}
	if c.Training.PollInterval <= 0 {
		return fmt.Errorf("training.poll_interval must be positive, got %s", c.Training.PollInterval)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validBusKinds := map[string]bool{
		"memory": true,
		"nats":   true,
	}
	busKind := strings.ToLower(strings.TrimSpace(c.Bus.Kind))
	if !validBusKinds[busKind] {
		return fmt.Errorf("invalid bus kind: %s (valid: memory, nats)", c.Bus.Kind)
	}
	if busKind == "nats" && strings.TrimSpace(c.Bus.NATS.URL) == "" {
		return fmt.Errorf("bus.nats.url is required when the nats bus is selected")
	}

	if c.Serve.Enabled {
		if strings.TrimSpace(c.Serve.Bind) == "" {
			return fmt.Errorf("serve.bind cannot be empty when serve is enabled")
		}
		if c.Serve.RequireToken && len(c.Serve.AuthSecret) < MinTokenLength {
			return fmt.Errorf("serve.auth_secret must be at least %d characters when require_token is enabled", MinTokenLength)
		}
		if !isLoopbackBindAddress(c.Serve.Bind) && !c.Serve.RequireToken {
			return fmt.Errorf("serve.bind %q is not loopback: enable serve.require_token", c.Serve.Bind)
		}
	}

	if c.Endpoint.BasePort < 1024 || c.Endpoint.BasePort > 65535 {
		return fmt.Errorf("endpoint.base_port must be in [1024, 65535], got %d", c.Endpoint.BasePort)
	}
	if c.Endpoint.MaxServing <= 0 {
		return fmt.Errorf("endpoint.max_serving must be positive, got %d", c.Endpoint.MaxServing)
	}
	if c.Endpoint.BasePort+c.Endpoint.MaxServing-1 > 65535 {
		return fmt.Errorf("endpoint port range [%d, %d] exceeds 65535", c.Endpoint.BasePort, c.Endpoint.BasePort+c.Endpoint.MaxServing-1)
	}
	if c.Endpoint.RateLimit <= 0 {
		return fmt.Errorf("endpoint.rate_limit must be positive, got %v", c.Endpoint.RateLimit)
	}
	if c.Endpoint.RateBurst <= 0 {
		return fmt.Errorf("endpoint.rate_burst must be positive, got %d", c.Endpoint.RateBurst)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry_policy.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry_policy.multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}

	return nil
}

// Backend returns the normalized training backend name.
func (c *Config) Backend() string {
	backend := strings.ToLower(strings.TrimSpace(c.Training.Backend))
	if backend == "" {
		return DefaultBackend
	}
	return backend
}

// loadConfigEnvVars reads ~/.kiln/config.env for secrets that should not
// live in the YAML config. Lines are KEY=VALUE, # comments allowed, an
// optional "export " prefix is stripped.
func loadConfigEnvVars() map[string]string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}

	path := filepath.Join(home, ".kiln", "config.env")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		line = strings.TrimSpace(line)
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		vars[key] = value
	}
	return vars
}
