package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Storage.DataDir != "" {
		base.Storage.DataDir = override.Storage.DataDir
	}
	if override.Storage.Bucket != "" {
		base.Storage.Bucket = override.Storage.Bucket
	}

	if override.Dataset.MirrorURL != "" {
		base.Dataset.MirrorURL = override.Dataset.MirrorURL
	}
	if override.Dataset.CacheDir != "" {
		base.Dataset.CacheDir = override.Dataset.CacheDir
	}
	if boolFieldSet(raw, "dataset", "verify_digests") {
		base.Dataset.VerifyDigests = override.Dataset.VerifyDigests
	}

	if override.Training.Backend != "" {
		base.Training.Backend = override.Training.Backend
	}
	if override.Training.Image != "" {
		base.Training.Image = override.Training.Image
	}
	if override.Training.OutputPrefix != "" {
		base.Training.OutputPrefix = override.Training.OutputPrefix
	}
	if override.Training.MaxRuntime != 0 {
		base.Training.MaxRuntime = override.Training.MaxRuntime
	}
	if override.Training.PollInterval != 0 {
		base.Training.PollInterval = override.Training.PollInterval
	}

	if boolFieldSet(raw, "serve", "enabled") {
		base.Serve.Enabled = override.Serve.Enabled
	}
	if override.Serve.Bind != "" {
		base.Serve.Bind = override.Serve.Bind
	}
	if boolFieldSet(raw, "serve", "require_token") {
		base.Serve.RequireToken = override.Serve.RequireToken
	}
	if override.Serve.AuthSecret != "" {
		base.Serve.AuthSecret = override.Serve.AuthSecret
	}
	if boolFieldSet(raw, "serve", "allowed_origins") {
		base.Serve.AllowedOrigins = append([]string{}, override.Serve.AllowedOrigins...)
	}
	if boolFieldSet(raw, "serve", "public_metrics") {
		base.Serve.PublicMetrics = override.Serve.PublicMetrics
	}

	if override.Endpoint.Host != "" {
		base.Endpoint.Host = override.Endpoint.Host
	}
	if override.Endpoint.BasePort != 0 {
		base.Endpoint.BasePort = override.Endpoint.BasePort
	}
	if override.Endpoint.MaxServing != 0 {
		base.Endpoint.MaxServing = override.Endpoint.MaxServing
	}
	if override.Endpoint.RateLimit != 0 {
		base.Endpoint.RateLimit = override.Endpoint.RateLimit
	}
	if override.Endpoint.RateBurst != 0 {
		base.Endpoint.RateBurst = override.Endpoint.RateBurst
	}
	if override.Endpoint.PingTimeout != 0 {
		base.Endpoint.PingTimeout = override.Endpoint.PingTimeout
	}

	if override.Bus.Kind != "" {
		base.Bus.Kind = override.Bus.Kind
	}
	if override.Bus.NATS.URL != "" {
		base.Bus.NATS.URL = override.Bus.NATS.URL
	}
	if override.Bus.NATS.Username != "" {
		base.Bus.NATS.Username = override.Bus.NATS.Username
	}
	if override.Bus.NATS.Password != "" {
		base.Bus.NATS.Password = override.Bus.NATS.Password
	}
	if override.Bus.NATS.Token != "" {
		base.Bus.NATS.Token = override.Bus.NATS.Token
	}
	if override.Bus.NATS.SubjectPrefix != "" {
		base.Bus.NATS.SubjectPrefix = override.Bus.NATS.SubjectPrefix
	}
	if override.Bus.NATS.ConnectTimeout != 0 {
		base.Bus.NATS.ConnectTimeout = override.Bus.NATS.ConnectTimeout
	}
	if override.Bus.NATS.RequestTimeout != 0 {
		base.Bus.NATS.RequestTimeout = override.Bus.NATS.RequestTimeout
	}

	if boolFieldSet(raw, "notify", "enabled") {
		base.Notify.Enabled = override.Notify.Enabled
	}
	if boolFieldSet(raw, "notify", "telegram", "enabled") {
		base.Notify.Telegram.Enabled = override.Notify.Telegram.Enabled
	}
	if override.Notify.Telegram.BotToken != "" {
		base.Notify.Telegram.BotToken = override.Notify.Telegram.BotToken
	}
	if override.Notify.Telegram.ChatID != "" {
		base.Notify.Telegram.ChatID = override.Notify.Telegram.ChatID
	}
	if boolFieldSet(raw, "notify", "slack", "enabled") {
		base.Notify.Slack.Enabled = override.Notify.Slack.Enabled
	}
	if override.Notify.Slack.WebhookURL != "" {
		base.Notify.Slack.WebhookURL = override.Notify.Slack.WebhookURL
	}
	if override.Notify.Slack.Channel != "" {
		base.Notify.Slack.Channel = override.Notify.Slack.Channel
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}

	if boolFieldSet(raw, "tracing", "enabled") {
		base.Tracing.Enabled = override.Tracing.Enabled
	}
	if override.Tracing.ServiceName != "" {
		base.Tracing.ServiceName = override.Tracing.ServiceName
	}

	if override.Retry.MaxRetries != 0 {
		base.Retry.MaxRetries = override.Retry.MaxRetries
	}
	if override.Retry.InitialBackoff != 0 {
		base.Retry.InitialBackoff = override.Retry.InitialBackoff
	}
	if override.Retry.MaxBackoff != 0 {
		base.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	if override.Retry.Multiplier != 0 {
		base.Retry.Multiplier = override.Retry.Multiplier
	}
}

func boolFieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
