package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveDataDir returns the absolute directory kiln should keep its state in.
// Preference order:
//  1. Explicit directory configured via storage.data_dir
//  2. ~/.kiln if no override is provided
func ResolveDataDir(cfg *Config) string {
	if cfg != nil {
		dir := strings.TrimSpace(cfg.Storage.DataDir)
		dir = expandHomeDir(dir)
		if dir != "" {
			if abs, err := filepath.Abs(dir); err == nil {
				return abs
			}
			return dir
		}
	}
	if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
		return filepath.Join(home, ".kiln")
	}
	return ".kiln"
}

// ResolveDatasetCacheDir returns where downloaded dataset archives live.
// Defaults to <data_dir>/datasets when dataset.cache_dir is unset.
func ResolveDatasetCacheDir(cfg *Config) string {
	if cfg != nil {
		dir := strings.TrimSpace(cfg.Dataset.CacheDir)
		dir = expandHomeDir(dir)
		if dir != "" {
			if abs, err := filepath.Abs(dir); err == nil {
				return abs
			}
			return dir
		}
	}
	return filepath.Join(ResolveDataDir(cfg), "datasets")
}

// ResolveObjectsDir returns the object store root, <data_dir>/objects.
func ResolveObjectsDir(cfg *Config) string {
	return filepath.Join(ResolveDataDir(cfg), "objects")
}

// ResolveJobsDir returns where training job scratch directories live.
func ResolveJobsDir(cfg *Config) string {
	return filepath.Join(ResolveDataDir(cfg), "jobs")
}

// ResolveEndpointsDir returns where endpoint runtime state lives.
func ResolveEndpointsDir(cfg *Config) string {
	return filepath.Join(ResolveDataDir(cfg), "endpoints")
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
