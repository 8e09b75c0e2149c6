package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/kiln/pkg/config"
)

const (
	envKilnDBPath  = "KILN_DB_PATH"
	envKilnDataDir = "KILN_DATA_DIR"
)

// loadConfig resolves configuration for a CLI invocation, honoring the
// global --config and --data-dir flags.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if dataDirOverride != "" {
		dir, err := expandHomePath(dataDirOverride)
		if err != nil {
			return nil, err
		}
		cfg.Storage.DataDir = dir
	}
	return cfg, nil
}

// resolveDBPath locates the metadata database without opening a full
// session, for the db subcommands.
func resolveDBPath() (string, error) {
	if path := strings.TrimSpace(os.Getenv(envKilnDBPath)); path != "" {
		return expandHomePath(path)
	}

	if dataDirOverride == "" {
		if dir := strings.TrimSpace(os.Getenv(envKilnDataDir)); dir != "" {
			dir, err := expandHomePath(dir)
			if err != nil {
				return "", err
			}
			return filepath.Join(dir, "kiln.db"), nil
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return filepath.Join(config.ResolveDataDir(cfg), "kiln.db"), nil
}

func expandHomePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
	}

	return path, nil
}
