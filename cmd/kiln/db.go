package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/odvcencio/kiln/pkg/storage"
)

func runDBCommand(args []string) error {
	sub := ""
	if len(args) > 0 {
		sub = strings.TrimSpace(args[0])
	}
	switch sub {
	case "path":
		return runDBPath()
	case "vacuum":
		return runDBVacuum(args[1:])
	case "stats":
		return runDBStats()
	default:
		return fmt.Errorf("usage: kiln db <path|vacuum|stats> [flags]")
	}
}

func runDBPath() error {
	path, err := resolveDBPath()
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

// runDBVacuum writes a consistent snapshot with VACUUM INTO when --out
// is given, and compacts in place otherwise.
func runDBVacuum(args []string) error {
	fs := flag.NewFlagSet("db vacuum", flag.ContinueOnError)
	out := fs.String("out", "", "Write a backup snapshot instead of compacting in place")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dbPath, err := resolveDBPath()
	if err != nil {
		return err
	}

	if *out == "" {
		store, err := storage.New(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.VacuumDatabase(); err != nil {
			return err
		}
		fmt.Printf("Compacted %s\n", dbPath)
		return nil
	}

	outPath, err := expandHomePath(*out)
	if err != nil {
		return err
	}
	outPath, err = filepath.Abs(outPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", outPath)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat backup destination: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	_ = os.Remove(tmpPath)
	if err := vacuumInto(dbPath, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("finalize backup: %w", err)
	}

	fmt.Printf("Backed up %s -> %s\n", dbPath, outPath)
	return nil
}

func runDBStats() error {
	dbPath, err := resolveDBPath()
	if err != nil {
		return err
	}

	store, err := storage.New(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.GetDatabaseStats()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func vacuumInto(dbPath, outPath string) error {
	dbPath = strings.TrimSpace(dbPath)
	outPath = strings.TrimSpace(outPath)
	if dbPath == "" {
		return fmt.Errorf("db path cannot be empty")
	}
	if outPath == "" {
		return fmt.Errorf("output path cannot be empty")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	stmt := fmt.Sprintf("VACUUM INTO '%s'", escapeSQLiteString(outPath))
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("VACUUM INTO failed: %w", err)
	}
	return nil
}

func escapeSQLiteString(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}
