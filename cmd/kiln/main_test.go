package main

import (
	"errors"
	"testing"
)

var errBoom = errors.New("boom")

func TestParseStartupOptionsDefaults(t *testing.T) {
	t.Setenv("KILN_QUIET", "")
	t.Setenv("NO_COLOR", "")

	opts, err := parseStartupOptions([]string{"jobs", "list"})
	if err != nil {
		t.Fatalf("parseStartupOptions failed: %v", err)
	}
	if opts.quiet || opts.noColor || opts.configPath != "" || opts.dataDir != "" {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
	if len(opts.args) != 2 || opts.args[0] != "jobs" || opts.args[1] != "list" {
		t.Fatalf("args = %v", opts.args)
	}
}

func TestParseStartupOptionsFlags(t *testing.T) {
	t.Setenv("KILN_QUIET", "")
	t.Setenv("NO_COLOR", "")

	opts, err := parseStartupOptions([]string{
		"--quiet", "--no-color", "--config", "/tmp/kiln.yaml", "--data-dir=/tmp/kiln", "train",
	})
	if err != nil {
		t.Fatalf("parseStartupOptions failed: %v", err)
	}
	if !opts.quiet || !opts.noColor {
		t.Fatalf("flags not applied: %+v", opts)
	}
	if opts.configPath != "/tmp/kiln.yaml" {
		t.Fatalf("configPath = %q", opts.configPath)
	}
	if opts.dataDir != "/tmp/kiln" {
		t.Fatalf("dataDir = %q", opts.dataDir)
	}
	if len(opts.args) != 1 || opts.args[0] != "train" {
		t.Fatalf("args = %v", opts.args)
	}
}

func TestParseStartupOptionsEnv(t *testing.T) {
	t.Setenv("KILN_QUIET", "1")
	t.Setenv("NO_COLOR", "true")

	opts, err := parseStartupOptions(nil)
	if err != nil {
		t.Fatalf("parseStartupOptions failed: %v", err)
	}
	if !opts.quiet || !opts.noColor {
		t.Fatalf("env not applied: %+v", opts)
	}
}

func TestParseStartupOptionsMissingValue(t *testing.T) {
	if _, err := parseStartupOptions([]string{"--config"}); err == nil {
		t.Fatal("expected error for dangling --config")
	}
	if _, err := parseStartupOptions([]string{"--data-dir"}); err == nil {
		t.Fatal("expected error for dangling --data-dir")
	}
}

func TestDispatchSubcommandUnknown(t *testing.T) {
	handled, code := dispatchSubcommand([]string{"frobnicate"})
	if !handled || code != 1 {
		t.Fatalf("handled=%v code=%d, want handled with exit 1", handled, code)
	}

	handled, code = dispatchSubcommand([]string{"--bogus"})
	if !handled || code != 1 {
		t.Fatalf("handled=%v code=%d for unknown flag", handled, code)
	}
}

func TestDispatchSubcommandVersionAndHelp(t *testing.T) {
	for _, arg := range []string{"version", "-v", "--version", "help", "-h", "--help"} {
		handled, code := dispatchSubcommand([]string{arg})
		if !handled || code != 0 {
			t.Fatalf("%s: handled=%v code=%d", arg, handled, code)
		}
	}
}

func TestDispatchSubcommandEmpty(t *testing.T) {
	handled, _ := dispatchSubcommand(nil)
	if handled {
		t.Fatal("empty args should not be handled")
	}
}

func TestExitCodeForError(t *testing.T) {
	if got := exitCodeForError(nil); got != 0 {
		t.Fatalf("nil error = %d", got)
	}
	if got := exitCodeForError(errBoom); got != 1 {
		t.Fatalf("plain error = %d", got)
	}
	if got := exitCodeForError(withExitCode(errBoom, 3)); got != 3 {
		t.Fatalf("coded error = %d", got)
	}
	if got := exitCodeForError(withExitCode(errBoom, 0)); got != 1 {
		t.Fatalf("zero-coded error = %d", got)
	}
}
