package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/odvcencio/kiln/pkg/session"
)

// openSession builds the shared platform session every subcommand uses.
// Callers own the returned session and must Close it.
func openSession(ctx context.Context) (*session.Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return session.New(ctx, session.Options{Config: cfg})
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// say writes progress output suppressed by --quiet. Command results
// (IDs, URIs, tables) go straight to stdout instead.
func say(format string, args ...any) {
	if quietMode {
		return
	}
	fmt.Printf(format+"\n", args...)
}
