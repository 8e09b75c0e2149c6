package main

import (
	"flag"
	"fmt"

	"github.com/odvcencio/kiln/pkg/api"
	"github.com/odvcencio/kiln/pkg/notify"
)

// runServeCommand starts the control-plane daemon: the HTTP/WebSocket
// API plus the notification watcher, sharing one session.
func runServeCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	bind := fs.String("bind", "", "Bind address (overrides serve.bind)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if *bind != "" {
		sess.Config.Serve.Bind = *bind
	}

	notifier, err := notify.FromConfig(sess.Config, sess.Logger)
	if err != nil {
		return err
	}
	if notifier != nil {
		if err := notifier.Watch(ctx, sess.Bus); err != nil {
			return err
		}
		defer notifier.Close()
	}

	srv, err := api.NewServer(api.Options{
		Config:    sess.Config,
		Store:     sess.Store,
		Objects:   sess.Objects,
		Runner:    newRunner(sess),
		Endpoints: newEndpointManager(sess),
		Bus:       sess.Bus,
		Tokens:    sess.Tokens,
		Logger:    sess.Logger,
		Version:   version,
	})
	if err != nil {
		return err
	}

	fmt.Printf("kiln control plane on %s\n", sess.Config.Serve.Bind)
	return srv.Serve(ctx)
}
