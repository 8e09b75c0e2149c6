package main

import (
	"flag"
	"fmt"

	"github.com/odvcencio/kiln/pkg/endpoint"
	"github.com/odvcencio/kiln/pkg/session"
)

func newEndpointManager(sess *session.Session) *endpoint.Manager {
	return endpoint.NewManager(sess.Config, sess.Store, sess.Objects, endpoint.ManagerOptions{
		Bus:    sess.Bus,
		Hub:    sess.Hub,
		Logger: sess.Logger,
	})
}

// runDeployCommand stages a model behind a named endpoint and serves it
// in the foreground until the endpoint is deleted or the process is
// signalled.
func runDeployCommand(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	jobID := fs.String("job", "", "Job whose model artifact to deploy")
	uri := fs.String("uri", "", "Explicit artifact object URI")
	name := fs.String("name", "", "Endpoint name (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("usage: kiln deploy --name <endpoint> (--job <id> | --uri <uri>)")
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	modelURI, err := resolveModelURI(sess, *jobID, *uri)
	if err != nil {
		return err
	}

	manager := newEndpointManager(sess)
	rec, err := manager.Create(ctx, *name, modelURI)
	if err != nil {
		return err
	}

	server, err := endpoint.NewServer(manager, *name)
	if err != nil {
		return err
	}

	fmt.Printf("%s\thttp://%s\n", rec.Name, server.Addr())
	say("Serving %s; delete the endpoint or press Ctrl-C to stop.", rec.Name)
	return server.Serve(ctx)
}
