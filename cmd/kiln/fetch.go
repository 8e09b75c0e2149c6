package main

import (
	"flag"
	"fmt"

	"github.com/odvcencio/kiln/pkg/dataset"
)

func runFetchCommand(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	name := "mnist"
	if fs.NArg() > 0 {
		name = fs.Arg(0)
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	fetcher := dataset.NewFetcher(sess.Config, dataset.Options{
		Store:  sess.Store,
		Logger: sess.Logger,
		Hub:    sess.Hub,
	})

	say("Fetching %s into %s ...", name, fetcher.CacheDir())
	local, err := fetcher.Fetch(ctx, name)
	if err != nil {
		return err
	}

	for _, f := range local.Files() {
		fmt.Printf("%s/%s\t%d bytes\t%s\n", f.Split, f.Role, f.Size, f.Path)
	}
	return nil
}
