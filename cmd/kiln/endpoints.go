package main

import (
	"fmt"
	"strings"
)

func runEndpointsCommand(args []string) error {
	sub := ""
	if len(args) > 0 {
		sub = strings.TrimSpace(args[0])
	}
	switch sub {
	case "list", "":
		return runEndpointsList()
	case "delete":
		return runEndpointsDelete(args[1:])
	default:
		return fmt.Errorf("usage: kiln endpoints <list|delete> [name]")
	}
}

func runEndpointsList() error {
	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	records, err := newEndpointManager(sess).List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		say("No endpoints.")
		return nil
	}

	for _, rec := range records {
		fmt.Printf("%s\t%s\t:%d\t%s\n", rec.Name, rec.Status, rec.Port, rec.ModelURI)
	}
	return nil
}

func runEndpointsDelete(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kiln endpoints delete <name>")
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := newEndpointManager(sess).Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("%s\tdeleted\n", args[0])
	return nil
}
