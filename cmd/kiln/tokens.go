package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/odvcencio/kiln/pkg/storage"
)

func runTokensCommand(args []string) error {
	sub := ""
	if len(args) > 0 {
		sub = strings.TrimSpace(args[0])
	}
	switch sub {
	case "create":
		return runTokensCreate(args[1:])
	case "list", "":
		return runTokensList()
	case "revoke":
		return runTokensRevoke(args[1:])
	default:
		return fmt.Errorf("usage: kiln tokens <create|list|revoke> [flags]")
	}
}

func runTokensCreate(args []string) error {
	fs := flag.NewFlagSet("tokens create", flag.ContinueOnError)
	name := fs.String("name", "", "Token display name (required)")
	owner := fs.String("owner", "", "Token owner")
	scope := fs.String("scope", storage.TokenScopeTrainer, "Token scope (viewer | trainer | operator)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("usage: kiln tokens create --name <name> [--scope s] [--owner o]")
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	secret, err := storage.GenerateAPITokenValue()
	if err != nil {
		return err
	}
	tok, err := sess.Store.CreateAPIToken(*name, *owner, *scope, secret)
	if err != nil {
		return err
	}

	// The secret is only shown once; the store keeps a hash.
	fmt.Printf("%s\t%s\t%s\n", tok.ID, tok.Scope, secret)
	return nil
}

func runTokensList() error {
	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	tokens, err := sess.Store.ListAPITokens()
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		say("No API tokens.")
		return nil
	}
	for _, tok := range tokens {
		state := "active"
		if tok.Revoked {
			state = "revoked"
		}
		fmt.Printf("%s\t%s\t%s\t%s...\t%s\n", tok.ID, tok.Name, tok.Scope, tok.Prefix, state)
	}
	return nil
}

func runTokensRevoke(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: kiln tokens revoke <token-id>")
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Store.RevokeAPIToken(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s\trevoked\n", args[0])
	return nil
}
