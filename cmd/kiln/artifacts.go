package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/odvcencio/kiln/pkg/artifact"
	"github.com/odvcencio/kiln/pkg/session"
)

func runArtifactsCommand(args []string) error {
	sub := ""
	if len(args) > 0 {
		sub = strings.TrimSpace(args[0])
	}
	switch sub {
	case "download":
		return runArtifactsDownload(args[1:])
	case "extract":
		return runArtifactsExtract(args[1:])
	default:
		return fmt.Errorf("usage: kiln artifacts <download|extract> [flags]")
	}
}

// resolveModelURI turns either --job or --uri into an object URI.
func resolveModelURI(sess *session.Session, jobID, uri string) (string, error) {
	if uri != "" {
		return uri, nil
	}
	if jobID == "" {
		return "", fmt.Errorf("either --job or --uri is required")
	}

	job, err := newRunner(sess).Describe(jobID)
	if err != nil {
		return "", err
	}
	if job.ModelURI == "" {
		return "", fmt.Errorf("job %s has no model artifact yet (status %s)", job.ID, job.Status)
	}
	return job.ModelURI, nil
}

func runArtifactsDownload(args []string) error {
	fs := flag.NewFlagSet("artifacts download", flag.ContinueOnError)
	jobID := fs.String("job", "", "Job whose model artifact to download")
	uri := fs.String("uri", "", "Explicit artifact object URI")
	out := fs.String("out", artifact.ArchiveName, "Destination path")
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

	modelURI, err := resolveModelURI(sess, *jobID, *uri)
	if err != nil {
		return err
	}

	obj, err := artifact.Download(sess.Objects, modelURI, *out)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%d bytes\n", *out, obj.SizeBytes)
	return nil
}

func runArtifactsExtract(args []string) error {
	fs := flag.NewFlagSet("artifacts extract", flag.ContinueOnError)
	jobID := fs.String("job", "", "Job whose model artifact to extract")
	uri := fs.String("uri", "", "Explicit artifact object URI")
	dir := fs.String("dir", "model", "Destination directory")
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

	modelURI, err := resolveModelURI(sess, *jobID, *uri)
	if err != nil {
		return err
	}

	if _, err := artifact.DownloadAndExtract(sess.Objects, modelURI, *dir); err != nil {
		return err
	}
	fmt.Println(*dir)
	return nil
}
