package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/odvcencio/kiln/pkg/dataset"
	"github.com/odvcencio/kiln/pkg/objectstore"
	"github.com/odvcencio/kiln/pkg/session"
)

func runUploadCommand(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	datasetName := fs.String("dataset", "", "Stage a cached dataset as NDJSON and upload it")
	prefix := fs.String("prefix", "", "Key prefix inside the bucket")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *datasetName == "" && fs.NArg() == 0 {
		return fmt.Errorf("usage: kiln upload <path> [--prefix p], or kiln upload --dataset mnist")
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if *datasetName != "" {
		return uploadDataset(ctx, sess, *datasetName, *prefix)
	}

	uri, err := sess.UploadData(fs.Arg(0), *prefix)
	if err != nil {
		return err
	}
	fmt.Println(uri)
	return nil
}

// uploadDataset stages the train and test splits as NDJSON files and
// uploads them under the key prefix, printing one channel URI per line.
func uploadDataset(ctx context.Context, sess *session.Session, name, prefix string) error {
	fetcher := dataset.NewFetcher(sess.Config, dataset.Options{
		Store:  sess.Store,
		Logger: sess.Logger,
		Hub:    sess.Hub,
	})
	local, err := fetcher.Fetch(ctx, name)
	if err != nil {
		return err
	}

	if prefix == "" {
		prefix = "data/" + name
	}

	stageDir, err := os.MkdirTemp("", "kiln-stage-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stageDir)

	for _, split := range []string{dataset.SplitTrain, dataset.SplitTest} {
		s, err := local.Load(split)
		if err != nil {
			return err
		}
		staged := filepath.Join(stageDir, split+".ndjson")
		size, err := s.StageNDJSON(staged)
		if err != nil {
			return err
		}
		say("Staged %s split: %d samples, %d bytes", split, s.Len(), size)

		obj, err := sess.Objects.PutFile(sess.Config.Storage.Bucket, prefix+"/"+split+".ndjson", staged)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", split, obj.URI())
	}

	say("Uploaded %s to %s", name, objectstore.URI(sess.Config.Storage.Bucket, prefix))
	return nil
}
