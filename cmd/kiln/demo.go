package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/odvcencio/kiln/pkg/dataset"
	"github.com/odvcencio/kiln/pkg/estimator"
	"github.com/odvcencio/kiln/pkg/objectstore"
	"github.com/odvcencio/kiln/pkg/report"
)

// runDemoCommand is the whole workflow in one process: fetch the
// dataset, stage and upload it, train, chart the metrics, deploy the
// model, predict a few held-out samples, and clean the endpoint up.
func runDemoCommand(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	epochs := fs.String("epochs", "5", "Training epochs")
	samples := fs.Int("samples", 3, "Held-out samples to predict after deploying")
	keep := fs.Bool("keep", false, "Leave the endpoint serving instead of deleting it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	name := "mnist"
	if fs.NArg() > 0 {
		name = fs.Arg(0)
	}
	if !strings.EqualFold(name, "mnist") {
		return fmt.Errorf("demo only knows the mnist flow")
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	reporter := report.NewReporter()
	reporter.SetNoColor(noColor)

	// 1. Fetch.
	say("[1/6] Fetching %s ...", name)
	fetcher := dataset.NewFetcher(sess.Config, dataset.Options{
		Store:  sess.Store,
		Logger: sess.Logger,
		Hub:    sess.Hub,
	})
	local, err := fetcher.Fetch(ctx, name)
	if err != nil {
		return err
	}

	// 2. Stage and upload.
	say("[2/6] Staging and uploading splits ...")
	prefix := "data/" + name
	if err := uploadDataset(ctx, sess, name, prefix); err != nil {
		return err
	}
	bucket := sess.Config.Storage.Bucket
	inputs := map[string]string{
		estimator.ChannelTraining: objectstore.URI(bucket, prefix+"/train.ndjson"),
		estimator.ChannelTest:     objectstore.URI(bucket, prefix+"/test.ndjson"),
	}

	// 3. Train.
	say("[3/6] Training ...")
	est, err := estimator.New(sess.Config, estimator.Spec{
		Name:            "mnist-demo",
		Hyperparameters: map[string]string{estimator.HPEpochs: *epochs},
		RunID:           sess.RunID,
	}, estimator.Options{
		Store:   sess.Store,
		Objects: sess.Objects,
		Bus:     sess.Bus,
		Hub:     sess.Hub,
		Logger:  sess.Logger,
	})
	if err != nil {
		return err
	}
	result, err := est.Fit(ctx, inputs)
	if err != nil {
		return err
	}

	// 4. Chart.
	say("[4/6] Training report:")
	if err := reporter.RenderJob(result.Job); err != nil {
		return err
	}

	// 5. Deploy and predict.
	endpointName := "mnist-demo"
	say("[5/6] Deploying %s ...", endpointName)
	predictor, err := est.Deploy(ctx, endpointName)
	if err != nil {
		return err
	}

	test, err := local.Test()
	if err != nil {
		return err
	}
	for i := 0; i < *samples && i < test.Len(); i++ {
		example := test.Sample(i)
		if err := reporter.RenderSample(example); err != nil {
			return err
		}
		probs, err := predictor.Predict(ctx, example.Pixels)
		if err != nil {
			return err
		}
		reporter.RenderPrediction(os.Stdout, probs)
	}

	// 6. Clean up.
	if *keep {
		say("[6/6] Endpoint %s left serving; delete it with 'kiln endpoints delete %s'.", endpointName, endpointName)
		<-ctx.Done()
		return nil
	}
	say("[6/6] Deleting endpoint %s ...", endpointName)
	if err := newEndpointManager(sess).Delete(ctx, endpointName); err != nil {
		return err
	}

	fmt.Printf("%s\t%s\n", result.Job.ID, result.ModelURI)
	return nil
}
