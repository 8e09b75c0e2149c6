package main

import (
	"flag"
	"fmt"

	"github.com/odvcencio/kiln/pkg/estimator"
	"github.com/odvcencio/kiln/pkg/report"
)

func runTrainCommand(args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	name := fs.String("name", "mnist-mlp", "Job name prefix")
	backend := fs.String("backend", "", "Training backend (builtin | docker)")
	image := fs.String("image", "", "Container image for the docker backend")
	trainingURI := fs.String("training", "", "Training channel object URI (required)")
	testURI := fs.String("test", "", "Test channel object URI")
	outputURI := fs.String("output", "", "Output location for the model artifact")
	detach := fs.Bool("detach", false, "Submit the job and return without waiting")
	noReport := fs.Bool("no-report", false, "Skip the terminal report after training")

	epochs := fs.String("epochs", "", "Training epochs")
	learningRate := fs.String("learning-rate", "", "SGD learning rate")
	batchSize := fs.String("batch-size", "", "Mini-batch size")
	hidden := fs.String("hidden", "", "Hidden layer sizes, comma separated")
	momentum := fs.String("momentum", "", "SGD momentum")
	seed := fs.String("seed", "", "Weight initialization seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *trainingURI == "" {
		return fmt.Errorf("usage: kiln train --training <uri> [--test <uri>] [flags]")
	}

	hp := map[string]string{}
	for key, val := range map[string]*string{
		estimator.HPEpochs:       epochs,
		estimator.HPLearningRate: learningRate,
		estimator.HPBatchSize:    batchSize,
		estimator.HPHiddenLayers: hidden,
		estimator.HPMomentum:     momentum,
		estimator.HPSeed:         seed,
	} {
		if *val != "" {
			hp[key] = *val
		}
	}

	inputs := map[string]string{estimator.ChannelTraining: *trainingURI}
	if *testURI != "" {
		inputs[estimator.ChannelTest] = *testURI
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	est, err := estimator.New(sess.Config, estimator.Spec{
		Name:            *name,
		Backend:         *backend,
		Image:           *image,
		Hyperparameters: hp,
		OutputURI:       *outputURI,
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

	if *detach {
		job, err := est.Submit(ctx, inputs)
		if err != nil {
			return err
		}
		fmt.Println(job.ID)
		return nil
	}

	say("Training %s ...", *name)
	result, err := est.Fit(ctx, inputs)
	if err != nil {
		return err
	}

	fmt.Printf("%s\t%s\n", result.Job.ID, result.ModelURI)
	if *noReport || quietMode {
		return nil
	}

	reporter := report.NewReporter()
	reporter.SetNoColor(noColor)
	return reporter.RenderJob(result.Job)
}
