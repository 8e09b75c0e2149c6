package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/odvcencio/kiln/pkg/canvas"
	"github.com/odvcencio/kiln/pkg/dataset"
	"github.com/odvcencio/kiln/pkg/endpoint"
	"github.com/odvcencio/kiln/pkg/learner"
	"github.com/odvcencio/kiln/pkg/report"
)

func runPredictCommand(args []string) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	name := fs.String("endpoint", "", "Endpoint to invoke (required)")
	imagePath := fs.String("image", "", "Hand-drawn digit image (PNG/JPEG/GIF or 784-float JSON)")
	sample := fs.Int("sample", -1, "Predict cached dataset sample N instead of an image")
	datasetName := fs.String("dataset", "mnist", "Dataset for --sample")
	split := fs.String("split", dataset.SplitTest, "Dataset split for --sample")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("usage: kiln predict --endpoint <name> (--image <path> | --sample <n>)")
	}
	if *imagePath == "" && *sample < 0 {
		return fmt.Errorf("one of --image or --sample is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	rec, err := newEndpointManager(sess).Describe(*name)
	if err != nil {
		return err
	}
	predictor := endpoint.NewPredictor(sess.Config, rec.Name, rec.Port)
	if err := predictor.Ping(ctx); err != nil {
		return err
	}

	reporter := report.NewReporter()
	reporter.SetNoColor(noColor)

	var pixels []float64
	var wantLabel = -1
	if *imagePath != "" {
		digit, err := canvas.Load(*imagePath)
		if err != nil {
			return err
		}
		pixels = digit.Pixels
		if !quietMode {
			if err := reporter.RenderDigit(digit.Pixels, digit.Width, digit.Height); err != nil {
				return err
			}
		}
	} else {
		fetcher := dataset.NewFetcher(sess.Config, dataset.Options{
			Store:  sess.Store,
			Logger: sess.Logger,
			Hub:    sess.Hub,
		})
		local, err := fetcher.Fetch(ctx, *datasetName)
		if err != nil {
			return err
		}
		s, err := local.Load(*split)
		if err != nil {
			return err
		}
		if *sample >= s.Len() {
			return fmt.Errorf("sample %d out of range (%s split has %d)", *sample, *split, s.Len())
		}
		example := s.Sample(*sample)
		pixels = example.Pixels
		wantLabel = example.Label
		if !quietMode {
			if err := reporter.RenderSample(example); err != nil {
				return err
			}
		}
	}

	probs, err := predictor.Predict(ctx, pixels)
	if err != nil {
		return err
	}
	reporter.RenderPrediction(os.Stdout, probs)

	if wantLabel >= 0 {
		predicted := learner.Argmax(probs)
		if predicted != wantLabel {
			return withExitCode(fmt.Errorf("predicted %d, label was %d", predicted, wantLabel), 2)
		}
	}
	return nil
}
