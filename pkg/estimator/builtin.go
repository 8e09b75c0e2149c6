package estimator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/odvcencio/kiln/pkg/dataset"
	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
	"github.com/odvcencio/kiln/pkg/learner"
	"github.com/odvcencio/kiln/pkg/telemetry"
	"github.com/odvcencio/kiln/pkg/trainjob"
)

const historyFileName = "metrics.json"

// builtinBackend trains in-process with the bundled learner. The staged
// data decides the network's input and output sizes; hyperparameters
// shape everything else.
type builtinBackend struct {
	e *Estimator
}

func (b builtinBackend) Run(ctx context.Context, job *trainjob.Job, workDir string, staged map[string]string, modelDir string) error {
	trainPath, ok := staged[ChannelTraining]
	if !ok {
		return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "builtin backend needs a training channel").
			WithContext("job_id", job.ID).
			WithContext("channels", channelNames(staged))
	}
	train, err := loadSamples(trainPath)
	if err != nil {
		return err
	}

	var val learner.TrainingSet
	if testPath, ok := staged[ChannelTest]; ok {
		if val, err = loadSamples(testPath); err != nil {
			return err
		}
	}

	cfg := b.e.learnCfg
	if train.Len() > 0 {
		cfg.InputSize = len(train.Inputs[0])
	}
	cfg.OutputSize = outputSize(train, val)

	network, err := learner.New(cfg)
	if err != nil {
		return err
	}

	onEpoch := func(m learner.EpochMetrics) {
		accuracy := m.ValAcc
		if val.Len() == 0 {
			accuracy = m.TrainAcc
		}
		if err := b.e.runner.RecordMetric(ctx, job.ID, m.Epoch, m.Loss, accuracy, m.Duration); err != nil {
			b.e.logError("job.metric", "recording epoch metric failed", map[string]any{
				"job_id": job.ID,
				"epoch":  m.Epoch,
				"error":  err.Error(),
			})
		}
		b.e.publishHub(telemetry.Event{
			Type:  telemetry.EventJobEpochCompleted,
			JobID: job.ID,
			Data: map[string]any{
				"epoch":     m.Epoch,
				"loss":      m.Loss,
				"train_acc": m.TrainAcc,
				"val_acc":   m.ValAcc,
			},
		})
	}

	history, err := network.Train(ctx, train, val, onEpoch)
	if err != nil {
		return err
	}

	if err := network.Save(filepath.Join(modelDir, learner.ModelFileName)); err != nil {
		return err
	}
	return writeHistory(modelDir, history)
}

// loadSamples reads a staged NDJSON split into a training set.
func loadSamples(path string) (learner.TrainingSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return learner.TrainingSet{}, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "opening staged input").
			WithContext("path", path)
	}
	defer f.Close()

	samples, err := dataset.ReadNDJSON(f)
	if err != nil {
		return learner.TrainingSet{}, err
	}

	set := learner.TrainingSet{
		Inputs: make([][]float64, len(samples)),
		Labels: make([]int, len(samples)),
	}
	for i, s := range samples {
		set.Inputs[i] = s.Pixels
		set.Labels[i] = s.Label
	}
	return set, nil
}

func outputSize(sets ...learner.TrainingSet) int {
	max := 0
	for _, set := range sets {
		for _, label := range set.Labels {
			if label > max {
				max = label
			}
		}
	}
	if max < 1 {
		max = 1
	}
	return max + 1
}

// writeHistory drops the epoch history into the artifact next to the
// model file.
func writeHistory(modelDir string, history []learner.EpochMetrics) error {
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "encoding epoch history")
	}
	if err := os.WriteFile(filepath.Join(modelDir, historyFileName), data, 0o644); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "writing epoch history")
	}
	return nil
}

func channelNames(staged map[string]string) []string {
	names := make([]string, 0, len(staged))
	for name := range staged {
		names = append(names, name)
	}
	return names
}
