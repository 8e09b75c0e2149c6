// Package learner implements kiln's builtin digit classifier: a small
// feed-forward network trained with mini-batch SGD and momentum. It is a
// fixed-topology classifier, not a framework; heavier models belong in the
// docker training backend.
package learner

import (
	"context"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"time"

	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
)

// ModelFileName is the serialized network's name inside a model directory.
const ModelFileName = "model.gob"

// evalLimit caps how many training rows feed the per-epoch accuracy pass,
// keeping epoch cost dominated by the update loop rather than evaluation.
const evalLimit = 10000

// Config holds the learner's hyperparameters.
type Config struct {
	InputSize    int     `json:"inputSize"`
	HiddenSizes  []int   `json:"hiddenSizes"`
	OutputSize   int     `json:"outputSize"`
	LearningRate float64 `json:"learningRate"`
	Momentum     float64 `json:"momentum"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batchSize"`
	Seed         int64   `json:"seed"`
}

// DefaultConfig returns the hyperparameters the digit classifier trains
// with when the caller specifies none.
func DefaultConfig() Config {
	return Config{
		InputSize:    784,
		HiddenSizes:  []int{128, 64},
		OutputSize:   10,
		LearningRate: 0.1,
		Momentum:     0.9,
		Epochs:       10,
		BatchSize:    100,
		Seed:         42,
	}
}

func (c Config) validate() error {
	if c.InputSize <= 0 || c.OutputSize <= 0 {
		return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "input and output sizes must be positive").
			WithContext("inputSize", c.InputSize).
			WithContext("outputSize", c.OutputSize)
	}
	for _, h := range c.HiddenSizes {
		if h <= 0 {
			return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "hidden layer sizes must be positive").
				WithContext("hiddenSizes", c.HiddenSizes)
		}
	}
	if c.LearningRate <= 0 {
		return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "learning rate must be positive").
			WithContext("learningRate", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "momentum must be in [0, 1)").
			WithContext("momentum", c.Momentum)
	}
	if c.Epochs <= 0 || c.BatchSize <= 0 {
		return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "epochs and batch size must be positive").
			WithContext("epochs", c.Epochs).
			WithContext("batchSize", c.BatchSize)
	}
	return nil
}

// layerSizes returns the full size chain input -> hidden... -> output.
func (c Config) layerSizes() []int {
	sizes := make([]int, 0, len(c.HiddenSizes)+2)
	sizes = append(sizes, c.InputSize)
	sizes = append(sizes, c.HiddenSizes...)
	sizes = append(sizes, c.OutputSize)
	return sizes
}

// Network is a feed-forward classifier. Weights for layer l are flattened
// row-major, out x in.
type Network struct {
	cfg     Config
	sizes   []int
	weights [][]float64
	biases  [][]float64

	// Momentum buffers. Not serialized; training resumes cold.
	vw [][]float64
	vb [][]float64

	rng *rand.Rand
}

// New builds a network with He-initialized weights. The same seed always
// produces the same initial network.
func New(cfg Config) (*Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n := &Network{
		cfg:   cfg,
		sizes: cfg.layerSizes(),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
	layers := len(n.sizes) - 1
	n.weights = make([][]float64, layers)
	n.biases = make([][]float64, layers)
	n.vw = make([][]float64, layers)
	n.vb = make([][]float64, layers)

	for l := 0; l < layers; l++ {
		in, out := n.sizes[l], n.sizes[l+1]
		scale := math.Sqrt(2.0 / float64(in))
		n.weights[l] = make([]float64, in*out)
		for i := range n.weights[l] {
			n.weights[l][i] = n.rng.NormFloat64() * scale
		}
		n.biases[l] = make([]float64, out)
		n.vw[l] = make([]float64, in*out)
		n.vb[l] = make([]float64, out)
	}
	return n, nil
}

// Config returns the hyperparameters the network was built with.
func (n *Network) Config() Config {
	return n.cfg
}

// EpochMetrics records one epoch of training.
type EpochMetrics struct {
	Epoch    int           `json:"epoch"`
	Loss     float64       `json:"loss"`
	TrainAcc float64       `json:"trainAcc"`
	ValAcc   float64       `json:"valAcc"`
	Duration time.Duration `json:"duration"`
}

// TrainingSet pairs input vectors with class labels.
type TrainingSet struct {
	Inputs [][]float64
	Labels []int
}

// Len returns the number of examples.
func (t TrainingSet) Len() int {
	return len(t.Labels)
}

func (t TrainingSet) validate(inputSize, outputSize int) error {
	if len(t.Inputs) != len(t.Labels) {
		return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "inputs and labels differ in length").
			WithContext("inputs", len(t.Inputs)).
			WithContext("labels", len(t.Labels))
	}
	for i, in := range t.Inputs {
		if len(in) != inputSize {
			return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "input vector has wrong size").
				WithContext("index", i).
				WithContext("got", len(in)).
				WithContext("want", inputSize)
		}
		if t.Labels[i] < 0 || t.Labels[i] >= outputSize {
			return kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "label out of range").
				WithContext("index", i).
				WithContext("label", t.Labels[i])
		}
	}
	return nil
}

// Train runs mini-batch SGD for the configured number of epochs. onEpoch,
// if non-nil, fires after each epoch with that epoch's metrics. Training
// stops early when ctx is canceled.
func (n *Network) Train(ctx context.Context, train, val TrainingSet, onEpoch func(EpochMetrics)) ([]EpochMetrics, error) {
	if train.Len() == 0 {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "training set is empty")
	}
	if err := train.validate(n.cfg.InputSize, n.cfg.OutputSize); err != nil {
		return nil, err
	}
	if err := val.validate(n.cfg.InputSize, n.cfg.OutputSize); err != nil {
		return nil, err
	}

	indices := make([]int, train.Len())
	for i := range indices {
		indices[i] = i
	}

	history := make([]EpochMetrics, 0, n.cfg.Epochs)
	for epoch := 1; epoch <= n.cfg.Epochs; epoch++ {
		start := time.Now()
		n.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})

		lossSum := 0.0
		for batchStart := 0; batchStart < len(indices); batchStart += n.cfg.BatchSize {
			select {
			case <-ctx.Done():
				return history, ctx.Err()
			default:
			}

			batchEnd := batchStart + n.cfg.BatchSize
			if batchEnd > len(indices) {
				batchEnd = len(indices)
			}
			lossSum += n.trainBatch(train, indices[batchStart:batchEnd])
		}

		metrics := EpochMetrics{
			Epoch:    epoch,
			Loss:     lossSum / float64(len(indices)),
			Duration: time.Since(start),
		}
		metrics.TrainAcc = n.accuracy(train, evalLimit)
		if val.Len() > 0 {
			metrics.ValAcc = n.accuracy(val, 0)
		}

		history = append(history, metrics)
		if onEpoch != nil {
			onEpoch(metrics)
		}
	}
	return history, nil
}

// trainBatch accumulates gradients over one mini-batch and applies a
// momentum SGD step. Returns the batch's summed cross-entropy loss.
func (n *Network) trainBatch(train TrainingSet, batch []int) float64 {
	layers := len(n.sizes) - 1
	gradW := make([][]float64, layers)
	gradB := make([][]float64, layers)
	for l := 0; l < layers; l++ {
		gradW[l] = make([]float64, len(n.weights[l]))
		gradB[l] = make([]float64, len(n.biases[l]))
	}

	lossSum := 0.0
	for _, idx := range batch {
		acts, pres := n.forward(train.Inputs[idx])
		probs := acts[layers]
		label := train.Labels[idx]
		lossSum += crossEntropy(probs, label)

		// Softmax cross-entropy collapses to probs minus the one-hot target.
		delta := make([]float64, len(probs))
		copy(delta, probs)
		delta[label] -= 1

		for l := layers - 1; l >= 0; l-- {
			in := n.sizes[l]
			inAct := acts[l]
			for o, d := range delta {
				row := o * in
				for i, a := range inAct {
					gradW[l][row+i] += d * a
				}
				gradB[l][o] += d
			}
			if l == 0 {
				break
			}
			prev := make([]float64, in)
			for i := range prev {
				if pres[l-1][i] <= 0 {
					continue // ReLU gate
				}
				sum := 0.0
				for o, d := range delta {
					sum += d * n.weights[l][o*in+i]
				}
				prev[i] = sum
			}
			delta = prev
		}
	}

	scale := 1.0 / float64(len(batch))
	for l := 0; l < layers; l++ {
		for i := range n.weights[l] {
			n.vw[l][i] = n.cfg.Momentum*n.vw[l][i] - n.cfg.LearningRate*gradW[l][i]*scale
			n.weights[l][i] += n.vw[l][i]
		}
		for o := range n.biases[l] {
			n.vb[l][o] = n.cfg.Momentum*n.vb[l][o] - n.cfg.LearningRate*gradB[l][o]*scale
			n.biases[l][o] += n.vb[l][o]
		}
	}
	return lossSum
}

// forward returns per-layer activations (acts[0] is the input, acts[last]
// the softmax output) and pre-activations for the backward pass.
func (n *Network) forward(input []float64) (acts, pres [][]float64) {
	layers := len(n.sizes) - 1
	acts = make([][]float64, layers+1)
	pres = make([][]float64, layers)
	acts[0] = input

	for l := 0; l < layers; l++ {
		in, out := n.sizes[l], n.sizes[l+1]
		pre := make([]float64, out)
		for o := 0; o < out; o++ {
			sum := n.biases[l][o]
			row := o * in
			for i, a := range acts[l] {
				sum += n.weights[l][row+i] * a
			}
			pre[o] = sum
		}
		pres[l] = pre

		if l == layers-1 {
			acts[l+1] = softmax(pre)
			continue
		}
		act := make([]float64, out)
		for i, v := range pre {
			if v > 0 {
				act[i] = v
			}
		}
		acts[l+1] = act
	}
	return acts, pres
}

// Predict returns class probabilities for one input vector.
func (n *Network) Predict(input []float64) ([]float64, error) {
	if len(input) != n.cfg.InputSize {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "input vector has wrong size").
			WithContext("got", len(input)).
			WithContext("want", n.cfg.InputSize)
	}
	acts, _ := n.forward(input)
	return acts[len(acts)-1], nil
}

// Classify returns the most probable class and the full distribution.
func (n *Network) Classify(input []float64) (int, []float64, error) {
	probs, err := n.Predict(input)
	if err != nil {
		return 0, nil, err
	}
	return Argmax(probs), probs, nil
}

// Evaluate computes mean cross-entropy loss and accuracy over a set.
func (n *Network) Evaluate(set TrainingSet) (loss, acc float64, err error) {
	if err := set.validate(n.cfg.InputSize, n.cfg.OutputSize); err != nil {
		return 0, 0, err
	}
	if set.Len() == 0 {
		return 0, 0, nil
	}

	losses := make([]float64, set.Len())
	correct := make([]bool, set.Len())
	n.parallelRows(set.Len(), func(i int) {
		acts, _ := n.forward(set.Inputs[i])
		probs := acts[len(acts)-1]
		losses[i] = crossEntropy(probs, set.Labels[i])
		correct[i] = Argmax(probs) == set.Labels[i]
	})

	hits := 0
	for i := range losses {
		loss += losses[i]
		if correct[i] {
			hits++
		}
	}
	return loss / float64(set.Len()), float64(hits) / float64(set.Len()), nil
}

// accuracy scores up to limit rows (0 means all).
func (n *Network) accuracy(set TrainingSet, limit int) float64 {
	total := set.Len()
	if limit > 0 && total > limit {
		total = limit
	}
	if total == 0 {
		return 0
	}

	correct := make([]bool, total)
	n.parallelRows(total, func(i int) {
		acts, _ := n.forward(set.Inputs[i])
		correct[i] = Argmax(acts[len(acts)-1]) == set.Labels[i]
	})

	hits := 0
	for _, ok := range correct {
		if ok {
			hits++
		}
	}
	return float64(hits) / float64(total)
}

// parallelRows fans row work out across available cores.
func (n *Network) parallelRows(total int, fn func(i int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > total {
		workers = total
	}
	rowsPerWorker := (total + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if end > total {
			end = total
		}
		if start >= end {
			continue
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// Argmax returns the index of the largest value.
func Argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func softmax(pre []float64) []float64 {
	max := pre[0]
	for _, v := range pre[1:] {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	out := make([]float64, len(pre))
	for i, v := range pre {
		out[i] = math.Exp(v - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func crossEntropy(probs []float64, label int) float64 {
	p := probs[label]
	if p < 1e-12 {
		p = 1e-12
	}
	return -math.Log(p)
}
