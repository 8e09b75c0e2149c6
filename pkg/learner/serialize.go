package learner

import (
	"encoding/gob"
	"io"
	"os"

	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
)

// networkState is the gob wire form of a trained network. Momentum buffers
// are deliberately omitted; a loaded network trains from a cold optimizer.
type networkState struct {
	Config  Config
	Weights [][]float64
	Biases  [][]float64
}

// SaveTo serializes the network to w.
func (n *Network) SaveTo(w io.Writer) error {
	state := networkState{Config: n.cfg, Weights: n.weights, Biases: n.biases}
	if err := gob.NewEncoder(w).Encode(state); err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "encoding model")
	}
	return nil
}

// Save writes the network to path.
func (n *Network) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "creating model file").
			WithContext("path", path)
	}

	err = n.SaveTo(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = kilnerrors.Wrap(cerr, kilnerrors.ErrCodeStorageWrite, "closing model file").
			WithContext("path", path)
	}
	return err
}

// LoadFrom reads a serialized network from r.
func LoadFrom(r io.Reader) (*Network, error) {
	var state networkState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "decoding model")
	}

	n, err := New(state.Config)
	if err != nil {
		return nil, err
	}

	layers := len(n.sizes) - 1
	if len(state.Weights) != layers || len(state.Biases) != layers {
		return nil, kilnerrors.New(kilnerrors.ErrCodeStorageCorrupt, "model layer count does not match its config").
			WithContext("layers", layers).
			WithContext("weights", len(state.Weights))
	}
	for l := 0; l < layers; l++ {
		in, out := n.sizes[l], n.sizes[l+1]
		if len(state.Weights[l]) != in*out || len(state.Biases[l]) != out {
			return nil, kilnerrors.New(kilnerrors.ErrCodeStorageCorrupt, "model layer has wrong shape").
				WithContext("layer", l).
				WithContext("weights", len(state.Weights[l])).
				WithContext("biases", len(state.Biases[l]))
		}
	}

	n.weights = state.Weights
	n.biases = state.Biases
	return n, nil
}

// Load reads a network from path.
func Load(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageRead, "opening model file").
			WithContext("path", path)
	}
	defer f.Close()
	return LoadFrom(f)
}
