package dataset

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
)

// Sample is one example in the staging and invocation wire format.
type Sample struct {
	Label  int       `json:"label"`
	Pixels []float64 `json:"pixels"`
}

// Vector returns image i scaled to [0,1] floats, the form the learner and
// inference endpoints consume.
func (s *Split) Vector(i int) []float64 {
	img := s.Images[i]
	v := make([]float64, len(img))
	for j, p := range img {
		v[j] = float64(p) / 255.0
	}
	return v
}

// Sample returns example i in wire form.
func (s *Split) Sample(i int) Sample {
	return Sample{Label: int(s.Labels[i]), Pixels: s.Vector(i)}
}

// WriteNDJSON streams the split as one JSON sample per line.
func (s *Split) WriteNDJSON(w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i := range s.Images {
		if err := enc.Encode(s.Sample(i)); err != nil {
			return kilnerrors.Wrap(err, kilnerrors.ErrCodeInternal, "encoding sample").
				WithContext("index", i)
		}
	}
	return bw.Flush()
}

// StageNDJSON serializes the split to path for upload, creating parent
// directories as needed. Returns the staged file size.
func (s *Split) StageNDJSON(path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "creating staging directory").
			WithContext("path", path)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "creating staging file").
			WithContext("path", path)
	}

	if err := s.WriteNDJSON(f); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "closing staging file").
			WithContext("path", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, kilnerrors.Wrap(err, kilnerrors.ErrCodeStorageWrite, "stating staging file").
			WithContext("path", path)
	}
	return info.Size(), nil
}

// ReadNDJSON parses a staged split back into samples.
func ReadNDJSON(r io.Reader) ([]Sample, error) {
	var samples []Sample
	dec := json.NewDecoder(r)
	for {
		var sample Sample
		if err := dec.Decode(&sample); err == io.EOF {
			return samples, nil
		} else if err != nil {
			return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetParse, "decoding staged sample").
				WithContext("index", len(samples))
		}
		samples = append(samples, sample)
	}
}
