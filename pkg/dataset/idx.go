package dataset

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
)

// IDX magic numbers: unsigned byte data, 3 dimensions (images) or 1 (labels).
const (
	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// ImageSize is the side length of an MNIST digit raster.
const ImageSize = 28

// PixelCount is the flattened length of one image.
const PixelCount = ImageSize * ImageSize

// Plausibility bounds for IDX headers. The counts come from the file
// before any digest check, so they are capped rather than trusted:
// MNIST tops out at 60k examples of 28x28 pixels.
const (
	maxExamples  = 1 << 20
	maxDimension = 1 << 12
)

// Split holds one parsed dataset split in memory. Images are flattened
// row-major rasters of Rows*Cols bytes each.
type Split struct {
	Images [][]byte
	Labels []byte
	Rows   int
	Cols   int
}

// Len returns the number of examples in the split.
func (s *Split) Len() int {
	return len(s.Labels)
}

// ReadImages parses an IDX3 image stream into flattened rasters.
func ReadImages(r io.Reader) ([][]byte, int, int, error) {
	var header struct {
		Magic uint32
		Count uint32
		Rows  uint32
		Cols  uint32
	}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, 0, 0, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetParse, "reading image header")
	}
	if header.Magic != imageMagic {
		return nil, 0, 0, kilnerrors.New(kilnerrors.ErrCodeDatasetParse,
			fmt.Sprintf("bad image magic 0x%08x, want 0x%08x", header.Magic, imageMagic))
	}

	if header.Count > maxExamples {
		return nil, 0, 0, kilnerrors.New(kilnerrors.ErrCodeDatasetParse,
			fmt.Sprintf("implausible image count %d, limit %d", header.Count, maxExamples))
	}
	if header.Rows == 0 || header.Rows > maxDimension || header.Cols == 0 || header.Cols > maxDimension {
		return nil, 0, 0, kilnerrors.New(kilnerrors.ErrCodeDatasetParse,
			fmt.Sprintf("implausible image dimensions %dx%d", header.Rows, header.Cols))
	}

	pixels := int(header.Rows) * int(header.Cols)
	images := make([][]byte, header.Count)
	for i := range images {
		buf := make([]byte, pixels)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, 0, 0, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetParse,
				fmt.Sprintf("reading image %d of %d", i, header.Count))
		}
		images[i] = buf
	}
	return images, int(header.Rows), int(header.Cols), nil
}

// ReadLabels parses an IDX1 label stream.
func ReadLabels(r io.Reader) ([]byte, error) {
	var header struct {
		Magic uint32
		Count uint32
	}
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetParse, "reading label header")
	}
	if header.Magic != labelMagic {
		return nil, kilnerrors.New(kilnerrors.ErrCodeDatasetParse,
			fmt.Sprintf("bad label magic 0x%08x, want 0x%08x", header.Magic, labelMagic))
	}

	if header.Count > maxExamples {
		return nil, kilnerrors.New(kilnerrors.ErrCodeDatasetParse,
			fmt.Sprintf("implausible label count %d, limit %d", header.Count, maxExamples))
	}

	labels := make([]byte, header.Count)
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetParse, "reading labels")
	}
	return labels, nil
}

// LoadSplit parses a gzipped image/label file pair into a Split.
func LoadSplit(imagesPath, labelsPath string) (*Split, error) {
	images, rows, cols, err := withGzip(imagesPath, func(r io.Reader) ([][]byte, int, int, error) {
		return ReadImages(r)
	})
	if err != nil {
		return nil, err
	}

	labels, err := loadLabels(labelsPath)
	if err != nil {
		return nil, err
	}

	if len(images) != len(labels) {
		return nil, kilnerrors.New(kilnerrors.ErrCodeDatasetParse,
			fmt.Sprintf("%d images but %d labels", len(images), len(labels))).
			WithContext("images", imagesPath).
			WithContext("labels", labelsPath)
	}

	return &Split{Images: images, Labels: labels, Rows: rows, Cols: cols}, nil
}

func withGzip(path string, parse func(io.Reader) ([][]byte, int, int, error)) ([][]byte, int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetParse, "opening dataset file").
			WithContext("path", path)
	}
	defer f.Close()

	r, err := reader(f, path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer r.Close()

	return parse(r)
}

func loadLabels(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetParse, "opening dataset file").
			WithContext("path", path)
	}
	defer f.Close()

	r, err := reader(f, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return ReadLabels(r)
}

// reader wraps f in a gzip reader when the filename says so.
func reader(f *os.File, path string) (io.ReadCloser, error) {
	if strings.HasSuffix(filepath.Base(path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeDatasetParse, "opening gzip stream").
				WithContext("path", path)
		}
		return gz, nil
	}
	return io.NopCloser(f), nil
}
