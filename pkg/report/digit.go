package report

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/odvcencio/kiln/pkg/dataset"
)

// Shade ramp from background to full ink. Two glyphs per pixel keep
// the raster roughly square in a terminal cell grid.
var shades = []rune{' ', '░', '▒', '▓', '█'}

// RenderDigit rasters one grayscale image as terminal blocks. pixels
// are row-major values in [0, 1]; width*height must match.
func (r *Reporter) RenderDigit(pixels []float64, width, height int) error {
	if width <= 0 || height <= 0 || len(pixels) != width*height {
		return fmt.Errorf("raster shape %dx%d does not match %d pixels", width, height, len(pixels))
	}

	var b strings.Builder
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := pixels[y*width+x]
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			idx := int(v * float64(len(shades)-1))
			b.WriteRune(shades[idx])
			b.WriteRune(shades[idx])
		}
		b.WriteByte('\n')
	}
	fmt.Fprint(r.out, b.String())
	return nil
}

// RenderSample rasters a dataset sample with its label underneath.
// Samples carry flat pixel vectors, so the raster is assumed square.
func (r *Reporter) RenderSample(s dataset.Sample) error {
	side := int(math.Sqrt(float64(len(s.Pixels))))
	if err := r.RenderDigit(s.Pixels, side, side); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s %d\n", r.style(r.boldStyle, "Label:"), s.Label)
	return nil
}

// RenderPrediction prints class probabilities as a small bar chart with
// the winning label highlighted.
func (r *Reporter) RenderPrediction(w io.Writer, probs []float64) {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}

	for i, p := range probs {
		bar := buildBar(p, 1, 20)
		line := fmt.Sprintf("%d %s %5.1f%%", i, bar, p*100)
		if i == best {
			line = r.style(r.successStyle.Bold(true), line)
		} else {
			line = r.style(r.dimStyle, line)
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%s %d\n", r.style(r.boldStyle, "Predicted:"), best)
}
