// Package canvas turns hand-drawn digit images into model input. It
// decodes PNG, JPEG, or GIF files (or a raw pixel-vector JSON file),
// reduces them to a 28x28 grayscale raster, and normalizes them the
// same way the training data is normalized.
package canvas

import (
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	kilnerrors "github.com/odvcencio/kiln/pkg/errors"
)

// Target raster dimensions. The digit itself is fit into a smaller box
// and centered by its mass, matching how the training images were made.
const (
	Width  = 28
	Height = 28

	glyphBox = 20
)

// Digit is a normalized grayscale raster ready for inference. Pixels
// are row-major values in [0, 1] where 1 is full ink.
type Digit struct {
	Pixels []float64
	Width  int
	Height int
}

// Load reads a digit from a file. JSON files must hold a flat array of
// Width*Height pixel values; anything else is decoded as an image.
func Load(path string) (*Digit, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return loadJSON(path)
	}
	return loadImage(path)
}

func loadJSON(path string) (*Digit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInvalidInput, "reading pixel file").
			WithContext("path", path)
	}

	var pixels []float64
	if err := json.Unmarshal(data, &pixels); err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInvalidInput, "parsing pixel file").
			WithContext("path", path).
			WithRemediation("the file must contain a flat JSON array of 784 pixel values")
	}
	if len(pixels) != Width*Height {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "wrong pixel count").
			WithContext("path", path).
			WithContext("got", len(pixels)).
			WithContext("want", Width*Height)
	}

	// Accept byte-scale input and rescale it.
	var max float64
	for _, p := range pixels {
		if p > max {
			max = p
		}
	}
	if max > 1 {
		for i := range pixels {
			pixels[i] /= 255
		}
	}
	for i, p := range pixels {
		pixels[i] = clamp01(p)
	}

	return &Digit{Pixels: pixels, Width: Width, Height: Height}, nil
}

func loadImage(path string) (*Digit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInvalidInput, "opening image").
			WithContext("path", path)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, kilnerrors.Wrap(err, kilnerrors.ErrCodeInvalidInput, "decoding image").
			WithContext("path", path).
			WithRemediation("supported formats are PNG, JPEG, and GIF")
	}
	_ = format

	return FromImage(img)
}

// FromImage converts a decoded image into a normalized digit raster.
func FromImage(img image.Image) (*Digit, error) {
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "empty image")
	}

	ink := toInk(img)
	ink = cropToGlyph(ink)
	if ink == nil {
		return nil, kilnerrors.New(kilnerrors.ErrCodeInvalidInput, "image contains no ink").
			WithRemediation("draw a digit with visible contrast against the background")
	}

	scaled := scaleToBox(ink, glyphBox)
	return &Digit{Pixels: centerByMass(scaled), Width: Width, Height: Height}, nil
}

// grid is a small row-major float raster used during preprocessing.
type grid struct {
	pix  []float64
	w, h int
}

func (g *grid) at(x, y int) float64 { return g.pix[y*g.w+x] }

// toInk converts the image to ink intensity. Drawings are usually dark
// strokes on a light background; training images are the opposite, so
// the raster is inverted when the background reads as bright.
func toInk(img image.Image) *grid {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	g := &grid{pix: make([]float64, w*h), w: w, h: h}
	var sum float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, gr, b, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// Rec. 601 luma over 16-bit channels.
			luma := (0.299*float64(r) + 0.587*float64(gr) + 0.114*float64(b)) / 0xffff
			if a == 0 {
				// Transparent pixels count as background.
				luma = 1
			}
			g.pix[y*w+x] = luma
			sum += luma
		}
	}

	if sum/float64(w*h) > 0.5 {
		for i, v := range g.pix {
			g.pix[i] = 1 - v
		}
	}
	return g
}

// cropToGlyph trims the raster to the bounding box of visible ink.
// Returns nil when the image is blank.
func cropToGlyph(g *grid) *grid {
	const threshold = 0.05

	minX, minY := g.w, g.h
	maxX, maxY := -1, -1
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			if g.at(x, y) <= threshold {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < 0 {
		return nil
	}

	w := maxX - minX + 1
	h := maxY - minY + 1
	out := &grid{pix: make([]float64, w*h), w: w, h: h}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.pix[y*w+x] = g.at(minX+x, minY+y)
		}
	}
	return out
}

// scaleToBox fits the glyph into a box*box raster, preserving aspect
// ratio, using box averaging over the source pixels under each cell.
func scaleToBox(g *grid, box int) *grid {
	outW, outH := box, box
	if g.w > g.h {
		outH = int(math.Round(float64(g.h) / float64(g.w) * float64(box)))
	} else if g.h > g.w {
		outW = int(math.Round(float64(g.w) / float64(g.h) * float64(box)))
	}
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	out := &grid{pix: make([]float64, outW*outH), w: outW, h: outH}
	for y := 0; y < outH; y++ {
		y0 := y * g.h / outH
		y1 := (y + 1) * g.h / outH
		if y1 <= y0 {
			y1 = y0 + 1
		}
		for x := 0; x < outW; x++ {
			x0 := x * g.w / outW
			x1 := (x + 1) * g.w / outW
			if x1 <= x0 {
				x1 = x0 + 1
			}

			var sum float64
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					sum += g.at(sx, sy)
				}
			}
			out.pix[y*outW+x] = clamp01(sum / float64((x1-x0)*(y1-y0)))
		}
	}
	return out
}

// centerByMass places the scaled glyph on the final raster so its
// center of mass lands on the raster center.
func centerByMass(g *grid) []float64 {
	var mass, mx, my float64
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			v := g.at(x, y)
			mass += v
			mx += v * float64(x)
			my += v * float64(y)
		}
	}

	cx, cy := float64(g.w-1)/2, float64(g.h-1)/2
	if mass > 0 {
		cx, cy = mx/mass, my/mass
	}
	offX := Width/2 - int(math.Round(cx)) - 1
	offY := Height/2 - int(math.Round(cy)) - 1

	out := make([]float64, Width*Height)
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			tx, ty := x+offX, y+offY
			if tx < 0 || tx >= Width || ty < 0 || ty >= Height {
				continue
			}
			out[ty*Width+tx] = g.at(x, y)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
