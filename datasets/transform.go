package datasets

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// ImageOp is a single image-to-image step of the transform pipeline
// (resize, flips). Ops may be randomized; random ops draw from the package
// generator (see SeedRandom) rather than a per-sample one.
type ImageOp interface {
	Apply(img image.Image) image.Image
}

// Resize scales the image to Width x Height with bilinear interpolation.
type Resize struct {
	Width, Height int
}

func (r Resize) Apply(img image.Image) image.Image {
	dst := image.NewNRGBA(image.Rect(0, 0, r.Width, r.Height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// RandomHorizontalFlip mirrors the image left-right with probability P.
type RandomHorizontalFlip struct {
	P float64
}

func (f RandomHorizontalFlip) Apply(img image.Image) image.Image {
	if rng.Float64() >= f.P {
		return img
	}
	return flip(img, true)
}

// RandomVerticalFlip mirrors the image top-bottom with probability P.
type RandomVerticalFlip struct {
	P float64
}

func (f RandomVerticalFlip) Apply(img image.Image) image.Image {
	if rng.Float64() >= f.P {
		return img
	}
	return flip(img, false)
}

func flip(img image.Image, horizontal bool) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := b.Min.X+x, b.Min.Y+y
			if horizontal {
				dst.Set(w-1-x, y, img.At(sx, sy))
			} else {
				dst.Set(x, h-1-y, img.At(sx, sy))
			}
		}
	}
	return dst
}

// ToTensor converts an image to a flat HWC float32 buffer with RGB values
// scaled into [0, 1].
func ToTensor(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	buf := make([]float32, h*w*NumChannels)
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// RGBA returns 16-bit values.
			buf[i] = float32(r>>8) / 255
			buf[i+1] = float32(g>>8) / 255
			buf[i+2] = float32(bl>>8) / 255
			i += NumChannels
		}
	}
	return buf
}

// Normalize shifts and scales a HWC tensor buffer channel-wise in place:
// v = (v - mean[c]) / std[c].
func Normalize(buf []float32, mean, std [NumChannels]float32) {
	for i := 0; i < len(buf); i += NumChannels {
		for c := 0; c < NumChannels; c++ {
			buf[i+c] = (buf[i+c] - mean[c]) / std[c]
		}
	}
}

// Pipeline is the ordered per-sample transform: the image ops run first, then
// tensor conversion, then (optionally) channel normalization.
type Pipeline struct {
	Ops []ImageOp

	// Normalize enables channel normalization with Mean/Std after ToTensor.
	Normalize bool
	Mean, Std [NumChannels]float32
}

// Apply runs the pipeline on a decoded image and returns the flat HWC tensor
// buffer.
func (p *Pipeline) Apply(img image.Image) []float32 {
	for _, op := range p.Ops {
		img = op.Apply(img)
	}
	buf := ToTensor(img)
	if p.Normalize {
		Normalize(buf, p.Mean, p.Std)
	}
	return buf
}

// TrainPipeline is the augmented pipeline used for train and validation
// loading: resize, random flips, tensor conversion and normalization.
func TrainPipeline(width, height int, mean, std [NumChannels]float32) *Pipeline {
	return &Pipeline{
		Ops: []ImageOp{
			Resize{Width: width, Height: height},
			RandomHorizontalFlip{P: 0.5},
			RandomVerticalFlip{P: 0.5},
		},
		Normalize: true,
		Mean:      mean,
		Std:       std,
	}
}

// TestPipeline is the deterministic pipeline used for test loading: resize,
// tensor conversion and normalization, with no flips.
func TestPipeline(width, height int, mean, std [NumChannels]float32) *Pipeline {
	return &Pipeline{
		Ops:       []ImageOp{Resize{Width: width, Height: height}},
		Normalize: true,
		Mean:      mean,
		Std:       std,
	}
}

// StatsPipeline is the unnormalized augmented pipeline the normalization
// estimator runs over.
func StatsPipeline(width, height int) *Pipeline {
	return &Pipeline{
		Ops: []ImageOp{
			Resize{Width: width, Height: height},
			RandomHorizontalFlip{P: 0.5},
			RandomVerticalFlip{P: 0.5},
		},
	}
}
