package datasets

import (
	"fmt"
	"image"
	"io"
	"os"

	// Stdlib decoders plus the x/image formats, so class directories can mix
	// JPEG, PNG, GIF, BMP, TIFF and WebP files.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// NumChannels is the channel count every sample is decoded to (RGB).
const NumChannels = 3

// ImageDataset lazily loads images from an Index, applies a transform
// pipeline per sample and yields fixed-size batches as gomlx tensors. It
// implements gomlx's train.Dataset interface: Yield returns io.EOF once the
// epoch is exhausted and Reset rewinds (reshuffling when enabled).
//
// Inputs are shaped [batch, height, width, 3] float32 (channels last), labels
// [batch, 1] int32. The final batch of an epoch may be smaller than
// BatchSize.
type ImageDataset struct {
	name     string
	index    *Index
	pipeline *Pipeline

	// Width and Height of every transformed sample, fixed by the pipeline's
	// resize op.
	Width, Height int

	// BatchSize of yielded batches.
	BatchSize int

	shuffle bool
	perm    []int
	cursor  int
}

// NewImageDataset wraps an index with a transform pipeline. When shuffle is
// true the sample order is reshuffled on every Reset, using the package
// generator (see SeedRandom).
func NewImageDataset(name string, ix *Index, pipeline *Pipeline, width, height, batchSize int, shuffle bool) (*ImageDataset, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target image size %dx%d", width, height)
	}
	d := &ImageDataset{
		name:      name,
		index:     ix,
		pipeline:  pipeline,
		Width:     width,
		Height:    height,
		BatchSize: batchSize,
		shuffle:   shuffle,
		perm:      make([]int, ix.Len()),
	}
	for i := range d.perm {
		d.perm[i] = i
	}
	d.Reset()
	return d, nil
}

// Name implements train.Dataset.
func (d *ImageDataset) Name() string { return d.name }

// Len returns the number of samples.
func (d *ImageDataset) Len() int { return d.index.Len() }

// NumBatches returns the number of batches one epoch yields, counting the
// final partial batch.
func (d *ImageDataset) NumBatches() int {
	return (d.Len() + d.BatchSize - 1) / d.BatchSize
}

// RawExample decodes and transforms a single sample by index position,
// returning the flat HWC buffer and the label. Used by the normalization
// estimator and tests; Yield goes through the same path.
func (d *ImageDataset) RawExample(i int) ([]float32, int32, error) {
	if i < 0 || i >= d.index.Len() {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", i, d.index.Len())
	}
	img, err := decodeImage(d.index.Paths[i])
	if err != nil {
		return nil, 0, err
	}
	buf := d.pipeline.Apply(img)
	if want := d.Height * d.Width * NumChannels; len(buf) != want {
		return nil, 0, fmt.Errorf("transformed %s to %d values, want %d (%dx%dx%d)",
			d.index.Paths[i], len(buf), want, d.Height, d.Width, NumChannels)
	}
	return buf, d.index.Labels[i], nil
}

// Yield implements train.Dataset: it returns the next batch as gomlx tensors
// or io.EOF once the epoch is exhausted.
func (d *ImageDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if d.cursor >= len(d.perm) {
		return nil, nil, nil, io.EOF
	}
	end := d.cursor + d.BatchSize
	if end > len(d.perm) {
		end = len(d.perm)
	}
	batch := d.perm[d.cursor:end]
	d.cursor = end

	sampleLen := d.Height * d.Width * NumChannels
	flat := make([]float32, len(batch)*sampleLen)
	labs := make([]int32, len(batch))
	for bi, pos := range batch {
		buf, label, err := d.RawExample(pos)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load sample %d: %w", pos, err)
		}
		copy(flat[bi*sampleLen:], buf)
		labs[bi] = label
	}

	inT := tensors.FromFlatDataAndDimensions(flat, len(batch), d.Height, d.Width, NumChannels)
	labT := tensors.FromFlatDataAndDimensions(labs, len(batch), 1)
	return nil, []*tensors.Tensor{inT}, []*tensors.Tensor{labT}, nil
}

// Reset implements train.Dataset, rewinding to the start of a new epoch.
func (d *ImageDataset) Reset() {
	d.cursor = 0
	if d.shuffle {
		rng.Shuffle(len(d.perm), func(i, j int) {
			d.perm[i], d.perm[j] = d.perm[j], d.perm[i]
		})
	}
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	return img, nil
}
