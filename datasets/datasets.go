// Package datasets provides the on-disk image dataset for the classifier:
// a directory-per-class indexer, a stratified train/val/test splitter, a
// per-sample transform pipeline, per-channel normalization statistics and a
// lazily-loading dataset that yields gomlx tensors batch by batch.
//
// Images are only read when a batch needs them; the index itself holds just
// file paths and integer labels, so even large datasets stay cheap to hold
// in memory.
package datasets

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
)

// rng drives the randomized transforms and the per-epoch shuffles. The
// stratified splitter seeds its own generators and is unaffected.
var rng = rand.New(rand.NewSource(1))

// SeedRandom reseeds the package generator, making flip draws and epoch
// shuffles reproducible.
func SeedRandom(seed int64) {
	rng = rand.New(rand.NewSource(seed))
}

// Sample is a single indexed example: a file on disk plus its class label.
type Sample struct {
	Path  string
	Label int32
}

// Index is the label-encoded listing of a class-per-directory dataset.
// Paths and Labels are parallel; labels are contiguous ints 0..C-1 assigned
// in sorted class-name order.
type Index struct {
	Paths  []string
	Labels []int32

	// Classes holds the class names in label order (Classes[label] = name).
	Classes []string
}

// Len returns the number of indexed samples.
func (ix *Index) Len() int { return len(ix.Paths) }

// CountByClass returns the number of samples per label.
func (ix *Index) CountByClass() []int {
	counts := make([]int, len(ix.Classes))
	for _, l := range ix.Labels {
		counts[l]++
	}
	return counts
}

// Samples returns the index as a slice of Sample values.
func (ix *Index) Samples() []Sample {
	out := make([]Sample, len(ix.Paths))
	for i := range ix.Paths {
		out[i] = Sample{Path: ix.Paths[i], Label: ix.Labels[i]}
	}
	return out
}

// Subset returns a new Index containing only the given positions, preserving
// order. Class names are shared with the parent.
func (ix *Index) Subset(positions []int) *Index {
	sub := &Index{
		Paths:   make([]string, len(positions)),
		Labels:  make([]int32, len(positions)),
		Classes: ix.Classes,
	}
	for i, p := range positions {
		sub.Paths[i] = ix.Paths[p]
		sub.Labels[i] = ix.Labels[p]
	}
	return sub
}

// IndexClassDirs lists one directory per class and builds the label-encoded
// index. The class name is the directory's base name; labels are assigned by
// iterating class names in sorted order. Any listing failure or empty class
// directory is fatal: a partial dataset would silently skew the split.
func IndexClassDirs(dirs []string) (*Index, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no class directories given")
	}

	type class struct {
		name string
		dir  string
	}
	classes := make([]class, 0, len(dirs))
	for _, dir := range dirs {
		classes = append(classes, class{name: filepath.Base(filepath.Clean(dir)), dir: dir})
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].name < classes[j].name })
	for i := 1; i < len(classes); i++ {
		if classes[i].name == classes[i-1].name {
			return nil, fmt.Errorf("duplicate class name %q", classes[i].name)
		}
	}

	ix := &Index{}
	for label, c := range classes {
		entries, err := os.ReadDir(c.dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list class directory %s: %w", c.dir, err)
		}
		n := 0
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ix.Paths = append(ix.Paths, filepath.Join(c.dir, e.Name()))
			ix.Labels = append(ix.Labels, int32(label))
			n++
		}
		if n == 0 {
			return nil, fmt.Errorf("class directory %s contains no files", c.dir)
		}
		ix.Classes = append(ix.Classes, c.name)
	}
	return ix, nil
}
