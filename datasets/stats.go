package datasets

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// statsCacheVersion is incremented when the on-disk stats format changes.
const statsCacheVersion = 1

// Stats holds per-channel normalization statistics of a training set.
type Stats struct {
	Mean [NumChannels]float32
	Std  [NumChannels]float32
}

// ComputeStats runs one unnormalized pass over the dataset and accumulates
// per-channel statistics: for every sample, the spatial mean and sample
// standard deviation (N-1 divisor) of each channel are summed, and the sums
// are divided by the sample count at the end.
//
// Averaging per-sample deviations is a biased estimate of the global std --
// it underestimates cross-image variance -- but it is the estimate the
// normalization constants downstream were chosen against, so it is kept
// as is.
func ComputeStats(ds *ImageDataset) (Stats, error) {
	var stats Stats
	n := ds.Len()
	if n == 0 {
		return stats, fmt.Errorf("cannot compute statistics of an empty dataset")
	}

	var meanSum, stdSum [NumChannels]float64
	spatial := ds.Width * ds.Height
	for i := 0; i < n; i++ {
		buf, _, err := ds.RawExample(i)
		if err != nil {
			return stats, fmt.Errorf("stats pass: %w", err)
		}
		for c := 0; c < NumChannels; c++ {
			var sum float64
			for p := 0; p < spatial; p++ {
				sum += float64(buf[p*NumChannels+c])
			}
			mean := sum / float64(spatial)

			var sq float64
			for p := 0; p < spatial; p++ {
				d := float64(buf[p*NumChannels+c]) - mean
				sq += d * d
			}
			std := 0.0
			if spatial > 1 {
				std = math.Sqrt(sq / float64(spatial-1))
			}
			meanSum[c] += mean
			stdSum[c] += std
		}
	}
	for c := 0; c < NumChannels; c++ {
		stats.Mean[c] = float32(meanSum[c] / float64(n))
		stats.Std[c] = float32(stdSum[c] / float64(n))
	}
	return stats, nil
}

// statsCacheFormat is the on-disk representation of computed statistics,
// with enough metadata to reject a cache built from a different pass.
type statsCacheFormat struct {
	Version       int
	Width, Height int
	SampleCount   int
	Seed          int64
	CreatedAt     int64
	Stats         Stats
}

// SaveStatsCache writes the statistics to path as gob, atomically (temp file
// then rename).
func SaveStatsCache(path string, stats Stats, width, height, sampleCount int, seed int64) error {
	if path == "" {
		return fmt.Errorf("empty stats cache path")
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp stats file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}()

	enc := gob.NewEncoder(tmp)
	sc := statsCacheFormat{
		Version:     statsCacheVersion,
		Width:       width,
		Height:      height,
		SampleCount: sampleCount,
		Seed:        seed,
		CreatedAt:   time.Now().Unix(),
		Stats:       stats,
	}
	if err := enc.Encode(&sc); err != nil {
		return fmt.Errorf("encode stats cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp stats file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp stats cache: %w", err)
	}
	return nil
}

// LoadStatsCache reads statistics from path and validates that they were
// computed over the same pass (geometry, sample count, seed).
func LoadStatsCache(path string, width, height, sampleCount int, seed int64) (Stats, error) {
	var stats Stats
	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("open stats cache %s: %w", path, err)
	}
	defer f.Close()

	var sc statsCacheFormat
	if err := gob.NewDecoder(f).Decode(&sc); err != nil {
		return stats, fmt.Errorf("decode stats cache %s: %w", path, err)
	}
	if sc.Version != statsCacheVersion {
		return stats, fmt.Errorf("stats cache version mismatch: cache=%d expected=%d", sc.Version, statsCacheVersion)
	}
	if sc.Width != width || sc.Height != height {
		return stats, fmt.Errorf("stats cache geometry mismatch: cache=%dx%d expected=%dx%d", sc.Width, sc.Height, width, height)
	}
	if sc.SampleCount != sampleCount {
		return stats, fmt.Errorf("stats cache sample count mismatch: cache=%d expected=%d", sc.SampleCount, sampleCount)
	}
	if sc.Seed != seed {
		return stats, fmt.Errorf("stats cache seed mismatch: cache=%d expected=%d", sc.Seed, seed)
	}
	return sc.Stats, nil
}
