package datasets

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func statsDataset(t *testing.T, dir string, w, h int) *ImageDataset {
	t.Helper()
	ix, err := IndexClassDirs([]string{dir})
	if err != nil {
		t.Fatalf("IndexClassDirs: %v", err)
	}
	// No ops and no normalization: fixtures are already target-sized, so the
	// estimator sees the raw pixel values.
	ds, err := NewImageDataset("stats", ix, &Pipeline{}, w, h, 1, false)
	if err != nil {
		t.Fatalf("NewImageDataset: %v", err)
	}
	return ds
}

func TestComputeStatsUniform(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cats")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writePNG(t, filepath.Join(dir, "a.png"), 4, 4, color.NRGBA{R: 51, G: 102, B: 255, A: 255})
	writePNG(t, filepath.Join(dir, "b.png"), 4, 4, color.NRGBA{R: 51, G: 102, B: 255, A: 255})

	stats, err := ComputeStats(statsDataset(t, dir, 4, 4))
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	want := [NumChannels]float32{51.0 / 255, 102.0 / 255, 1}
	for c := 0; c < NumChannels; c++ {
		if math.Abs(float64(stats.Mean[c]-want[c])) > 1e-4 {
			t.Fatalf("mean[%d] = %f, want %f", c, stats.Mean[c], want[c])
		}
		if stats.Std[c] != 0 {
			t.Fatalf("std[%d] = %f, want 0 for a uniform image", c, stats.Std[c])
		}
	}
}

func TestComputeStatsTwoValuePattern(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cats")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// 2x1 image: one black and one white pixel per channel. The per-sample
	// mean is 0.5 and the sample std (N-1 divisor over 2 pixels) is
	// sqrt(0.5).
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	f, err := os.Create(filepath.Join(dir, "ab.png"))
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	f.Close()

	stats, err := ComputeStats(statsDataset(t, dir, 2, 1))
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	wantStd := float32(math.Sqrt(0.5))
	for c := 0; c < NumChannels; c++ {
		if math.Abs(float64(stats.Mean[c]-0.5)) > 1e-4 {
			t.Fatalf("mean[%d] = %f, want 0.5", c, stats.Mean[c])
		}
		if math.Abs(float64(stats.Std[c]-wantStd)) > 1e-4 {
			t.Fatalf("std[%d] = %f, want %f", c, stats.Std[c], wantStd)
		}
	}
}

func TestStatsCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.gob")
	stats := Stats{
		Mean: [NumChannels]float32{0.1, 0.2, 0.3},
		Std:  [NumChannels]float32{0.4, 0.5, 0.6},
	}
	if err := SaveStatsCache(path, stats, 640, 640, 540, 10); err != nil {
		t.Fatalf("SaveStatsCache: %v", err)
	}

	got, err := LoadStatsCache(path, 640, 640, 540, 10)
	if err != nil {
		t.Fatalf("LoadStatsCache: %v", err)
	}
	if got != stats {
		t.Fatalf("round trip = %+v, want %+v", got, stats)
	}

	if _, err := LoadStatsCache(path, 320, 640, 540, 10); err == nil {
		t.Fatalf("expected geometry mismatch error")
	}
	if _, err := LoadStatsCache(path, 640, 640, 541, 10); err == nil {
		t.Fatalf("expected sample count mismatch error")
	}
	if _, err := LoadStatsCache(path, 640, 640, 540, 11); err == nil {
		t.Fatalf("expected seed mismatch error")
	}
	if _, err := LoadStatsCache(filepath.Join(t.TempDir(), "missing.gob"), 640, 640, 540, 10); err == nil {
		t.Fatalf("expected error for a missing cache file")
	}
}
