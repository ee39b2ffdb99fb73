package model

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
)

func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	backend, err := simplego.New("")
	if err != nil {
		t.Skipf("simplego backend unavailable: %v", err)
	}
	return backend
}

// rampInput builds a [1, size, size, 3] batch with distinct values, so output
// comparisons are meaningful.
func rampInput(size int) *tensors.Tensor {
	flat := make([]float32, size*size*3)
	for i := range flat {
		flat[i] = float32(i%97) / 97
	}
	return tensors.FromFlatDataAndDimensions(flat, 1, size, size, 3)
}

// forward runs the full model (extractor and head) on one batch and returns
// the logits row.
func forward(t *testing.T, backend backends.Backend, m *Classifier, input *tensors.Tensor) []float32 {
	t.Helper()
	exec, err := context.NewExec(backend, m.Context(), func(ctx *context.Context, images *graph.Node) *graph.Node {
		return m.Forward(ctx, images)
	})
	if err != nil {
		t.Fatalf("build forward graph: %v", err)
	}
	out := exec.MustExec(input)[0]
	rows, ok := out.Value().([][]float32)
	if !ok || len(rows) != 1 {
		t.Fatalf("unexpected logits value %T", out.Value())
	}
	return rows[0]
}

// saveCheckpoint persists the model's full context to dir.
func saveCheckpoint(t *testing.T, m *Classifier, dir string) {
	t.Helper()
	handler, err := checkpoints.Build(m.Context()).Dir(dir).Keep(1).Done()
	if err != nil {
		t.Fatalf("build checkpoint handler: %v", err)
	}
	if err := handler.Save(); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
}

// The dry run exercises the real graph machinery, so this test needs the
// simplego backend.
func TestFeatureWidthDryRun(t *testing.T) {
	backend := testBackend(t)

	m, err := New(backend, Config{NumClasses: 3, Width: 32, Height: 32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Four 2x2 pools take 32x32 to 2x2, times 64 output filters.
	if got := m.FeatureWidthValue(); got != 2*2*64 {
		t.Fatalf("feature width = %d, want %d", got, 2*2*64)
	}
}

// Saving the context and loading it into a freshly constructed
// identical-architecture model must restore forward outputs exactly.
func TestCheckpointRoundTrip(t *testing.T) {
	backend := testBackend(t)
	cfg := Config{NumClasses: 3, Width: 16, Height: 16}
	input := rampInput(16)

	src, err := New(backend, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := forward(t, backend, src, input)

	dir := filepath.Join(t.TempDir(), "ckpt")
	saveCheckpoint(t, src, dir)

	dst, err := New(backend, cfg)
	if err != nil {
		t.Fatalf("New (restore target): %v", err)
	}
	if err := dst.LoadCheckpoint(dir); err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	got := forward(t, backend, dst, input)
	if len(got) != len(want) {
		t.Fatalf("logits width %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("logit %d = %v after restore, want %v", i, got[i], want[i])
		}
	}
}

// A transfer model built from a checkpoint that carries a differently sized
// head must discard that head and build a fresh one, while every extractor
// variable comes back frozen.
func TestTransferDiscardsPretrainedHead(t *testing.T) {
	backend := testBackend(t)

	src, err := New(backend, Config{NumClasses: 3, Width: 16, Height: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Materialize the head before saving, so the checkpoint contains one.
	forward(t, backend, src, rampInput(16))
	dir := filepath.Join(t.TempDir(), "pretrained")
	saveCheckpoint(t, src, dir)

	dst, err := New(backend, Config{
		NumClasses:    2,
		Width:         16,
		Height:        16,
		Transfer:      true,
		PretrainedDir: dir,
	})
	if err != nil {
		t.Fatalf("New with transfer: %v", err)
	}
	logits := forward(t, backend, dst, rampInput(16))
	if len(logits) != 2 {
		t.Fatalf("transfer head produced %d logits, want 2", len(logits))
	}

	dst.Context().EnumerateVariables(func(v *context.Variable) {
		if strings.HasPrefix(v.Scope(), "/"+extractorScope) && v.Trainable {
			t.Fatalf("extractor variable %s/%s is still trainable", v.Scope(), v.Name())
		}
	})
}
