package training

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/petml/animalvision/datasets"
	"github.com/petml/animalvision/model"
)

func TestResetOptimizerStateDropsAdamMoments(t *testing.T) {
	ctx := context.New().Checked(false)
	ctx.In(optimizerStateScope).VariableWithValue("learning_rate", float32(0.1))
	ctx.In(optimizers.AdamDefaultScope).In("model").VariableWithValue("first_moment", float32(0.5))
	ctx.In("model").VariableWithValue("weights", float32(1))

	resetOptimizerState(ctx)

	var scopes []string
	ctx.EnumerateVariables(func(v *context.Variable) {
		scopes = append(scopes, v.Scope())
	})
	if len(scopes) != 1 || !strings.HasPrefix(scopes[0], "/model") {
		t.Fatalf("surviving variable scopes = %v, want only the model scope", scopes)
	}
}

// trainFixture writes two tiny class directories and wraps them as train and
// validation datasets of 16x16 images.
func trainFixture(t *testing.T) (trainDS, valDS *datasets.ImageDataset) {
	t.Helper()
	root := t.TempDir()
	dirs := make([]string, 2)
	for ci, name := range []string{"cats", "dogs"} {
		dir := filepath.Join(root, name)
		if err := os.Mkdir(dir, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
		for j := 0; j < 3; j++ {
			img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
			for y := 0; y < 16; y++ {
				for x := 0; x < 16; x++ {
					img.SetNRGBA(x, y, color.NRGBA{R: uint8(200 * ci), G: uint8(16 * y), B: uint8(16 * x), A: 255})
				}
			}
			f, err := os.Create(filepath.Join(dir, "img"+string(rune('a'+j))+".png"))
			if err != nil {
				t.Fatalf("create fixture: %v", err)
			}
			if err := png.Encode(f, img); err != nil {
				t.Fatalf("encode fixture: %v", err)
			}
			f.Close()
		}
		dirs[ci] = dir
	}

	ix, err := datasets.IndexClassDirs(dirs)
	if err != nil {
		t.Fatalf("IndexClassDirs: %v", err)
	}
	pipeline := &datasets.Pipeline{Ops: []datasets.ImageOp{datasets.Resize{Width: 16, Height: 16}}}
	trainDS, err = datasets.NewImageDataset("train", ix, pipeline, 16, 16, 2, true)
	if err != nil {
		t.Fatalf("train dataset: %v", err)
	}
	valDS, err = datasets.NewImageDataset("validation", ix, pipeline, 16, 16, 2, false)
	if err != nil {
		t.Fatalf("validation dataset: %v", err)
	}
	return trainDS, valDS
}

// Full training invocation against the real backend: the run must finish,
// record per-epoch history and leave a best checkpoint on disk (the first
// epoch always improves on the initial +Inf loss, so a save must happen).
func TestTrainValidateSavesBestCheckpoint(t *testing.T) {
	backend, err := simplego.New("")
	if err != nil {
		t.Skipf("simplego backend unavailable: %v", err)
	}
	trainDS, valDS := trainFixture(t)

	m, err := model.New(backend, model.Config{NumClasses: 2, Width: 16, Height: 16})
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	ckptDir := filepath.Join(t.TempDir(), "best_model")
	trainer := New(backend, Config{
		LearningRate:  1e-3,
		Epochs:        2,
		Patience:      2,
		CheckpointDir: ckptDir,
	})
	if err := trainer.TrainValidate(m, trainDS, valDS); err != nil {
		t.Fatalf("TrainValidate: %v", err)
	}

	if n := len(trainer.History); n < 1 || n > 2 {
		t.Fatalf("history has %d epochs, want 1 or 2", n)
	}
	for _, e := range trainer.History {
		if math.IsNaN(e.TrainLoss) || math.IsInf(e.TrainLoss, 0) || math.IsNaN(e.ValLoss) {
			t.Fatalf("epoch %d has non-finite losses: %+v", e.Epoch, e)
		}
	}
	entries, err := os.ReadDir(ckptDir)
	if err != nil {
		t.Fatalf("read checkpoint dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("no checkpoint written to %s", ckptDir)
	}
}
