// Command classify trains a convolutional image classifier on a
// directory-per-class dataset: it indexes the class directories, makes a
// stratified train/val/test split, estimates per-channel normalization
// statistics from the training set, picks a learning rate by grid search,
// trains the final model with early stopping and reports top-1 test accuracy.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends/simplego"

	"github.com/petml/animalvision/datasets"
	"github.com/petml/animalvision/model"
	"github.com/petml/animalvision/training"
)

func main() {
	dataDir := flag.String("data-dir", "dataset/temp", "directory holding one subdirectory of images per class")
	classList := flag.String("classes", "cats,dogs,panda", "comma-separated class directory names under data-dir")
	numClasses := flag.Int("num-classes", 3, "number of classes; must match the classes list")
	width := flag.Int("width", 640, "width every image is resized to")
	height := flag.Int("height", 640, "height every image is resized to")
	valSplit := flag.Float64("val-split", 0.2, "fraction of the full dataset held out for validation")
	testSplit := flag.Float64("test-split", 0.2, "fraction of the full dataset held out for testing")
	seed := flag.Int64("seed", 10, "random seed for the split and the data shuffles")

	learningRate := flag.Float64("learning-rate", 1e-4, "learning rate used when the grid search is disabled (-lr-grid '')")
	lrGrid := flag.String("lr-grid", "1e-5,1e-4,1e-3,1e-2,1e-1,1", "comma-separated learning-rate candidates; empty disables the search")
	batchSize := flag.Int("batch-size", 2, "training batch size")
	epochs := flag.Int("epochs", 10, "maximum number of training epochs")
	patience := flag.Int("patience", 5, "consecutive non-improving validation epochs tolerated before early stopping")
	bestModelPath := flag.String("best-model-path", "best_model", "checkpoint directory the best model is saved to")

	transfer := flag.Bool("transfer", true, "freeze the feature extractor and load its weights from -pretrained")
	pretrained := flag.String("pretrained", "pretrained_backbone", "checkpoint directory holding pretrained extractor weights (required with -transfer)")

	statsCache := flag.String("stats-cache", "", "if set, gob file to cache normalization statistics in")
	plotsDir := flag.String("plots-dir", "", "if set, write a per-epoch loss plot PNG to this directory")
	verbose := flag.Bool("verbose", true, "log progress while training")
	flag.Parse()

	datasets.SeedRandom(*seed)

	classes := splitClasses(*classList)
	if len(classes) != *numClasses {
		log.Fatalf("got %d classes (%s) but -num-classes is %d", len(classes), *classList, *numClasses)
	}
	dirs := make([]string, len(classes))
	for i, c := range classes {
		dirs[i] = filepath.Join(*dataDir, c)
	}

	backend, err := simplego.New("")
	if err != nil {
		log.Fatalf("failed to create backend: %v", err)
	}

	ix, err := datasets.IndexClassDirs(dirs)
	if err != nil {
		log.Fatalf("failed to index dataset: %v", err)
	}
	if *verbose {
		counts := ix.CountByClass()
		for label, name := range ix.Classes {
			log.Printf("class %s: %d images", name, counts[label])
		}
		log.Printf("indexed %d images in %d classes", ix.Len(), len(ix.Classes))
	}

	trainIx, valIx, testIx, err := datasets.Split(ix, *valSplit, *testSplit, *seed)
	if err != nil {
		log.Fatalf("failed to split dataset: %v", err)
	}
	if *verbose {
		log.Printf("split: train=%d val=%d test=%d", trainIx.Len(), valIx.Len(), testIx.Len())
	}

	stats, err := trainingStats(trainIx, *width, *height, *statsCache, *seed, *verbose)
	if err != nil {
		log.Fatalf("failed to compute normalization statistics: %v", err)
	}
	if *verbose {
		log.Printf("normalization: mean=%v std=%v", stats.Mean, stats.Std)
	}

	trainDS, err := datasets.NewImageDataset("train", trainIx,
		datasets.TrainPipeline(*width, *height, stats.Mean, stats.Std), *width, *height, *batchSize, true)
	if err != nil {
		log.Fatalf("failed to build train dataset: %v", err)
	}
	valDS, err := datasets.NewImageDataset("validation", valIx,
		datasets.TrainPipeline(*width, *height, stats.Mean, stats.Std), *width, *height, *batchSize, false)
	if err != nil {
		log.Fatalf("failed to build validation dataset: %v", err)
	}
	testDS, err := datasets.NewImageDataset("test", testIx,
		datasets.TestPipeline(*width, *height, stats.Mean, stats.Std), *width, *height, *batchSize, false)
	if err != nil {
		log.Fatalf("failed to build test dataset: %v", err)
	}

	modelCfg := model.Config{
		NumClasses:    *numClasses,
		Width:         *width,
		Height:        *height,
		Transfer:      *transfer,
		PretrainedDir: *pretrained,
	}

	// One trial per candidate rate: train from scratch, reload the best
	// checkpoint that run produced and score it on the validation set.
	trial := func(rate float64) (float64, error) {
		m, err := model.New(backend, modelCfg)
		if err != nil {
			return 0, err
		}
		trainer := training.New(backend, training.Config{
			LearningRate:  rate,
			Epochs:        *epochs,
			Patience:      *patience,
			CheckpointDir: *bestModelPath,
			Verbose:       *verbose,
		})
		if err := trainer.TrainValidate(m, trainDS, valDS); err != nil {
			return 0, err
		}
		best, err := model.New(backend, modelCfg)
		if err != nil {
			return 0, err
		}
		if err := best.LoadCheckpoint(*bestModelPath); err != nil {
			return 0, err
		}
		loss, err := training.ValidationLoss(backend, best, valDS)
		if err != nil {
			return 0, err
		}
		if *verbose {
			log.Printf("learning rate %g: validation loss %.3f", rate, loss)
		}
		return loss, nil
	}

	bestRate := *learningRate
	if *lrGrid != "" {
		rates, err := parseRates(*lrGrid)
		if err != nil {
			log.Fatalf("invalid -lr-grid: %v", err)
		}
		rate, loss, err := training.FindBestRate(rates, trial)
		if err != nil {
			log.Fatalf("learning-rate search failed: %v", err)
		}
		bestRate = rate
		if *verbose {
			log.Printf("best learning rate %g (validation loss %.3f)", rate, loss)
		}
	}

	// Final run at the chosen rate; its best checkpoint overwrites whatever
	// the search left behind.
	m, err := model.New(backend, modelCfg)
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}
	trainer := training.New(backend, training.Config{
		LearningRate:  bestRate,
		Epochs:        *epochs,
		Patience:      *patience,
		CheckpointDir: *bestModelPath,
		Verbose:       *verbose,
	})
	if err := trainer.TrainValidate(m, trainDS, valDS); err != nil {
		log.Fatalf("training failed: %v", err)
	}

	if *plotsDir != "" {
		if err := ensureDir(*plotsDir); err != nil {
			log.Fatalf("failed to create plots directory %s: %v", *plotsDir, err)
		}
		plotPath := filepath.Join(*plotsDir, "loss.png")
		if err := training.SaveLossPlot(plotPath, trainer.History); err != nil {
			log.Fatalf("failed to write loss plot: %v", err)
		}
		if *verbose {
			log.Printf("loss plot written to %s", plotPath)
		}
	}

	best, err := model.New(backend, modelCfg)
	if err != nil {
		log.Fatalf("failed to rebuild model for evaluation: %v", err)
	}
	if err := best.LoadCheckpoint(*bestModelPath); err != nil {
		log.Fatalf("failed to load best checkpoint: %v", err)
	}
	accuracy, err := training.Evaluate(backend, best, testDS)
	if err != nil {
		log.Fatalf("test evaluation failed: %v", err)
	}
	fmt.Printf("test accuracy: %.2f%%\n", accuracy)
}

// trainingStats returns the per-channel normalization statistics of the
// training split, going through the gob cache at cachePath when one is
// configured: a valid cache is loaded, a missing or mismatched one is
// recomputed and rewritten.
func trainingStats(trainIx *datasets.Index, width, height int, cachePath string, seed int64, verbose bool) (datasets.Stats, error) {
	if cachePath != "" {
		stats, err := datasets.LoadStatsCache(cachePath, width, height, trainIx.Len(), seed)
		if err == nil {
			if verbose {
				log.Printf("loaded normalization statistics from %s", cachePath)
			}
			return stats, nil
		}
		if verbose {
			log.Printf("stats cache unusable (%v), recomputing", err)
		}
	}

	statsDS, err := datasets.NewImageDataset("stats", trainIx,
		datasets.StatsPipeline(width, height), width, height, 1, false)
	if err != nil {
		return datasets.Stats{}, err
	}
	stats, err := datasets.ComputeStats(statsDS)
	if err != nil {
		return datasets.Stats{}, err
	}
	if cachePath != "" {
		if err := datasets.SaveStatsCache(cachePath, stats, width, height, trainIx.Len(), seed); err != nil {
			log.Printf("warning: failed to save stats cache to %s: %v", cachePath, err)
		}
	}
	return stats, nil
}

func splitClasses(list string) []string {
	var out []string
	for _, c := range strings.Split(list, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func parseRates(list string) ([]float64, error) {
	var rates []float64
	for _, tok := range strings.Split(list, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		r, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("bad learning rate %q: %w", tok, err)
		}
		if r <= 0 {
			return nil, fmt.Errorf("learning rate must be positive, got %g", r)
		}
		rates = append(rates, r)
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("no learning rates in %q", list)
	}
	return rates, nil
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
