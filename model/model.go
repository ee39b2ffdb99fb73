// Package model defines the convolutional classifier: a feature extractor
// (optionally loaded from a pretrained checkpoint and frozen) followed by a
// flatten and a single linear head sized to the extractor's output.
package model

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/petml/animalvision/datasets"
)

const (
	extractorScope = "extractor"
	headScope      = "head"
)

// extractorFilters configures the conv stack: one 3x3 convolution + relu +
// 2x2 max-pool block per entry.
var extractorFilters = []int{16, 32, 64, 64}

// headVariableNames are the variables DenseWithBias creates under the head
// scope, used to purge a pretrained checkpoint's head before the head is
// first built.
var headVariableNames = []string{"weights", "biases"}

// Config holds the classifier's hyperparameters.
type Config struct {
	// NumClasses is the width of the linear head's output.
	NumClasses int

	// Width and Height of the input images (channels-last, 3 channels).
	Width, Height int

	// Transfer enables transfer learning: the feature extractor's weights
	// are loaded from PretrainedDir and excluded from gradient updates for
	// the model's whole lifetime.
	Transfer bool

	// PretrainedDir is the checkpoint directory holding the pretrained
	// extractor weights. Required when Transfer is set.
	PretrainedDir string
}

// Classifier is the trainable model: feature extractor -> flatten -> linear
// head producing unnormalized per-class scores (logits). All parameters live
// in the gomlx context; training mutates them through the optimizer and
// checkpointing persists the whole context.
type Classifier struct {
	Config Config

	ctx          *context.Context
	featureWidth int
}

// New builds a classifier for the given configuration. Construction performs
// a dry-run forward pass with a synthetic all-zeros batch of the configured
// geometry: it materializes the extractor's parameters, computes the
// flattened feature width the head is sized to, and surfaces any
// shape/configuration error immediately instead of at the first training
// batch. With Transfer set, the extractor's weights are first loaded from
// the pretrained checkpoint and, after the dry run, marked non-trainable.
func New(backend backends.Backend, cfg Config) (*Classifier, error) {
	if cfg.NumClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", cfg.NumClasses)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid input size %dx%d", cfg.Width, cfg.Height)
	}

	m := &Classifier{
		Config: cfg,
		ctx:    context.New().Checked(false),
	}

	if cfg.Transfer {
		if cfg.PretrainedDir == "" {
			return nil, fmt.Errorf("transfer learning requires a pretrained checkpoint directory")
		}
		if _, err := checkpoints.Build(m.ctx).Dir(cfg.PretrainedDir).Done(); err != nil {
			return nil, fmt.Errorf("failed to load pretrained extractor from %s: %w", cfg.PretrainedDir, err)
		}
		// Only the extractor survives from the pretrained run; a head saved
		// alongside it (possibly sized to different classes) is discarded.
		// The head variables are not materialized yet, they sit in the
		// checkpoint loader, so they are purged by name rather than by scope
		// enumeration.
		for _, name := range headVariableNames {
			m.ctx.DeleteVariable("/"+headScope+"/dense", name)
		}
	}

	width, err := m.FeatureWidth(backend)
	if err != nil {
		return nil, fmt.Errorf("dry-run forward pass failed for %dx%dx%d input: %w",
			cfg.Height, cfg.Width, datasets.NumChannels, err)
	}
	m.featureWidth = width

	if cfg.Transfer {
		m.freezeExtractor()
	}
	return m, nil
}

// Context exposes the variable context holding the model's parameters.
func (m *Classifier) Context() *context.Context { return m.ctx }

// FeatureWidthValue returns the flattened extractor output width computed at
// construction.
func (m *Classifier) FeatureWidthValue() int { return m.featureWidth }

// ModelGraph builds the forward computation for a batch of images, matching
// the gomlx trainer's model-function signature. inputs[0] is the image batch
// [batch, height, width, 3]; the single output is the logits node
// [batch, numClasses].
func (m *Classifier) ModelGraph(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
	return []*graph.Node{m.Forward(ctx, inputs[0])}
}

// Forward applies extractor, flatten and head to an image batch node.
func (m *Classifier) Forward(ctx *context.Context, images *graph.Node) *graph.Node {
	feats := extractorGraph(ctx.In(extractorScope), images)
	flat := flatten(feats)
	return layers.DenseWithBias(ctx.In(headScope), flat, m.Config.NumClasses)
}

// FeatureWidth runs the extractor on a synthetic all-zeros batch of the
// configured input shape and returns the flattened output width. The run
// shares the model's context, so extractor parameters created here are the
// ones training updates.
func (m *Classifier) FeatureWidth(backend backends.Backend) (width int, err error) {
	defer recoverToError(&err)
	exec, err := context.NewExec(backend, m.ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		return flatten(extractorGraph(ctx.In(extractorScope), images))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to build extractor graph: %w", err)
	}
	zeros := tensors.FromShape(shapes.Make(dtypes.Float32, 1, m.Config.Height, m.Config.Width, datasets.NumChannels))
	out := exec.MustExec(zeros)[0]
	defer out.FinalizeAll()
	return out.Shape().Dimensions[1], nil
}

// LoadCheckpoint restores the full parameter set (extractor and head) from a
// checkpoint directory previously written for an identical architecture.
func (m *Classifier) LoadCheckpoint(dir string) error {
	if _, err := checkpoints.Build(m.ctx).Dir(dir).Done(); err != nil {
		return fmt.Errorf("failed to load checkpoint from %s: %w", dir, err)
	}
	return nil
}

// freezeExtractor excludes every extractor parameter from gradient updates.
// The extractor has no train-time normalization layers, so frozen weights
// fully pin its behavior.
func (m *Classifier) freezeExtractor() {
	prefix := "/" + extractorScope
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.HasPrefix(v.Scope(), prefix) {
			v.Trainable = false
		}
	})
}

// extractorGraph is the convolutional backbone: stacked 3x3 same-padded
// convolutions with relu and 2x2 max-pooling, channels last.
func extractorGraph(ctx *context.Context, x *graph.Node) *graph.Node {
	for i, filters := range extractorFilters {
		ctxBlock := ctx.In(fmt.Sprintf("conv_%d", i))
		x = layers.Convolution(ctxBlock, x).Filters(filters).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
		x = graph.MaxPool(x).Window(2).Done()
	}
	return x
}

// flatten reshapes [batch, h, w, c] to [batch, h*w*c].
func flatten(x *graph.Node) *graph.Node {
	dims := x.Shape().Dimensions
	size := 1
	for _, d := range dims[1:] {
		size *= d
	}
	return graph.Reshape(x, dims[0], size)
}

// recoverToError converts gomlx's panic-style graph errors into an error
// return.
func recoverToError(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok {
			*err = e
			return
		}
		*err = fmt.Errorf("%v", r)
	}
}
