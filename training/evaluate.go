package training

import (
	"fmt"
	"io"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/petml/animalvision/datasets"
	"github.com/petml/animalvision/model"
)

// Evaluate runs one no-gradient pass over the dataset and returns the top-1
// accuracy as a percentage: the predicted class of a sample is the index of
// its largest logit, and accuracy is 100 * correct / total over every sample,
// partial final batch included.
func Evaluate(backend backends.Backend, m *model.Classifier, ds *datasets.ImageDataset) (accuracy float64, err error) {
	defer recoverToError(&err)
	exec, err := context.NewExec(backend, m.Context(), func(ctx *context.Context, images *graph.Node) *graph.Node {
		logits := m.Forward(ctx, images)
		return graph.ArgMax(logits, -1, dtypes.Int32)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to build inference graph: %w", err)
	}

	ds.Reset()
	correct, total := 0, 0
	for {
		_, inputs, labels, yerr := ds.Yield()
		if yerr == io.EOF {
			break
		}
		if yerr != nil {
			return 0, fmt.Errorf("evaluation batch of %s: %w", ds.Name(), yerr)
		}
		out := exec.MustExec(inputs[0])[0]
		preds, ok := out.Value().([]int32)
		if !ok {
			return 0, fmt.Errorf("unexpected prediction tensor type %T", out.Value())
		}
		truth, err := labelValues(labels[0].Value())
		if err != nil {
			return 0, err
		}
		if len(preds) != len(truth) {
			return 0, fmt.Errorf("prediction/label count mismatch: %d vs %d", len(preds), len(truth))
		}
		correct += CountCorrect(preds, truth)
		total += len(truth)
	}
	if total == 0 {
		return 0, fmt.Errorf("dataset %s yielded no samples", ds.Name())
	}
	return 100 * float64(correct) / float64(total), nil
}

// CountCorrect counts positions where the predicted class matches the label.
func CountCorrect(preds, labels []int32) int {
	n := 0
	for i := range preds {
		if preds[i] == labels[i] {
			n++
		}
	}
	return n
}

// labelValues flattens a label tensor's value. Label batches are shaped
// [batch, 1], so the usual case is the nested slice.
func labelValues(v any) ([]int32, error) {
	switch t := v.(type) {
	case []int32:
		return t, nil
	case [][]int32:
		out := make([]int32, 0, len(t))
		for _, row := range t {
			if len(row) != 1 {
				return nil, fmt.Errorf("unexpected label row width %d", len(row))
			}
			out = append(out, row[0])
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected label tensor type %T", v)
}
