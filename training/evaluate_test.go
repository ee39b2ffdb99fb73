package training

import "testing"

func TestCountCorrect(t *testing.T) {
	preds := []int32{0, 1, 2, 2, 1, 0}
	labels := []int32{0, 1, 1, 2, 0, 0}
	if got := CountCorrect(preds, labels); got != 4 {
		t.Fatalf("CountCorrect = %d, want 4", got)
	}
	if got := CountCorrect(nil, nil); got != 0 {
		t.Fatalf("CountCorrect on empty slices = %d, want 0", got)
	}
}

func TestLabelValues(t *testing.T) {
	got, err := labelValues([][]int32{{2}, {0}, {1}})
	if err != nil {
		t.Fatalf("labelValues: %v", err)
	}
	if len(got) != 3 || got[0] != 2 || got[1] != 0 || got[2] != 1 {
		t.Fatalf("labelValues = %v, want [2 0 1]", got)
	}

	if _, err := labelValues([][]int32{{1, 2}}); err == nil {
		t.Fatalf("expected error for a label row wider than 1")
	}
	if _, err := labelValues("nope"); err == nil {
		t.Fatalf("expected error for a non-label value")
	}

	flat, err := labelValues([]int32{1, 0})
	if err != nil {
		t.Fatalf("labelValues flat: %v", err)
	}
	if len(flat) != 2 || flat[0] != 1 {
		t.Fatalf("labelValues flat = %v, want [1 0]", flat)
	}
}

func TestScalarLossRejectsEmptyMetrics(t *testing.T) {
	if _, err := scalarLoss(nil); err == nil {
		t.Fatalf("expected error for empty metrics")
	}
}
