package datasets

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Split partitions the index into train/val/test with a two-stage stratified
// random split. Stage one draws a testFrac-sized stratified subset from the
// whole set; stage two draws the validation subset from the remaining "dev"
// samples. The validation count is valFrac of the ORIGINAL total, re-expressed
// as a fraction of the dev set, so the absolute number of validation samples
// tracks the full dataset size rather than the dev size. Both stages draw
// from a generator seeded with the same seed, so the two draws are correlated;
// this mirrors the behavior the pipeline was tuned with and must not be
// "fixed" to independent draws.
//
// The three partitions are pairwise disjoint and their union is exactly the
// input index.
func Split(ix *Index, valFrac, testFrac float64, seed int64) (train, val, test *Index, err error) {
	n := ix.Len()
	if n == 0 {
		return nil, nil, nil, fmt.Errorf("cannot split an empty index")
	}
	if valFrac <= 0 || testFrac <= 0 || valFrac+testFrac >= 1 {
		return nil, nil, nil, fmt.Errorf("invalid split fractions: val=%v test=%v", valFrac, testFrac)
	}

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	devPos, testPos, err := stratifiedDraw(ix.Labels, all, testFrac, len(ix.Classes), seed)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("test draw: %w", err)
	}

	// Re-express the requested validation count against the dev set.
	valSize := int(valFrac * float64(n))
	if valSize <= 0 || valSize >= len(devPos) {
		return nil, nil, nil, fmt.Errorf("validation size %d not drawable from dev set of %d", valSize, len(devPos))
	}
	valFracDev := float64(valSize) / float64(len(devPos))

	trainPos, valPos, err := stratifiedDraw(ix.Labels, devPos, valFracDev, len(ix.Classes), seed)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("val draw: %w", err)
	}

	return ix.Subset(trainPos), ix.Subset(valPos), ix.Subset(testPos), nil
}

// stratifiedDraw selects a drawn subset of ceil(frac*len(positions)) samples
// from positions, preserving class proportions, and returns (rest, drawn).
// Per-class counts are allocated proportionally with the largest remainders
// getting the leftover slots (ties resolved in label order). Membership within
// a class is a uniform shuffle driven by a generator freshly seeded with seed.
func stratifiedDraw(labels []int32, positions []int, frac float64, numClasses int, seed int64) (rest, drawn []int, err error) {
	n := len(positions)
	total := int(math.Ceil(frac*float64(n) - 1e-9))
	if total <= 0 || total >= n {
		return nil, nil, fmt.Errorf("draw of %d samples from %d is not a split", total, n)
	}

	byClass := make([][]int, numClasses)
	for _, p := range positions {
		l := labels[p]
		if int(l) >= numClasses {
			return nil, nil, fmt.Errorf("label %d out of range [0, %d)", l, numClasses)
		}
		byClass[l] = append(byClass[l], p)
	}

	// Proportional allocation, largest remainder.
	counts := make([]int, numClasses)
	type frem struct {
		class int
		rem   float64
	}
	rems := make([]frem, 0, numClasses)
	assigned := 0
	for c, members := range byClass {
		share := float64(total) * float64(len(members)) / float64(n)
		counts[c] = int(share)
		assigned += counts[c]
		rems = append(rems, frem{class: c, rem: share - float64(counts[c])})
	}
	sort.SliceStable(rems, func(i, j int) bool { return rems[i].rem > rems[j].rem })
	for i := 0; assigned < total; i++ {
		c := rems[i%len(rems)].class
		if counts[c] < len(byClass[c]) {
			counts[c]++
			assigned++
		}
	}

	r := rand.New(rand.NewSource(seed))
	for c, members := range byClass {
		shuffled := make([]int, len(members))
		copy(shuffled, members)
		r.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		drawn = append(drawn, shuffled[:counts[c]]...)
		rest = append(rest, shuffled[counts[c]:]...)
	}
	sort.Ints(rest)
	sort.Ints(drawn)
	return rest, drawn, nil
}
