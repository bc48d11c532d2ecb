package behavior

import "math/rand/v2"

// Weighted is implemented by variants that take part in weighted selection.
type Weighted interface {
	VariantWeight() float64
}

// SelectWeighted draws one variant with probability proportional to its
// weight. rnd must return values in [0,1); nil uses math/rand/v2.
//
// The walk returns the first variant whose running sum is >= the draw, so
// a non-empty list whose weights are all zero always yields its first
// element. Negative weights count as zero.
func SelectWeighted[T Weighted](variants []T, rnd func() float64) (T, bool) {
	var zero T
	if len(variants) == 0 {
		return zero, false
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	total := 0.0
	for _, v := range variants {
		if w := v.VariantWeight(); w > 0 {
			total += w
		}
	}
	draw := rnd() * total
	running := 0.0
	for _, v := range variants {
		if w := v.VariantWeight(); w > 0 {
			running += w
		}
		if running >= draw {
			return v, true
		}
	}
	// Only reachable through floating point drift at the upper edge.
	return variants[len(variants)-1], true
}
