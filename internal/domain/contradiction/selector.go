package contradiction

import (
	"math/rand"
)

// Density levels and their base selection counts.
const (
	DensityLow    = "low"
	DensityMedium = "medium"
	DensityHigh   = "high"
)

var densityCounts = map[string]int{
	DensityLow:    3,
	DensityMedium: 6,
	DensityHigh:   10,
}

// Select picks the contradiction set for a session container. Selection is
// deterministic for a given (density, depth, seed) triple.
//
// Deeper sessions get more contradictions and harder credential bait:
// depth 1 draws from subtle entries only (difficulty <= 2); depth 2 adds
// one mandatory credential bait; depth >= 3 uses the full catalog with two
// mandatory credential baits.
func Select(density string, depth int, seed uint64) []Contradiction {
	rng := rand.New(rand.NewSource(int64(seed)))

	count, ok := densityCounts[density]
	if !ok {
		count = densityCounts[DensityMedium]
	}
	count = min(count+(depth-1), len(catalog))

	var pool, mandatory []Contradiction
	switch {
	case depth <= 1:
		pool = filter(catalog, func(c Contradiction) bool { return c.Difficulty <= 2 })
	case depth == 2:
		pool = filter(catalog, func(c Contradiction) bool { return c.Difficulty <= 3 })
		bait := filter(catalog, func(c Contradiction) bool { return c.Category == CategoryCredentials })
		mandatory = sample(rng, bait, min(1, len(bait)))
	default:
		pool = append([]Contradiction(nil), catalog...)
		bait := filter(catalog, func(c Contradiction) bool { return c.Category == CategoryCredentials })
		mandatory = sample(rng, bait, min(2, len(bait)))
	}

	if depth <= 1 {
		return sample(rng, pool, min(count, len(pool)))
	}

	remaining := filter(pool, func(c Contradiction) bool { return !contains(mandatory, c.Name) })
	n := max(0, count-len(mandatory))
	return append(mandatory, sample(rng, remaining, min(n, len(remaining)))...)
}

func filter(in []Contradiction, keep func(Contradiction) bool) []Contradiction {
	var out []Contradiction
	for _, c := range in {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func contains(in []Contradiction, name string) bool {
	for _, c := range in {
		if c.Name == name {
			return true
		}
	}
	return false
}

// sample draws k entries without replacement, preserving determinism for a
// given rng state.
func sample(rng *rand.Rand, pool []Contradiction, k int) []Contradiction {
	idx := rng.Perm(len(pool))[:k]
	out := make([]Contradiction, 0, k)
	for _, i := range idx {
		out = append(out, pool[i])
	}
	return out
}
