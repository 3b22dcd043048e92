package scheduler

import (
	"sort"

	"golang.org/x/exp/slices"

	"placement/node"
)

// Node eligible for the weighted random selection
type Candidate struct {
	Weight float64
	NodeId node.NodeID
}

// Draw one node, with a probability proportional to its weight.
//
// Candidates must not be empty and their weights are expected to be non-negative, not all zero.
// The slice is reordered and its weights are replaced by cumulative bounds.
func Sample(rng Rand, candidates []Candidate) node.NodeID {
	// Ties are broken by node id so that equal weights keep a stable order
	slices.SortFunc(candidates, func(a, b Candidate) bool {
		if a.Weight != b.Weight {
			return a.Weight < b.Weight
		}
		return a.NodeId < b.NodeId
	})

	// Each weight becomes the upper bound of its node bucket
	sum := 0.0
	for i := range candidates {
		sum += candidates[i].Weight
		candidates[i].Weight = sum
	}

	draw := rng.Float64() * sum
	idx := sort.Search(len(candidates), func(i int) bool {
		return candidates[i].Weight >= draw
	})
	if idx == len(candidates) {
		// Rounding may push the draw past the last bound
		idx--
	}
	return candidates[idx].NodeId
}
