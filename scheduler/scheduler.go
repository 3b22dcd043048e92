package scheduler

import (
	"placement/node"
	"placement/resource"
)

// Placement decision parameters
type Options struct {
	// Utilization below which a node is lightly loaded and picked right away, in [0,1]
	SpreadThreshold float64
	// Never pick the local node
	ForceSpillback bool
	// Only pick a node able to run the request right now
	RequireAvailable bool
}

// Scheduler decides which single node should run a resource request.
//
// The returned boolean is false when no node could be selected.
type Scheduler interface {
	Decide(req resource.Request, localId node.NodeID, nodes node.Map, opts Options) (node.NodeID, bool)
}

// Source of uniform random values in [0,1), *rand.Rand satisfies it
type Rand interface {
	Float64() float64
}
