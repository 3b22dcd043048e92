package scheduler

import (
	"github.com/rs/zerolog"

	"placement/node"
	"placement/resource"
)

// Placement-relevant state of one node for one request
type NodeInfo struct {
	IsFeasible  bool
	IsAvailable bool
	// Only meaningful when the node is both feasible and available, 1 otherwise
	CriticalResourceUtilization float64
}

func (i NodeInfo) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("feasible", i.IsFeasible).
		Bool("available", i.IsAvailable).
		Float64("critical-utilization", i.CriticalResourceUtilization)
}

// Evaluate a node resource view against a request.
//
// The local node ignores admission backpressure, remote nodes honor it.
func Evaluate(view node.ResourceView, req resource.Request, isLocal bool) NodeInfo {
	info := NodeInfo{CriticalResourceUtilization: 1}
	info.IsFeasible = view.IsFeasible(req)
	if !info.IsFeasible {
		return info
	}
	info.IsAvailable = view.IsAvailable(req, isLocal)
	if !info.IsAvailable {
		return info
	}
	info.CriticalResourceUtilization = view.CriticalUtilization()
	return info
}
