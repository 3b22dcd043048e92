package scheduler

import (
	"placement/node"
	"placement/resource"
)

// Resource view with fixed answers, counting the queries it receives
type fakeView struct {
	feasible    bool
	available   bool
	utilization float64
	// Only available when admission backpressure is ignored
	backpressured bool

	feasibleCalls    int
	availableCalls   int
	utilizationCalls int
	lastIgnoreFlag   bool
}

func (v *fakeView) IsFeasible(resource.Request) bool {
	v.feasibleCalls++
	return v.feasible
}

func (v *fakeView) IsAvailable(_ resource.Request, ignoreAdmissionBackpressure bool) bool {
	v.availableCalls++
	v.lastIgnoreFlag = ignoreAdmissionBackpressure
	if v.backpressured && !ignoreAdmissionBackpressure {
		return false
	}
	return v.available
}

func (v *fakeView) CriticalUtilization() float64 {
	v.utilizationCalls++
	return v.utilization
}

func availableView(utilization float64) *fakeView {
	return &fakeView{feasible: true, available: true, utilization: utilization}
}

func busyView() *fakeView {
	return &fakeView{feasible: true}
}

func infeasibleView() *fakeView {
	return &fakeView{}
}

func nodeMap(views map[node.NodeID]node.ResourceView) node.Map {
	nodes := node.Map{}
	for id, view := range views {
		nodes[id] = node.NewNode(id, id.String(), "", "worker", view)
	}
	return nodes
}

// Random source always returning the same value
type fixedRand float64

func (r fixedRand) Float64() float64 {
	return float64(r)
}

var anyRequest = resource.NewRequest(resource.Set{resource.CPU: 1})
