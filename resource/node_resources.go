package resource

import "math"

// Resource view of a single node: what it has in total, what is currently free, and
// whether its object-fetch admission control defers new work.
//
// NodeResources isn't safe for concurrent use, owners have to synchronize access.
type NodeResources struct {
	Total                 Set
	Available             Set
	Labels                map[string]string
	AdmissionBackpressure bool
}

func NewNodeResources(total Set, labels map[string]string) *NodeResources {
	if labels == nil {
		labels = map[string]string{}
	}
	return &NodeResources{
		Total:     total.Clone(),
		Available: total.Clone(),
		Labels:    labels,
	}
}

// Check if the node total capacity could ever satisfy the request
func (n *NodeResources) IsFeasible(req Request) bool {
	if !n.matchLabels(req.Labels) {
		return false
	}
	return fits(req.Resources, n.Total)
}

// Check if the currently free resources are enough to start the request right now
func (n *NodeResources) IsAvailable(req Request, ignoreAdmissionBackpressure bool) bool {
	if n.AdmissionBackpressure && !ignoreAdmissionBackpressure {
		return false
	}
	if !n.matchLabels(req.Labels) {
		return false
	}
	return fits(req.Resources, n.Available)
}

// Maximum used/total ratio across every resource the node has, in [0,1]
func (n *NodeResources) CriticalUtilization() float64 {
	highest := 0.0
	for name, total := range n.Total {
		if total <= 0 {
			continue
		}
		utilization := 1 - n.Available[name]/total
		highest = math.Max(highest, utilization)
	}
	return math.Min(math.Max(highest, 0), 1)
}

// Take the given resources from the available ones, either all of them or none
func (n *NodeResources) Allocate(resources Set) bool {
	if !fits(resources, n.Available) {
		return false
	}
	for name, quantity := range resources {
		if quantity > 0 {
			n.Available[name] -= quantity
		}
	}
	return true
}

// Give back resources previously allocated, never going past the total capacity
func (n *NodeResources) Release(resources Set) {
	for name, quantity := range resources {
		total, found := n.Total[name]
		if !found || quantity <= 0 {
			continue
		}
		n.Available[name] = math.Min(n.Available[name]+quantity, total)
	}
}

// Add new capacity, which is immediately available
func (n *NodeResources) AddCapacity(resources Set) {
	for name, quantity := range resources {
		n.Total[name] += quantity
		n.Available[name] += quantity
	}
}

// Remove capacity added with AddCapacity, resources which drop to zero are forgotten
func (n *NodeResources) RemoveCapacity(resources Set) {
	for name, quantity := range resources {
		n.Total[name] -= quantity
		n.Available[name] = math.Min(n.Available[name]-quantity, n.Total[name])
		if n.Total[name] <= 0 {
			delete(n.Total, name)
			delete(n.Available, name)
		}
	}
}

func (n *NodeResources) Clone() *NodeResources {
	labels := make(map[string]string, len(n.Labels))
	for k, v := range n.Labels {
		labels[k] = v
	}
	return &NodeResources{
		Total:                 n.Total.Clone(),
		Available:             n.Available.Clone(),
		Labels:                labels,
		AdmissionBackpressure: n.AdmissionBackpressure,
	}
}

func (n *NodeResources) matchLabels(required map[string]string) bool {
	for key, value := range required {
		if n.Labels[key] != value {
			return false
		}
	}
	return true
}

func fits(requested Set, capacity Set) bool {
	for name, quantity := range requested {
		if quantity <= 0 {
			continue
		}
		if quantity > capacity[name] {
			return false
		}
	}
	return true
}
