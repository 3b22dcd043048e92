package node

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"placement/resource"
)

// Unique node identifier, ordered so that node traversals can be deterministic
type NodeID int64

func (id NodeID) String() string {
	return fmt.Sprintf("%d", id)
}

// Read-only resource state of a node, queried when taking a placement decision
type ResourceView interface {
	// Whether the node total capacity could ever satisfy the request
	IsFeasible(req resource.Request) bool
	// Whether the node free resources satisfy the request right now
	IsAvailable(req resource.Request, ignoreAdmissionBackpressure bool) bool
	// Maximum used/total ratio across the node resources, in [0,1]
	CriticalUtilization() float64
}

type Node struct {
	ID   NodeID
	Name string
	Api  string
	Role string
	View ResourceView
}

func NewNode(id NodeID, name string, api string, role string, view ResourceView) *Node {
	return &Node{
		ID:   id,
		Name: name,
		Api:  api,
		Role: role,
		View: view,
	}
}

// Known nodes, keyed by their identifier
type Map map[NodeID]*Node

// Node identifiers in ascending order, without the excluded one
func (m Map) SortedIDs(exclude NodeID) []NodeID {
	ids := make([]NodeID, 0, len(m))
	for _, id := range maps.Keys(m) {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Nodes in ascending identifier order
func (m Map) Sorted() []*Node {
	ids := maps.Keys(m)
	slices.Sort(ids)
	nodes := make([]*Node, len(ids))
	for i, id := range ids {
		nodes[i] = m[id]
	}
	return nodes
}
