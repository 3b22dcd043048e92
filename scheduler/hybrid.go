package scheduler

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"placement/node"
	"placement/resource"
)

// Scheduler preferring the local node, packing lightly loaded nodes in id order, and spreading
// requests randomly over the remaining available nodes with a weight inversely proportional to
// their load.
//
// A HybridPolicy must not be shared across goroutines because of its random source.
type HybridPolicy struct {
	Rand Rand
}

func NewHybridPolicy(rng Rand) *HybridPolicy {
	return &HybridPolicy{Rand: rng}
}

// Decide which node should run the request.
//
// The local node must be part of the node map, Decide panics otherwise.
// Nodes are only queried, never modified: the caller has to make sure the node views aren't
// updated until the decision is taken.
func (p *HybridPolicy) Decide(req resource.Request, localId node.NodeID, nodes node.Map, opts Options) (node.NodeID, bool) {
	localNode, found := nodes[localId]
	if !found {
		log.Error().
			Stringer("local-node", localId).
			Int("nodes", len(nodes)).
			Msg("local node is missing from the node map")
		panic(fmt.Sprintf("local node %v is missing from the node map", localId))
	}

	localInfo := Evaluate(localNode.View, req, true)
	log.Debug().
		Stringer("node", localId).
		Object("info", localInfo).
		Msg("local node evaluated")

	if !opts.ForceSpillback && localInfo.IsFeasible && localInfo.IsAvailable &&
		localInfo.CriticalResourceUtilization < opts.SpreadThreshold {
		return localId, true
	}

	var feasibleId node.NodeID
	hasFeasible := false
	if localInfo.IsFeasible && !opts.ForceSpillback {
		feasibleId = localId
		hasFeasible = true
	}

	var candidates []Candidate
	if localInfo.IsAvailable && !opts.ForceSpillback {
		// Available but above the spread threshold, it competes with the other loaded nodes
		candidates = append(candidates, Candidate{
			Weight: 1 - localInfo.CriticalResourceUtilization,
			NodeId: localId,
		})
	}
	for _, id := range nodes.SortedIDs(localId) {
		info := Evaluate(nodes[id].View, req, false)
		log.Debug().
			Stringer("node", id).
			Object("info", info).
			Float64("spread-threshold", opts.SpreadThreshold).
			Msg("remote node evaluated")

		if !info.IsFeasible {
			continue
		}
		if !hasFeasible {
			feasibleId = id
			hasFeasible = true
		}
		if !info.IsAvailable {
			continue
		}
		// Lowest id lightly loaded node wins, not the least loaded one
		if info.CriticalResourceUtilization < opts.SpreadThreshold {
			return id, true
		}
		candidates = append(candidates, Candidate{
			Weight: 1 - info.CriticalResourceUtilization,
			NodeId: id,
		})
	}

	if len(candidates) == 0 {
		if opts.RequireAvailable {
			return 0, false
		}
		return feasibleId, hasFeasible
	}

	selected := Sample(p.Rand, candidates)
	log.Debug().
		Stringer("node", selected).
		Int("candidates", len(candidates)).
		Msg("node randomly selected")
	return selected, true
}
