package rpc

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"placement/node"
	"placement/resource"
)

// Node reachable through the agent API
type Address struct {
	NodeId  node.NodeID
	Address string
}

type LeaseRequest struct {
	TaskId  uuid.UUID
	Request resource.Request
	// Number of tasks waiting behind this one on the caller side
	BacklogSize int64
	// Grant a worker right away or reject, never spill back nor queue
	GrantOrReject bool
	// Never grant a worker on the receiving node
	ForceSpillback bool
}

// Outcome of a lease request: either a granted worker, a node to retry at, a rejection or a cancellation
type LeaseReply struct {
	WorkerId      uuid.UUID
	WorkerAddress string
	NodeId        node.NodeID
	RetryAt       *Address
	Rejected      bool
	Canceled      bool
}

func (r LeaseReply) Granted() bool {
	return r.WorkerId != uuid.Nil && !r.Rejected && !r.Canceled
}

type ReturnWorkerRequest struct {
	WorkerId   uuid.UUID
	Disconnect bool
}

type ReleaseUnusedWorkersRequest struct {
	InUse []uuid.UUID
}

type ReleaseUnusedWorkersReply struct {
	Released []uuid.UUID
}

type CancelWorkerLeaseReply struct {
	Success bool
}

// Identifies a bundle within its placement group
type BundleKey struct {
	PlacementGroupId uuid.UUID
	Index            int
}

func (k BundleKey) String() string {
	return fmt.Sprintf("%s/%d", k.PlacementGroupId, k.Index)
}

// Placement-group resource reservation on one node
type BundleSpec struct {
	PlacementGroupId uuid.UUID
	Index            int
	NodeId           node.NodeID
	Resources        resource.Set
}

func (b BundleSpec) Key() BundleKey {
	return BundleKey{PlacementGroupId: b.PlacementGroupId, Index: b.Index}
}

type PrepareBundleResourcesReply struct {
	Success bool
}

type CommitBundleResourcesReply struct{}

type CancelResourceReserveReply struct{}

type ReleaseUnusedBundlesRequest struct {
	InUse []BundleKey
}

type ReleaseUnusedBundlesReply struct {
	Released []BundleKey
}

type PinObjectsRequest struct {
	Owner     string
	ObjectIds []uuid.UUID
}

type PinObjectsReply struct {
	// One entry per requested object, in the request order
	Successes []bool
}

// Resource state of a node as seen by its agent
type ResourceReport struct {
	NodeId                node.NodeID
	Name                  string
	Address               string
	Total                 resource.Set
	Available             resource.Set
	Labels                map[string]string
	AdmissionBackpressure bool
	PendingLeases         int
	Timestamp             time.Time
}

// Resource view built from the report
func (r ResourceReport) View() *resource.NodeResources {
	view := resource.NewNodeResources(r.Total, r.Labels)
	view.Available = r.Available.Clone()
	if view.Available == nil {
		view.Available = resource.Set{}
	}
	view.AdmissionBackpressure = r.AdmissionBackpressure
	return view
}

// Resource reports of every known node, sent to the agents so they can spill back
type ResourceUsageBatch struct {
	Reports []ResourceReport
}

type UpdateResourceUsageReply struct{}

type ErrResponse struct {
	HTTPStatusCode int
	Message        string
}
