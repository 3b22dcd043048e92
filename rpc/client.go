package rpc

import (
	"context"

	"github.com/google/uuid"
)

// Completion of an asynchronous call, invoked exactly once
type Callback[T any] func(reply T, err error)

type WorkerLeaseClient interface {
	RequestWorkerLease(ctx context.Context, req LeaseRequest, callback Callback[LeaseReply])
	ReturnWorker(ctx context.Context, workerId uuid.UUID, disconnect bool) error
	ReleaseUnusedWorkers(ctx context.Context, inUse []uuid.UUID, callback Callback[ReleaseUnusedWorkersReply])
	CancelWorkerLease(ctx context.Context, taskId uuid.UUID, callback Callback[CancelWorkerLeaseReply])
}

type ResourceReserveClient interface {
	PrepareBundleResources(ctx context.Context, bundle BundleSpec, callback Callback[PrepareBundleResourcesReply])
	CommitBundleResources(ctx context.Context, bundle BundleSpec, callback Callback[CommitBundleResourcesReply])
	CancelResourceReserve(ctx context.Context, bundle BundleSpec, callback Callback[CancelResourceReserveReply])
	ReleaseUnusedBundles(ctx context.Context, inUse []BundleKey, callback Callback[ReleaseUnusedBundlesReply])
}

type PinObjectsClient interface {
	PinObjectIDs(ctx context.Context, req PinObjectsRequest, callback Callback[PinObjectsReply])
}

type ResourceTrackingClient interface {
	UpdateResourceUsage(ctx context.Context, batch ResourceUsageBatch, callback Callback[UpdateResourceUsageReply])
	RequestResourceReport(ctx context.Context, callback Callback[ResourceReport])
}

// Every call a node agent answers
type NodeClient interface {
	WorkerLeaseClient
	ResourceReserveClient
	PinObjectsClient
	ResourceTrackingClient
}

// Creates the client of the node agent listening on the given address
type ClientFactory func(address string) NodeClient

// Server side of the node agent calls, answered synchronously
type Handler interface {
	RequestWorkerLease(ctx context.Context, req LeaseRequest) (LeaseReply, error)
	ReturnWorker(workerId uuid.UUID, disconnect bool) error
	ReleaseUnusedWorkers(inUse []uuid.UUID) (ReleaseUnusedWorkersReply, error)
	CancelWorkerLease(taskId uuid.UUID) (CancelWorkerLeaseReply, error)

	PrepareBundleResources(bundle BundleSpec) (PrepareBundleResourcesReply, error)
	CommitBundleResources(bundle BundleSpec) (CommitBundleResourcesReply, error)
	CancelResourceReserve(bundle BundleSpec) (CancelResourceReserveReply, error)
	ReleaseUnusedBundles(inUse []BundleKey) (ReleaseUnusedBundlesReply, error)

	PinObjectIDs(req PinObjectsRequest) (PinObjectsReply, error)

	UpdateResourceUsage(batch ResourceUsageBatch) (UpdateResourceUsageReply, error)
	RequestResourceReport() (ResourceReport, error)
}
