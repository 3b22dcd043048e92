package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"placement/rpc"
)

// In-process node client calling a handler directly, completing callbacks asynchronously
// like the HTTP client does.
type Client struct {
	mu      sync.Mutex
	handler rpc.Handler
	// Error returned by every call instead of reaching the handler, when set
	err   error
	calls map[string]int
}

func NewClient(handler rpc.Handler) *Client {
	return &Client{handler: handler, calls: map[string]int{}}
}

// Point the client to another handler, clearing any injected failure
func (c *Client) SetHandler(handler rpc.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	c.err = nil
}

// Make every following call fail with the given error, nil restores the handler
func (c *Client) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Number of calls to the given method
func (c *Client) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *Client) record(method string) (rpc.Handler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
	return c.handler, c.err
}

func (c *Client) RequestWorkerLease(ctx context.Context, req rpc.LeaseRequest, callback rpc.Callback[rpc.LeaseReply]) {
	handler, err := c.record("RequestWorkerLease")
	run(err, callback, func() (rpc.LeaseReply, error) {
		return handler.RequestWorkerLease(ctx, req)
	})
}

func (c *Client) ReturnWorker(_ context.Context, workerId uuid.UUID, disconnect bool) error {
	handler, err := c.record("ReturnWorker")
	if err != nil {
		return err
	}
	return handler.ReturnWorker(workerId, disconnect)
}

func (c *Client) ReleaseUnusedWorkers(_ context.Context, inUse []uuid.UUID, callback rpc.Callback[rpc.ReleaseUnusedWorkersReply]) {
	handler, err := c.record("ReleaseUnusedWorkers")
	run(err, callback, func() (rpc.ReleaseUnusedWorkersReply, error) {
		return handler.ReleaseUnusedWorkers(inUse)
	})
}

func (c *Client) CancelWorkerLease(_ context.Context, taskId uuid.UUID, callback rpc.Callback[rpc.CancelWorkerLeaseReply]) {
	handler, err := c.record("CancelWorkerLease")
	run(err, callback, func() (rpc.CancelWorkerLeaseReply, error) {
		return handler.CancelWorkerLease(taskId)
	})
}

func (c *Client) PrepareBundleResources(_ context.Context, bundle rpc.BundleSpec, callback rpc.Callback[rpc.PrepareBundleResourcesReply]) {
	handler, err := c.record("PrepareBundleResources")
	run(err, callback, func() (rpc.PrepareBundleResourcesReply, error) {
		return handler.PrepareBundleResources(bundle)
	})
}

func (c *Client) CommitBundleResources(_ context.Context, bundle rpc.BundleSpec, callback rpc.Callback[rpc.CommitBundleResourcesReply]) {
	handler, err := c.record("CommitBundleResources")
	run(err, callback, func() (rpc.CommitBundleResourcesReply, error) {
		return handler.CommitBundleResources(bundle)
	})
}

func (c *Client) CancelResourceReserve(_ context.Context, bundle rpc.BundleSpec, callback rpc.Callback[rpc.CancelResourceReserveReply]) {
	handler, err := c.record("CancelResourceReserve")
	run(err, callback, func() (rpc.CancelResourceReserveReply, error) {
		return handler.CancelResourceReserve(bundle)
	})
}

func (c *Client) ReleaseUnusedBundles(_ context.Context, inUse []rpc.BundleKey, callback rpc.Callback[rpc.ReleaseUnusedBundlesReply]) {
	handler, err := c.record("ReleaseUnusedBundles")
	run(err, callback, func() (rpc.ReleaseUnusedBundlesReply, error) {
		return handler.ReleaseUnusedBundles(inUse)
	})
}

func (c *Client) PinObjectIDs(_ context.Context, req rpc.PinObjectsRequest, callback rpc.Callback[rpc.PinObjectsReply]) {
	handler, err := c.record("PinObjectIDs")
	run(err, callback, func() (rpc.PinObjectsReply, error) {
		return handler.PinObjectIDs(req)
	})
}

func (c *Client) UpdateResourceUsage(_ context.Context, batch rpc.ResourceUsageBatch, callback rpc.Callback[rpc.UpdateResourceUsageReply]) {
	handler, err := c.record("UpdateResourceUsage")
	run(err, callback, func() (rpc.UpdateResourceUsageReply, error) {
		return handler.UpdateResourceUsage(batch)
	})
}

func (c *Client) RequestResourceReport(_ context.Context, callback rpc.Callback[rpc.ResourceReport]) {
	handler, err := c.record("RequestResourceReport")
	run(err, callback, func() (rpc.ResourceReport, error) {
		return handler.RequestResourceReport()
	})
}

func run[T any](err error, callback rpc.Callback[T], call func() (T, error)) {
	go func() {
		if err != nil {
			var zero T
			callback(zero, err)
			return
		}
		callback(call())
	}()
}

var ErrUnknownAddress = errors.New("no node listening at this address")

// Client factory resolving addresses to in-process clients. Unknown addresses get a client
// failing every call until a handler is added at that address.
type Cluster struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func NewCluster() *Cluster {
	return &Cluster{clients: map[string]*Client{}}
}

func (c *Cluster) Add(address string, handler rpc.Handler) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, found := c.clients[address]; found {
		client.SetHandler(handler)
		return client
	}
	client := NewClient(handler)
	c.clients[address] = client
	return client
}

func (c *Cluster) Client(address string) rpc.NodeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, found := c.clients[address]
	if !found {
		client = NewClient(nil)
		client.FailWith(ErrUnknownAddress)
		c.clients[address] = client
	}
	return client
}

func (c *Cluster) Factory() rpc.ClientFactory {
	return c.Client
}
