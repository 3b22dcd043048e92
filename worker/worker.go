package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"placement/node"
	"placement/resource"
	"placement/rpc"
	"placement/scheduler"
	"placement/stats"
	"placement/store"
)

var (
	ErrUnknownWorker = errors.New("unknown worker")
	ErrUnknownBundle = errors.New("unknown bundle")
)

type Config struct {
	Id      node.NodeID
	Name    string
	Address string
	// Schedulable resources, taken from the machine stats when empty
	Capacity resource.Set
	Labels   map[string]string
	// Utilization below which this node keeps the leases it could grant
	SpreadThreshold float64
	// Queued leases above which the node stops accepting work from remote nodes, 0 disables it
	MaxPendingLeases int
	StoreType        string
	Seed             int64
}

// Worker granted to a task
type Lease struct {
	WorkerId  uuid.UUID
	TaskId    uuid.UUID
	Resources resource.Set
	GrantedAt time.Time
}

type BundleState int

const (
	Prepared BundleState = iota
	Committed
)

type Bundle struct {
	Spec  rpc.BundleSpec
	State BundleState
}

type pendingLease struct {
	req   rpc.LeaseRequest
	reply chan rpc.LeaseReply
	done  bool
}

// Node agent: owns the local resource view, leases workers to tasks, reserves placement-group
// bundles, pins objects, and spills requests back to other nodes when it is too loaded.
type Agent struct {
	mu sync.Mutex

	Id      node.NodeID
	Name    string
	Address string

	Resources *resource.NodeResources
	Leases    map[uuid.UUID]Lease
	Pending   *queue.Queue
	Bundles   store.Store[rpc.BundleKey, Bundle]
	// Pinned object ids and their owner
	Pinned map[uuid.UUID]string
	// Last resource reports received for the other nodes
	Cluster map[node.NodeID]rpc.ResourceReport
	Stats   *stats.Stats

	policy           *scheduler.HybridPolicy
	spreadThreshold  float64
	maxPendingLeases int
	pendingCount     int
}

func New(cfg Config) (*Agent, error) {
	capacity := cfg.Capacity
	if len(capacity) == 0 {
		capacity = stats.GetStats().Capacity()
	}
	if len(capacity) == 0 {
		return nil, fmt.Errorf("no schedulable resource found for node %s", cfg.Name)
	}

	storeType := cfg.StoreType
	if storeType == "" {
		storeType = "memory"
	}
	bundles, err := store.New[rpc.BundleKey, Bundle](storeType, fmt.Sprintf("worker_%s_bundles.db", cfg.Name), "bundles")
	if err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Agent{
		Id:               cfg.Id,
		Name:             cfg.Name,
		Address:          cfg.Address,
		Resources:        resource.NewNodeResources(capacity, cfg.Labels),
		Leases:           map[uuid.UUID]Lease{},
		Pending:          queue.New(),
		Bundles:          bundles,
		Pinned:           map[uuid.UUID]string{},
		Cluster:          map[node.NodeID]rpc.ResourceReport{},
		policy:           scheduler.NewHybridPolicy(rand.New(rand.NewSource(seed))),
		spreadThreshold:  cfg.SpreadThreshold,
		maxPendingLeases: cfg.MaxPendingLeases,
	}, nil
}

func (a *Agent) Close() error {
	return a.Bundles.Close()
}

// Refresh the machine stats periodically
func (a *Agent) CollectStats() {
	for {
		log.Debug().Msg("collecting machine stats")
		s := stats.GetStats()
		a.mu.Lock()
		a.Stats = s
		a.mu.Unlock()
		time.Sleep(15 * time.Second)
	}
}

func (a *Agent) GetStats() *stats.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Stats
}

func (a *Agent) GetLeases() []Lease {
	a.mu.Lock()
	defer a.mu.Unlock()
	leases := make([]Lease, 0, len(a.Leases))
	for _, l := range a.Leases {
		leases = append(leases, l)
	}
	return leases
}

// Grant a worker, queue the request, or point the caller to a better node.
//
// Queued requests block until a worker is granted, the lease is canceled, or the context ends.
func (a *Agent) RequestWorkerLease(ctx context.Context, req rpc.LeaseRequest) (rpc.LeaseReply, error) {
	leaseLogger := log.With().
		Str("task-id", req.TaskId.String()).
		Stringer("request", req.Request).
		Logger()

	a.mu.Lock()
	if req.GrantOrReject {
		defer a.mu.Unlock()
		if reply, granted := a.grant(req); granted {
			leaseLogger.Debug().Str("worker-id", reply.WorkerId.String()).Msg("worker granted")
			return reply, nil
		}
		leaseLogger.Debug().Msg("lease rejected, resources unavailable")
		return rpc.LeaseReply{Rejected: true}, nil
	}

	opts := scheduler.Options{
		SpreadThreshold: a.spreadThreshold,
		ForceSpillback:  req.ForceSpillback,
	}
	selected, ok := a.policy.Decide(req.Request, a.Id, a.nodeMap(), opts)
	if !ok {
		a.mu.Unlock()
		leaseLogger.Info().Msg("lease rejected, no feasible node")
		return rpc.LeaseReply{Rejected: true}, nil
	}
	if selected != a.Id {
		retryAt := &rpc.Address{NodeId: selected, Address: a.Cluster[selected].Address}
		a.mu.Unlock()
		leaseLogger.Debug().Stringer("node", selected).Msg("lease spilled back")
		return rpc.LeaseReply{RetryAt: retryAt}, nil
	}
	if reply, granted := a.grant(req); granted {
		a.mu.Unlock()
		leaseLogger.Debug().Str("worker-id", reply.WorkerId.String()).Msg("worker granted")
		return reply, nil
	}

	p := &pendingLease{req: req, reply: make(chan rpc.LeaseReply, 1)}
	a.Pending.Enqueue(p)
	a.pendingCount++
	a.updateBackpressure()
	a.mu.Unlock()
	leaseLogger.Debug().Int64("backlog", req.BacklogSize).Msg("lease queued")

	select {
	case reply := <-p.reply:
		return reply, nil
	case <-ctx.Done():
		a.mu.Lock()
		defer a.mu.Unlock()
		if !p.done {
			p.done = true
			a.pendingCount--
			a.updateBackpressure()
			return rpc.LeaseReply{}, ctx.Err()
		}
		// Granted while the caller went away, nobody will use the worker
		reply := <-p.reply
		if reply.Granted() {
			a.release(reply.WorkerId)
			a.drainPending()
		}
		return rpc.LeaseReply{}, ctx.Err()
	}
}

func (a *Agent) ReturnWorker(workerId uuid.UUID, disconnect bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.release(workerId) {
		return errors.Wrapf(ErrUnknownWorker, "worker %s", workerId)
	}
	log.Debug().
		Str("worker-id", workerId.String()).
		Bool("disconnect", disconnect).
		Msg("worker returned")
	a.drainPending()
	return nil
}

// Release every lease whose worker isn't in use anymore
func (a *Agent) ReleaseUnusedWorkers(inUse []uuid.UUID) (rpc.ReleaseUnusedWorkersReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	used := make(map[uuid.UUID]bool, len(inUse))
	for _, id := range inUse {
		used[id] = true
	}

	reply := rpc.ReleaseUnusedWorkersReply{Released: []uuid.UUID{}}
	for id := range a.Leases {
		if !used[id] {
			a.release(id)
			reply.Released = append(reply.Released, id)
		}
	}
	if len(reply.Released) > 0 {
		log.Info().Int("workers", len(reply.Released)).Msg("released unused workers")
		a.drainPending()
	}
	return reply, nil
}

func (a *Agent) CancelWorkerLease(taskId uuid.UUID) (rpc.CancelWorkerLeaseReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := a.Pending.Len(); i > 0; i-- {
		p := a.Pending.Dequeue().(*pendingLease)
		if p.done {
			continue
		}
		if p.req.TaskId == taskId {
			p.done = true
			a.pendingCount--
			p.reply <- rpc.LeaseReply{Canceled: true}
			continue
		}
		a.Pending.Enqueue(p)
	}
	a.updateBackpressure()
	return rpc.CancelWorkerLeaseReply{Success: true}, nil
}

// Reserve the bundle resources, preparing an already known bundle again is a no-op
func (a *Agent) PrepareBundleResources(spec rpc.BundleSpec) (rpc.PrepareBundleResourcesReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.Bundles.Get(spec.Key()); err == nil {
		return rpc.PrepareBundleResourcesReply{Success: true}, nil
	}
	if !a.Resources.Allocate(spec.Resources) {
		log.Debug().Stringer("bundle", spec.Key()).Msg("not enough resources to prepare bundle")
		return rpc.PrepareBundleResourcesReply{Success: false}, nil
	}
	if err := a.Bundles.Put(spec.Key(), Bundle{Spec: spec, State: Prepared}); err != nil {
		a.Resources.Release(spec.Resources)
		return rpc.PrepareBundleResourcesReply{}, err
	}
	return rpc.PrepareBundleResourcesReply{Success: true}, nil
}

// Expose the reserved resources of a prepared bundle to the tasks of its placement group
func (a *Agent) CommitBundleResources(spec rpc.BundleSpec) (rpc.CommitBundleResourcesReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bundle, err := a.Bundles.Get(spec.Key())
	if err != nil {
		return rpc.CommitBundleResourcesReply{}, errors.Wrapf(ErrUnknownBundle, "bundle %s", spec.Key())
	}
	if bundle.State == Committed {
		return rpc.CommitBundleResourcesReply{}, nil
	}
	bundle.State = Committed
	if err := a.Bundles.Put(spec.Key(), bundle); err != nil {
		return rpc.CommitBundleResourcesReply{}, err
	}
	a.Resources.AddCapacity(bundleResources(bundle.Spec))
	log.Info().Stringer("bundle", spec.Key()).Msg("bundle committed")
	a.drainPending()
	return rpc.CommitBundleResourcesReply{}, nil
}

// Give the bundle resources back, canceling an unknown bundle is a no-op
func (a *Agent) CancelResourceReserve(spec rpc.BundleSpec) (rpc.CancelResourceReserveReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.cancelBundle(spec.Key()); err != nil && !errors.Is(err, store.ErrKeyNotFound) {
		return rpc.CancelResourceReserveReply{}, err
	}
	a.drainPending()
	return rpc.CancelResourceReserveReply{}, nil
}

func (a *Agent) ReleaseUnusedBundles(inUse []rpc.BundleKey) (rpc.ReleaseUnusedBundlesReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	used := make(map[rpc.BundleKey]bool, len(inUse))
	for _, key := range inUse {
		used[key] = true
	}

	bundles, err := a.Bundles.List()
	if err != nil {
		return rpc.ReleaseUnusedBundlesReply{}, err
	}
	reply := rpc.ReleaseUnusedBundlesReply{Released: []rpc.BundleKey{}}
	for _, b := range bundles {
		key := b.Spec.Key()
		if used[key] {
			continue
		}
		if err := a.cancelBundle(key); err != nil {
			return reply, err
		}
		reply.Released = append(reply.Released, key)
	}
	a.drainPending()
	return reply, nil
}

// Pin objects on behalf of their owner, an object already pinned by another owner fails
func (a *Agent) PinObjectIDs(req rpc.PinObjectsRequest) (rpc.PinObjectsReply, error) {
	if req.Owner == "" {
		return rpc.PinObjectsReply{}, errors.New("objects owner is missing")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	reply := rpc.PinObjectsReply{Successes: make([]bool, len(req.ObjectIds))}
	for i, id := range req.ObjectIds {
		owner, pinned := a.Pinned[id]
		if pinned && owner != req.Owner {
			continue
		}
		a.Pinned[id] = req.Owner
		reply.Successes[i] = true
	}
	return reply, nil
}

// Replace the view of the other nodes with the given reports
func (a *Agent) UpdateResourceUsage(batch rpc.ResourceUsageBatch) (rpc.UpdateResourceUsageReply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cluster := make(map[node.NodeID]rpc.ResourceReport, len(batch.Reports))
	for _, report := range batch.Reports {
		if report.NodeId == a.Id {
			continue
		}
		cluster[report.NodeId] = report
	}
	a.Cluster = cluster
	return rpc.UpdateResourceUsageReply{}, nil
}

func (a *Agent) RequestResourceReport() (rpc.ResourceReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return rpc.ResourceReport{
		NodeId:                a.Id,
		Name:                  a.Name,
		Address:               a.Address,
		Total:                 a.Resources.Total.Clone(),
		Available:             a.Resources.Available.Clone(),
		Labels:                a.Resources.Labels,
		AdmissionBackpressure: a.Resources.AdmissionBackpressure,
		PendingLeases:         a.pendingCount,
		Timestamp:             time.Now().UTC(),
	}, nil
}

// Nodes known to the agent, itself included with its live resources. Must be called with the
// lock held so that no view changes during a decision.
func (a *Agent) nodeMap() node.Map {
	nodes := node.Map{
		a.Id: node.NewNode(a.Id, a.Name, a.Address, "worker", a.Resources),
	}
	for id, report := range a.Cluster {
		nodes[id] = node.NewNode(id, report.Name, report.Address, "worker", report.View())
	}
	return nodes
}

func (a *Agent) grant(req rpc.LeaseRequest) (rpc.LeaseReply, bool) {
	if !a.Resources.IsAvailable(req.Request, true) || !a.Resources.Allocate(req.Request.Resources) {
		return rpc.LeaseReply{}, false
	}
	lease := Lease{
		WorkerId:  uuid.New(),
		TaskId:    req.TaskId,
		Resources: req.Request.Resources.Clone(),
		GrantedAt: time.Now().UTC(),
	}
	a.Leases[lease.WorkerId] = lease
	return rpc.LeaseReply{
		WorkerId:      lease.WorkerId,
		WorkerAddress: a.Address,
		NodeId:        a.Id,
	}, true
}

func (a *Agent) release(workerId uuid.UUID) bool {
	lease, found := a.Leases[workerId]
	if !found {
		return false
	}
	a.Resources.Release(lease.Resources)
	delete(a.Leases, workerId)
	return true
}

// Grant queued leases in arrival order, skipping the ones which still don't fit
func (a *Agent) drainPending() {
	for i := a.Pending.Len(); i > 0; i-- {
		p := a.Pending.Dequeue().(*pendingLease)
		if p.done {
			continue
		}
		if reply, granted := a.grant(p.req); granted {
			p.done = true
			a.pendingCount--
			p.reply <- reply
			continue
		}
		a.Pending.Enqueue(p)
	}
	a.updateBackpressure()
}

func (a *Agent) updateBackpressure() {
	a.Resources.AdmissionBackpressure = a.maxPendingLeases > 0 && a.pendingCount >= a.maxPendingLeases
}

func (a *Agent) cancelBundle(key rpc.BundleKey) error {
	bundle, err := a.Bundles.Get(key)
	if err != nil {
		return err
	}
	if bundle.State == Committed {
		a.Resources.RemoveCapacity(bundleResources(bundle.Spec))
	}
	a.Resources.Release(bundle.Spec.Resources)
	log.Info().Stringer("bundle", key).Msg("bundle resources released")
	return a.Bundles.Delete(key)
}

func bundleResources(spec rpc.BundleSpec) resource.Set {
	return resource.BundleResources(spec.Resources, spec.PlacementGroupId.String(), spec.Index)
}
