package manager

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"placement/node"
	"placement/rpc"
	"placement/scheduler"
	"placement/store"
	"placement/task"
)

const (
	defaultMaxSpillbacks = 3
	defaultRetryDelay    = 5 * time.Second
	maxRestarts          = 3
)

var ErrInvalidTransition = errors.New("forbidden task state transition")

type Config struct {
	// Node agents addresses, polled for their resource reports
	Workers []string
	// Node whose requests are placed by this manager, preferred while lightly loaded
	LocalNode       node.NodeID
	SpreadThreshold float64
	// Retry-at replies followed before the task goes back to the queue
	MaxSpillbacks int
	// Delay before a task which couldn't be placed is queued again
	RetryDelay time.Duration
	StoreType  string
	Seed       int64
	// Defaults to HTTP clients
	ClientFactory rpc.ClientFactory
	// Defaults to a new registry
	Registry *prometheus.Registry
}

type Manager struct {
	mu sync.Mutex

	Pending chan task.TaskEvent
	TaskDb  store.Store[uuid.UUID, task.Task]
	EventDb store.Store[uuid.UUID, task.TaskEvent]
	Workers []string
	// Cluster view built from the last resource reports
	Nodes     node.Map
	Reports   map[node.NodeID]rpc.ResourceReport
	LocalNode node.NodeID
	Scheduler scheduler.Scheduler
	Registry  *prometheus.Registry

	ctx       context.Context
	cancel    context.CancelFunc
	tasksMu   sync.Mutex
	clients   map[string]rpc.NodeClient
	newClient rpc.ClientFactory
	metrics   *Metrics

	spreadThreshold float64
	maxSpillbacks   int
	retryDelay      time.Duration
}

func New(cfg Config) (*Manager, error) {
	storeType := cfg.StoreType
	if storeType == "" {
		storeType = "memory"
	}
	taskDb, err := store.New[uuid.UUID, task.Task](storeType, "manager_tasks.db", "tasks")
	if err != nil {
		return nil, err
	}
	taskEventDb, err := store.New[uuid.UUID, task.TaskEvent](storeType, "manager_task_events.db", "taskEvents")
	if err != nil {
		taskDb.Close()
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	clientFactory := cfg.ClientFactory
	if clientFactory == nil {
		clientFactory = rpc.NewHTTPClientFactory()
	}
	maxSpillbacks := cfg.MaxSpillbacks
	if maxSpillbacks <= 0 {
		maxSpillbacks = defaultMaxSpillbacks
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		Pending:         make(chan task.TaskEvent, 10),
		TaskDb:          taskDb,
		EventDb:         taskEventDb,
		Workers:         cfg.Workers,
		Nodes:           node.Map{},
		Reports:         map[node.NodeID]rpc.ResourceReport{},
		LocalNode:       cfg.LocalNode,
		Scheduler:       scheduler.NewHybridPolicy(rand.New(rand.NewSource(seed))),
		Registry:        registry,
		ctx:             ctx,
		cancel:          cancel,
		clients:         map[string]rpc.NodeClient{},
		newClient:       clientFactory,
		metrics:         NewMetrics(registry),
		spreadThreshold: cfg.SpreadThreshold,
		maxSpillbacks:   maxSpillbacks,
		retryDelay:      retryDelay,
	}, nil
}

func (m *Manager) Close() error {
	m.cancel()
	err1 := m.TaskDb.Close()
	err2 := m.EventDb.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (m *Manager) GetTasks() []task.Task {
	tasks, err := m.TaskDb.List()
	if err != nil {
		log.Err(err).Msg("failed to get tasks from store")
		return nil
	}
	return tasks
}

// Last resource reports, in ascending node order
func (m *Manager) GetNodes() []rpc.ResourceReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := maps.Keys(m.Reports)
	slices.Sort(ids)
	reports := make([]rpc.ResourceReport, len(ids))
	for i, id := range ids {
		reports[i] = m.Reports[id]
	}
	return reports
}

func (m *Manager) AddTask(tEvent task.TaskEvent) {
	// Run inside a goroutine to avoid blocking API call if chan is full
	go func() {
		m.Pending <- tEvent
	}()
}

func (m *Manager) ProcessTasks() {
	log.Debug().Msg("starting queued tasks processing")
	for {
		t, ok := <-m.Pending
		if !ok {
			log.Debug().Msg("tasks channel closed, stop processing")
			return
		}

		m.sendWork(t)
	}
}

func (m *Manager) CheckTasksHealth() {
	for {
		log.Debug().Msg("checking tasks health")
		m.checkTasksHealth()
		log.Debug().Msg("tasks health check completed")
		time.Sleep(10 * time.Second)
	}
}

func (m *Manager) CheckNodesStats() {
	for {
		log.Debug().Msg("checking nodes resources")
		m.RefreshNodes(m.ctx)
		log.Debug().Msg("nodes resources retrieval completed")
		time.Sleep(10 * time.Second)
	}
}

// Rebuild the cluster view from the agents resource reports, then share it with every agent so
// that they can spill back leases to each other.
func (m *Manager) RefreshNodes(ctx context.Context) {
	var wg sync.WaitGroup
	var reportsMu sync.Mutex
	reports := map[node.NodeID]rpc.ResourceReport{}
	for _, worker := range m.Workers {
		worker := worker
		wg.Add(1)
		m.client(worker).RequestResourceReport(ctx, func(report rpc.ResourceReport, err error) {
			defer wg.Done()
			if err != nil {
				log.Err(err).Str("worker", worker).Msg("failed to get resource report")
				return
			}
			// Agents may advertise an address the manager can't reach
			report.Address = worker
			reportsMu.Lock()
			reports[report.NodeId] = report
			reportsMu.Unlock()
		})
	}
	wg.Wait()

	nodes := node.Map{}
	batch := rpc.ResourceUsageBatch{Reports: make([]rpc.ResourceReport, 0, len(reports))}
	for id, report := range reports {
		nodes[id] = node.NewNode(id, report.Name, report.Address, "worker", report.View())
		batch.Reports = append(batch.Reports, report)
	}
	m.mu.Lock()
	m.Nodes = nodes
	m.Reports = reports
	m.mu.Unlock()
	m.metrics.recordNodes(len(nodes))

	for _, report := range reports {
		worker := report.Address
		wg.Add(1)
		m.client(worker).UpdateResourceUsage(ctx, batch, func(_ rpc.UpdateResourceUsageReply, err error) {
			defer wg.Done()
			if err != nil {
				log.Err(err).Str("worker", worker).Msg("failed to broadcast resource usage")
			}
		})
	}
	wg.Wait()
}

func (m *Manager) sendWork(tEvent task.TaskEvent) {
	if err := m.EventDb.Put(tEvent.Id, tEvent); err != nil {
		log.Err(err).Msg("failed to store dequeued task event")
	}

	taskLogger := log.With().
		Str("task-id", tEvent.Task.Id.String()).
		Logger()
	taskLogger.Debug().Msg("starting task processing")

	persistedTask, err := m.TaskDb.Get(tEvent.Task.Id)
	if err == nil {
		if tEvent.State == task.Completed {
			m.stopTask(persistedTask, taskLogger)
			return
		}
		if persistedTask.State != task.Pending {
			taskLogger.Debug().
				Stringer("state", persistedTask.State).
				Msg("task is no longer waiting for placement, event ignored")
			return
		}
		m.placeTask(persistedTask, taskLogger)
		return
	}
	if !errors.Is(err, store.ErrKeyNotFound) {
		taskLogger.Err(err).Msg("failed to retrieve task from store")
		return
	}
	if tEvent.State == task.Completed {
		taskLogger.Error().Msg("invalid request: can't stop an unknown task")
		return
	}

	t := tEvent.Task
	t.State = task.Pending
	if t.SubmitTime.IsZero() {
		t.SubmitTime = time.Now().UTC()
	}
	if err = m.TaskDb.Put(t.Id, t); err != nil {
		taskLogger.Err(err).Msg("failed to store task")
		return
	}
	m.placeTask(t, taskLogger)
}

// Decide which node should run the task and request a worker lease from it
func (m *Manager) placeTask(t task.Task, taskLogger zerolog.Logger) {
	opts := scheduler.Options{
		SpreadThreshold:  m.spreadThreshold,
		ForceSpillback:   t.ForceSpillback,
		RequireAvailable: t.RequireAvailable,
	}

	m.mu.Lock()
	if _, found := m.Nodes[m.LocalNode]; !found {
		m.mu.Unlock()
		taskLogger.Warn().Stringer("local-node", m.LocalNode).Msg("local node hasn't reported its resources yet")
		m.retryLater(t.Id, taskLogger)
		return
	}
	selected, ok := m.Scheduler.Decide(t.Request, m.LocalNode, m.Nodes, opts)
	var address string
	if ok {
		address = m.Nodes[selected].Api
	}
	m.mu.Unlock()

	if !ok {
		m.metrics.recordDecision(outcomeNone)
		taskLogger.Info().Stringer("request", t.Request).Msg("no node can run the task for now")
		m.retryLater(t.Id, taskLogger)
		return
	}
	if selected == m.LocalNode {
		m.metrics.recordDecision(outcomeLocal)
	} else {
		m.metrics.recordDecision(outcomeRemote)
	}

	scheduled, err := m.transition(t.Id, task.Scheduled, func(t *task.Task) {
		t.NodeId = selected
	})
	if err != nil {
		taskLogger.Err(err).Msg("failed to schedule task")
		return
	}
	taskLogger.Debug().Stringer("node", selected).Msg("task scheduled")
	// Tasks which can't wait are granted or rejected by the chosen node, never queued there
	m.requestLease(scheduled, selected, address, t.RequireAvailable, 0)
}

func (m *Manager) requestLease(t task.Task, nodeId node.NodeID, address string, grantOrReject bool, hops int) {
	req := rpc.LeaseRequest{
		TaskId:        t.Id,
		Request:       t.Request,
		BacklogSize:   int64(len(m.Pending)),
		GrantOrReject: grantOrReject,
	}
	m.client(address).RequestWorkerLease(m.ctx, req, func(reply rpc.LeaseReply, err error) {
		m.handleLeaseReply(t, nodeId, address, hops, reply, err)
	})
}

func (m *Manager) handleLeaseReply(t task.Task, nodeId node.NodeID, address string, hops int, reply rpc.LeaseReply, err error) {
	taskLogger := log.With().
		Str("task-id", t.Id.String()).
		Stringer("node", nodeId).
		Int("hops", hops).
		Logger()

	switch {
	case err != nil:
		m.metrics.recordLeaseReply(replyError)
		taskLogger.Err(err).Str("address", address).Msg("lease request failed")
		m.retryLater(t.Id, taskLogger)

	case reply.Granted():
		m.metrics.recordLeaseReply(replyGranted)
		_, err := m.transition(t.Id, task.Running, func(t *task.Task) {
			t.NodeId = nodeId
			t.WorkerId = reply.WorkerId
			t.WorkerAddress = address
		})
		if err != nil {
			taskLogger.Err(err).Msg("task can't use the granted worker, returning it")
			if err := m.client(address).ReturnWorker(m.ctx, reply.WorkerId, false); err != nil {
				taskLogger.Err(err).Msg("failed to return worker")
			}
			return
		}
		taskLogger.Info().Str("worker-id", reply.WorkerId.String()).Msg("task is running")

	case reply.RetryAt != nil:
		m.metrics.recordLeaseReply(replySpilled)
		if hops >= m.maxSpillbacks {
			taskLogger.Warn().Msg("too many spillbacks, task queued again")
			m.retryLater(t.Id, taskLogger)
			return
		}
		target := *reply.RetryAt
		if t.ForceSpillback && target.NodeId == m.LocalNode {
			taskLogger.Info().Msg("spillback targets the local node, task queued again")
			m.retryLater(t.Id, taskLogger)
			return
		}
		spilled, err := m.transition(t.Id, task.Scheduled, func(t *task.Task) {
			t.NodeId = target.NodeId
		})
		if err != nil {
			taskLogger.Err(err).Msg("failed to follow spillback")
			return
		}
		taskLogger.Debug().Stringer("retry-at", target.NodeId).Msg("lease spilled back")
		m.requestLease(spilled, target.NodeId, target.Address, true, hops+1)

	case reply.Canceled:
		m.metrics.recordLeaseReply(replyCanceled)
		taskLogger.Debug().Msg("lease request canceled")

	case reply.Rejected:
		m.metrics.recordLeaseReply(replyRejected)
		// A spillback target, or the node picked for a task which can't wait, may only be full for now
		if hops > 0 || t.RequireAvailable {
			taskLogger.Info().Msg("node rejected the lease, task queued again")
			m.retryLater(t.Id, taskLogger)
			return
		}
		if _, err := m.transition(t.Id, task.Failed, nil); err != nil {
			taskLogger.Err(err).Msg("failed to mark task as failed")
			return
		}
		taskLogger.Error().Msg("lease rejected, task failed")

	default:
		taskLogger.Error().Msg("empty lease reply")
		m.retryLater(t.Id, taskLogger)
	}
}

func (m *Manager) stopTask(t task.Task, taskLogger zerolog.Logger) {
	switch t.State {
	case task.Running:
		address := t.WorkerAddress
		if address == "" {
			address = m.nodeAddress(t.NodeId)
		}
		if err := m.client(address).ReturnWorker(m.ctx, t.WorkerId, false); err != nil {
			taskLogger.Err(err).
				Str("worker-id", t.WorkerId.String()).
				Msg("failed to return worker")
			return
		}
	case task.Scheduled:
		// Lease replies received after the stop return the worker
		m.client(m.nodeAddress(t.NodeId)).CancelWorkerLease(m.ctx, t.Id, func(reply rpc.CancelWorkerLeaseReply, err error) {
			if err != nil {
				taskLogger.Err(err).Msg("failed to cancel lease request")
			}
		})
	}

	if _, err := m.transition(t.Id, task.Completed, nil); err != nil {
		taskLogger.Err(err).Stringer("initial-state", t.State).Msg("invalid request: forbidden state transition to 'completed'")
		return
	}
	taskLogger.Info().Msg("task has been stopped")
}

// Move the task back to the queue after the retry delay
func (m *Manager) retryLater(taskId uuid.UUID, taskLogger zerolog.Logger) {
	t, err := m.transition(taskId, task.Pending, func(t *task.Task) {
		t.NodeId = 0
	})
	if err != nil {
		taskLogger.Err(err).Msg("task can't be queued again")
		return
	}
	go func() {
		select {
		case <-time.After(m.retryDelay):
			m.AddTask(task.NewTaskEvent(t, task.Scheduled))
		case <-m.ctx.Done():
		}
	}()
}

func (m *Manager) checkTasksHealth() {
	tasks := m.GetTasks()
	for _, t := range tasks {
		taskLogger := log.With().
			Str("task-id", t.Id.String()).
			Logger()

		if t.State == task.Running && !m.hasNode(t.NodeId) {
			failed, err := m.transition(t.Id, task.Failed, nil)
			if err != nil {
				taskLogger.Err(err).Msg("failed to update task")
				continue
			}
			taskLogger.Warn().Stringer("node", t.NodeId).Msg("task node is gone")
			t = failed
		}

		if t.State == task.Failed && t.RestartCount < maxRestarts {
			m.restartTask(t, taskLogger)
		}
	}
}

func (m *Manager) restartTask(t task.Task, taskLogger zerolog.Logger) {
	restarted, err := m.transition(t.Id, task.Scheduled, func(t *task.Task) {
		t.RestartCount++
		t.NodeId = 0
		t.WorkerId = uuid.Nil
		t.WorkerAddress = ""
	})
	if err != nil {
		taskLogger.Err(err).Msg("failed to update task")
		return
	}
	taskLogger.Info().Int("restart-count", restarted.RestartCount).Msg("restarting task")
	m.placeTask(restarted, taskLogger)
}

// Apply a state change to the stored task, with an optional update of its other fields
func (m *Manager) transition(taskId uuid.UUID, state task.State, update func(t *task.Task)) (task.Task, error) {
	m.tasksMu.Lock()
	defer m.tasksMu.Unlock()

	t, err := m.TaskDb.Get(taskId)
	if err != nil {
		return t, err
	}
	if !task.ValidStateTransition(t.State, state) {
		return t, errors.Wrapf(ErrInvalidTransition, "from %v to %v", t.State, state)
	}
	if update != nil {
		update(&t)
	}
	if t.State != state {
		switch state {
		case task.Running:
			t.StartTime = time.Now().UTC()
		case task.Completed, task.Failed:
			t.FinishTime = time.Now().UTC()
		}
	}
	t.State = state
	if err := m.TaskDb.Put(taskId, t); err != nil {
		return t, fmt.Errorf("failed to update task: %w", err)
	}
	return t, nil
}

func (m *Manager) client(address string) rpc.NodeClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, found := m.clients[address]
	if !found {
		client = m.newClient(address)
		m.clients[address] = client
	}
	return client
}

func (m *Manager) nodeAddress(id node.NodeID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Reports[id].Address
}

func (m *Manager) hasNode(id node.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.Nodes[id]
	return found
}
