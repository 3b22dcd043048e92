package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placement/node"
	"placement/resource"
	"placement/rpc"
	"placement/rpc/fake"
	"placement/task"
	"placement/worker"
)

type testCluster struct {
	manager *Manager
	agents  map[node.NodeID]*worker.Agent
	clients map[node.NodeID]*fake.Client
}

func cpus(n float64) resource.Set {
	return resource.Set{resource.CPU: n}
}

// Start one agent per capacity, with ids starting at 1, and a manager whose local node is the first one
func newTestCluster(t *testing.T, capacities ...resource.Set) *testCluster {
	cluster := fake.NewCluster()
	tc := &testCluster{
		agents:  map[node.NodeID]*worker.Agent{},
		clients: map[node.NodeID]*fake.Client{},
	}
	var workers []string
	for i, capacity := range capacities {
		id := node.NodeID(i + 1)
		address := "node-" + id.String()
		a, err := worker.New(worker.Config{
			Id:              id,
			Name:            address,
			Address:         address,
			Capacity:        capacity,
			SpreadThreshold: 0.5,
			StoreType:       "memory",
			Seed:            1,
		})
		require.NoError(t, err)
		t.Cleanup(func() { a.Close() })
		tc.agents[id] = a
		tc.clients[id] = cluster.Add(address, a)
		workers = append(workers, address)
	}

	m, err := New(Config{
		Workers:         workers,
		LocalNode:       1,
		SpreadThreshold: 0.5,
		RetryDelay:      10 * time.Millisecond,
		StoreType:       "memory",
		Seed:            1,
		ClientFactory:   cluster.Factory(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	go m.ProcessTasks()
	tc.manager = m
	return tc
}

func newTask(resources resource.Set) task.Task {
	return task.Task{
		Id:      uuid.New(),
		Name:    "test",
		Request: resource.NewRequest(resources),
	}
}

func (tc *testCluster) submit(t task.Task) {
	tc.manager.sendWork(task.NewTaskEvent(t, task.Scheduled))
}

func (tc *testCluster) waitState(t *testing.T, taskId uuid.UUID, state task.State) task.Task {
	var current task.Task
	require.Eventually(t, func() bool {
		var err error
		current, err = tc.manager.TaskDb.Get(taskId)
		return err == nil && current.State == state
	}, 2*time.Second, 5*time.Millisecond, "task never reached state %v", state)
	return current
}

func TestRefreshNodes(t *testing.T) {
	tc := newTestCluster(t, cpus(2), cpus(4))
	tc.manager.RefreshNodes(context.Background())

	nodes := tc.manager.GetNodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, node.NodeID(1), nodes[0].NodeId)
	assert.Equal(t, "node-1", nodes[0].Address)
	assert.Equal(t, 4.0, nodes[1].Total[resource.CPU])
	assert.Contains(t, tc.manager.Nodes, node.NodeID(2))

	// Every agent learns about the others
	assert.Contains(t, tc.agents[1].Cluster, node.NodeID(2))
	assert.Contains(t, tc.agents[2].Cluster, node.NodeID(1))
	assert.NotContains(t, tc.agents[1].Cluster, node.NodeID(1))
	assert.Equal(t, 2.0, testutil.ToFloat64(tc.manager.metrics.nodes))
}

func TestRefreshNodesSkipsUnreachableAgent(t *testing.T) {
	tc := newTestCluster(t, cpus(2), cpus(2))
	tc.clients[2].FailWith(errors.New("connection refused"))
	tc.manager.RefreshNodes(context.Background())

	nodes := tc.manager.GetNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, node.NodeID(1), nodes[0].NodeId)
}

func TestRefreshNodesReachesAgentStartedLater(t *testing.T) {
	cluster := fake.NewCluster()
	m, err := New(Config{
		Workers:       []string{"node-1"},
		LocalNode:     1,
		StoreType:     "memory",
		ClientFactory: cluster.Factory(),
	})
	require.NoError(t, err)
	defer m.Close()

	m.RefreshNodes(context.Background())
	assert.Empty(t, m.GetNodes())

	a, err := worker.New(worker.Config{
		Id:        1,
		Name:      "node-1",
		Address:   "node-1",
		Capacity:  cpus(2),
		StoreType: "memory",
	})
	require.NoError(t, err)
	defer a.Close()
	cluster.Add("node-1", a)

	m.RefreshNodes(context.Background())
	require.Len(t, m.GetNodes(), 1)
}

func TestLocalNodeNotReported(t *testing.T) {
	tc := newTestCluster(t, cpus(2))
	tk := newTask(cpus(1))
	tc.submit(tk)

	stored, err := tc.manager.TaskDb.Get(tk.Id)
	require.NoError(t, err)
	assert.Equal(t, task.Pending, stored.State)
	assert.False(t, stored.SubmitTime.IsZero())
	assert.Zero(t, tc.clients[1].Calls("RequestWorkerLease"))

	// Placed once the local node reports
	tc.manager.RefreshNodes(context.Background())
	running := tc.waitState(t, tk.Id, task.Running)
	assert.Equal(t, node.NodeID(1), running.NodeId)
}

func TestPlaceOnLocalNode(t *testing.T) {
	tc := newTestCluster(t, cpus(2), cpus(4))
	tc.manager.RefreshNodes(context.Background())

	tk := newTask(cpus(1))
	tc.submit(tk)

	running := tc.waitState(t, tk.Id, task.Running)
	assert.Equal(t, node.NodeID(1), running.NodeId)
	assert.Equal(t, "node-1", running.WorkerAddress)
	assert.NotEqual(t, uuid.Nil, running.WorkerId)
	assert.False(t, running.StartTime.IsZero())
	assert.Len(t, tc.agents[1].GetLeases(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(tc.manager.metrics.decisions.WithLabelValues(outcomeLocal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(tc.manager.metrics.leaseReplies.WithLabelValues(replyGranted)))
}

func TestForceSpillbackPlacesRemotely(t *testing.T) {
	tc := newTestCluster(t, cpus(2), cpus(4))
	tc.manager.RefreshNodes(context.Background())

	tk := newTask(cpus(1))
	tk.ForceSpillback = true
	tc.submit(tk)

	running := tc.waitState(t, tk.Id, task.Running)
	assert.Equal(t, node.NodeID(2), running.NodeId)
	assert.Empty(t, tc.agents[1].GetLeases())
	assert.Equal(t, 1.0, testutil.ToFloat64(tc.manager.metrics.decisions.WithLabelValues(outcomeRemote)))
}

func TestFollowSpillback(t *testing.T) {
	tc := newTestCluster(t, cpus(2), cpus(4))
	tc.manager.RefreshNodes(context.Background())

	// The local node fills up after its last report
	reply, err := tc.agents[1].RequestWorkerLease(context.Background(), rpc.LeaseRequest{
		TaskId:        uuid.New(),
		Request:       resource.NewRequest(cpus(2)),
		GrantOrReject: true,
	})
	require.NoError(t, err)
	require.True(t, reply.Granted())

	tk := newTask(cpus(1))
	tc.submit(tk)

	running := tc.waitState(t, tk.Id, task.Running)
	assert.Equal(t, node.NodeID(2), running.NodeId)
	assert.Equal(t, "node-2", running.WorkerAddress)
	assert.Len(t, tc.agents[2].GetLeases(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(tc.manager.metrics.leaseReplies.WithLabelValues(replySpilled)))
}

func TestForceSpillbackNeverFollowsRetryAtLocalNode(t *testing.T) {
	tc := newTestCluster(t, cpus(4), cpus(4))

	// Node 2 is loaded above the spread threshold, so it spills back to the idle local node
	reply, err := tc.agents[2].RequestWorkerLease(context.Background(), rpc.LeaseRequest{
		TaskId:        uuid.New(),
		Request:       resource.NewRequest(cpus(3)),
		GrantOrReject: true,
	})
	require.NoError(t, err)
	require.True(t, reply.Granted())
	tc.manager.RefreshNodes(context.Background())

	tk := newTask(cpus(1))
	tk.ForceSpillback = true
	tc.submit(tk)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(tc.manager.metrics.leaseReplies.WithLabelValues(replySpilled)) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	stored, err := tc.manager.TaskDb.Get(tk.Id)
	require.NoError(t, err)
	assert.NotEqual(t, task.Running, stored.State)
	assert.Empty(t, tc.agents[1].GetLeases())
	assert.Zero(t, tc.clients[1].Calls("RequestWorkerLease"))
}

func TestRequireAvailableIsNeverQueuedOnNode(t *testing.T) {
	tc := newTestCluster(t, cpus(2))
	tc.manager.RefreshNodes(context.Background())

	// The only node fills up after its last report
	reply, err := tc.agents[1].RequestWorkerLease(context.Background(), rpc.LeaseRequest{
		TaskId:        uuid.New(),
		Request:       resource.NewRequest(cpus(2)),
		GrantOrReject: true,
	})
	require.NoError(t, err)
	require.True(t, reply.Granted())

	tk := newTask(cpus(1))
	tk.RequireAvailable = true
	tc.submit(tk)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(tc.manager.metrics.leaseReplies.WithLabelValues(replyRejected)) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	stored, err := tc.manager.TaskDb.Get(tk.Id)
	require.NoError(t, err)
	assert.NotEqual(t, task.Failed, stored.State)
	report, err := tc.agents[1].RequestResourceReport()
	require.NoError(t, err)
	assert.Zero(t, report.PendingLeases)
}

func TestRejectedLeaseFailsTask(t *testing.T) {
	tc := newTestCluster(t, cpus(2))
	tc.manager.RefreshNodes(context.Background())

	// The only node loses its CPUs after its last report
	tc.agents[1].Resources.RemoveCapacity(cpus(2))

	tk := newTask(cpus(1))
	tc.submit(tk)

	failed := tc.waitState(t, tk.Id, task.Failed)
	assert.False(t, failed.FinishTime.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(tc.manager.metrics.leaseReplies.WithLabelValues(replyRejected)))
}

func TestNoDecisionKeepsTaskPending(t *testing.T) {
	tc := newTestCluster(t, cpus(2))
	tc.manager.RefreshNodes(context.Background())

	tk := newTask(resource.Set{resource.GPU: 1})
	tc.submit(tk)

	stored, err := tc.manager.TaskDb.Get(tk.Id)
	require.NoError(t, err)
	assert.Equal(t, task.Pending, stored.State)
	// Placement is attempted again after the retry delay
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(tc.manager.metrics.decisions.WithLabelValues(outcomeNone)) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, tc.clients[1].Calls("RequestWorkerLease"))
}

func TestTransportErrorRequeuesTask(t *testing.T) {
	tc := newTestCluster(t, cpus(2))
	tc.manager.RefreshNodes(context.Background())
	tc.clients[1].FailWith(errors.New("connection refused"))

	tk := newTask(cpus(1))
	tc.submit(tk)

	require.Eventually(t, func() bool {
		return tc.clients[1].Calls("RequestWorkerLease") >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(tc.manager.metrics.leaseReplies.WithLabelValues(replyError)), 1.0)

	tc.clients[1].FailWith(nil)
	tc.waitState(t, tk.Id, task.Running)
}

func TestStopRunningTask(t *testing.T) {
	tc := newTestCluster(t, cpus(2))
	tc.manager.RefreshNodes(context.Background())

	tk := newTask(cpus(1))
	tc.submit(tk)
	running := tc.waitState(t, tk.Id, task.Running)

	tc.manager.sendWork(task.NewTaskEvent(running, task.Completed))

	completed := tc.waitState(t, tk.Id, task.Completed)
	assert.False(t, completed.FinishTime.IsZero())
	assert.Empty(t, tc.agents[1].GetLeases())
	assert.Equal(t, 1, tc.clients[1].Calls("ReturnWorker"))
}

func TestStopUnknownTask(t *testing.T) {
	tc := newTestCluster(t, cpus(2))
	tk := newTask(cpus(1))

	tc.manager.sendWork(task.NewTaskEvent(tk, task.Completed))

	_, err := tc.manager.TaskDb.Get(tk.Id)
	assert.Error(t, err)
}

func TestStopFailedTaskIsRejected(t *testing.T) {
	tc := newTestCluster(t, cpus(2))
	tk := newTask(cpus(1))
	tk.State = task.Failed
	tk.RestartCount = maxRestarts
	require.NoError(t, tc.manager.TaskDb.Put(tk.Id, tk))

	tc.manager.sendWork(task.NewTaskEvent(tk, task.Completed))

	stored, err := tc.manager.TaskDb.Get(tk.Id)
	require.NoError(t, err)
	assert.Equal(t, task.Failed, stored.State)
}

func TestCheckTasksHealth(t *testing.T) {
	tests := map[string]struct {
		state         task.State
		nodeId        node.NodeID
		restartCount  int
		expectedState task.State
		expectedCount int
	}{
		"failed task restarted":          {state: task.Failed, restartCount: 0, expectedState: task.Running, expectedCount: 1},
		"restart limit reached":          {state: task.Failed, restartCount: maxRestarts, expectedState: task.Failed, expectedCount: maxRestarts},
		"running on a lost node":         {state: task.Running, nodeId: 7, restartCount: maxRestarts, expectedState: task.Failed, expectedCount: maxRestarts},
		"running on a lost node restart": {state: task.Running, nodeId: 7, restartCount: 1, expectedState: task.Running, expectedCount: 2},
		"running on a known node":        {state: task.Running, nodeId: 1, restartCount: 0, expectedState: task.Running, expectedCount: 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cluster := newTestCluster(t, cpus(2))
			cluster.manager.RefreshNodes(context.Background())

			tk := newTask(cpus(1))
			tk.State = tc.state
			tk.NodeId = tc.nodeId
			tk.RestartCount = tc.restartCount
			require.NoError(t, cluster.manager.TaskDb.Put(tk.Id, tk))

			cluster.manager.checkTasksHealth()

			stored := cluster.waitState(t, tk.Id, tc.expectedState)
			assert.Equal(t, tc.expectedCount, stored.RestartCount)
		})
	}
}

func TestUnsupportedStoreType(t *testing.T) {
	_, err := New(Config{StoreType: "unknown"})
	assert.Error(t, err)
}
