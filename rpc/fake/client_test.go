package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placement/resource"
	"placement/rpc"
	"placement/worker"
)

func newAgent(t *testing.T) *worker.Agent {
	a, err := worker.New(worker.Config{
		Id:        1,
		Name:      "node-1",
		Address:   "node-1",
		Capacity:  resource.Set{resource.CPU: 1},
		StoreType: "memory",
		Seed:      1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func requestReport(t *testing.T, client rpc.NodeClient) (rpc.ResourceReport, error) {
	type result struct {
		report rpc.ResourceReport
		err    error
	}
	done := make(chan result, 1)
	client.RequestResourceReport(context.Background(), func(report rpc.ResourceReport, err error) {
		done <- result{report: report, err: err}
	})
	select {
	case r := <-done:
		return r.report, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("callback was never invoked")
		return rpc.ResourceReport{}, nil
	}
}

func TestClusterResolvesAgentAddedAfterLookup(t *testing.T) {
	cluster := NewCluster()
	client := cluster.Client("node-1")

	_, err := requestReport(t, client)
	assert.ErrorIs(t, err, ErrUnknownAddress)

	added := cluster.Add("node-1", newAgent(t))
	assert.Same(t, client, added)

	report, err := requestReport(t, client)
	require.NoError(t, err)
	assert.Equal(t, "node-1", report.Name)
	assert.Equal(t, 2, added.Calls("RequestResourceReport"))
}

func TestClientFailWith(t *testing.T) {
	cluster := NewCluster()
	client := cluster.Add("node-1", newAgent(t))

	client.FailWith(errors.New("connection refused"))
	_, err := requestReport(t, client)
	assert.EqualError(t, err, "connection refused")

	client.FailWith(nil)
	_, err = requestReport(t, client)
	assert.NoError(t, err)
}
