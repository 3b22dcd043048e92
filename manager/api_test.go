package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"placement/rpc"
	"placement/task"
)

func newTestApi(t *testing.T, tc *testCluster) *httptest.Server {
	api := &Api{Manager: tc.manager}
	api.initRouter()
	server := httptest.NewServer(api.Router)
	t.Cleanup(server.Close)
	return server
}

func TestApiTaskLifecycle(t *testing.T) {
	tc := newTestCluster(t, cpus(2))
	tc.manager.RefreshNodes(context.Background())
	server := newTestApi(t, tc)

	body, err := json.Marshal(task.TaskEvent{State: task.Scheduled, Task: newTask(cpus(1))})
	require.NoError(t, err)
	response, err := http.Post(server.URL+"/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusCreated, response.StatusCode)

	var created task.Task
	require.NoError(t, json.NewDecoder(response.Body).Decode(&created))
	tc.waitState(t, created.Id, task.Running)

	response, err = http.Get(server.URL + "/tasks")
	require.NoError(t, err)
	defer response.Body.Close()
	var tasks []task.Task
	require.NoError(t, json.NewDecoder(response.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, created.Id, tasks[0].Id)

	request, err := http.NewRequest(http.MethodDelete, server.URL+"/tasks/"+created.Id.String(), nil)
	require.NoError(t, err)
	response, err = http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusNoContent, response.StatusCode)
	tc.waitState(t, created.Id, task.Completed)
}

func TestApiStartTaskAssignsIds(t *testing.T) {
	tc := newTestCluster(t, cpus(2))
	server := newTestApi(t, tc)

	response, err := http.Post(server.URL+"/tasks", "application/json", bytes.NewReader([]byte(`{"Task":{"Name":"anonymous"}}`)))
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusCreated, response.StatusCode)

	var created task.Task
	require.NoError(t, json.NewDecoder(response.Body).Decode(&created))
	assert.NotEqual(t, uuid.Nil, created.Id)
}

func TestApiErrors(t *testing.T) {
	tc := newTestCluster(t, cpus(2))
	server := newTestApi(t, tc)

	tests := map[string]struct {
		method   string
		path     string
		body     string
		expected int
	}{
		"invalid task body": {method: http.MethodPost, path: "/tasks", body: "{", expected: http.StatusBadRequest},
		"invalid task id":   {method: http.MethodDelete, path: "/tasks/not-a-uuid", expected: http.StatusBadRequest},
		"unknown task":      {method: http.MethodDelete, path: "/tasks/" + uuid.NewString(), expected: http.StatusNotFound},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			request, err := http.NewRequest(tc.method, server.URL+tc.path, bytes.NewReader([]byte(tc.body)))
			require.NoError(t, err)
			response, err := http.DefaultClient.Do(request)
			require.NoError(t, err)
			defer response.Body.Close()
			assert.Equal(t, tc.expected, response.StatusCode)

			var errResponse rpc.ErrResponse
			require.NoError(t, json.NewDecoder(response.Body).Decode(&errResponse))
			assert.Equal(t, tc.expected, errResponse.HTTPStatusCode)
		})
	}
}

func TestApiNodesAndMetrics(t *testing.T) {
	tc := newTestCluster(t, cpus(2), cpus(4))
	tc.manager.RefreshNodes(context.Background())
	server := newTestApi(t, tc)

	response, err := http.Get(server.URL + "/nodes")
	require.NoError(t, err)
	defer response.Body.Close()
	var nodes []rpc.ResourceReport
	require.NoError(t, json.NewDecoder(response.Body).Decode(&nodes))
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-2", nodes[1].Address)

	response, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer response.Body.Close()
	content, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Contains(t, string(content), "placement_nodes 2")
}
