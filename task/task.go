package task

import (
	"time"

	"github.com/google/uuid"

	"placement/node"
	"placement/resource"
)

type Task struct {
	Id      uuid.UUID
	Name    string
	State   State
	Request resource.Request
	// Never run the task on the manager local node
	ForceSpillback bool
	// Only place the task on a node able to start it right away
	RequireAvailable bool

	// Lease data, set once a worker has been granted
	NodeId        node.NodeID
	WorkerId      uuid.UUID
	WorkerAddress string

	RestartCount int
	SubmitTime   time.Time
	StartTime    time.Time
	FinishTime   time.Time
}

type TaskEvent struct {
	Id        uuid.UUID
	State     State
	Timestamp time.Time
	Task      Task
}

func NewTaskEvent(t Task, state State) TaskEvent {
	return TaskEvent{
		Id:        uuid.New(),
		State:     state,
		Timestamp: time.Now().UTC(),
		Task:      t,
	}
}
