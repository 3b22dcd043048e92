package task

// State of a task
type State int

const (
	Pending   State = iota // The task is to be scheduled
	Scheduled              // A node has been selected, a worker lease is requested
	Running                // A worker is leased to the task
	Completed              // The task is no longer running, its worker was returned
	Failed                 // The task could not be placed or its lease was rejected
)

var stateNames = map[State]string{
	Pending:   "pending",
	Scheduled: "scheduled",
	Running:   "running",
	Completed: "completed",
	Failed:    "failed",
}

func (s State) String() string {
	if name, found := stateNames[s]; found {
		return name
	}
	return "unknown"
}

// Allowed state transitions
var stateTransitionMap = map[State][]State{
	Pending:   {Scheduled, Failed, Completed},
	Scheduled: {Pending, Running, Failed, Completed}, // Pending is included for placement retries
	Running:   {Completed, Failed, Scheduled},        // Scheduled is included for tasks restart
	Completed: {},
	Failed:    {Scheduled},
}

// Verify if a state transition is legal
func ValidStateTransition(current, target State) bool {
	if current == target {
		return true
	}
	for _, s := range stateTransitionMap[current] {
		if s == target {
			return true
		}
	}
	return false
}
