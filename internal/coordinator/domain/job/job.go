// Package job models submitted jobs as a tagged union (Simple or Grid) over
// a shared struct, the same style used for agent.State.
package job

import (
	"github.com/gridflow/coordinator/internal/coordinator/domain/processstate"
	"github.com/gridflow/coordinator/internal/coordinator/domain/resources"
)

// Kind discriminates the two JobState variants.
type Kind string

const (
	Simple Kind = "simple"
	Grid   Kind = "grid"
)

// Definition is the part of a job supplied by the caller of add_job.
type Definition struct {
	JobID                          string
	Priority                       float64
	InterruptionProbabilityThreshold float64
}

// GridWorkerStatus is the GridWorker state machine from §3.
type GridWorkerStatus string

const (
	WorkerPending       GridWorkerStatus = "PENDING"
	WorkerLaunching     GridWorkerStatus = "LAUNCHING"
	WorkerWorking       GridWorkerStatus = "WORKING"
	WorkerIdlePostTask  GridWorkerStatus = "IDLE_POST_TASK"
)

// GridWorker is one worker process dedicated to a grid job.
type GridWorker struct {
	GridWorkerID string
	AgentID      string
	TaskID       string // empty when no current task
	IsPending    bool
}

// Status derives the table in §3 from the worker's two fields rather than
// storing status redundantly, so the two can never drift apart. It never
// returns WorkerIdlePostTask: a worker's TaskID is cleared when its task
// completes, so a worker between tasks reads as WorkerLaunching.
func (w *GridWorker) Status() GridWorkerStatus {
	switch {
	case w.IsPending:
		return WorkerPending
	case w.TaskID == "":
		return WorkerLaunching
	default:
		return WorkerWorking
	}
}

// GridTask is one unit of work within a grid job.
type GridTask struct {
	TaskID            string
	PickledArguments  []byte
	State             processstate.State
}

// State is the coordinator's full record of one job. Simple-only and
// Grid-only fields are zero-valued on the other variant; accessors below
// panic on variant mismatch so a bug surfaces immediately rather than
// silently reading a zero value.
type State struct {
	Definition       Definition
	Kind             Kind
	ResourcesRequired resources.Resources

	// JobSpecificAgents maps agent_id -> true for every JobSpecific agent
	// created to serve this job, so the job can be found from an agent and
	// vice versa.
	JobSpecificAgents map[string]bool

	// Simple-only.
	SimpleState  processstate.State
	SimpleWorker *SimpleJobWorker

	// Grid-only.
	AllTasks        map[string]*GridTask
	UnassignedTasks []string // task IDs, FIFO
	AllTasksAdded   bool
	GridWorkers     map[string]*GridWorker
}

// SimpleJobWorker holds the single worker a Simple job ever has.
type SimpleJobWorker struct {
	AgentID   string
	IsPending bool
}

// NewSimple creates a Simple job in its initial RUN_REQUESTED state.
func NewSimple(def Definition, demand resources.Resources) *State {
	return &State{
		Definition:        def,
		Kind:              Simple,
		ResourcesRequired: demand,
		JobSpecificAgents: map[string]bool{},
		SimpleState:       processstate.RunRequested,
	}
}

// NewGrid creates an empty Grid job; tasks are added via AddTasks.
func NewGrid(def Definition, demand resources.Resources) *State {
	return &State{
		Definition:        def,
		Kind:              Grid,
		ResourcesRequired: demand,
		JobSpecificAgents: map[string]bool{},
		AllTasks:          map[string]*GridTask{},
		GridWorkers:       map[string]*GridWorker{},
	}
}

// AddTasks appends tasks to a Grid job and optionally seals it (no more
// tasks will ever be added). Every added task joins the back of the
// unassigned queue; callers re-read NumWorkersNeeded afterwards.
func (s *State) AddTasks(tasks []*GridTask, allTasksAdded bool) {
	if s.Kind != Grid {
		panic("job: AddTasks called on non-grid job")
	}
	for _, t := range tasks {
		if t.State == "" {
			t.State = processstate.RunRequested
		}
		s.AllTasks[t.TaskID] = t
		s.UnassignedTasks = append(s.UnassignedTasks, t.TaskID)
	}
	if allTasksAdded {
		s.AllTasksAdded = true
	}
}

// IsTerminal reports whether this job has reached a state from which it must
// never be revived (§3 invariant).
func (s *State) IsTerminal() bool {
	switch s.Kind {
	case Simple:
		return s.SimpleState.IsCompleted()
	case Grid:
		if !s.AllTasksAdded || len(s.UnassignedTasks) > 0 {
			return false
		}
		for _, w := range s.GridWorkers {
			if w.TaskID != "" || w.IsPending {
				return false
			}
		}
		for _, t := range s.AllTasks {
			if !t.State.IsCompleted() {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// NumWorkersNeeded implements the §3 formula for both variants.
func (s *State) NumWorkersNeeded() int {
	switch s.Kind {
	case Simple:
		if s.SimpleWorker == nil && !s.SimpleState.IsCompleted() {
			return 1
		}
		return 0
	case Grid:
		notYetAssigned := 0
		for _, w := range s.GridWorkers {
			if w.TaskID == "" {
				notYetAssigned++
			}
		}
		needed := len(s.UnassignedTasks) - notYetAssigned
		if needed < 0 {
			return 0
		}
		return needed
	default:
		return 0
	}
}

// AssignTaskToGridWorker implements §4.2.3: pop the front unassigned task
// and bind it to worker, or return false if there is nothing to assign.
func (s *State) AssignTaskToGridWorker(worker *GridWorker) (*GridTask, bool) {
	if s.Kind != Grid {
		panic("job: AssignTaskToGridWorker called on non-grid job")
	}
	if len(s.UnassignedTasks) == 0 {
		return nil, false
	}
	taskID := s.UnassignedTasks[0]
	s.UnassignedTasks = s.UnassignedTasks[1:]
	worker.TaskID = taskID
	worker.IsPending = false
	return s.AllTasks[taskID], true
}

// FailJob transitions a job directly to a terminal failure state, used by
// the fail-fast path in §4.2.1.
func (s *State) FailJob(state processstate.State) {
	switch s.Kind {
	case Simple:
		s.SimpleState = state
	case Grid:
		s.AllTasksAdded = true
		for _, t := range s.AllTasks {
			if !t.State.IsCompleted() {
				t.State = state
			}
		}
		s.UnassignedTasks = nil
	}
}
