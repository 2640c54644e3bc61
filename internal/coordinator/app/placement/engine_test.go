package placement

import (
	"context"
	"testing"
	"time"

	"github.com/gridflow/coordinator/internal/coordinator/domain/agent"
	"github.com/gridflow/coordinator/internal/coordinator/domain/chooser"
	"github.com/gridflow/coordinator/internal/coordinator/domain/job"
	"github.com/gridflow/coordinator/internal/coordinator/domain/processstate"
	"github.com/gridflow/coordinator/internal/coordinator/domain/resources"
	"github.com/gridflow/coordinator/internal/coordinator/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	rows []chooser.InstanceType
}

func (f *fakeCatalog) Get(ctx context.Context, region string) ([]chooser.InstanceType, bool) {
	return f.rows, f.rows != nil
}
func (f *fakeCatalog) Set(ctx context.Context, region string, catalog []chooser.InstanceType, ttl time.Duration) {
	f.rows = catalog
}

type fakeCreator struct {
	rows     []chooser.InstanceType
	launched int
	nextID   func() string
}

func (f *fakeCreator) GetInstanceTypes(ctx context.Context, region string) ([]chooser.InstanceType, error) {
	return f.rows, nil
}
func (f *fakeCreator) LaunchJobSpecificAgent(ctx context.Context, jobID, instanceType string, workersPerInstance int, demand resources.Resources) (string, error) {
	f.launched++
	if f.nextID != nil {
		return f.nextID(), nil
	}
	return "agent-new", nil
}
func (f *fakeCreator) TerminateAgent(ctx context.Context, agentID string) error { return nil }
func (f *fakeCreator) Close(ctx context.Context) error                         { return nil }

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestAddJob_PlacesOnExistingAgentWhenItFits(t *testing.T) {
	e := New(Config{
		Region:  "us-east-1",
		Creator: &fakeCreator{},
		Catalog: &fakeCatalog{},
		Now:     fixedClock(time.Unix(0, 0)),
	})
	e.RegisterAgent(context.Background(), "a1", resources.New(16, 8, nil))

	j := e.AddJob(context.Background(), job.Definition{JobID: "j1", Priority: 1}, resources.New(4, 2, nil), job.Simple)

	require.NotNil(t, j.SimpleWorker)
	assert.Equal(t, "a1", j.SimpleWorker.AgentID)
	assert.True(t, j.SimpleWorker.IsPending)
	assert.Equal(t, processstate.Running, j.SimpleState)

	pending, err := e.GetNextJobs(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "j1", pending[0].JobID)

	// Draining again returns nothing: invariant 6, no double-dispatch.
	pending, err = e.GetNextJobs(context.Background(), "a1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAddJob_ProvisionsNewAgentWhenNothingFits(t *testing.T) {
	creator := &fakeCreator{rows: []chooser.InstanceType{
		{InstanceType: "m", MemoryGB: 8, LogicalCPU: 4, PriceUSDPerHour: 0.4},
	}}
	e := New(Config{
		Region:     "us-east-1",
		Creator:    creator,
		Catalog:    &fakeCatalog{},
		Tolerances: chooser.DefaultTolerances(),
		Now:        fixedClock(time.Unix(0, 0)),
	})

	j := e.AddJob(context.Background(), job.Definition{JobID: "j1", Priority: 1, InterruptionProbabilityThreshold: 10}, resources.New(4, 2, nil), job.Simple)

	assert.Equal(t, 1, creator.launched)
	require.NotNil(t, j.SimpleWorker)
	assert.Equal(t, "agent-new", j.SimpleWorker.AgentID)
}

func TestAddJob_FailsFastWhenCatalogCannotFit(t *testing.T) {
	creator := &fakeCreator{rows: []chooser.InstanceType{
		{InstanceType: "m", MemoryGB: 8, LogicalCPU: 4, PriceUSDPerHour: 0.4},
	}}
	e := New(Config{
		Region:     "us-east-1",
		Creator:    creator,
		Catalog:    &fakeCatalog{},
		Tolerances: chooser.DefaultTolerances(),
		Now:        fixedClock(time.Unix(0, 0)),
	})

	j := e.AddJob(context.Background(), job.Definition{JobID: "j1", Priority: 1, InterruptionProbabilityThreshold: 10}, resources.New(999, 999, nil), job.Simple)

	assert.Equal(t, 0, creator.launched)
	assert.Equal(t, processstate.ResourcesNotAvailable, j.SimpleState)
	assert.True(t, j.IsTerminal())
}

func TestGridJob_TaskCompletionFreesWorkerForNextTask(t *testing.T) {
	e := New(Config{
		Region:  "us-east-1",
		Creator: &fakeCreator{},
		Catalog: &fakeCatalog{},
		Now:     fixedClock(time.Unix(0, 0)),
	})
	e.RegisterAgent(context.Background(), "a1", resources.New(16, 8, nil))

	j := e.AddJob(context.Background(), job.Definition{JobID: "j1", Priority: 1}, resources.New(4, 2, nil), job.Grid)
	err := e.AddTasks(context.Background(), "j1", []*job.GridTask{
		{TaskID: "t1"}, {TaskID: "t2"},
	}, true)
	require.NoError(t, err)

	require.Len(t, j.GridWorkers, 2)
	var workerID string
	for id := range j.GridWorkers {
		workerID = id
		break
	}
	assert.Equal(t, job.WorkerPending, j.GridWorkers[workerID].Status())

	// The agent hasn't polled get_next_jobs yet, so the worker is still
	// unbound; a bare request (no state) is how it learns what to run.
	bound, err := e.UpdateGridTaskState(context.Background(), "j1", workerID, "", processstate.Result{})
	require.NoError(t, err)
	require.NotNil(t, bound)

	next, err := e.UpdateGridTaskState(context.Background(), "j1", workerID, bound.TaskID, processstate.Result{State: processstate.Succeeded})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t2", next.TaskID)
	assert.True(t, j.IsTerminal() == false)

	completed := 0
	for _, task := range j.AllTasks {
		if task.State.IsCompleted() {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestUpdateGridTaskState_LazyBindOnFirstRequest(t *testing.T) {
	e := New(Config{Region: "us-east-1", Creator: &fakeCreator{}, Catalog: &fakeCatalog{}, Now: fixedClock(time.Unix(0, 0))})
	e.RegisterAgent(context.Background(), "a1", resources.New(16, 8, nil))
	j := e.AddJob(context.Background(), job.Definition{JobID: "j1", Priority: 1}, resources.New(4, 2, nil), job.Grid)
	require.NoError(t, e.AddTasks(context.Background(), "j1", []*job.GridTask{{TaskID: "t1"}}, true))

	var workerID string
	for id := range j.GridWorkers {
		workerID = id
	}
	require.Equal(t, "", j.GridWorkers[workerID].TaskID)

	first, err := e.UpdateGridTaskState(context.Background(), "j1", workerID, "", processstate.Result{})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "t1", first.TaskID)
	assert.Equal(t, job.WorkerWorking, j.GridWorkers[workerID].Status())

	// A duplicate/retried request with no state is idempotent: it returns
	// the same assignment rather than trying to pop another task.
	again, err := e.UpdateGridTaskState(context.Background(), "j1", workerID, "", processstate.Result{})
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "t1", again.TaskID)
}

// TestUpdateGridTaskState_WorkerExitBeforeAcquiringTaskFailsOneUnassignedTask
// is the S5 scenario: a grid job with 5 tasks, an agent with room for only
// one worker. That one worker is created but the agent never gets around to
// asking for a task before exiting with a failure state. One of the five
// tasks is attributed that failure, four remain unassigned, and the agent's
// resources are credited back rather than the report being silently
// discarded for lack of a bound task.
func TestUpdateGridTaskState_WorkerExitBeforeAcquiringTaskFailsOneUnassignedTask(t *testing.T) {
	creator := &fakeCreator{}
	e := New(Config{Region: "us-east-1", Creator: creator, Catalog: &fakeCatalog{}, Now: fixedClock(time.Unix(0, 0))})
	e.RegisterAgent(context.Background(), "a1", resources.New(4, 2, nil)) // room for exactly one worker

	j := e.AddJob(context.Background(), job.Definition{JobID: "j1", Priority: 1}, resources.New(4, 2, nil), job.Grid)
	require.NoError(t, e.AddTasks(context.Background(), "j1", []*job.GridTask{
		{TaskID: "t1"}, {TaskID: "t2"}, {TaskID: "t3"}, {TaskID: "t4"}, {TaskID: "t5"},
	}, true))

	require.Len(t, j.GridWorkers, 1)
	var workerID string
	for id := range j.GridWorkers {
		workerID = id
	}
	require.Equal(t, "", j.GridWorkers[workerID].TaskID)
	require.Len(t, j.UnassignedTasks, 5) // no AgentCreator catalog, so the other 4 stay queued

	a, _ := e.Agent("a1")

	next, err := e.UpdateGridTaskState(context.Background(), "j1", workerID, "", processstate.Result{State: processstate.RunRequestFailed})
	require.NoError(t, err)
	assert.Nil(t, next)

	failed := 0
	for _, task := range j.AllTasks {
		if task.State == processstate.RunRequestFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Len(t, j.UnassignedTasks, 4)
	assert.NotContains(t, j.GridWorkers, workerID)
	assert.Equal(t, a.TotalResources, a.AvailableResources)
}

func TestUpdateGridTaskState_ReassignsSameWorkerToNextTaskDirectly(t *testing.T) {
	e := New(Config{
		Region:  "us-east-1",
		Creator: &fakeCreator{},
		Catalog: &fakeCatalog{},
		Now:     fixedClock(time.Unix(0, 0)),
	})
	// Only room for one worker at a time.
	e.RegisterAgent(context.Background(), "a1", resources.New(4, 2, nil))

	j := e.AddJob(context.Background(), job.Definition{JobID: "j1", Priority: 1}, resources.New(4, 2, nil), job.Grid)
	require.NoError(t, e.AddTasks(context.Background(), "j1", []*job.GridTask{
		{TaskID: "t1"}, {TaskID: "t2"}, {TaskID: "t3"},
	}, true))

	require.Len(t, j.GridWorkers, 1)
	var workerID string
	for id := range j.GridWorkers {
		workerID = id
	}
	require.Equal(t, "", j.GridWorkers[workerID].TaskID)

	bound, err := e.UpdateGridTaskState(context.Background(), "j1", workerID, "", processstate.Result{})
	require.NoError(t, err)
	require.Equal(t, "t1", bound.TaskID)

	next, err := e.UpdateGridTaskState(context.Background(), "j1", workerID, "t1", processstate.Result{State: processstate.Succeeded})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t2", next.TaskID)

	// Still exactly one worker: the freed slot was reused in place rather
	// than credited back and rediscovered as a fresh worker elsewhere.
	assert.Len(t, j.GridWorkers, 1)
	assert.Equal(t, "t2", j.GridWorkers[workerID].TaskID)
}

func TestUpdateJobState_RejectsTransitionOutOfTerminalState(t *testing.T) {
	e := New(Config{Region: "us-east-1", Creator: &fakeCreator{}, Catalog: &fakeCatalog{}, Now: fixedClock(time.Unix(0, 0))})
	e.RegisterAgent(context.Background(), "a1", resources.New(16, 8, nil))
	j := e.AddJob(context.Background(), job.Definition{JobID: "j1", Priority: 1}, resources.New(4, 2, nil), job.Simple)
	_ = j

	require.NoError(t, e.UpdateJobState(context.Background(), "j1", processstate.Result{State: processstate.Succeeded}))

	err := e.UpdateJobState(context.Background(), "j1", processstate.Result{State: processstate.Running})
	assert.ErrorIs(t, err, ErrTerminalJob)

	j2, _ := e.Job("j1")
	assert.Equal(t, processstate.Succeeded, j2.SimpleState)
}

func TestHandleAgentDeath_ResetsWorkingGridTaskInsteadOfFailingIt(t *testing.T) {
	// No replacement catalog: the reset task has nowhere to go and stays
	// queued rather than being marked failed just because its agent died.
	e := New(Config{Region: "us-east-1", Creator: &fakeCreator{}, Catalog: &fakeCatalog{}, Now: fixedClock(time.Unix(0, 0))})
	e.RegisterAgent(context.Background(), "a1", resources.New(16, 8, nil))
	j := e.AddJob(context.Background(), job.Definition{JobID: "j1", Priority: 1}, resources.New(4, 2, nil), job.Grid)
	require.NoError(t, e.AddTasks(context.Background(), "j1", []*job.GridTask{{TaskID: "t1"}}, true))
	require.Len(t, j.GridWorkers, 1)
	var workerID string
	for id := range j.GridWorkers {
		workerID = id
	}

	// The agent picks the worker up and starts working t1 before dying.
	bound, err := e.UpdateGridTaskState(context.Background(), "j1", workerID, "", processstate.Result{})
	require.NoError(t, err)
	require.Equal(t, "t1", bound.TaskID)

	e.HandleAgentDeath(context.Background(), "a1")

	task := j.AllTasks["t1"]
	assert.Equal(t, processstate.RunRequested, task.State)
	assert.Contains(t, j.UnassignedTasks, "t1")
	assert.Empty(t, j.GridWorkers)

	a, _ := e.Agent("a1")
	assert.Equal(t, agent.Dead, a.Liveness)
}

func TestHandleAgentDeath_ReplacementAgentPicksUpResetTask(t *testing.T) {
	creator := &fakeCreator{rows: []chooser.InstanceType{
		{InstanceType: "m", MemoryGB: 8, LogicalCPU: 4, PriceUSDPerHour: 0.4},
	}, nextID: func() string { return "a2" }}
	e := New(Config{Region: "us-east-1", Creator: creator, Catalog: &fakeCatalog{}, Tolerances: chooser.DefaultTolerances(), Now: fixedClock(time.Unix(0, 0))})
	e.RegisterAgent(context.Background(), "a1", resources.New(16, 8, nil))
	j := e.AddJob(context.Background(), job.Definition{JobID: "j1", Priority: 1, InterruptionProbabilityThreshold: 10}, resources.New(4, 2, nil), job.Grid)
	require.NoError(t, e.AddTasks(context.Background(), "j1", []*job.GridTask{{TaskID: "t1"}}, true))
	require.Len(t, j.GridWorkers, 1)
	var workerID string
	for id := range j.GridWorkers {
		workerID = id
	}

	bound, err := e.UpdateGridTaskState(context.Background(), "j1", workerID, "", processstate.Result{})
	require.NoError(t, err)
	require.Equal(t, "t1", bound.TaskID)

	e.HandleAgentDeath(context.Background(), "a1")

	require.Len(t, j.GridWorkers, 1)
	var w *job.GridWorker
	for _, gw := range j.GridWorkers {
		w = gw
	}
	// The replacement worker is placed unbound and claims the reset task on
	// its first request for work.
	picked, err := e.UpdateGridTaskState(context.Background(), "j1", w.GridWorkerID, "", processstate.Result{})
	require.NoError(t, err)
	require.NotNil(t, picked)
	assert.Equal(t, "a2", w.AgentID)
	assert.Equal(t, "t1", w.TaskID)
	assert.NotContains(t, j.UnassignedTasks, "t1")
	assert.Equal(t, processstate.RunRequested, j.AllTasks["t1"].State)
}
