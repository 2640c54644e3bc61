// Package placement implements the Placement Engine: everything that
// decides which agent should run which worker, and when a new agent needs
// to be provisioned to make that possible.
//
// The engine is not itself concurrency-safe; it is designed to be driven
// exclusively from the single command-queue goroutine in
// internal/coordinator/app/loop, which serializes every call into it the
// same way the coordinator it's grounded on serializes mutations to its
// worker registry cache.
package placement

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gridflow/coordinator/internal/coordinator/domain/agent"
	"github.com/gridflow/coordinator/internal/coordinator/domain/chooser"
	"github.com/gridflow/coordinator/internal/coordinator/domain/job"
	"github.com/gridflow/coordinator/internal/coordinator/domain/processstate"
	"github.com/gridflow/coordinator/internal/coordinator/domain/resources"
	"github.com/gridflow/coordinator/internal/coordinator/ports"
	"github.com/gridflow/coordinator/pkg/logger"
)

// Clock is injected so tests can control time without sleeping.
type Clock func() time.Time

// Engine owns the coordinator's agent and job tables and the logic that
// moves work between them. Region is fixed per engine instance; a
// deployment serving multiple regions runs one engine per region.
type Engine struct {
	agents map[string]*agent.State
	jobs   map[string]*job.State

	region      string
	creator     ports.AgentCreator
	catalog     ports.CatalogStore
	audit       ports.AuditRecorder
	events      ports.EventPublisher
	tolerances  chooser.Tolerances
	now         Clock
	log         logger.Logger
	rng         *rand.Rand
}

// Config bundles Engine's collaborators.
type Config struct {
	Region      string
	Creator     ports.AgentCreator
	Catalog     ports.CatalogStore
	Audit       ports.AuditRecorder
	Events      ports.EventPublisher
	Tolerances  chooser.Tolerances
	Now         Clock
	Log         logger.Logger
	RandSource  rand.Source
}

// New builds an Engine. A nil Audit/Events is replaced with a no-op so
// callers never have to special-case "not configured".
func New(cfg Config) *Engine {
	if cfg.Audit == nil {
		cfg.Audit = noopAudit{}
	}
	if cfg.Events == nil {
		cfg.Events = ports.NoOpEventPublisher{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewNop()
	}
	src := cfg.RandSource
	if src == nil {
		src = rand.NewSource(1)
	}
	return &Engine{
		agents:     map[string]*agent.State{},
		jobs:       map[string]*job.State{},
		region:     cfg.Region,
		creator:    cfg.Creator,
		catalog:    cfg.Catalog,
		audit:      cfg.Audit,
		events:     cfg.Events,
		tolerances: cfg.Tolerances,
		now:        cfg.Now,
		log:        cfg.Log,
		rng:        rand.New(src),
	}
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, ports.SchedulingDecision) {}

// ErrUnknownJob, ErrUnknownAgent, ErrTerminalJob are the sentinel failures
// RPC handlers translate into HTTP error responses.
var (
	ErrUnknownJob   = fmt.Errorf("job not found")
	ErrUnknownAgent = fmt.Errorf("agent not found")
	ErrTerminalJob  = fmt.Errorf("job already in a terminal state")
)

// AddJob registers a new job and immediately evaluates whether it can be
// placed.
func (e *Engine) AddJob(ctx context.Context, def job.Definition, demand resources.Resources, kind job.Kind) *job.State {
	var j *job.State
	switch kind {
	case job.Grid:
		j = job.NewGrid(def, demand)
	default:
		j = job.NewSimple(def, demand)
	}
	e.jobs[def.JobID] = j
	e.onJobWorkersNeededChanged(ctx, def.JobID)
	return j
}

// AddTasks appends tasks to a grid job and re-evaluates its placement.
func (e *Engine) AddTasks(ctx context.Context, jobID string, tasks []*job.GridTask, allTasksAdded bool) error {
	j, ok := e.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if j.Kind != job.Grid {
		return fmt.Errorf("add_tasks on non-grid job %s", jobID)
	}
	j.AddTasks(tasks, allTasksAdded)
	e.onJobWorkersNeededChanged(ctx, jobID)
	return nil
}

// RegisterAgent records a new Generic agent, or marks an already-known agent
// (a pre-created JobSpecific one, or a repeat registration) as registered
// without touching its resource bookkeeping, and immediately tries to place
// outstanding work onto it. Only an agent previously declared dead, whose
// workers HandleAgentDeath already released, has its resources reset.
func (e *Engine) RegisterAgent(ctx context.Context, agentID string, total resources.Resources) *agent.State {
	now := e.now()
	a, exists := e.agents[agentID]
	if exists {
		if a.Liveness == agent.Dead {
			a.TotalResources = total
			a.AvailableResources = total
		}
		a.HasRegistered = true
		a.Touch(now)
	} else {
		a = agent.NewGeneric(agentID, total, now)
		e.agents[agentID] = a
	}
	e.events.Publish(ctx, "agent.registered", agentID, map[string]interface{}{"kind": string(a.Kind)})
	e.onAgentAvailableResourcesChanged(ctx, agentID)
	return a
}

// GetNextJobs implements the pull side of §4.3: the agent polls, the
// coordinator hands back (and clears) whatever pending-worker decisions
// have accumulated for it, and the poll itself counts as a heartbeat.
func (e *Engine) GetNextJobs(ctx context.Context, agentID string) ([]agent.PendingWorker, error) {
	a, ok := e.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	a.Touch(e.now())
	drained := a.DrainPendingWorkers()
	for _, p := range drained {
		// The agent has now been told about this worker slot, so a grid
		// worker moves PENDING -> LAUNCHING (§3): it still has no task, but
		// it is no longer merely a scheduling decision the agent hasn't
		// heard about yet.
		if p.GridWorkerID == "" {
			continue
		}
		j, ok := e.jobs[p.JobID]
		if !ok || j.Kind != job.Grid {
			continue
		}
		if w, ok := j.GridWorkers[p.GridWorkerID]; ok {
			w.IsPending = false
		}
	}
	return drained, nil
}

// onJobWorkersNeededChanged is §4.2's entry point: figure out how many more
// workers a job needs, satisfy as many as possible from existing agents
// (Phase A), provision new ones for the remainder (Phase B), and fail fast
// if nothing was placed and neither the catalog nor any Generic agent's
// total resources could ever host the demand.
func (e *Engine) onJobWorkersNeededChanged(ctx context.Context, jobID string) {
	j, ok := e.jobs[jobID]
	if !ok || j.IsTerminal() {
		return
	}
	needed := j.NumWorkersNeeded()
	if needed <= 0 {
		return
	}

	placedByPhaseA := e.phaseA(ctx, j, needed)
	remaining := needed - placedByPhaseA
	if remaining <= 0 {
		return
	}

	// Phase B is skipped for custom-resource demands: the chooser has no way
	// to match custom resources to instance types.
	var plan []chooser.PlannedInstance
	if e.creator != nil && !j.ResourcesRequired.HasCustom() {
		catalog, ok := e.catalog.Get(ctx, e.region)
		if !ok {
			var err error
			catalog, err = e.creator.GetInstanceTypes(ctx, e.region)
			if err != nil {
				e.log.Error("fetching instance type catalog failed", "region", e.region, "error", err)
				return
			}
			e.catalog.Set(ctx, e.region, catalog, 5*time.Minute)
		}
		plan = chooser.Choose(j.ResourcesRequired, remaining, j.Definition.InterruptionProbabilityThreshold, catalog, e.tolerances)
	}

	if chooser.TotalCapacity(plan) == 0 {
		if placedByPhaseA > 0 {
			return
		}
		for _, a := range e.agents {
			if a.Kind == agent.Generic && a.TotalResources.Fits(j.ResourcesRequired) {
				// Not impossible, only busy: the job waits for capacity.
				return
			}
		}
		// Fail-fast: nothing in the catalog or on any agent can ever host
		// this job's demand.
		e.audit.Record(ctx, ports.SchedulingDecision{DecidedAt: e.now(), JobID: jobID, Kind: "fail_fast", Detail: "no catalog entry fits resource demand"})
		j.FailJob(processstate.ResourcesNotAvailable)
		e.events.Publish(ctx, "job.failed", jobID, map[string]interface{}{"reason": "resources_not_available"})
		return
	}
	e.phaseB(ctx, j, plan, remaining)
}

// phaseA tries to satisfy up to `needed` workers using slack on already
// running Generic agents, per §4.2.1: score every agent that has slack,
// take the best fit, repeat until either needed is exhausted or no agent
// fits anymore.
func (e *Engine) phaseA(ctx context.Context, j *job.State, needed int) int {
	placed := 0
	for placed < needed {
		var bestID string
		var best agent.FitScore
		found := false
		for id, a := range e.agents {
			if a.Kind != agent.Generic || a.Liveness == agent.Dead {
				continue
			}
			score := a.ComputeFitScore(j.ResourcesRequired)
			if score.Indicator != 0 {
				continue
			}
			if !found || score.Less(best) {
				best, bestID, found = score, id, true
			}
		}
		if !found {
			break
		}
		e.assignWorkerToAgent(ctx, j, e.agents[bestID])
		e.audit.Record(ctx, ports.SchedulingDecision{DecidedAt: e.now(), JobID: j.Definition.JobID, AgentID: bestID, Kind: "phase_a_fit"})
		placed++
	}
	return placed
}

// phaseB provisions brand-new JobSpecific agents per the chooser's plan and
// assigns the first `needed` worker slots the new agents offer. A chooser
// plan can overshoot (instance sizes rarely divide demand evenly); any
// capacity beyond `needed` is left available on its agent rather than bound
// to a worker now. A JobSpecific agent only ever serves its own job, so a
// later onAgentAvailableResourcesChanged call can hand that capacity only to
// further workers of this same job.
func (e *Engine) phaseB(ctx context.Context, j *job.State, plan []chooser.PlannedInstance, needed int) {
	for _, p := range plan {
		for i := 0; i < p.NumInstances; i++ {
			agentID, err := e.creator.LaunchJobSpecificAgent(ctx, j.Definition.JobID, p.InstanceType.InstanceType, p.WorkersPerInstance, j.ResourcesRequired)
			if err != nil {
				e.log.Error("launching job-specific agent failed", "job_id", j.Definition.JobID, "instance_type", p.InstanceType.InstanceType, "error", err)
				continue
			}
			total := resources.New(j.ResourcesRequired.MemoryGB*float64(p.WorkersPerInstance), j.ResourcesRequired.LogicalCPU*p.WorkersPerInstance, nil)
			a := agent.NewJobSpecific(agentID, j.Definition.JobID, total, e.now())
			e.agents[agentID] = a
			j.JobSpecificAgents[agentID] = true
			e.audit.Record(ctx, ports.SchedulingDecision{DecidedAt: e.now(), JobID: j.Definition.JobID, AgentID: agentID, Kind: "phase_b_provision", Detail: p.InstanceType.InstanceType})
			for w := 0; w < p.WorkersPerInstance; w++ {
				if needed <= 0 {
					continue
				}
				e.assignWorkerToAgent(ctx, j, a)
				needed--
			}
		}
	}
}

// assignWorkerToAgent binds one worker slot to an agent: for a Simple job
// this fills its single worker; for a Grid job it creates a new PENDING
// worker with no task, which is bound to a task only when it asks for work
// through UpdateGridTaskState.
func (e *Engine) assignWorkerToAgent(ctx context.Context, j *job.State, a *agent.State) {
	switch j.Kind {
	case job.Simple:
		j.SimpleWorker = &job.SimpleJobWorker{AgentID: a.AgentID, IsPending: true}
		j.SimpleState = processstate.Running
		a.AddPendingWorker(j.Definition.JobID, "", j.ResourcesRequired)
	case job.Grid:
		w := &job.GridWorker{GridWorkerID: newGridWorkerID(j, a), AgentID: a.AgentID, IsPending: true}
		j.GridWorkers[w.GridWorkerID] = w
		// Left unbound (grid_task = none) here: §3's PENDING and LAUNCHING
		// both have no task, and binding only happens once the agent itself
		// asks for work (UpdateGridTaskState's lazy-bind path below), not at
		// the moment the coordinator decides to place this worker.
		// NumWorkersNeeded already accounts for this worker's reservation by
		// counting it among not-yet-assigned workers, so the unassigned task
		// it will eventually claim isn't double-counted as still needed.
		a.AddPendingWorker(j.Definition.JobID, w.GridWorkerID, j.ResourcesRequired)
	}
}

func newGridWorkerID(j *job.State, a *agent.State) string {
	return uuid.NewString()
}

// onAgentAvailableResourcesChanged is §4.2.2's entry point: a worker just
// finished (or an agent just registered with slack), so pick a job to hand
// the freed capacity to. Jobs are chosen with probability proportional to
// priority among every job that still needs workers and whose demand fits.
func (e *Engine) onAgentAvailableResourcesChanged(ctx context.Context, agentID string) {
	a, ok := e.agents[agentID]
	if !ok || a.Liveness == agent.Dead {
		return
	}
	for {
		candidate := e.pickWeightedJob(a)
		if candidate == nil {
			return
		}
		e.assignWorkerToAgent(ctx, candidate, a)
		e.audit.Record(ctx, ports.SchedulingDecision{DecidedAt: e.now(), JobID: candidate.Definition.JobID, AgentID: agentID, Kind: "phase_a_fit", Detail: "freed_capacity"})
	}
}

// pickWeightedJob implements the weighted-random selection from §4.2.2: a
// job's selection weight is its Priority (a zero or negative Priority counts
// as 1), restricted to jobs that still
// need workers and whose demand currently fits in a's available resources.
// Only relevant for JobSpecific agents is the a.Kind check below — Generic
// agents accept any job; JobSpecific agents only ever serve their own job.
func (e *Engine) pickWeightedJob(a *agent.State) *job.State {
	type candidate struct {
		j      *job.State
		weight float64
	}
	var candidates []candidate
	total := 0.0
	for _, j := range e.jobs {
		if j.IsTerminal() || j.NumWorkersNeeded() <= 0 {
			continue
		}
		if a.Kind == agent.JobSpecific && j.Definition.JobID != a.JobID {
			continue
		}
		if !a.AvailableResources.Fits(j.ResourcesRequired) {
			continue
		}
		weight := j.Definition.Priority
		if weight <= 0 {
			weight = 1
		}
		candidates = append(candidates, candidate{j: j, weight: weight})
		total += weight
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].j.Definition.JobID < candidates[k].j.Definition.JobID })
	r := e.rng.Float64() * total
	for _, c := range candidates {
		r -= c.weight
		if r <= 0 {
			return c.j
		}
	}
	return candidates[len(candidates)-1].j
}

// UpdateJobState applies a reported simple-job state transition, enforcing
// monotonicity (Open Question 2): a transition attempted out of an
// already-completed state is rejected without mutating anything.
func (e *Engine) UpdateJobState(ctx context.Context, jobID string, result processstate.Result) error {
	j, ok := e.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if j.Kind != job.Simple {
		return fmt.Errorf("update_job_states on non-simple job %s", jobID)
	}
	if j.SimpleState.IsCompleted() {
		e.log.Warn("discarding state transition out of terminal state", "job_id", jobID, "from", j.SimpleState, "to", result.State)
		return ErrTerminalJob
	}
	j.SimpleState = result.State
	if result.State.IsCompleted() && j.SimpleWorker != nil {
		if a, ok := e.agents[j.SimpleWorker.AgentID]; ok {
			a.CreditResources(j.ResourcesRequired)
			e.onAgentAvailableResourcesChanged(ctx, a.AgentID)
		}
	}
	e.events.Publish(ctx, "job.state_changed", jobID, map[string]interface{}{"state": string(result.State)})
	return nil
}

// UpdateGridTaskState implements update_grid_task_state_and_get_next. Per
// §6.1 both task_id and ProcessState on the request are optional:
//
//   - No State at all means the worker is asking what to run, the
//     LAUNCHING -> WORKING transition. If it already has a task (a retried
//     or duplicate poll), the same task is handed back; otherwise the job's
//     next unassigned task is bound to it, or nil if there is none yet.
//   - A State with the worker already bound to a task reports that task's
//     outcome, enforcing the per-task monotonicity rule, and on completion
//     tries to rebind the same worker directly to the job's next unassigned
//     task rather than crediting resources back to the agent and letting it
//     get rediscovered through the general on_agent_available hook (which
//     would mint a brand-new GridWorker and leave this one stranded idle
//     forever, silently mis-counting num_workers_needed).
//   - A State with the worker never having been bound to a task is S5: the
//     worker exited before acquiring one. One unassigned task (if any) is
//     attributed the reported outcome instead of the report being
//     discarded, since this worker's slot is gone either way.
//
// reportedTaskID is the worker's own record of which task it's reporting on;
// it is only used to flag a mismatch against the coordinator's tracked
// assignment, never to override it; the coordinator's w.TaskID is always the
// source of truth.
func (e *Engine) UpdateGridTaskState(ctx context.Context, jobID, gridWorkerID, reportedTaskID string, result processstate.Result) (*job.GridTask, error) {
	j, ok := e.jobs[jobID]
	if !ok {
		return nil, ErrUnknownJob
	}
	if j.Kind != job.Grid {
		return nil, fmt.Errorf("update_grid_task_states on non-grid job %s", jobID)
	}
	w, ok := j.GridWorkers[gridWorkerID]
	if !ok {
		return nil, fmt.Errorf("unknown grid worker %s", gridWorkerID)
	}
	if reportedTaskID != "" && w.TaskID != "" && reportedTaskID != w.TaskID {
		e.log.Warn("grid worker reported a task id that does not match its tracked assignment", "job_id", jobID, "grid_worker_id", gridWorkerID, "reported_task_id", reportedTaskID, "tracked_task_id", w.TaskID)
	}

	if result.State == "" {
		if w.TaskID != "" {
			return j.AllTasks[w.TaskID], nil
		}
		if next, ok := j.AssignTaskToGridWorker(w); ok {
			e.audit.Record(ctx, ports.SchedulingDecision{DecidedAt: e.now(), JobID: jobID, AgentID: w.AgentID, Kind: "phase_a_fit", Detail: "lazy_bind"})
			return next, nil
		}
		return nil, nil
	}
	if !result.State.Valid() {
		return nil, fmt.Errorf("invalid state %q", result.State)
	}

	if w.TaskID == "" {
		if len(j.UnassignedTasks) > 0 {
			taskID := j.UnassignedTasks[0]
			j.UnassignedTasks = j.UnassignedTasks[1:]
			failed := j.AllTasks[taskID]
			failed.State = result.State
			e.events.Publish(ctx, "task.state_changed", jobID, map[string]interface{}{"task_id": failed.TaskID, "state": string(result.State)})
		} else {
			e.log.Warn("grid worker exited before acquiring a task and none remain to attribute the outcome to", "job_id", jobID, "grid_worker_id", gridWorkerID)
		}
		delete(j.GridWorkers, gridWorkerID)
		a, hasAgent := e.agents[w.AgentID]
		if hasAgent {
			a.CreditResources(j.ResourcesRequired)
		}
		e.onJobWorkersNeededChanged(ctx, jobID)
		if hasAgent {
			e.onAgentAvailableResourcesChanged(ctx, a.AgentID)
		}
		return nil, nil
	}

	t := j.AllTasks[w.TaskID]
	if t.State.IsCompleted() {
		e.log.Warn("discarding state transition out of terminal state", "job_id", jobID, "task_id", t.TaskID, "from", t.State, "to", result.State)
		return nil, ErrTerminalJob
	}
	t.State = result.State
	e.events.Publish(ctx, "task.state_changed", jobID, map[string]interface{}{"task_id": t.TaskID, "state": string(result.State)})
	if !result.State.IsCompleted() {
		return nil, nil
	}

	w.TaskID = ""
	if next, ok := j.AssignTaskToGridWorker(w); ok {
		e.audit.Record(ctx, ports.SchedulingDecision{DecidedAt: e.now(), JobID: jobID, AgentID: w.AgentID, Kind: "phase_a_fit", Detail: "direct_reassign"})
		return next, nil
	}

	a, hasAgent := e.agents[w.AgentID]
	if hasAgent {
		a.CreditResources(j.ResourcesRequired)
	}
	e.onJobWorkersNeededChanged(ctx, jobID)
	if hasAgent {
		e.onAgentAvailableResourcesChanged(ctx, a.AgentID)
	}
	return nil, nil
}

// HandleAgentDeath implements the Open Question 1 resolution: a dead
// agent's pending workers are simply dropped (they never started), and any
// grid task it was actively WORKING is reset to RUN_REQUESTED and returned
// to the front of its job's unassigned queue, since an agent's death is not
// evidence that the task's own code is broken.
func (e *Engine) HandleAgentDeath(ctx context.Context, agentID string) {
	a, ok := e.agents[agentID]
	if !ok {
		return
	}
	a.Liveness = agent.Dead
	a.DrainPendingWorkers()

	for _, j := range e.jobs {
		if j.IsTerminal() {
			continue
		}
		switch j.Kind {
		case job.Simple:
			if j.SimpleWorker != nil && j.SimpleWorker.AgentID == agentID {
				j.SimpleWorker = nil
				j.SimpleState = processstate.RunRequested
				e.onJobWorkersNeededChanged(ctx, j.Definition.JobID)
			}
		case job.Grid:
			for id, w := range j.GridWorkers {
				if w.AgentID != agentID {
					continue
				}
				if w.TaskID != "" {
					t := j.AllTasks[w.TaskID]
					if !t.State.IsCompleted() {
						t.State = processstate.RunRequested
						j.UnassignedTasks = append([]string{t.TaskID}, j.UnassignedTasks...)
					}
				}
				delete(j.GridWorkers, id)
			}
			e.onJobWorkersNeededChanged(ctx, j.Definition.JobID)
		}
	}
	e.events.Publish(ctx, "agent.died", agentID, nil)
}

// Agent returns the current record for agentID, for read-only RPC handlers
// (e.g. list_agents).
func (e *Engine) Agent(agentID string) (*agent.State, bool) {
	a, ok := e.agents[agentID]
	return a, ok
}

// Job returns the current record for jobID, for read-only RPC handlers.
func (e *Engine) Job(jobID string) (*job.State, bool) {
	j, ok := e.jobs[jobID]
	return j, ok
}

// Agents returns every agent currently tracked, used by the liveness
// tracker's sweep and by list_agents.
func (e *Engine) Agents() map[string]*agent.State {
	return e.agents
}
