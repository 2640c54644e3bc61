// Package agent models the coordinator's view of a worker machine. An
// AgentState is a tagged union (Generic or JobSpecific) rather than a class
// hierarchy: both variants share the same struct, and code that only cares
// about the shared fields (resources, pending workers) never has to type
// switch.
package agent

import (
	"time"

	"github.com/gridflow/coordinator/internal/coordinator/domain/resources"
)

// Kind discriminates the two AgentState variants.
type Kind string

const (
	Generic     Kind = "generic"
	JobSpecific Kind = "job_specific"
)

// LivenessStatus tracks whether the coordinator still believes an agent is
// alive, based on how recently it has polled get_next_jobs.
type LivenessStatus string

const (
	Healthy   LivenessStatus = "healthy"
	Unhealthy LivenessStatus = "unhealthy"
	Dead      LivenessStatus = "dead"
)

// PendingWorker is a scheduling decision recorded against an agent that will
// materialise the next time that agent calls get_next_jobs.
type PendingWorker struct {
	JobID string
	// GridWorkerID is set only for grid jobs; simple jobs have no worker id
	// until the agent itself reports one.
	GridWorkerID string
}

// State is the coordinator's record of one agent.
type State struct {
	AgentID string
	Kind    Kind

	// JobID is set only for JobSpecific agents.
	JobID string
	// HasRegistered distinguishes a JobSpecific agent the coordinator
	// pre-created during provisioning from one that has actually contacted
	// the coordinator.
	HasRegistered bool

	TotalResources     resources.Resources
	AvailableResources resources.Resources

	PendingWorkers []PendingWorker

	Liveness     LivenessStatus
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// NewGeneric creates a Generic agent record, as happens on an unprompted
// register_agent call.
func NewGeneric(agentID string, total resources.Resources, now time.Time) *State {
	return &State{
		AgentID:            agentID,
		Kind:               Generic,
		HasRegistered:      true,
		TotalResources:     total,
		AvailableResources: total,
		Liveness:           Healthy,
		LastHeartbeat:      now,
		RegisteredAt:       now,
	}
}

// NewJobSpecific pre-creates a JobSpecific agent record during provisioning,
// before the agent process itself has contacted the coordinator.
func NewJobSpecific(agentID, jobID string, total resources.Resources, now time.Time) *State {
	return &State{
		AgentID:            agentID,
		Kind:               JobSpecific,
		JobID:              jobID,
		HasRegistered:      false,
		TotalResources:     total,
		AvailableResources: total,
		Liveness:           Healthy,
		RegisteredAt:       now,
	}
}

// AddPendingWorker records a scheduling decision and debits the worker's
// demand from available resources. Callers must have already verified the
// demand fits (via resources.Resources.Fits) — AddPendingWorker panics on
// underflow because that would mean an invariant was already broken
// upstream.
func (s *State) AddPendingWorker(jobID, gridWorkerID string, demand resources.Resources) {
	remainder, deficit, ok := s.AvailableResources.Subtract(demand)
	if !ok {
		panic("agent: AddPendingWorker called with resources that don't fit: " + deficit.Error())
	}
	s.AvailableResources = remainder
	s.PendingWorkers = append(s.PendingWorkers, PendingWorker{JobID: jobID, GridWorkerID: gridWorkerID})
}

// CreditResources returns demand to the agent's available pool, as happens
// when a worker completes.
func (s *State) CreditResources(demand resources.Resources) {
	s.AvailableResources = s.AvailableResources.Add(demand)
}

// DrainPendingWorkers empties and returns the agent's pending-worker list.
// Two consecutive calls with no intervening scheduling decision return an
// empty slice the second time (invariant 6, §8).
func (s *State) DrainPendingWorkers() []PendingWorker {
	drained := s.PendingWorkers
	s.PendingWorkers = nil
	return drained
}

// Touch records a heartbeat (any successful get_next_jobs poll) and restores
// Healthy liveness if the agent had previously been marked Unhealthy.
func (s *State) Touch(now time.Time) {
	s.LastHeartbeat = now
	s.Liveness = Healthy
}

// FitScore computes the Phase-A fit-score tuple from §4.2.1: Indicator is 0
// if demand fits, 1 otherwise. When Indicator is 0 the two remaining fields
// form a lexicographic sort key — CustomRemainder compares first, and
// ResourceRemainder (memory_gb_remainder + 2*cpu_remainder) only breaks ties
// among agents that tie on custom-resource slack. Summing the two into one
// scalar would let a large memory/cpu remainder mask a worse custom-resource
// fit, which the tuple comparison never allows.
type FitScore struct {
	Indicator         int
	CustomRemainder   float64
	ResourceRemainder float64
}

// Less orders fit scores the way Phase A wants to pick agents: fits-at-all
// first, then least custom-resource slack, then least memory/cpu slack.
func (f FitScore) Less(other FitScore) bool {
	if f.Indicator != other.Indicator {
		return f.Indicator < other.Indicator
	}
	if f.CustomRemainder != other.CustomRemainder {
		return f.CustomRemainder < other.CustomRemainder
	}
	return f.ResourceRemainder < other.ResourceRemainder
}

// ComputeFitScore evaluates how well demand fits into this agent's available
// resources, per the §4.2.1 Phase A scoring rule.
func (s *State) ComputeFitScore(demand resources.Resources) FitScore {
	remainder, _, ok := s.AvailableResources.Subtract(demand)
	if !ok {
		return FitScore{Indicator: 1}
	}
	customRemainder := 0.0
	for _, v := range remainder.Custom {
		customRemainder += v
	}
	return FitScore{
		Indicator:         0,
		CustomRemainder:   customRemainder,
		ResourceRemainder: remainder.MemoryGB + 2*float64(remainder.LogicalCPU),
	}
}
