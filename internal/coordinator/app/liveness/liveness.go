// Package liveness tracks whether the coordinator still believes an agent
// is alive, adapted from the heartbeat/LastSeen bookkeeping in this
// repository's in-memory service discovery, generalized from "register once,
// heartbeat on a timer" to "every get_next_jobs poll counts as a heartbeat".
package liveness

import (
	"context"
	"time"

	"github.com/gridflow/coordinator/internal/coordinator/domain/agent"
	"github.com/gridflow/coordinator/pkg/logger"
)

// Thresholds mirrors the two-stage health model this was adapted from:
// a missed heartbeat past Unhealthy makes an agent suspect, past Dead makes
// it presumed gone and triggers work reassignment.
type Thresholds struct {
	Unhealthy time.Duration
	Dead      time.Duration
}

// DefaultThresholds matches the values this was grounded on: 30s to
// suspect, 60s to declare dead.
func DefaultThresholds() Thresholds {
	return Thresholds{Unhealthy: 30 * time.Second, Dead: 60 * time.Second}
}

// AgentSource is the subset of the placement engine the sweep needs: the
// live agent table and a hook to run when an agent is declared dead.
type AgentSource interface {
	Agents() map[string]*agent.State
	HandleAgentDeath(ctx context.Context, agentID string)
}

// Tracker periodically sweeps an AgentSource's agent table and promotes
// liveness state based on how long it has been since each agent's last
// heartbeat. It is driven externally (by the command-queue loop's ticker),
// not by its own goroutine, so every state change it makes happens on the
// same serialized timeline as everything else touching agent state.
type Tracker struct {
	thresholds Thresholds
	source     AgentSource
	log        logger.Logger
}

func New(thresholds Thresholds, source AgentSource, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Tracker{thresholds: thresholds, source: source, log: log}
}

// Sweep is called once per tick with the current time. It marks agents
// Unhealthy or Dead based on elapsed time since their last heartbeat, and
// calls HandleAgentDeath exactly once per agent the moment it crosses the
// Dead threshold.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) {
	for id, a := range t.source.Agents() {
		if a.Liveness == agent.Dead || !a.HasRegistered {
			// A JobSpecific agent the engine pre-created during provisioning
			// but that hasn't contacted the coordinator yet isn't late for a
			// heartbeat it was never in a position to send.
			continue
		}
		elapsed := now.Sub(a.LastHeartbeat)
		switch {
		case elapsed >= t.thresholds.Dead:
			t.log.Warn("agent declared dead", "agent_id", id, "elapsed", elapsed)
			t.source.HandleAgentDeath(ctx, id)
		case elapsed >= t.thresholds.Unhealthy:
			if a.Liveness != agent.Unhealthy {
				t.log.Info("agent marked unhealthy", "agent_id", id, "elapsed", elapsed)
			}
			a.Liveness = agent.Unhealthy
		}
	}
}
