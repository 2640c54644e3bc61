package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/gridflow/coordinator/internal/coordinator/domain/agent"
	"github.com/gridflow/coordinator/internal/coordinator/domain/resources"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	agents map[string]*agent.State
	died   []string
}

func (f *fakeSource) Agents() map[string]*agent.State { return f.agents }
func (f *fakeSource) HandleAgentDeath(ctx context.Context, agentID string) {
	f.died = append(f.died, agentID)
	f.agents[agentID].Liveness = agent.Dead
}

func TestSweep_MarksUnhealthyThenDead(t *testing.T) {
	base := time.Unix(0, 0)
	a := agent.NewGeneric("a1", resources.New(1, 1, nil), base)
	src := &fakeSource{agents: map[string]*agent.State{"a1": a}}
	tr := New(DefaultThresholds(), src, nil)

	tr.Sweep(context.Background(), base.Add(45*time.Second))
	assert.Equal(t, agent.Unhealthy, a.Liveness)
	assert.Empty(t, src.died)

	tr.Sweep(context.Background(), base.Add(90*time.Second))
	assert.Equal(t, agent.Dead, a.Liveness)
	assert.Equal(t, []string{"a1"}, src.died)

	// A dead agent is only ever reported once.
	tr.Sweep(context.Background(), base.Add(200*time.Second))
	assert.Equal(t, []string{"a1"}, src.died)
}

func TestSweep_IgnoresUnregisteredJobSpecificAgent(t *testing.T) {
	base := time.Unix(0, 0)
	a := agent.NewJobSpecific("a2", "job1", resources.New(1, 1, nil), base)
	src := &fakeSource{agents: map[string]*agent.State{"a2": a}}
	tr := New(DefaultThresholds(), src, nil)

	tr.Sweep(context.Background(), base.Add(10*time.Hour))
	assert.Equal(t, agent.Healthy, a.Liveness)
	assert.Empty(t, src.died)
}

func TestSweep_HeartbeatRestoresHealthy(t *testing.T) {
	base := time.Unix(0, 0)
	a := agent.NewGeneric("a1", resources.New(1, 1, nil), base)
	src := &fakeSource{agents: map[string]*agent.State{"a1": a}}
	tr := New(DefaultThresholds(), src, nil)

	tr.Sweep(context.Background(), base.Add(45*time.Second))
	assert.Equal(t, agent.Unhealthy, a.Liveness)

	a.Touch(base.Add(46 * time.Second))
	tr.Sweep(context.Background(), base.Add(50*time.Second))
	assert.Equal(t, agent.Healthy, a.Liveness)
}
