// Package agentcreator provides the two AgentCreator implementations: a
// local one for single-machine development that spawns worker processes
// and sizes itself off the host's real resources, and a cloud one (cloud.go)
// that launches EC2 instances. Grounded on meadowgrid's AgentCreator
// abstract base and its two Python subclasses.
package agentcreator

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/gridflow/coordinator/internal/coordinator/domain/chooser"
	"github.com/gridflow/coordinator/internal/coordinator/domain/resources"
	"github.com/gridflow/coordinator/internal/coordinator/ports"
	"github.com/gridflow/coordinator/pkg/logger"
)

// Local spawns one OS process per agent on the machine the coordinator
// itself runs on, and reports the host's own resources as its single
// catalog entry. Intended for development and single-node deployments;
// never chooses between instance types since there's only ever one.
type Local struct {
	workerBinary string
	log          logger.Logger

	mu        sync.Mutex
	processes map[string]*exec.Cmd
}

func NewLocal(workerBinary string, log logger.Logger) *Local {
	if log == nil {
		log = logger.NewNop()
	}
	return &Local{workerBinary: workerBinary, log: log, processes: map[string]*exec.Cmd{}}
}

// GetInstanceTypes reports one synthetic row describing the host machine
// itself, priced at zero since there's no cloud bill involved.
func (l *Local) GetInstanceTypes(ctx context.Context, region string) ([]chooser.InstanceType, error) {
	total, err := hostResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("detecting host resources: %w", err)
	}
	return []chooser.InstanceType{{
		InstanceType:            "local-host",
		MemoryGB:                total.MemoryGB,
		LogicalCPU:              total.LogicalCPU,
		PriceUSDPerHour:         0,
		InterruptionProbability: 0,
		OnDemandOrSpot:          chooser.OnDemand,
	}}, nil
}

// LaunchJobSpecificAgent starts a subprocess of workerBinary configured to
// register itself as a job-specific agent for jobID. The coordinator only
// ever launches one of these per call regardless of workersPerInstance,
// matching "one machine, many worker slots inside the same process".
func (l *Local) LaunchJobSpecificAgent(ctx context.Context, jobID, instanceType string, workersPerInstance int, demand resources.Resources) (string, error) {
	agentID := uuid.NewString()
	cmd := exec.CommandContext(ctx, l.workerBinary,
		"--agent-id", agentID,
		"--job-id", jobID,
		"--worker-slots", fmt.Sprintf("%d", workersPerInstance),
	)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting local agent process: %w", err)
	}
	l.mu.Lock()
	l.processes[agentID] = cmd
	l.mu.Unlock()
	l.log.Info("started local job-specific agent", "agent_id", agentID, "job_id", jobID, "pid", cmd.Process.Pid)
	return agentID, nil
}

// TerminateAgent kills the subprocess backing agentID, implementing the
// supplemented operation meadowgrid's original left as a TODO.
func (l *Local) TerminateAgent(ctx context.Context, agentID string) error {
	l.mu.Lock()
	cmd, ok := l.processes[agentID]
	if ok {
		delete(l.processes, agentID)
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no local process tracked for agent %s", agentID)
	}
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func (l *Local) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, cmd := range l.processes {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		delete(l.processes, id)
	}
	return nil
}

func hostResources(ctx context.Context) (resources.Resources, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return resources.Resources{}, err
	}
	counts, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return resources.Resources{}, err
	}
	memoryGB := float64(vm.Total) / (1024 * 1024 * 1024)
	return resources.New(memoryGB, counts, nil), nil
}

var _ ports.AgentCreator = (*Local)(nil)
