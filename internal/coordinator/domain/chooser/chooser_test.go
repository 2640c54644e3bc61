package chooser

import (
	"testing"

	"github.com/gridflow/coordinator/internal/coordinator/domain/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChoose_ExactFit(t *testing.T) {
	// S1: A hosts 2 workers at $0.40, B hosts 4 at $0.80 -- both $0.20/worker.
	// Largest-capacity-first tie-break should pick B x1.
	catalog := []InstanceType{
		{InstanceType: "A", MemoryGB: 8, LogicalCPU: 4, PriceUSDPerHour: 0.40},
		{InstanceType: "B", MemoryGB: 16, LogicalCPU: 8, PriceUSDPerHour: 0.80},
	}
	demand := resources.New(4, 2, nil)

	plan := Choose(demand, 4, 0, catalog, DefaultTolerances())

	require.Len(t, plan, 1)
	assert.Equal(t, "B", plan[0].InstanceType.InstanceType)
	assert.Equal(t, 1, plan[0].NumInstances)
	assert.Equal(t, 4, plan[0].WorkersPerInstance)
}

func TestChoose_Diversification(t *testing.T) {
	// S2: three instance types, identical price/worker and interruption,
	// each hosting 2 workers; need 6 -> round robin one instance of each
	// rather than piling all 3 needed instances onto a single type.
	catalog := []InstanceType{
		{InstanceType: "A", MemoryGB: 4, LogicalCPU: 2, PriceUSDPerHour: 0.20, InterruptionProbability: 5},
		{InstanceType: "B", MemoryGB: 4, LogicalCPU: 2, PriceUSDPerHour: 0.20, InterruptionProbability: 5},
		{InstanceType: "C", MemoryGB: 4, LogicalCPU: 2, PriceUSDPerHour: 0.20, InterruptionProbability: 5},
	}
	demand := resources.New(2, 1, nil)

	plan := Choose(demand, 6, 10, catalog, DefaultTolerances())

	require.Len(t, plan, 3)
	total := 0
	for _, p := range plan {
		assert.Equal(t, 1, p.NumInstances)
		assert.Equal(t, 2, p.WorkersPerInstance)
		total += p.NumInstances * p.WorkersPerInstance
	}
	assert.Equal(t, 6, total)
}

func TestChoose_TailUnderpack(t *testing.T) {
	// S3: A is huge (16 workers/instance) but only 3 needed, so its
	// effective price/worker for the tail is much worse than B's.
	catalog := []InstanceType{
		{InstanceType: "A", MemoryGB: 32, LogicalCPU: 16, PriceUSDPerHour: 1.60},
		{InstanceType: "B", MemoryGB: 4, LogicalCPU: 2, PriceUSDPerHour: 0.20},
	}
	demand := resources.New(2, 1, nil)

	plan := Choose(demand, 3, 0, catalog, DefaultTolerances())

	require.Len(t, plan, 1)
	assert.Equal(t, "B", plan[0].InstanceType.InstanceType)
	assert.Equal(t, 2, plan[0].NumInstances)
	assert.GreaterOrEqual(t, TotalCapacity(plan), 3)
}

func TestChoose_InterruptionFilter(t *testing.T) {
	catalog := []InstanceType{
		{InstanceType: "cheap-risky", MemoryGB: 4, LogicalCPU: 2, PriceUSDPerHour: 0.05, InterruptionProbability: 20},
		{InstanceType: "safe", MemoryGB: 4, LogicalCPU: 2, PriceUSDPerHour: 0.20, InterruptionProbability: 0},
	}
	demand := resources.New(2, 1, nil)

	plan := Choose(demand, 2, 0, catalog, DefaultTolerances())

	require.Len(t, plan, 1)
	assert.Equal(t, "safe", plan[0].InstanceType.InstanceType)
}

func TestChoose_EmptyWhenNothingFits(t *testing.T) {
	catalog := []InstanceType{
		{InstanceType: "tiny", MemoryGB: 1, LogicalCPU: 1, PriceUSDPerHour: 0.01},
	}
	demand := resources.New(64, 32, nil)

	plan := Choose(demand, 1, 0, catalog, DefaultTolerances())

	assert.Empty(t, plan)
}

func TestChoose_ZeroWorkersNeeded(t *testing.T) {
	plan := Choose(resources.New(1, 1, nil), 0, 0, []InstanceType{
		{InstanceType: "A", MemoryGB: 4, LogicalCPU: 2, PriceUSDPerHour: 0.1},
	}, DefaultTolerances())
	assert.Empty(t, plan)
}

func TestChoose_SufficiencyInvariant(t *testing.T) {
	catalog := []InstanceType{
		{InstanceType: "A", MemoryGB: 8, LogicalCPU: 4, PriceUSDPerHour: 0.4, InterruptionProbability: 2},
		{InstanceType: "B", MemoryGB: 16, LogicalCPU: 8, PriceUSDPerHour: 0.7, InterruptionProbability: 6},
		{InstanceType: "C", MemoryGB: 4, LogicalCPU: 2, PriceUSDPerHour: 0.19, InterruptionProbability: 1},
	}
	demand := resources.New(4, 2, nil)

	for _, need := range []int{1, 2, 3, 5, 7, 11, 23} {
		plan := Choose(demand, need, 10, catalog, DefaultTolerances())
		require.NotEmpty(t, plan, "need=%d", need)
		assert.GreaterOrEqual(t, TotalCapacity(plan), need, "need=%d", need)
		for _, p := range plan {
			assert.LessOrEqual(t, p.InterruptionProbability, 10.0)
			assert.GreaterOrEqual(t, int(p.MemoryGB/demand.MemoryGB), 1)
		}
	}
}
