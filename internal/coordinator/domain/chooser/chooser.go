// Package chooser implements the instance-type chooser: a pure function
// from a catalog of candidate machine types and a worker demand to a
// cost-optimal, interruption-diverse provisioning plan.
//
// Grounded directly on meadowgrid's agent_creator.choose_instance_types_for_job:
// same tolerances, same round-robin tie-break, reimplemented without a
// dataframe library since the catalogs involved are a few hundred rows at
// most.
package chooser

import (
	"sort"

	"github.com/gridflow/coordinator/internal/coordinator/domain/resources"
)

// OnDemandOrSpot is the pricing mode of a catalog row.
type OnDemandOrSpot string

const (
	OnDemand OnDemandOrSpot = "on_demand"
	Spot     OnDemandOrSpot = "spot"
)

// InstanceType is one row of the catalog schema from §4.1/§6.3.
type InstanceType struct {
	InstanceType           string
	MemoryGB               float64
	LogicalCPU             int
	PriceUSDPerHour        float64
	InterruptionProbability float64 // percent, 0-100
	OnDemandOrSpot         OnDemandOrSpot
}

// PlannedInstance is one row of the chooser's output: an instance type plus
// how many to launch and how many workers each will host.
type PlannedInstance struct {
	InstanceType
	NumInstances       int
	WorkersPerInstance int
}

// Tolerances are the two equivalence-class widths from §4.1, exposed as
// configuration per Open Question 3 rather than hardcoded.
type Tolerances struct {
	PriceUSDPerHour      float64
	InterruptionPercent  float64
}

// DefaultTolerances matches the values the algorithm was originally written
// with: half a cent per hour, one percentage point of interruption risk.
func DefaultTolerances() Tolerances {
	return Tolerances{PriceUSDPerHour: 0.005, InterruptionPercent: 1.0}
}

type candidate struct {
	row                InstanceType
	workersPerInstance int
	pricePerWorker     float64
	numInstances       int
}

// Choose implements the §4.1 algorithm. demandPerWorker and workersNeeded
// describe what's needed; interruptionThreshold and catalog describe what's
// available. Returns an empty plan (not an error) if no row can host even
// one worker within the threshold — callers distinguish "can't even start"
// from "partially satisfied" by summing the returned capacity.
func Choose(
	demandPerWorker resources.Resources,
	workersNeeded int,
	interruptionThreshold float64,
	catalog []InstanceType,
	tol Tolerances,
) []PlannedInstance {
	if workersNeeded <= 0 {
		return nil
	}

	candidates := make([]*candidate, 0, len(catalog))
	for _, row := range catalog {
		if row.InterruptionProbability > interruptionThreshold {
			continue
		}
		workersPerInstance := workersPerInstanceFor(row, demandPerWorker)
		if workersPerInstance < 1 {
			continue
		}
		candidates = append(candidates, &candidate{
			row:                row,
			workersPerInstance: workersPerInstance,
			pricePerWorker:     row.PriceUSDPerHour / float64(workersPerInstance),
		})
	}
	if len(candidates) == 0 {
		return nil
	}

	remaining := workersNeeded
	for remaining > 0 {
		// Step (a): penalise instances larger than what's left to allocate.
		effective := make([]*candidate, len(candidates))
		for i, c := range candidates {
			effective[i] = c
			if c.workersPerInstance > remaining {
				effective[i] = &candidate{
					row:                c.row,
					workersPerInstance: c.workersPerInstance,
					pricePerWorker:     c.row.PriceUSDPerHour / float64(remaining),
					numInstances:       c.numInstances,
				}
			}
		}

		// Step (b): restrict to cheapest-per-worker within tolerance.
		minPrice := effective[0].pricePerWorker
		for _, c := range effective {
			if c.pricePerWorker < minPrice {
				minPrice = c.pricePerWorker
			}
		}
		best := filter(effective, func(c *candidate) bool {
			return c.pricePerWorker-minPrice < tol.PriceUSDPerHour
		})

		// Step (c): among those, restrict to least-interruption-risk within
		// tolerance.
		minInterruption := best[0].row.InterruptionProbability
		for _, c := range best {
			if c.row.InterruptionProbability < minInterruption {
				minInterruption = c.row.InterruptionProbability
			}
		}
		best = filter(best, func(c *candidate) bool {
			return c.row.InterruptionProbability-minInterruption < tol.InterruptionPercent
		})

		// Step (d): largest-capacity first, take one no matter what.
		sort.SliceStable(best, func(i, j int) bool {
			return best[i].workersPerInstance > best[j].workersPerInstance
		})
		take(candidates, best[0].row.InstanceType)
		remaining -= best[0].workersPerInstance

		// Step (e): round-robin across the rest of `best` while they still
		// fit, to diversify instance families before recomputing prices.
		// i starts at the index (0) already taken by step (d) above, so the
		// first round-robin pick advances to index 1, not back to index 0.
		i := 0
		for {
			fitting := filter(best, func(c *candidate) bool {
				return c.workersPerInstance <= remaining
			})
			if len(fitting) == 0 {
				break
			}
			i = (i + 1) % len(fitting)
			take(candidates, fitting[i].row.InstanceType)
			remaining -= fitting[i].workersPerInstance
		}
	}

	plan := make([]PlannedInstance, 0, len(candidates))
	for _, c := range candidates {
		if c.numInstances == 0 {
			continue
		}
		plan = append(plan, PlannedInstance{
			InstanceType:       c.row,
			NumInstances:       c.numInstances,
			WorkersPerInstance: c.workersPerInstance,
		})
	}
	return plan
}

func workersPerInstanceFor(row InstanceType, demand resources.Resources) int {
	byMemory := int(row.MemoryGB / demand.MemoryGB)
	byCPU := row.LogicalCPU / demand.LogicalCPU
	if byMemory < byCPU {
		return byMemory
	}
	return byCPU
}

func filter(cs []*candidate, keep func(*candidate) bool) []*candidate {
	out := make([]*candidate, 0, len(cs))
	for _, c := range cs {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// take increments num_instances on the candidate (by instance type name) in
// the original, unpenalised slice — the penalised copies made for step (a)
// are throwaway view objects used only for price comparisons this round.
func take(candidates []*candidate, instanceType string) {
	for _, c := range candidates {
		if c.row.InstanceType == instanceType {
			c.numInstances++
			return
		}
	}
}

// TotalCapacity sums num_instances * workers_per_instance across a plan,
// used by callers to tell a fully-satisfied plan from a partial one.
func TotalCapacity(plan []PlannedInstance) int {
	total := 0
	for _, p := range plan {
		total += p.NumInstances * p.WorkersPerInstance
	}
	return total
}
