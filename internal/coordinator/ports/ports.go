// Package ports declares the interfaces the placement engine depends on but
// does not implement: provisioning new agents, persisting a decision trail,
// publishing domain events, and storing credentials. Concrete adapters live
// under internal/coordinator/adapters.
package ports

import (
	"context"
	"time"

	"github.com/gridflow/coordinator/internal/coordinator/domain/chooser"
	"github.com/gridflow/coordinator/internal/coordinator/domain/resources"
)

// AgentCreator abstracts the one genuinely out-of-scope collaborator: the
// thing that actually launches machines. Grounded on meadowgrid's
// AgentCreator abstract class, including its launch_job_specific_agent and
// the supplemented TerminateAgent operation (the Python TODO "we need a way
// to kill agents when we're done with them").
type AgentCreator interface {
	// GetInstanceTypes returns the current catalog for region. The placement
	// engine calls it only when its CatalogStore holds no catalog for the
	// region, and stores the result there.
	GetInstanceTypes(ctx context.Context, region string) ([]chooser.InstanceType, error)

	// LaunchJobSpecificAgent starts a new agent process/machine dedicated to
	// jobID, sized to host workersPerInstance workers of the given demand, on
	// the named instance type. Returns the new agent's ID.
	LaunchJobSpecificAgent(ctx context.Context, jobID, instanceType string, workersPerInstance int, demand resources.Resources) (agentID string, err error)

	// TerminateAgent tears down a JobSpecific agent once its job no longer
	// needs it. The local variant can do this; the cloud variant returns
	// ErrNotSupported until a terminate-instance call is wired in.
	TerminateAgent(ctx context.Context, agentID string) error

	Close(ctx context.Context) error
}

// CatalogStore caches the instance-type catalog per region so the placement
// engine does not call out to AgentCreator.GetInstanceTypes on every
// decision.
type CatalogStore interface {
	Get(ctx context.Context, region string) ([]chooser.InstanceType, bool)
	Set(ctx context.Context, region string, catalog []chooser.InstanceType, ttl time.Duration)
}

// SchedulingDecision is one row of the write-only audit trail: a record of
// what the placement engine decided and why, never read back by the engine
// itself.
type SchedulingDecision struct {
	DecidedAt time.Time
	JobID     string
	AgentID   string
	Kind      string // "phase_a_fit", "phase_b_provision", "fail_fast"
	Detail    string
}

// AuditRecorder persists SchedulingDecision rows. Implementations must not
// block the caller on failure; a broken audit sink must never stop
// placement.
type AuditRecorder interface {
	Record(ctx context.Context, d SchedulingDecision)
}

// EventPublisher announces state transitions to the rest of the system.
// Optional plumbing: callers that don't wire a real publisher get NoOp.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, key string, payload map[string]interface{})
}

// NoOpEventPublisher discards everything. The default when no event bus is
// configured.
type NoOpEventPublisher struct{}

func (NoOpEventPublisher) Publish(context.Context, string, string, map[string]interface{}) {}

// CredentialStore is the narrow opaque store add_credentials/get needs: no
// OAuth flow, no key material inspection, just create-and-retrieve by name.
type CredentialStore interface {
	Put(ctx context.Context, name string, service string, payload []byte) error
	Get(ctx context.Context, name string) (service string, payload []byte, err error)
}

var ErrNotSupported = notSupportedError{}

type notSupportedError struct{}

func (notSupportedError) Error() string { return "operation not supported by this agent creator" }
