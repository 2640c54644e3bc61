package loop

import (
	"context"
	"testing"
	"time"

	"github.com/gridflow/coordinator/internal/coordinator/app/placement"
	"github.com/gridflow/coordinator/internal/coordinator/domain/chooser"
	"github.com/gridflow/coordinator/internal/coordinator/domain/job"
	"github.com/gridflow/coordinator/internal/coordinator/domain/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreator struct{}

func (fakeCreator) GetInstanceTypes(ctx context.Context, region string) ([]chooser.InstanceType, error) {
	return nil, nil
}
func (fakeCreator) LaunchJobSpecificAgent(ctx context.Context, jobID, instanceType string, workersPerInstance int, demand resources.Resources) (string, error) {
	return "", nil
}
func (fakeCreator) TerminateAgent(ctx context.Context, agentID string) error { return nil }
func (fakeCreator) Close(ctx context.Context) error                         { return nil }

type fakeCatalog struct{}

func (fakeCatalog) Get(ctx context.Context, region string) ([]chooser.InstanceType, bool) {
	return nil, false
}
func (fakeCatalog) Set(ctx context.Context, region string, catalog []chooser.InstanceType, ttl time.Duration) {
}

func TestLoop_SubmitSerializesAccessToEngine(t *testing.T) {
	engine := placement.New(placement.Config{Region: "us-east-1", Creator: fakeCreator{}, Catalog: fakeCatalog{}})
	l := New(engine, nil, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)
	defer l.Stop()

	err := l.Submit(context.Background(), func(ctx context.Context) {
		engine.RegisterAgent(ctx, "a1", resources.New(8, 4, nil))
	})
	require.NoError(t, err)

	var j *job.State
	err = l.Submit(context.Background(), func(ctx context.Context) {
		j = engine.AddJob(ctx, job.Definition{JobID: "j1", Priority: 1}, resources.New(4, 2, nil), job.Simple)
	})
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "a1", j.SimpleWorker.AgentID)
}

func TestLoop_SubmitAfterStopReturnsContextError(t *testing.T) {
	engine := placement.New(placement.Config{Region: "us-east-1", Creator: fakeCreator{}, Catalog: fakeCatalog{}})
	l := New(engine, nil, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	cancel()
	l.Stop()

	callCtx, callCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer callCancel()
	err := l.Submit(callCtx, func(ctx context.Context) {})
	assert.Error(t, err)
}
