package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridflow/coordinator/internal/coordinator/domain/chooser"
	"github.com/gridflow/coordinator/pkg/cache"
)

type fakeRemote struct {
	data    map[string][]byte
	failGet bool
	failSet bool
}

func newFakeRemote() *fakeRemote { return &fakeRemote{data: map[string][]byte{}} }

func (f *fakeRemote) Get(ctx context.Context, key string, dest interface{}) error {
	if f.failGet {
		return errors.New("remote unavailable")
	}
	raw, ok := f.data[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (f *fakeRemote) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if f.failSet {
		return errors.New("remote unavailable")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = raw
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, key string) error                      { return nil }
func (f *fakeRemote) Exists(ctx context.Context, key string) (bool, error)              { return false, nil }
func (f *fakeRemote) Invalidate(ctx context.Context, pattern string) error              { return nil }
func (f *fakeRemote) GetMulti(ctx context.Context, keys []string) (map[string]interface{}, error) {
	return nil, nil
}
func (f *fakeRemote) SetMulti(ctx context.Context, items map[string]interface{}, ttl time.Duration) error {
	return nil
}
func (f *fakeRemote) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return 0, nil
}
func (f *fakeRemote) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return 0, nil
}
func (f *fakeRemote) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }
func (f *fakeRemote) TTL(ctx context.Context, key string) (time.Duration, error)     { return 0, nil }
func (f *fakeRemote) Flush(ctx context.Context) error                               { return nil }
func (f *fakeRemote) Close() error                                                  { return nil }
func (f *fakeRemote) Ping(ctx context.Context) error                                { return nil }

func sampleRows() []chooser.InstanceType {
	return []chooser.InstanceType{{InstanceType: "m", MemoryGB: 8, LogicalCPU: 4, PriceUSDPerHour: 0.4}}
}

func TestStore_SetThenGetRoundTripsThroughRemote(t *testing.T) {
	remote := newFakeRemote()
	s := New(remote, nil)

	s.Set(context.Background(), "us-east-1", sampleRows(), time.Minute)

	rows, ok := s.Get(context.Background(), "us-east-1")
	require.True(t, ok)
	assert.Equal(t, sampleRows(), rows)
}

func TestStore_FallsBackToLocalWhenRemoteUnreachable(t *testing.T) {
	remote := newFakeRemote()
	s := New(remote, nil)
	s.Set(context.Background(), "us-east-1", sampleRows(), time.Minute)

	remote.failGet = true
	rows, ok := s.Get(context.Background(), "us-east-1")
	require.True(t, ok)
	assert.Equal(t, sampleRows(), rows)
}

func TestStore_GetMissingRegionReturnsFalse(t *testing.T) {
	s := New(newFakeRemote(), nil)
	_, ok := s.Get(context.Background(), "eu-west-1")
	assert.False(t, ok)
}

func TestStore_SetSurvivesRemoteWriteFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.failSet = true
	s := New(remote, nil)

	s.Set(context.Background(), "us-east-1", sampleRows(), time.Minute)

	rows, ok := s.Get(context.Background(), "us-east-1")
	require.True(t, ok)
	assert.Equal(t, sampleRows(), rows)
}
