package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubtractAndAdd(t *testing.T) {
	t.Run("exact fit", func(t *testing.T) {
		supply := New(16, 8, nil)
		demand := New(8, 4, nil)

		remainder, _, ok := supply.Subtract(demand)
		require.True(t, ok)
		assert.Equal(t, New(8, 4, nil), remainder)
	})

	t.Run("insufficient memory", func(t *testing.T) {
		supply := New(4, 8, nil)
		demand := New(8, 4, nil)

		_, deficit, ok := supply.Subtract(demand)
		require.False(t, ok)
		assert.Equal(t, 4.0, deficit.MemoryGB)
		assert.Equal(t, 0, deficit.LogicalCPU)
	})

	t.Run("insufficient custom resource", func(t *testing.T) {
		supply := New(16, 8, map[string]float64{"gpu": 1})
		demand := New(1, 1, map[string]float64{"gpu": 2})

		_, deficit, ok := supply.Subtract(demand)
		require.False(t, ok)
		assert.Equal(t, 1.0, deficit.Custom["gpu"])
	})

	t.Run("add is the inverse of subtract", func(t *testing.T) {
		supply := New(16, 8, map[string]float64{"gpu": 2})
		demand := New(8, 4, map[string]float64{"gpu": 1})

		remainder, _, ok := supply.Subtract(demand)
		require.True(t, ok)

		restored := remainder.Add(demand)
		assert.Equal(t, supply.MemoryGB, restored.MemoryGB)
		assert.Equal(t, supply.LogicalCPU, restored.LogicalCPU)
		assert.Equal(t, supply.Custom["gpu"], restored.Custom["gpu"])
	})

	t.Run("fits mirrors subtract's ok value", func(t *testing.T) {
		supply := New(8, 4, nil)
		assert.True(t, supply.Fits(New(8, 4, nil)))
		assert.False(t, supply.Fits(New(8.1, 4, nil)))
	})
}

func TestHasCustom(t *testing.T) {
	assert.False(t, New(1, 1, nil).HasCustom())
	assert.True(t, New(1, 1, map[string]float64{"gpu": 1}).HasCustom())
}
