package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineLifecycle(t *testing.T) {
	var transitions []string
	m := NewMachine("jetson-1", func(deviceID, from, to string) {
		transitions = append(transitions, deviceID+":"+from+"->"+to)
	})

	assert.Equal(t, StateIdle, m.CurrentState())
	assert.True(t, m.CanStart())

	require.NoError(t, m.Start("ride-1"))
	assert.Equal(t, StateRecording, m.CurrentState())
	assert.Equal(t, "ride-1", m.GetState().RideID)
	assert.False(t, m.CanStart())
	assert.Error(t, m.Start("ride-2"))

	assert.Error(t, m.Stop("ride-2"))
	require.NoError(t, m.Stop("ride-1"))
	assert.Equal(t, StateIdle, m.CurrentState())
	assert.Empty(t, m.GetState().RideID)

	assert.Equal(t, []string{
		"jetson-1:idle->recording",
		"jetson-1:recording->idle",
	}, transitions)
}

func TestManager(t *testing.T) {
	mgr := NewManager(nil)
	a := mgr.GetOrCreate("a")
	assert.Same(t, a, mgr.GetOrCreate("a"))

	_, ok := mgr.Get("b")
	assert.False(t, ok)

	require.NoError(t, a.Start("ride-1"))
	states := mgr.GetAllStates()
	require.Contains(t, states, "a")
	assert.Equal(t, StateRecording, states["a"].CurrentState)
}
