package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetComponents(t *testing.T) {
	t.Helper()
	prev := components
	components = newComponentSet()
	t.Cleanup(func() { components = prev })
}

func TestSetComponent(t *testing.T) {
	resetComponents(t)

	SetComponent("history", true, "leader")
	first, ok := Component("history")
	require.True(t, ok)
	assert.True(t, first.Up)
	assert.Equal(t, float64(1), testutil.ToFloat64(ComponentUp.WithLabelValues("history")))

	SetComponent("history", true, "still leader")
	again, _ := Component("history")
	assert.Equal(t, first.Since, again.Since, "same state keeps its start time")
	assert.Equal(t, "still leader", again.Message)

	SetComponent("history", false, "no leader")
	down, _ := Component("history")
	assert.False(t, down.Up)
	assert.False(t, down.Since.Before(first.Since))
	assert.Equal(t, float64(0), testutil.ToFloat64(ComponentUp.WithLabelValues("history")))

	_, ok = Component("unknown")
	assert.False(t, ok)
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name        string
		components  map[string]bool
		wantReady   bool
		wantWaiting []string
	}{
		{
			name:       "all up",
			components: map[string]bool{ComponentQueue: true, ComponentDispatcher: true, ComponentAPI: true},
			wantReady:  true,
		},
		{
			name:        "api never reported",
			components:  map[string]bool{ComponentQueue: true, ComponentDispatcher: true},
			wantWaiting: []string{ComponentAPI},
		},
		{
			name:        "two down",
			components:  map[string]bool{ComponentQueue: false, ComponentDispatcher: false, ComponentAPI: true},
			wantWaiting: []string{ComponentDispatcher, ComponentQueue},
		},
		{
			name:       "other components ignored",
			components: map[string]bool{ComponentQueue: true, ComponentDispatcher: true, ComponentAPI: true, "history": false},
			wantReady:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetComponents(t)
			for name, up := range tt.components {
				SetComponent(name, up, "")
			}
			r := GetReadiness()
			assert.Equal(t, tt.wantReady, r.Ready)
			assert.Equal(t, tt.wantWaiting, r.Waiting)
			assert.NotContains(t, r.States, "history")
		})
	}
}

func TestSetCriticalComponents(t *testing.T) {
	resetComponents(t)
	SetCriticalComponents("node")

	r := GetReadiness()
	assert.False(t, r.Ready)
	assert.Equal(t, []string{"node"}, r.Waiting)

	SetComponent("node", true, "")
	assert.True(t, GetReadiness().Ready)
}
