package metrics

import (
	"sort"
	"sync"
	"time"
)

// Components whose state decides the driver's readiness
const (
	ComponentQueue      = "queue"
	ComponentDispatcher = "dispatcher"
	ComponentAPI        = "api"
)

// ComponentState is the last condition a component reported
type ComponentState struct {
	Up      bool      `json:"up"`
	Message string    `json:"message,omitempty"`
	Since   time.Time `json:"since"`
}

// Readiness summarizes the critical components
type Readiness struct {
	Ready   bool
	States  map[string]ComponentState // Critical components that reported at least once
	Waiting []string                  // Critical components down or never reported, sorted
}

type componentSet struct {
	mu       sync.RWMutex
	states   map[string]ComponentState
	critical []string
	started  time.Time
}

var components = newComponentSet()

func newComponentSet() *componentSet {
	return &componentSet{
		states:   make(map[string]ComponentState),
		critical: []string{ComponentQueue, ComponentDispatcher, ComponentAPI},
		started:  time.Now(),
	}
}

// SetComponent records a component's state and exports it as
// taskgrid_component_up. Since only moves when Up flips.
func SetComponent(name string, up bool, message string) {
	components.mu.Lock()
	defer components.mu.Unlock()

	since := time.Now()
	if prev, ok := components.states[name]; ok && prev.Up == up {
		since = prev.Since
	}
	components.states[name] = ComponentState{Up: up, Message: message, Since: since}

	v := 0.0
	if up {
		v = 1
	}
	ComponentUp.WithLabelValues(name).Set(v)
}

// SetCriticalComponents replaces the components that must be up for readiness
func SetCriticalComponents(names ...string) {
	components.mu.Lock()
	defer components.mu.Unlock()
	components.critical = append([]string(nil), names...)
}

// Component returns a component's last reported state
func Component(name string) (ComponentState, bool) {
	components.mu.RLock()
	defer components.mu.RUnlock()
	s, ok := components.states[name]
	return s, ok
}

// GetReadiness reports whether every critical component is up
func GetReadiness() Readiness {
	components.mu.RLock()
	defer components.mu.RUnlock()

	r := Readiness{States: make(map[string]ComponentState, len(components.critical))}
	for _, name := range components.critical {
		s, ok := components.states[name]
		if ok {
			r.States[name] = s
		}
		if !ok || !s.Up {
			r.Waiting = append(r.Waiting, name)
		}
	}
	sort.Strings(r.Waiting)
	r.Ready = len(r.Waiting) == 0
	return r
}

// Uptime returns how long the process has been running
func Uptime() time.Duration {
	return time.Since(components.started)
}
