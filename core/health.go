package core

import (
	"sync"
	"time"
)

// Component health states surfaced by GET /health.
const (
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
)

// ComponentHealth is the reported state of a single pipeline component.
type ComponentHealth struct {
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HealthRegistry tracks per-component health. Components report state
// transitions; the API reads a snapshot. The registry never blocks the
// pipeline: all operations are short critical sections.
type HealthRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
}

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{components: make(map[string]ComponentHealth)}
}

// SetHealthy marks a component healthy.
func (h *HealthRegistry) SetHealthy(component string) {
	h.set(component, ComponentHealth{State: StateHealthy, UpdatedAt: time.Now().UTC()})
}

// SetDegraded marks a component degraded with a reason, e.g.
// "store unreachable" or "queue saturated".
func (h *HealthRegistry) SetDegraded(component, reason string) {
	h.set(component, ComponentHealth{State: StateDegraded, Reason: reason, UpdatedAt: time.Now().UTC()})
}

func (h *HealthRegistry) set(component string, ch ComponentHealth) {
	h.mu.Lock()
	h.components[component] = ch
	h.mu.Unlock()
}

// Snapshot returns a copy of all component states plus the overall state.
// Overall is degraded if any component is degraded.
func (h *HealthRegistry) Snapshot() (string, map[string]ComponentHealth) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := StateHealthy
	out := make(map[string]ComponentHealth, len(h.components))
	for name, ch := range h.components {
		out[name] = ch
		if ch.State == StateDegraded {
			overall = StateDegraded
		}
	}
	return overall, out
}
