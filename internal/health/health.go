// Package health tracks the live condition of the capture pipeline's
// components for status reporting.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/terminus/agent/internal/logging"
)

var log = logging.L("health")

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	// Unknown means no check has reported yet. It ranks worst so a
	// component that never reported is not mistaken for a healthy one.
	Unknown Status = "unknown"
)

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Components reported by the agent.
const (
	ComponentCapture    = "capture"
	ComponentVault      = "vault"
	ComponentPermission = "permission"
)

// Check stores the latest health result for a named component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Failures  int       `json:"consecutiveFailures"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor tracks health checks for multiple components.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
	now    func() time.Time
}

// NewMonitor creates a new health monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		checks: make(map[string]Check),
		now:    time.Now,
	}
}

// Update records the health status for a named component. Invalid statuses
// are stored as Unhealthy. Any non-healthy update extends the component's
// run of consecutive failures; a healthy one resets it.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		log.Warn("invalid health status, recording as unhealthy", logging.KeyComponent, name, "status", string(status))
		status = Unhealthy
	}

	m.mu.Lock()
	prev := m.checks[name]
	failures := 0
	if status != Healthy {
		failures = prev.Failures + 1
	}
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		Failures:  failures,
		UpdatedAt: m.now(),
	}
	m.mu.Unlock()

	if status != Healthy && prev.Status != status {
		log.Warn("health check degraded", "check", name, "status", string(status), "message", message)
	}
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all registered checks, or Unknown
// when nothing has reported.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if worse(c.Status, worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all current health checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Summary returns a JSON-friendly map of the overall and per-component
// status, taken under a single lock.
func (m *Monitor) Summary() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]string, len(m.checks))
	for _, c := range m.checks {
		components[c.Name] = string(c.Status)
	}
	return map[string]any{
		"status":     string(m.overallLocked()),
		"components": components,
	}
}

// worse returns true if a is worse than b.
func worse(a, b Status) bool {
	return statusRank(a) > statusRank(b)
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	case Unknown:
		return 3
	default:
		return 2
	}
}
