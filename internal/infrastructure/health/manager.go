package health

import (
	"sort"
	"sync"

	"signal_router/internal/core"
)

// Manager aggregates component health checks. It implements core.IHealthMonitor.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager(logger core.ILogger) *Manager {
	hm := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds or replaces the check for component
func (hm *Manager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// Report is one evaluation of every check
type Report struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
	Failing    []string          `json:"failing,omitempty"`
}

// Evaluate runs each check once
func (hm *Manager) Evaluate() Report {
	hm.mu.RLock()
	checks := make(map[string]func() error, len(hm.checks))
	for k, v := range hm.checks {
		checks[k] = v
	}
	hm.mu.RUnlock()

	r := Report{Healthy: true, Components: make(map[string]string, len(checks))}
	for component, check := range checks {
		if err := check(); err != nil {
			r.Components[component] = "Unhealthy: " + err.Error()
			r.Failing = append(r.Failing, component)
			r.Healthy = false
			if hm.logger != nil {
				hm.logger.Warn("Health check failed", "check", component, "error", err)
			}
		} else {
			r.Components[component] = "Healthy"
		}
	}
	sort.Strings(r.Failing)
	return r
}

func (hm *Manager) GetStatus() map[string]string {
	return hm.Evaluate().Components
}

func (hm *Manager) IsHealthy() bool {
	return hm.Evaluate().Healthy
}
