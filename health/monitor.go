package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

// checkTimeout bounds each registered check
const checkTimeout = 5 * time.Second

// CheckFunc examines one subsystem and reports its status
type CheckFunc func(ctx context.Context) Status

// Monitor aggregates subsystem checks into a single service status
type Monitor struct {
	serviceName string
	logger      *slog.Logger

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewMonitor creates a health monitor for the named service
func NewMonitor(serviceName string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		serviceName: serviceName,
		logger:      logger,
		checks:      make(map[string]CheckFunc),
	}
}

// Register adds a named subsystem check. Re-registering a name replaces
// the previous check.
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Check runs all registered checks and aggregates the result. The
// service is unhealthy if any subsystem is unhealthy and degraded if
// any subsystem is degraded.
func (m *Monitor) Check(ctx context.Context) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]CheckFunc, 0, len(names))
	for _, name := range names {
		checks = append(checks, m.checks[name])
	}
	m.mu.RUnlock()

	overall := Healthy(m.serviceName)

	for i, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		sub := check(checkCtx)
		cancel()

		if sub.Component == "" {
			sub.Component = names[i]
		}
		overall.SubStatuses = append(overall.SubStatuses, sub)

		switch {
		case sub.IsUnhealthy():
			overall.Healthy = false
			overall.Status = StateUnhealthy
		case sub.IsDegraded() && !overall.IsUnhealthy():
			overall.Healthy = false
			overall.Status = StateDegraded
		}
	}

	return overall
}

// Handler serves the aggregated status as JSON. An unhealthy service
// responds 503 so load balancers can act on the status code alone.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := m.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		if err := json.NewEncoder(w).Encode(status); err != nil {
			m.logger.Error("failed to encode health status", "error", err)
		}
	})
}
