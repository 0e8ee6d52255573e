package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/workflow-orchestrator/events"
	"github.com/songzhibin97/workflow-orchestrator/logging"
	"github.com/songzhibin97/workflow-orchestrator/types"
)

// ProviderHealth is the health check report of one provider.
type ProviderHealth struct {
	Provider     string             `json:"provider"`
	Status       types.HealthStatus `json:"status"`
	ResponseTime time.Duration      `json:"response_time"`
	CheckedAt    time.Time          `json:"checked_at"`
}

// HealthCheckAll checks every registered provider, ordered by name. A
// provider whose check fails or panics is reported unhealthy.
func (m *Manager) HealthCheckAll(ctx context.Context) []ProviderHealth {
	m.mu.RLock()
	providers := make(map[string]types.WorkflowProvider, len(m.providers))
	for name, p := range m.providers {
		providers[name] = p
	}
	m.mu.RUnlock()

	reports := make([]ProviderHealth, 0, len(providers))
	for _, name := range sortedNames(providers) {
		report := m.checkProvider(ctx, name, providers[name])
		healthy := report.Status.Status != types.HealthUnhealthy
		m.setProviderHealth(name, healthy)

		m.mu.Lock()
		previous, known := m.lastHealth[name]
		if _, registered := m.providers[name]; registered {
			m.lastHealth[name] = report.Status
		}
		m.mu.Unlock()

		if !healthy {
			if !known || previous.Status != types.HealthUnhealthy {
				m.logger.Warn("provider became unhealthy", logging.Provider(name))
			}
			m.publish(ctx, events.Event{
				Type:     events.ProviderUnhealthy,
				Provider: name,
				Data:     map[string]any{"reason": healthReason(report.Status)},
			})
		} else if known && previous.Status == types.HealthUnhealthy {
			m.logger.Info("provider recovered", logging.Provider(name))
		}
		reports = append(reports, report)
	}
	return reports
}

func (m *Manager) checkProvider(ctx context.Context, name string, provider types.WorkflowProvider) (report ProviderHealth) {
	start := time.Now()
	report.Provider = name
	defer func() {
		if r := recover(); r != nil {
			report.Status = types.HealthStatus{
				Status:  types.HealthUnhealthy,
				Details: map[string]any{"error": fmt.Sprintf("health check panic: %v", r)},
			}
		}
		report.ResponseTime = time.Since(start)
		report.CheckedAt = time.Now()
	}()

	status, err := provider.HealthCheck(ctx)
	if err != nil {
		status = types.HealthStatus{
			Status:  types.HealthUnhealthy,
			Details: map[string]any{"error": err.Error()},
		}
	}
	report.Status = status
	return report
}

func (m *Manager) setProviderHealth(name string, healthy bool) {
	if m.collectors == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.collectors.providerHealthy.WithLabelValues(name).Set(v)
}

func healthReason(status types.HealthStatus) string {
	if msg, ok := status.Details["error"]; ok {
		return fmt.Sprint(msg)
	}
	return "status " + status.Status
}

func (m *Manager) healthLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			m.HealthCheckAll(ctx)
			cancel()
		}
	}
}
