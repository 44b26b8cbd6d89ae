package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/artpar/rollout/internal/core/domain"
	"github.com/artpar/rollout/internal/shell/bus"
)

// =============================================================================
// Monitoring Dashboard
// =============================================================================

// MonitoringDashboard plays two roles. As a collaborator it verifies service
// health during the monitoring phase. As a passive observer it consumes every
// event on the bus fire-and-forget and keeps aggregate counters; its Run loop
// never feeds back into deployment progress.
type MonitoringDashboard struct {
	*adapter

	mu             sync.Mutex
	eventsByType   map[domain.EventType]int
	eventsSeen     int
	alertsReceived int
}

// NewMonitoringDashboard creates the monitoring-phase adapter.
func NewMonitoringDashboard(publisher bus.Publisher, logger *slog.Logger) *MonitoringDashboard {
	d := &MonitoringDashboard{
		adapter:      newAdapter("monitoring_dashboard", publisher, logger),
		eventsByType: make(map[domain.EventType]int),
	}
	d.invoke = d.verifyHealth
	return d
}

// WithInvoke overrides the adapter behavior. Used by tests.
func (d *MonitoringDashboard) WithInvoke(fn InvokeFunc) *MonitoringDashboard {
	d.invoke = fn
	return d
}

func (d *MonitoringDashboard) verifyHealth(ctx context.Context, dctx domain.DeploymentContext, req PhaseRequest) (map[string]string, error) {
	minHealthy := req.Criteria.MinHealthyServices
	if minHealthy <= 0 {
		minHealthy = len(req.Services)
	}
	if minHealthy > len(req.Services) {
		return nil, Fatal(fmt.Errorf("%w: criteria require %d healthy services but only %d are declared",
			ErrUnhealthy, minHealthy, len(req.Services)))
	}
	return map[string]string{
		"healthy_services": fmt.Sprintf("%d", len(req.Services)),
	}, nil
}

// Run consumes bus events until the context is cancelled. Slow consumption
// never blocks publishers; the bus drops events this subscriber cannot keep
// up with.
func (d *MonitoringDashboard) Run(ctx context.Context, b *bus.Bus) {
	events, cancel := b.Subscribe("monitoring_dashboard", 256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			d.observe(ev)
		}
	}
}

func (d *MonitoringDashboard) observe(ev domain.DeploymentEvent) {
	d.mu.Lock()
	d.eventsSeen++
	d.eventsByType[ev.Type]++
	if ev.Type == domain.EventAlert {
		d.alertsReceived++
	}
	d.mu.Unlock()

	switch ev.Type {
	case domain.EventAlert:
		d.logger.Warn("alert received",
			"deployment_id", ev.DeploymentID,
			"phase", ev.Phase,
			"error", ev.Error,
		)
	case domain.EventDeploymentCompleted, domain.EventDeploymentFailed, domain.EventDeploymentCancelled:
		d.logger.Info("deployment reached terminal state",
			"deployment_id", ev.DeploymentID,
			"event", ev.Type,
		)
	}
}

// DashboardSnapshot is a point-in-time view of the dashboard counters.
type DashboardSnapshot struct {
	EventsSeen     int                      `json:"events_seen"`
	AlertsReceived int                      `json:"alerts_received"`
	EventsByType   map[domain.EventType]int `json:"events_by_type"`
}

// Snapshot returns a copy of the current counters.
func (d *MonitoringDashboard) Snapshot() DashboardSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	byType := make(map[domain.EventType]int, len(d.eventsByType))
	for t, n := range d.eventsByType {
		byType[t] = n
	}
	return DashboardSnapshot{
		EventsSeen:     d.eventsSeen,
		AlertsReceived: d.alertsReceived,
		EventsByType:   byType,
	}
}
