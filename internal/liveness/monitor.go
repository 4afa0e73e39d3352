// Package liveness flips stale screens offline based on heartbeat age.
package liveness

import (
	"context"
	"fmt"
	"time"

	"github.com/beaconsafe/sentinel/internal/domain/devicestore"
	"github.com/beaconsafe/sentinel/internal/observability"
)

// Monitor owns the one-directional offline sweep. It only ever marks devices
// offline; the ingress heartbeat path is the sole way back online.
type Monitor struct {
	devices devicestore.Store
	timeout time.Duration
	clock   func() time.Time
}

// NewMonitor constructs a Monitor that treats heartbeats older than timeout
// as stale.
func NewMonitor(devices devicestore.Store, timeout time.Duration) *Monitor {
	return &Monitor{devices: devices, timeout: timeout, clock: func() time.Time { return time.Now().UTC() }}
}

// Sweep marks every stale device offline and returns the number flipped.
// Re-running against an already-swept population is a no-op.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	cutoff := m.clock().Add(-m.timeout)
	stale, err := m.devices.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale devices: %w", err)
	}

	flipped := 0
	for _, device := range stale {
		if ctx.Err() != nil {
			return flipped, ctx.Err()
		}
		if err := m.devices.MarkOffline(ctx, device.DeviceID); err != nil {
			observability.Log().Error("mark device offline",
				observability.Field{Key: "device_id", Value: device.DeviceID},
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}
		flipped++
		observability.Log().Info("device went offline",
			observability.Field{Key: "device_id", Value: device.DeviceID},
			observability.Field{Key: "last_heartbeat", Value: formatHeartbeat(device.LastHeartbeatAt)})
	}

	m.reportCounts(ctx)
	return flipped, nil
}

func (m *Monitor) reportCounts(ctx context.Context) {
	counts, err := m.devices.CountByStatus(ctx)
	if err != nil {
		return
	}
	observability.Telemetry().SetGauge(observability.MetricDevicesOffline,
		float64(counts[devicestore.StatusOffline]), nil)
}

func formatHeartbeat(at *time.Time) string {
	if at == nil {
		return "never"
	}
	return at.UTC().Format(time.RFC3339)
}
