package models

import (
	"testing"
	"time"
)

func TestHealthStatusAtBoundaries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		elapsed time.Duration
		want    HealthStatus
	}{
		{"just heartbeated", 0, HealthStatusOnline},
		{"59s", 59 * time.Second, HealthStatusOnline},
		{"exactly 60s", 60 * time.Second, HealthStatusOnline},
		{"61s", 61 * time.Second, HealthStatusDegraded},
		{"299s", 299 * time.Second, HealthStatusDegraded},
		{"exactly 300s", 300 * time.Second, HealthStatusDegraded},
		{"301s", 301 * time.Second, HealthStatusOffline},
		{"hours silent", 4 * time.Hour, HealthStatusOffline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			at := now.Add(-tc.elapsed)
			if got := HealthStatusAt(&at, now); got != tc.want {
				t.Fatalf("HealthStatusAt(-%s) = %s, want %s", tc.elapsed, got, tc.want)
			}
		})
	}
}

func TestHealthStatusAtNeverHeartbeated(t *testing.T) {
	if got := HealthStatusAt(nil, time.Now()); got != HealthStatusOffline {
		t.Fatalf("nil heartbeat = %s, want offline", got)
	}
}

func TestCurrentStatusDeactivated(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Second)
	agent := Agent{LastHeartbeatAt: &recent, DeactivatedAt: &now}
	if got := agent.CurrentStatus(now); got != HealthStatusOffline {
		t.Fatalf("deactivated agent = %s, want offline", got)
	}
}
