package config

import (
	"os"
	"strings"
)

// AutoResolveDrift controls whether the resolver applies corrections after a
// drift_detected comparison, or stops at detection and leaves resolution to an
// operator-triggered resolution_batch job.
//
// Set via env:
// - RECONCILE_AUTO_RESOLVE=true (default true)
func AutoResolveDrift() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("RECONCILE_AUTO_RESOLVE")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// AgentStatusSweepEnabled toggles the periodic refresh of the cached agent
// status column. The cache only serves dashboard queries; status reads always
// recompute from last_heartbeat_at.
//
// Set via env:
// - AGENT_STATUS_SWEEP=true
func AgentStatusSweepEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("AGENT_STATUS_SWEEP")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
