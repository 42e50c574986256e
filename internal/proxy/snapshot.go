package proxy

import "time"

// EndpointStatus is the read-only projection of one endpoint.
type EndpointStatus struct {
	Addr            string    `json:"addr"`
	Health          Health    `json:"health"`
	LastValidatedAt time.Time `json:"last_validated_at,omitempty"`
	RotationCount   int64     `json:"rotation_count"`
	Current         bool      `json:"current"`
}

// StatusSnapshot is the pool's externally visible state plus cumulative
// counters. It is rebuilt on every call and never mutated by readers.
type StatusSnapshot struct {
	Enabled               bool             `json:"enabled"`
	Endpoints             []EndpointStatus `json:"endpoints"`
	TotalRequests         int64            `json:"total_requests"`
	SuccessfulRequests    int64            `json:"successful_requests"`
	FailedRequests        int64            `json:"failed_requests"`
	AverageResponseTimeMs int64            `json:"average_response_time_ms"`
	RecentErrors          []string         `json:"recent_errors,omitempty"`
}

// Snapshot rebuilds the status projection from current pool state.
func (m *Manager) Snapshot() StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := StatusSnapshot{
		Enabled:            m.enabled,
		TotalRequests:      m.totalRequests,
		SuccessfulRequests: m.successfulRequests,
		FailedRequests:     m.failedRequests,
		RecentErrors:       append([]string(nil), m.recentErrors...),
	}
	if m.successfulRequests > 0 {
		snap.AverageResponseTimeMs = m.latencySumMs / m.successfulRequests
	}
	snap.Endpoints = make([]EndpointStatus, 0, len(m.endpoints))
	for i, ep := range m.endpoints {
		snap.Endpoints = append(snap.Endpoints, EndpointStatus{
			Addr:            ep.Addr(),
			Health:          ep.health,
			LastValidatedAt: ep.lastValidatedAt,
			RotationCount:   ep.rotationCount,
			Current:         i == m.current,
		})
	}
	return snap
}
