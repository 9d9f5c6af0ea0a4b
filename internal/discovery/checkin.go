package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
)

// CheckinRegistry is an explicit, process-owned component tracking periodic
// check-ins from managed endpoints, per Design Notes ("Callback-based
// listener... expose the registry as an explicit component with register,
// list_active, cleanup_stale... no process-global state"). The HTTP handler
// (POST /agent/checkin) writes into it; the AgentCheckinMethod discovery
// method reads from it.
type CheckinRegistry struct {
	mu             sync.RWMutex
	entries        map[string]checkinEntry // keyed by IP
	staleThreshold time.Duration
}

type checkinEntry struct {
	device   model.DiscoveredDevice
	lastSeen time.Time
}

// NewCheckinRegistry creates a registry with the given staleness threshold.
func NewCheckinRegistry(staleThreshold time.Duration) *CheckinRegistry {
	if staleThreshold <= 0 {
		staleThreshold = 10 * time.Minute
	}
	return &CheckinRegistry{entries: make(map[string]checkinEntry), staleThreshold: staleThreshold}
}

// Register records (or refreshes) a check-in from a managed endpoint.
func (r *CheckinRegistry) Register(d model.DiscoveredDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.IP == "" {
		return
	}
	d.Origin = model.OriginAgent
	d.SeenAt = time.Now().UTC()
	r.entries[d.IP] = checkinEntry{device: d, lastSeen: d.SeenAt}
}

// ListActive returns the non-stale set of checked-in devices.
func (r *CheckinRegistry) ListActive() []model.DiscoveredDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := time.Now().UTC().Add(-r.staleThreshold)
	out := make([]model.DiscoveredDevice, 0, len(r.entries))
	for _, e := range r.entries {
		if e.lastSeen.After(cutoff) {
			out = append(out, e.device)
		}
	}
	return out
}

// CleanupStale removes entries past the staleness threshold and returns the
// number removed.
func (r *CheckinRegistry) CleanupStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-r.staleThreshold)
	removed := 0
	for ip, e := range r.entries {
		if !e.lastSeen.After(cutoff) {
			delete(r.entries, ip)
			removed++
		}
	}
	return removed
}

// AgentCheckinMethod is the discovery Method wrapping a CheckinRegistry: the
// registry is owned by the Orchestrator and shared with the HTTP handler;
// this method is a thin read-only adapter so it fits the same Method
// interface as the other discovery capabilities.
type AgentCheckinMethod struct {
	registry *CheckinRegistry
}

func NewAgentCheckinMethod(registry *CheckinRegistry) *AgentCheckinMethod {
	return &AgentCheckinMethod{registry: registry}
}

func (m *AgentCheckinMethod) Name() string { return "agent" }

func (m *AgentCheckinMethod) IsAvailable() bool { return m.registry != nil }

func (m *AgentCheckinMethod) Discover(ctx context.Context) ([]model.DiscoveredDevice, error) {
	if m.registry == nil {
		return nil, nil
	}
	return m.registry.ListActive(), nil
}
