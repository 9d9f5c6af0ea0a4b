// Package discovery implements the pluggable discovery fabric: directory
// query, neighbor-table read, active portscan, and the agent check-in
// registry, plus the AD domain/enumeration helpers those methods share.
//
// Each method implements Method, following the capability-trait shape
// of Design Notes ("expose a small capability trait {name, is_available,
// discover}... the Orchestrator holds a list of trait objects").
package discovery

import (
	"context"

	"github.com/meridianfield/sentinel/internal/model"
)

// Method is one pluggable discovery capability.
type Method interface {
	Name() string
	IsAvailable() bool
	Discover(ctx context.Context) ([]model.DiscoveredDevice, error)
}

// Union runs every available method, merges results by IP (preferring the
// most information-rich record field-by-field), and returns the de-duplicated
// set. A method error is logged by the caller and does not abort the union;
// Union itself only merges what it is given.
func Union(results [][]model.DiscoveredDevice) []model.DiscoveredDevice {
	byIP := make(map[string]*model.DiscoveredDevice)
	var order []string

	for _, batch := range results {
		for _, d := range batch {
			if d.IP == "" {
				continue
			}
			if existing, ok := byIP[d.IP]; ok {
				existing.Merge(d)
				continue
			}
			cp := d
			byIP[d.IP] = &cp
			order = append(order, d.IP)
		}
	}

	out := make([]model.DiscoveredDevice, 0, len(order))
	for _, ip := range order {
		out = append(out, *byIP[ip])
	}
	return out
}
