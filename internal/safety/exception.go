package safety

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
)

// ApprovalTier is who signed off on an exception; it bounds the maximum
// duration the exception may run for. Grounded on the original Python's
// exceptions.py ApprovalTier/MAX_DURATION_DAYS table.
type ApprovalTier string

const (
	TierClientAdmin    ApprovalTier = "client_admin"
	TierPartner        ApprovalTier = "partner"
	TierL3Escalation   ApprovalTier = "l3_escalation"
	TierCentralCommand ApprovalTier = "central_command"
)

// maxDurationByTier mirrors exceptions.py's MAX_DURATION_DAYS: client admins
// may grant a 30-day exception, partners 90 days, an L3 escalation a year,
// and Central Command effectively indefinitely.
var maxDurationByTier = map[ApprovalTier]time.Duration{
	TierClientAdmin:    30 * 24 * time.Hour,
	TierPartner:        90 * 24 * time.Hour,
	TierL3Escalation:   365 * 24 * time.Hour,
	TierCentralCommand: 3650 * 24 * time.Hour,
}

// MaxDuration returns the ceiling duration a tier may grant an exception
// for, or 0 if the tier is unrecognized.
func (t ApprovalTier) MaxDuration() time.Duration {
	return maxDurationByTier[t]
}

// ExceptionStore is the subset of Store the ExceptionRegistry needs.
type ExceptionStore interface {
	CreateException(e *model.Exception) error
	ActiveException(site string, scope model.ExceptionScope, scopeRef string) (*model.Exception, error)
}

// ExceptionRegistry creates and looks up documented compliance exceptions,
// enforcing the per-tier maximum duration.
type ExceptionRegistry struct {
	store ExceptionStore
}

// NewExceptionRegistry builds an ExceptionRegistry backed by store.
func NewExceptionRegistry(store ExceptionStore) *ExceptionRegistry {
	return &ExceptionRegistry{store: store}
}

// Create persists a new exception. requestedDuration is clamped to the
// tier's maximum; a zero or negative duration uses the tier's maximum.
func (r *ExceptionRegistry) Create(site string, scope model.ExceptionScope, scopeRef, reason, createdBy string, tier ApprovalTier, requestedDuration time.Duration) (*model.Exception, error) {
	max := tier.MaxDuration()
	if max == 0 {
		return nil, fmt.Errorf("unknown approval tier %q", tier)
	}
	duration := requestedDuration
	if duration <= 0 || duration > max {
		duration = max
	}

	e := &model.Exception{
		Site:      site,
		Scope:     scope,
		ScopeRef:  scopeRef,
		Reason:    reason,
		CreatedBy: createdBy,
		ExpiresAt: time.Now().UTC().Add(duration),
	}
	if err := r.store.CreateException(e); err != nil {
		return nil, fmt.Errorf("create exception: %w", err)
	}
	return e, nil
}

// Active looks up a currently-valid exception for (site, scope, scopeRef).
// It returns nil, nil when no exception applies.
func (r *ExceptionRegistry) Active(site string, scope model.ExceptionScope, scopeRef string) (*model.Exception, error) {
	e, err := r.store.ActiveException(site, scope, scopeRef)
	if err != nil {
		return nil, fmt.Errorf("lookup active exception: %w", err)
	}
	if e == nil {
		return nil, nil
	}
	if time.Now().UTC().After(e.ExpiresAt) {
		return nil, nil
	}
	return e, nil
}

// Suppresses reports whether an active exception exists for (site, scope,
// scopeRef), i.e. whether its alert/remediation should be skipped.
func (r *ExceptionRegistry) Suppresses(site string, scope model.ExceptionScope, scopeRef string) (bool, error) {
	e, err := r.Active(site, scope, scopeRef)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// deviceFilterPattern parses a device_filter of the form "hostname:<glob>" or
// "ip:<glob>", as produced by exceptions.py's ExceptionScope_.device_filter.
var deviceFilterPattern = regexp.MustCompile(`^(hostname|ip):(.+)$`)

// MatchesDeviceFilter reports whether filter (the Reason-adjacent
// device_filter convention carried over from exceptions.py) applies to the
// given hostname/ip. An empty filter matches everything.
func MatchesDeviceFilter(filter, hostname, ip string) bool {
	if filter == "" {
		return true
	}
	m := deviceFilterPattern.FindStringSubmatch(filter)
	if m == nil {
		return false
	}
	kind, pattern := m[1], m[2]
	re, err := globToRegexp(pattern)
	if err != nil {
		return false
	}
	switch kind {
	case "hostname":
		return hostname != "" && re.MatchString(hostname)
	case "ip":
		return ip != "" && re.MatchString(ip)
	default:
		return false
	}
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	return regexp.Compile("(?i)^" + escaped + "$")
}
