package safety

import (
	"fmt"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
)

// ActionPolicy declares how an action is governed: its category, whether it
// needs a human sign-off, and whether that sign-off is waived inside a
// maintenance window. Grounded on the original Python's
// approval.py ACTION_POLICIES table.
type ActionPolicy struct {
	Category                model.ApprovalCategory
	RequiresApproval         bool
	AutoApproveInMaintenance bool
	Description              string
}

// defaultActionPolicies mirrors approval.py's table for the actions this
// implementation's Runbook Engine and L1/L2 healing paths can invoke.
var defaultActionPolicies = map[string]ActionPolicy{
	"update_to_baseline_generation": {model.CategoryDisruptive, true, true, "switch to baseline configuration generation"},
	"restart_av_service":            {model.CategoryServiceRestart, false, true, "restart antivirus/EDR service"},
	"run_backup_job":                {model.CategoryConfigChange, false, true, "trigger manual backup job"},
	"restart_logging_services":      {model.CategoryServiceRestart, false, true, "restart logging services"},
	"restore_firewall_baseline":     {model.CategoryDisruptive, true, true, "restore firewall ruleset from baseline"},
	"enable_volume_encryption":      {model.CategoryAlertOnly, true, false, "enable disk encryption (requires manual intervention)"},
	"enable_bitlocker":              {model.CategoryDisruptive, true, false, "enable BitLocker on Windows"},
	"apply_os_updates":              {model.CategoryDisruptive, true, true, "apply security updates"},
}

// ApprovalStore is the subset of Store the ApprovalPolicy needs.
type ApprovalStore interface {
	CreateApproval(a *model.Approval) error
	GetApproval(id string) (*model.Approval, error)
	ApproveRequest(id, approvedBy string) error
}

// ApprovalPolicy decides, per action, whether execution may proceed or must
// first wait on a human-approved request.
type ApprovalPolicy struct {
	store    ApprovalStore
	policies map[string]ActionPolicy
	// expiry is how long a created approval request remains open.
	expiry time.Duration
}

// NewApprovalPolicy builds an ApprovalPolicy seeded with the default action
// table; callers may Register additional or overriding entries.
func NewApprovalPolicy(store ApprovalStore, expiry time.Duration) *ApprovalPolicy {
	policies := make(map[string]ActionPolicy, len(defaultActionPolicies))
	for k, v := range defaultActionPolicies {
		policies[k] = v
	}
	return &ApprovalPolicy{store: store, policies: policies, expiry: expiry}
}

// Register adds or overrides the policy for action.
func (p *ApprovalPolicy) Register(action string, policy ActionPolicy) {
	p.policies[action] = policy
}

// RequiresApproval reports whether action must be approved before execution
// given the current maintenance-window state. An action with no registered
// policy requires approval by default, matching approval.py's
// fail-closed behavior for unknown actions.
func (p *ApprovalPolicy) RequiresApproval(action string, inMaintenanceWindow bool) bool {
	policy, known := p.policies[action]
	if !known {
		return true
	}
	if !policy.RequiresApproval {
		return false
	}
	if inMaintenanceWindow && policy.AutoApproveInMaintenance {
		return false
	}
	return true
}

// RequestApproval creates a pending approval request for action against
// (site, host) and persists it to the store.
func (p *ApprovalPolicy) RequestApproval(action, site, host string) (*model.Approval, error) {
	policy, known := p.policies[action]
	category := model.CategoryDisruptive
	if known {
		category = policy.Category
	}
	a := &model.Approval{
		Action:    action,
		Category:  category,
		Site:      site,
		Host:      host,
		ExpiresAt: time.Now().UTC().Add(p.expiry),
	}
	if err := p.store.CreateApproval(a); err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}
	return a, nil
}

// IsApproved reports whether the approval request id has been signed off
// and has not expired.
func (p *ApprovalPolicy) IsApproved(id string) (bool, error) {
	a, err := p.store.GetApproval(id)
	if err != nil {
		return false, fmt.Errorf("get approval: %w", err)
	}
	if a == nil {
		return false, fmt.Errorf("approval request %q not found", id)
	}
	if a.ApprovedAt == nil || a.ApprovedBy == "" {
		return false, nil
	}
	if time.Now().UTC().After(a.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

// Approve records a human sign-off on a pending approval request.
func (p *ApprovalPolicy) Approve(id, approvedBy string) error {
	return p.store.ApproveRequest(id, approvedBy)
}
