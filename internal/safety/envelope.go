package safety

import (
	"fmt"

	"github.com/meridianfield/sentinel/internal/model"
)

// Envelope bundles every safety guard applied around a remediation
// execution. HealingEngine calls CheckParams once it knows which action
// and parameters a tier picked, before handing either to the Runbook
// Engine; the Runbook Engine calls CheckExecution/RecordOutcome at its
// execute() choke point, since that is where every remediation crosses
// onto SSH or WinRM regardless of which tier decided to run it.
type Envelope struct {
	Validator  *Validator
	Whitelist  *ParamWhitelist
	Limiter    *RateLimiter
	Breaker    *CircuitBreaker
	Approvals  *ApprovalPolicy
	Exceptions *ExceptionRegistry
}

// NewEnvelope bundles the given guards. Any argument may be nil to disable
// that guard; a nil *Envelope itself disables all of them.
func NewEnvelope(v *Validator, w *ParamWhitelist, l *RateLimiter, b *CircuitBreaker, a *ApprovalPolicy, ex *ExceptionRegistry) *Envelope {
	return &Envelope{Validator: v, Whitelist: w, Limiter: l, Breaker: b, Approvals: a, Exceptions: ex}
}

// ErrApprovalRequired is returned by CheckExecution when the action's
// approval policy requires a human sign-off.
var ErrApprovalRequired = fmt.Errorf("action requires human approval before execution")

// CheckParams validates and whitelists an action's parameters. Call this
// once the action and parameter map are known, before the action reaches a
// transport.
func (e *Envelope) CheckParams(action string, params map[string]interface{}) error {
	if e == nil {
		return nil
	}
	if e.Validator != nil {
		if errs := e.Validator.Validate(fieldsForParams(params), params); len(errs) > 0 {
			return fmt.Errorf("parameter validation: %w", errs[0])
		}
	}
	if e.Whitelist != nil {
		if err := e.Whitelist.Check(action, params); err != nil {
			return fmt.Errorf("parameter whitelist: %w", err)
		}
	}
	return nil
}

// Suppressed reports whether an active exception covers this runbook for
// site, so a caller can skip execution entirely instead of running it and
// discarding the result.
func (e *Envelope) Suppressed(site, action string) bool {
	if e == nil || e.Exceptions == nil {
		return false
	}
	ok, err := e.Exceptions.Suppresses(site, model.ScopeRunbook, action)
	return err == nil && ok
}

// CheckExecution gates the transport call: an open circuit breaker or an
// exhausted rate limit blocks the call outright, and an action whose
// approval policy requires approval is refused with ErrApprovalRequired.
// CheckExecution does not look up approval requests, so an approved
// request does not lift that refusal.
func (e *Envelope) CheckExecution(site, host, action, client string, inMaintenanceWindow bool) error {
	if e == nil {
		return nil
	}
	path := breakerPath(site, host, action)
	if e.Breaker != nil {
		if allowed, state := e.Breaker.Allow(path); !allowed {
			return fmt.Errorf("%w: %s on %s is %s", ErrCircuitOpen, action, host, state)
		}
	}
	if e.Limiter != nil {
		if err := e.Limiter.Allow(site, host, action, client); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	if e.Approvals != nil && e.Approvals.RequiresApproval(action, inMaintenanceWindow) {
		return ErrApprovalRequired
	}
	return nil
}

// RecordOutcome feeds a completed execution's result back into the rate
// limiter, for adaptive cooldown, and the circuit breaker, for trip/reset.
func (e *Envelope) RecordOutcome(site, host, action, client string, success bool) {
	if e == nil {
		return
	}
	if e.Limiter != nil {
		e.Limiter.Record(site, host, action, client, success)
	}
	if e.Breaker != nil {
		e.Breaker.RecordResult(breakerPath(site, host, action), success)
	}
}

func breakerPath(site, host, action string) string {
	return site + "/" + host + "/" + action
}

// fieldsForParams builds a generic FieldSpec per parameter key so every
// action gets the shell-metacharacter and path-prefix checks even when no
// per-action schema has been registered.
func fieldsForParams(params map[string]interface{}) []FieldSpec {
	fields := make([]FieldSpec, 0, len(params))
	for k := range params {
		fields = append(fields, FieldSpec{Name: k, IsPath: looksLikePath(k)})
	}
	return fields
}

func looksLikePath(key string) bool {
	switch key {
	case "path", "file_path", "target_path", "directory":
		return true
	}
	return false
}
