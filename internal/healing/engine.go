package healing

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/meridianfield/sentinel/internal/l2bridge"
	"github.com/meridianfield/sentinel/internal/model"
	"github.com/meridianfield/sentinel/internal/runbook"
	"github.com/meridianfield/sentinel/internal/safety"
)

const (
	flapThreshold    = 3
	flapWindow       = 120 * time.Minute
	l2EscalationConf = 0.7
)

// IncidentStore is the subset of Store the healing Engine needs.
type IncidentStore interface {
	CreateIncident(site, host, incidentType, severity string, rawData map[string]interface{}) (*model.Incident, error)
	ResolveIncident(id string, level model.IncidentLevel, action string, outcome model.IncidentOutcome, resolutionMs int64) error
	IsFlapSuppressed(site, host, incidentType string) (bool, error)
	RecordFlapSuppression(site, host, incidentType, reason string) error
}

// Provider plans an L2 remediation for an incident L1 couldn't match.
// internal/l2planner.Planner and internal/l2bridge.Client both implement it.
type Provider interface {
	Plan(incident *l2bridge.Incident) (*l2bridge.LLMDecision, error)
}

// Escalator routes an incident to human attention (ticketing, chat, paging).
// The zero value NoopEscalator satisfies it for deployments with no
// notifier configured.
type Escalator interface {
	Escalate(ctx context.Context, inc *model.Incident, reason string) error
}

// NoopEscalator discards escalations; used when no notifier is configured.
type NoopEscalator struct{}

func (NoopEscalator) Escalate(ctx context.Context, inc *model.Incident, reason string) error {
	log.Printf("[healing] L3 escalation (no notifier configured): incident=%s reason=%s", inc.ID, reason)
	return nil
}

// HealingResult is the outcome of one heal() invocation.
type HealingResult struct {
	Success      bool
	Escalated    bool
	Level        model.IncidentLevel
	Action       string
	ActionParams map[string]interface{}
	IncidentID   string
}

// flapKey identifies a (site, host, incident_type) tuple for in-memory
// flap tracking.
type flapKey struct {
	site, host, incidentType string
}

type flapEntry struct {
	count       int
	windowStart time.Time
}

// HealingEngine orchestrates incident creation, flap suppression, L1/L2/L3
// resolution, and execution via the Runbook Engine. Grounded on
// internal/daemon/daemon.go's healIncident/shouldSuppressDrift, with the
// flap threshold and window reconciled to this system's numbers. It holds
// the L1 deterministic Engine (l1_engine.go) as a collaborator rather than
// embedding it, since both types live in this package.
type HealingEngine struct {
	store     IncidentStore
	l1        *Engine
	l2        Provider
	runbooks  *runbook.Engine
	escalator Escalator
	envelope  *safety.Envelope

	mu    sync.Mutex
	flaps map[flapKey]*flapEntry
}

// NewHealingEngine creates a HealingEngine. l2, escalator, and envelope may
// be nil; a nil escalator defaults to NoopEscalator and a nil envelope
// disables the parameter validation/whitelist checks Heal would otherwise
// run before handing an action to a tier.
func NewHealingEngine(store IncidentStore, l1 *Engine, l2 Provider, runbooks *runbook.Engine, escalator Escalator, envelope *safety.Envelope) *HealingEngine {
	if escalator == nil {
		escalator = NoopEscalator{}
	}
	return &HealingEngine{
		store:     store,
		l1:        l1,
		l2:        l2,
		runbooks:  runbooks,
		escalator: escalator,
		envelope:  envelope,
		flaps:     make(map[flapKey]*flapEntry),
	}
}

// Heal runs the full incident-resolution pipeline: create incident, check
// suppression/flap state, try L1, fall back to L2, escalate to L3 if
// neither resolves it, execute via the Runbook Engine, and resolve.
func (e *HealingEngine) Heal(ctx context.Context, site, host, incidentType, severity string, rawData map[string]interface{}) (*HealingResult, error) {
	inc, err := e.store.CreateIncident(site, host, incidentType, severity, rawData)
	if err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}

	suppressed, err := e.store.IsFlapSuppressed(site, host, incidentType)
	if err != nil {
		log.Printf("[healing] suppression check failed for %s: %v", inc.ID, err)
	}
	if suppressed {
		return &HealingResult{Escalated: true, Level: model.LevelL3, Action: "flap_suppressed_awaiting_human", IncidentID: inc.ID}, nil
	}

	if e.flapExceeded(site, host, incidentType) {
		reason := fmt.Sprintf("%d successful L1 resolutions of %s on %s within %s", flapThreshold, incidentType, host, flapWindow)
		if err := e.store.RecordFlapSuppression(site, host, incidentType, reason); err != nil {
			log.Printf("[healing] failed to persist flap suppression for %s: %v", inc.ID, err)
		}
		return &HealingResult{Escalated: true, Level: model.LevelL3, Action: "flap_detected_escalation", IncidentID: inc.ID}, nil
	}

	start := time.Now()

	if e.l1 != nil {
		// Match takes the cooldown host from raw_data["host_id"] while Execute
		// seeds the cooldown under host; supply host when raw_data lacks it so
		// a repeat on the same host sees the rule's cooldown.
		matchData := rawData
		if _, ok := rawData["host_id"]; !ok {
			matchData = make(map[string]interface{}, len(rawData)+1)
			for k, v := range rawData {
				matchData[k] = v
			}
			matchData["host_id"] = host
		}
		if match := e.l1.Match(inc.ID, incidentType, severity, matchData); match != nil {
			if err := e.envelope.CheckParams(match.Action, match.ActionParams); err != nil {
				log.Printf("[healing] L1 action %s for %s rejected by safety envelope: %v", match.Action, inc.ID, err)
				if rerr := e.store.ResolveIncident(inc.ID, model.LevelL1, match.Action, model.OutcomeFailure, time.Since(start).Milliseconds()); rerr != nil {
					log.Printf("[healing] resolve incident %s failed: %v", inc.ID, rerr)
				}
				return &HealingResult{Success: false, Level: model.LevelL1, Action: match.Action, ActionParams: match.ActionParams, IncidentID: inc.ID}, nil
			}

			execResult := e.l1.Execute(match, site, host)
			outcome := model.OutcomeFailure
			if execResult.Success {
				outcome = model.OutcomeSuccess
				e.bumpFlap(site, host, incidentType)
			}
			if err := e.store.ResolveIncident(inc.ID, model.LevelL1, match.Action, outcome, time.Since(start).Milliseconds()); err != nil {
				log.Printf("[healing] resolve incident %s failed: %v", inc.ID, err)
			}
			return &HealingResult{
				Success:      execResult.Success,
				Level:        model.LevelL1,
				Action:       match.Action,
				ActionParams: match.ActionParams,
				IncidentID:   inc.ID,
			}, nil
		}
	}

	if e.l2 != nil {
		decision, err := e.l2.Plan(&l2bridge.Incident{
			ID:               inc.ID,
			SiteID:           site,
			HostID:           host,
			IncidentType:     incidentType,
			Severity:         severity,
			RawData:          rawData,
			PatternSignature: inc.PatternSignature,
			CreatedAt:        inc.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			log.Printf("[healing] L2 planning failed for %s: %v", inc.ID, err)
		} else if decision != nil && !decision.RequiresApproval && !decision.EscalateToL3 && decision.Confidence >= l2EscalationConf {
			if paramErr := e.envelope.CheckParams(decision.RecommendedAction, decision.ActionParams); paramErr != nil {
				log.Printf("[healing] L2 action %s for %s rejected by safety envelope: %v", decision.RecommendedAction, inc.ID, paramErr)
				if rerr := e.store.ResolveIncident(inc.ID, model.LevelL2, decision.RecommendedAction, model.OutcomeFailure, time.Since(start).Milliseconds()); rerr != nil {
					log.Printf("[healing] resolve incident %s failed: %v", inc.ID, rerr)
				}
				return &HealingResult{Success: false, Level: model.LevelL2, Action: decision.RecommendedAction, ActionParams: decision.ActionParams, IncidentID: inc.ID}, nil
			}

			platform := inferPlatform(incidentType)
			var runResult *model.RunResult
			if e.runbooks != nil && decision.RunbookID != "" {
				runResult, err = e.runbooks.Run(ctx, decision.RunbookID, runbook.Target{Platform: platform, Site: site})
			}
			success := runResult != nil && runResult.ResolutionStatus == model.ResolutionSuccess
			outcome := model.OutcomeFailure
			if success {
				outcome = model.OutcomeSuccess
			}
			if rerr := e.store.ResolveIncident(inc.ID, model.LevelL2, decision.RecommendedAction, outcome, time.Since(start).Milliseconds()); rerr != nil {
				log.Printf("[healing] resolve incident %s failed: %v", inc.ID, rerr)
			}
			return &HealingResult{
				Success:      success,
				Level:        model.LevelL2,
				Action:       decision.RecommendedAction,
				ActionParams: decision.ActionParams,
				IncidentID:   inc.ID,
			}, nil
		}
	}

	reason := "no L1 rule matched and L2 declined or was unavailable"
	if err := e.escalator.Escalate(ctx, inc, reason); err != nil {
		log.Printf("[healing] escalation notifier failed for %s: %v", inc.ID, err)
	}
	if err := e.store.ResolveIncident(inc.ID, model.LevelL3, "escalate", model.OutcomeEscalated, time.Since(start).Milliseconds()); err != nil {
		log.Printf("[healing] resolve incident %s failed: %v", inc.ID, err)
	}
	return &HealingResult{Escalated: true, Level: model.LevelL3, Action: "escalate", IncidentID: inc.ID}, nil
}

// flapExceeded reports whether (site, host, incidentType) has already
// accumulated flapThreshold successful L1 resolutions within the rolling
// window, checked before L1 is attempted. The window resets once it
// elapses.
func (e *HealingEngine) flapExceeded(site, host, incidentType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := flapKey{site, host, incidentType}
	entry, ok := e.flaps[key]
	if !ok {
		return false
	}
	if time.Since(entry.windowStart) > flapWindow {
		delete(e.flaps, key)
		return false
	}
	return entry.count >= flapThreshold
}

// bumpFlap records one successful L1 resolution for (site, host,
// incidentType), called only after Execute reports success.
func (e *HealingEngine) bumpFlap(site, host, incidentType string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := flapKey{site, host, incidentType}
	now := time.Now()

	entry, ok := e.flaps[key]
	if !ok || now.Sub(entry.windowStart) > flapWindow {
		e.flaps[key] = &flapEntry{count: 1, windowStart: now}
		return
	}
	entry.count++
}

// inferPlatform derives a runbook transport from an incident type's naming
// convention, e.g. "windows_firewall_drift" -> windows.
func inferPlatform(incidentType string) runbook.Platform {
	for _, prefix := range []string{"windows_", "win_"} {
		if len(incidentType) >= len(prefix) && incidentType[:len(prefix)] == prefix {
			return runbook.PlatformWindows
		}
	}
	return runbook.PlatformPOSIX
}
