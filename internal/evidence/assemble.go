package evidence

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
)

// Assembler builds signed EvidenceBundle rows from RunResults and
// compliance check outcomes. Chain position/hash are left zero; the
// Inventory Store assigns them atomically under its write lock when the
// bundle is appended.
type Assembler struct {
	site       string
	signingKey ed25519.PrivateKey
}

// NewAssembler builds an Assembler for site, signing bundles with key.
func NewAssembler(site string, key ed25519.PrivateKey) *Assembler {
	return &Assembler{site: site, signingKey: key}
}

// detailsPayload is the deterministic JSON content that gets hashed and
// signed: encoding/json writes the struct fields in declaration order and
// the keys of Extra in sorted order. It combines the
// execution metadata, action steps, and any collected artifacts an
// ActionStep already carries (stdout/stderr excerpts, exit codes).
type detailsPayload struct {
	Source    string         `json:"source"`
	Reference string         `json:"reference"`
	Outcome   string         `json:"outcome"`
	Timestamp string         `json:"timestamp"`
	Operator  string         `json:"operator,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// AssembleRunResult packages a runbook execution into an EvidenceBundle:
// runbook id, resolution status, MTTR/SLA, and every ActionStep (which
// already carries script hashes and redacted stdout/stderr excerpts).
func (a *Assembler) AssembleRunResult(result *model.RunResult, operator string) (*model.EvidenceBundle, error) {
	now := time.Now().UTC()
	extra := map[string]any{
		"mttr_seconds":   result.MTTRSeconds,
		"sla_met":        result.SLAMet,
		"steps_executed": result.StepsExecuted,
		"steps_total":    result.StepsTotal,
		"steps":          result.Steps,
		"target":         result.Target,
	}
	return a.assemble("runbook", result.RunbookID, string(result.ResolutionStatus), operator, now, extra)
}

// AssembleComplianceCheck packages a single compliance check outcome.
func (a *Assembler) AssembleComplianceCheck(checkID, outcome, operator string, details map[string]any) (*model.EvidenceBundle, error) {
	return a.assemble("compliance_check", checkID, outcome, operator, time.Now().UTC(), details)
}

func (a *Assembler) assemble(source, reference, outcome, operator string, at time.Time, extra map[string]any) (*model.EvidenceBundle, error) {
	payload := detailsPayload{
		Source:    source,
		Reference: reference,
		Outcome:   outcome,
		Timestamp: at.Format(time.RFC3339),
		Operator:  operator,
		Extra:     extra,
	}
	// json.Marshal sorts map keys, giving us deterministic ("canonical")
	// output for hashing and signing.
	detailsJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence details: %w", err)
	}

	hash := sha256.Sum256(detailsJSON)
	bundleHash := hex.EncodeToString(hash[:])
	signature := Sign(a.signingKey, detailsJSON)

	return &model.EvidenceBundle{
		Site:       a.site,
		Source:     source,
		Reference:  reference,
		Outcome:    outcome,
		Timestamp:  at,
		Details:    string(detailsJSON),
		Signature:  signature,
		BundleHash: bundleHash,
	}, nil
}
