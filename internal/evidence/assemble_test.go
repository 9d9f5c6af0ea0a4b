package evidence

import (
	"testing"

	"github.com/meridianfield/sentinel/internal/model"
)

func TestAssembleRunResult_ProducesSignedBundle(t *testing.T) {
	dir := t.TempDir()
	priv, _, err := LoadOrCreateSigningKey(dir + "/signing.key")
	if err != nil {
		t.Fatal(err)
	}
	a := NewAssembler("site-1", priv)

	result := &model.RunResult{
		RunbookID:        "rb-firewall-restore",
		Target:           "host-1",
		ResolutionStatus: model.ResolutionSuccess,
		MTTRSeconds:      12.5,
		SLAMet:           true,
		StepsExecuted:    2,
		StepsTotal:       2,
	}

	b, err := a.AssembleRunResult(result, "system")
	if err != nil {
		t.Fatal(err)
	}
	if b.Site != "site-1" || b.Source != "runbook" || b.Reference != "rb-firewall-restore" {
		t.Fatalf("unexpected bundle: %+v", b)
	}
	if b.BundleHash == "" || b.Signature == "" {
		t.Fatal("expected bundle hash and signature to be populated")
	}
	if b.ChainPosition != 0 || b.ChainHash != "" {
		t.Fatal("chain fields must be left for the store to assign")
	}
}

func TestAssembleComplianceCheck_HashMatchesDetails(t *testing.T) {
	dir := t.TempDir()
	priv, _, _ := LoadOrCreateSigningKey(dir + "/signing.key")
	a := NewAssembler("site-1", priv)

	b, err := a.AssembleComplianceCheck("check-1", "compliant", "system", map[string]any{"x": 1, "y": 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(b.BundleHash) != 64 {
		t.Fatalf("expected a 64-char hex sha256 digest, got %q", b.BundleHash)
	}
	if b.Reference != "check-1" || b.Outcome != "compliant" {
		t.Fatalf("unexpected bundle fields: %+v", b)
	}
}
