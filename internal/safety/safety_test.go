package safety

import (
	"testing"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
)

func TestValidator_RequiredFieldMissing(t *testing.T) {
	v := NewValidator()
	errs := v.Validate([]FieldSpec{{Name: "service", Required: true}}, map[string]interface{}{})
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}
}

func TestValidator_ShellMetacharacterRejected(t *testing.T) {
	v := NewValidator()
	errs := v.Validate([]FieldSpec{{Name: "service"}}, map[string]interface{}{"service": "sshd; rm -rf /"})
	if len(errs) == 0 {
		t.Fatal("expected shell metacharacter rejection")
	}
}

func TestValidator_AllowedValues(t *testing.T) {
	v := NewValidator()
	errs := v.Validate([]FieldSpec{{Name: "level", Allowed: []string{"low", "high"}}}, map[string]interface{}{"level": "medium"})
	if len(errs) == 0 {
		t.Fatal("expected value-not-allowed rejection")
	}
}

func TestValidator_PathMustBeUnderAllowedPrefix(t *testing.T) {
	v := NewValidator("/var/lib/msp")
	errs := v.Validate([]FieldSpec{{Name: "target", IsPath: true}}, map[string]interface{}{"target": "/etc/passwd"})
	if len(errs) == 0 {
		t.Fatal("expected path rejection")
	}

	errs = v.Validate([]FieldSpec{{Name: "target", IsPath: true}}, map[string]interface{}{"target": "/var/lib/msp/rules"})
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestParamWhitelist_UnknownActionRejected(t *testing.T) {
	w := NewParamWhitelist()
	if err := w.Check("unregistered_action", map[string]interface{}{"x": "y"}); err == nil {
		t.Fatal("expected rejection of unregistered action")
	}
}

func TestParamWhitelist_UnknownParamRejected(t *testing.T) {
	w := NewParamWhitelist()
	w.Register("restart_service", map[string][]string{"service_name": nil})
	if err := w.Check("restart_service", map[string]interface{}{"unexpected": "value"}); err == nil {
		t.Fatal("expected rejection of unwhitelisted parameter key")
	}
}

func TestParamWhitelist_ValueOutsideSetRejected(t *testing.T) {
	w := NewParamWhitelist()
	w.Register("restart_service", map[string][]string{"service_name": {"av-agent", "fluent-bit"}})
	if err := w.Check("restart_service", map[string]interface{}{"service_name": "cryptominer"}); err == nil {
		t.Fatal("expected rejection of out-of-set value")
	}
	if err := w.Check("restart_service", map[string]interface{}{"service_name": "av-agent"}); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
}

func TestRateLimiter_CooldownBlocksRepeat(t *testing.T) {
	r := NewRateLimiter(time.Minute, 10*time.Minute, 0, 0)
	if err := r.Allow("site1", "host1", "restart", "client1"); err != nil {
		t.Fatalf("first attempt should be allowed: %v", err)
	}
	r.Record("site1", "host1", "restart", "client1", true)
	if err := r.Allow("site1", "host1", "restart", "client1"); err == nil {
		t.Fatal("expected cooldown to block the second attempt")
	}
}

func TestRateLimiter_AdaptiveDoublingOnFailure(t *testing.T) {
	r := NewRateLimiter(time.Second, time.Hour, 0, 0)
	r.Record("site1", "host1", "action", "client1", false)
	first := r.cooldowns[cooldownKey("site1", "host1", "action")].current
	r.Record("site1", "host1", "action", "client1", false)
	second := r.cooldowns[cooldownKey("site1", "host1", "action")].current
	if second <= first {
		t.Fatalf("expected cooldown to grow after repeated failure: %v -> %v", first, second)
	}
}

func TestRateLimiter_ClientHourlyCeiling(t *testing.T) {
	r := NewRateLimiter(0, 0, 2, 0)
	r.Record("s", "h", "a1", "client1", true)
	r.Record("s", "h", "a2", "client1", true)
	if err := r.Allow("s", "h", "a3", "client1"); err == nil {
		t.Fatal("expected client hourly ceiling to block third attempt")
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 2, time.Minute)
	for i := 0; i < 3; i++ {
		cb.RecordResult("path1", false)
	}
	if cb.State("path1") != StateOpen {
		t.Fatalf("expected open, got %v", cb.State("path1"))
	}
	if allowed, state := cb.Allow("path1"); allowed {
		t.Fatalf("expected open breaker to block, state=%v", state)
	}
}

func TestCircuitBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, time.Millisecond)
	cb.RecordResult("path1", false)
	time.Sleep(2 * time.Millisecond)
	allowed, state := cb.Allow("path1")
	if !allowed || state != StateHalfOpen {
		t.Fatalf("expected half-open trial allowed, got allowed=%v state=%v", allowed, state)
	}
	cb.RecordResult("path1", true)
	cb.RecordResult("path1", true)
	if cb.State("path1") != StateClosed {
		t.Fatalf("expected closed after successThreshold successes, got %v", cb.State("path1"))
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 2, time.Millisecond)
	cb.RecordResult("path1", false)
	time.Sleep(2 * time.Millisecond)
	cb.Allow("path1")
	cb.RecordResult("path1", false)
	if cb.State("path1") != StateOpen {
		t.Fatalf("expected reopen on half-open failure, got %v", cb.State("path1"))
	}
}

type fakeApprovalStore struct {
	created  *model.Approval
	approved string
}

func (f *fakeApprovalStore) CreateApproval(a *model.Approval) error {
	a.ID = "apr-1"
	f.created = a
	return nil
}

func (f *fakeApprovalStore) GetApproval(id string) (*model.Approval, error) {
	if f.created == nil || f.created.ID != id {
		return nil, nil
	}
	cp := *f.created
	if f.approved != "" {
		now := time.Now().UTC()
		cp.ApprovedAt = &now
		cp.ApprovedBy = f.approved
	}
	return &cp, nil
}

func (f *fakeApprovalStore) ApproveRequest(id, approvedBy string) error {
	f.approved = approvedBy
	return nil
}

func TestApprovalPolicy_UnknownActionRequiresApproval(t *testing.T) {
	p := NewApprovalPolicy(&fakeApprovalStore{}, 24*time.Hour)
	if !p.RequiresApproval("never_seen_action", false) {
		t.Fatal("expected unknown action to require approval by default")
	}
}

func TestApprovalPolicy_AutoApprovedInMaintenanceWindow(t *testing.T) {
	p := NewApprovalPolicy(&fakeApprovalStore{}, 24*time.Hour)
	if p.RequiresApproval("restart_av_service", false) {
		t.Fatal("restart_av_service never requires approval")
	}
	if p.RequiresApproval("update_to_baseline_generation", true) {
		t.Fatal("expected maintenance window to waive approval")
	}
	if !p.RequiresApproval("update_to_baseline_generation", false) {
		t.Fatal("expected approval required outside maintenance window")
	}
}

func TestApprovalPolicy_NeverAutoApprovedEvenInMaintenance(t *testing.T) {
	p := NewApprovalPolicy(&fakeApprovalStore{}, 24*time.Hour)
	if !p.RequiresApproval("enable_volume_encryption", true) {
		t.Fatal("encryption enablement always requires a human, even in a maintenance window")
	}
}

func TestApprovalPolicy_RequestAndApproveFlow(t *testing.T) {
	store := &fakeApprovalStore{}
	p := NewApprovalPolicy(store, time.Hour)

	a, err := p.RequestApproval("restore_firewall_baseline", "site1", "host1")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := p.IsApproved(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected not yet approved")
	}

	if err := p.Approve(a.ID, "ops@example.com"); err != nil {
		t.Fatal(err)
	}
	ok, err = p.IsApproved(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected approved after sign-off")
	}
}

type fakeExceptionStore struct {
	created *model.Exception
}

func (f *fakeExceptionStore) CreateException(e *model.Exception) error {
	e.ID = "exc-1"
	f.created = e
	return nil
}

func (f *fakeExceptionStore) ActiveException(site string, scope model.ExceptionScope, scopeRef string) (*model.Exception, error) {
	if f.created == nil || f.created.Site != site || f.created.Scope != scope || f.created.ScopeRef != scopeRef {
		return nil, nil
	}
	return f.created, nil
}

func TestExceptionRegistry_DurationClampedToTierMax(t *testing.T) {
	store := &fakeExceptionStore{}
	reg := NewExceptionRegistry(store)

	e, err := reg.Create("site1", model.ScopeCheck, "firewall_check", "legacy device", "admin@example.com", TierClientAdmin, 365*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if e.ExpiresAt.After(time.Now().UTC().Add(TierClientAdmin.MaxDuration() + time.Minute)) {
		t.Fatalf("expected client_admin exception clamped to 30 days, got expiry %v", e.ExpiresAt)
	}
}

func TestExceptionRegistry_SuppressesWhileActive(t *testing.T) {
	store := &fakeExceptionStore{}
	reg := NewExceptionRegistry(store)

	if _, err := reg.Create("site1", model.ScopeRunbook, "rb-1", "reason", "admin@example.com", TierPartner, 0); err != nil {
		t.Fatal(err)
	}
	suppressed, err := reg.Suppresses("site1", model.ScopeRunbook, "rb-1")
	if err != nil {
		t.Fatal(err)
	}
	if !suppressed {
		t.Fatal("expected active exception to suppress")
	}

	suppressed, err = reg.Suppresses("site1", model.ScopeRunbook, "rb-2")
	if err != nil {
		t.Fatal(err)
	}
	if suppressed {
		t.Fatal("expected no suppression for an unrelated scope_ref")
	}
}

func TestMatchesDeviceFilter(t *testing.T) {
	cases := []struct {
		filter, hostname, ip string
		want                 bool
	}{
		{"", "anything", "", true},
		{"hostname:legacy-*", "legacy-pos-01", "", true},
		{"hostname:legacy-*", "frontdesk-01", "", false},
		{"ip:192.168.1.*", "", "192.168.1.42", true},
		{"ip:192.168.1.*", "", "10.0.0.1", false},
	}
	for _, c := range cases {
		if got := MatchesDeviceFilter(c.filter, c.hostname, c.ip); got != c.want {
			t.Errorf("MatchesDeviceFilter(%q, %q, %q) = %v, want %v", c.filter, c.hostname, c.ip, got, c.want)
		}
	}
}
