package compliance

import (
	"testing"

	"github.com/meridianfield/sentinel/internal/model"
)

func evalFor(t *testing.T, checkType string, d *model.Device, ports []model.DevicePort) model.CheckOutcome {
	t.Helper()
	for _, c := range Catalog {
		if c.Type == checkType {
			o, _ := c.Eval(d, ports)
			return o
		}
	}
	t.Fatalf("no check named %q", checkType)
	return ""
}

func TestProhibitedPorts(t *testing.T) {
	d := &model.Device{DeviceType: model.DeviceServer}
	ports := []model.DevicePort{{Port: 23, Protocol: "tcp"}}
	if o := evalFor(t, "prohibited-ports", d, ports); o != model.OutcomeFail {
		t.Fatalf("got %v, want fail", o)
	}
}

func TestEncryptedWeb(t *testing.T) {
	d := &model.Device{}
	if o := evalFor(t, "encrypted-web", d, []model.DevicePort{{Port: 80}}); o != model.OutcomeFail {
		t.Fatalf("80 only: got %v, want fail", o)
	}
	if o := evalFor(t, "encrypted-web", d, []model.DevicePort{{Port: 80}, {Port: 443}}); o != model.OutcomeWarn {
		t.Fatalf("80+443: got %v, want warn", o)
	}
	if o := evalFor(t, "encrypted-web", d, []model.DevicePort{{Port: 443}}); o != model.OutcomePass {
		t.Fatalf("443 only: got %v, want pass", o)
	}
}

func TestDatabaseExposure(t *testing.T) {
	server := &model.Device{DeviceType: model.DeviceServer}
	workstation := &model.Device{DeviceType: model.DeviceWorkstation}
	ports := []model.DevicePort{{Port: 3306}}
	if o := evalFor(t, "database-exposure", server, ports); o != model.OutcomePass {
		t.Fatalf("server: got %v, want pass", o)
	}
	if o := evalFor(t, "database-exposure", workstation, ports); o != model.OutcomeFail {
		t.Fatalf("workstation: got %v, want fail", o)
	}
}

func TestRDPExposure(t *testing.T) {
	ports := []model.DevicePort{{Port: 3389}}
	if o := evalFor(t, "rdp-exposure", &model.Device{DeviceType: model.DeviceWorkstation}, ports); o != model.OutcomePass {
		t.Fatalf("workstation: got %v, want pass", o)
	}
	if o := evalFor(t, "rdp-exposure", &model.Device{DeviceType: model.DeviceServer}, ports); o != model.OutcomeWarn {
		t.Fatalf("server: got %v, want warn", o)
	}
}

func TestInventoryCheck(t *testing.T) {
	if o := evalFor(t, "inventory", &model.Device{}, nil); o != model.OutcomeWarn {
		t.Fatalf("no ports: got %v, want warn", o)
	}
	if o := evalFor(t, "inventory", &model.Device{}, []model.DevicePort{{Port: 22}}); o != model.OutcomePass {
		t.Fatalf("has ports: got %v, want pass", o)
	}
}

type fakeStore struct {
	ports   map[string][]model.DevicePort
	applied map[string][]model.ComplianceCheckResult
}

func (f *fakeStore) ListPorts(deviceID string) ([]model.DevicePort, error) {
	return f.ports[deviceID], nil
}

func (f *fakeStore) AppendComplianceResults(deviceID string, results []model.ComplianceCheckResult) error {
	if f.applied == nil {
		f.applied = map[string][]model.ComplianceCheckResult{}
	}
	f.applied[deviceID] = results
	return nil
}

func TestRun_SkipsExcludedAndMedical(t *testing.T) {
	fs := &fakeStore{ports: map[string][]model.DevicePort{}}
	devices := []*model.Device{
		{ID: "a", ScanPolicy: model.ScanPolicyExcluded},
		{ID: "b", MedicalDevice: true, ManuallyOptedIn: false, ScanPolicy: model.ScanPolicyStandard},
		{ID: "c", ScanPolicy: model.ScanPolicyStandard, DeviceType: model.DeviceServer},
	}
	sum, err := Run(fs, devices)
	if err != nil {
		t.Fatal(err)
	}
	if sum.DevicesChecked != 1 {
		t.Fatalf("DevicesChecked = %d, want 1", sum.DevicesChecked)
	}
	if _, ok := fs.applied["a"]; ok {
		t.Error("excluded device was checked")
	}
	if _, ok := fs.applied["b"]; ok {
		t.Error("medical device was checked")
	}
}
