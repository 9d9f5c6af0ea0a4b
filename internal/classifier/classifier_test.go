package classifier

import (
	"testing"

	"github.com/meridianfield/sentinel/internal/model"
)

func TestClassify_MedicalOverridesEverythingElse(t *testing.T) {
	cases := []model.DiscoveredDevice{
		{Hostname: "pacs01", Ports: []int{104, 11112}},
		{Hostname: "srv-web-01", OSName: "windows server 2019", Ports: []int{104, 22, 80, 443, 445}},
		{Hostname: "ws-finance-12", Ports: []int{2575}},
		{Ports: []int{80}, Services: map[string]string{"80": "dicom-web gateway"}},
	}
	for _, d := range cases {
		r := Classify(d)
		if !r.IsMedical || r.DeviceType != model.DeviceMedical {
			t.Errorf("Classify(%+v) = %+v, want is_medical=true device_type=medical", d, r)
		}
	}
}

func TestClassify_DomainController(t *testing.T) {
	d := model.DiscoveredDevice{Hostname: "dc01", Ports: []int{88, 389, 636, 3268}}
	r := Classify(d)
	if r.DeviceType != model.DeviceServer {
		t.Fatalf("got %v, want server (domain controller)", r.DeviceType)
	}
}

func TestClassify_ServerByPortCount(t *testing.T) {
	d := model.DiscoveredDevice{Hostname: "srv-web", OSName: "linux", Ports: []int{22, 80, 443, 445, 3306}}
	r := Classify(d)
	if r.DeviceType != model.DeviceServer {
		t.Fatalf("got %v, want server", r.DeviceType)
	}
}

func TestClassify_PrinterByPort(t *testing.T) {
	d := model.DiscoveredDevice{IP: "10.0.0.5", Ports: []int{9100}}
	r := Classify(d)
	if r.DeviceType != model.DevicePrinter {
		t.Fatalf("got %v, want printer", r.DeviceType)
	}
}

func TestClassify_WorkstationByRDPWithoutServerSignal(t *testing.T) {
	d := model.DiscoveredDevice{Hostname: "ws-001", Ports: []int{3389}}
	r := Classify(d)
	if r.DeviceType != model.DeviceWorkstation {
		t.Fatalf("got %v, want workstation", r.DeviceType)
	}
}

func TestClassify_UnknownFallback(t *testing.T) {
	d := model.DiscoveredDevice{IP: "10.0.0.99"}
	r := Classify(d)
	if r.DeviceType != model.DeviceUnknown {
		t.Fatalf("got %v, want unknown", r.DeviceType)
	}
}

func TestClassify_NetworkDevice(t *testing.T) {
	d := model.DiscoveredDevice{
		Hostname: "switch-core-1",
		Ports:    []int{161, 22},
		Services: map[string]string{"22": "cisco ios ssh"},
	}
	r := Classify(d)
	if r.DeviceType != model.DeviceNetwork {
		t.Fatalf("got %v, want network", r.DeviceType)
	}
}
