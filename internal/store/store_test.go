package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "inventory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertDeviceInsertsThenUpdates(t *testing.T) {
	s := openTestStore(t)

	d := &model.Device{IP: "10.0.0.5", Hostname: "ws-01", DeviceType: model.DeviceWorkstation,
		ScanPolicy: model.ScanPolicyStandard, Status: model.StatusDiscovered, ComplianceStatus: model.ComplianceUnknown,
		Origin: model.OriginPortscan}

	isNew, isChanged, err := s.UpsertDevice(d)
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if !isNew || !isChanged {
		t.Fatalf("first upsert: isNew=%v isChanged=%v, want true,true", isNew, isChanged)
	}
	if d.SyncVersion != 1 {
		t.Fatalf("SyncVersion = %d, want 1", d.SyncVersion)
	}

	d2 := &model.Device{IP: "10.0.0.5", Hostname: "ws-01-renamed", DeviceType: model.DeviceWorkstation,
		ScanPolicy: model.ScanPolicyStandard, Status: model.StatusMonitored, ComplianceStatus: model.ComplianceUnknown,
		Origin: model.OriginPortscan}
	isNew, isChanged, err = s.UpsertDevice(d2)
	if err != nil {
		t.Fatalf("UpsertDevice (update): %v", err)
	}
	if isNew {
		t.Fatalf("second upsert reported isNew=true")
	}
	if !isChanged {
		t.Fatalf("second upsert reported isChanged=false, want true (hostname/status changed)")
	}
	if d2.SyncVersion != 2 {
		t.Fatalf("SyncVersion after change = %d, want 2", d2.SyncVersion)
	}

	unchanged := &model.Device{IP: "10.0.0.5", Hostname: "ws-01-renamed", DeviceType: model.DeviceWorkstation,
		ScanPolicy: model.ScanPolicyStandard, Status: model.StatusMonitored, ComplianceStatus: model.ComplianceUnknown,
		Origin: model.OriginPortscan}
	isNew, isChanged, err = s.UpsertDevice(unchanged)
	if err != nil {
		t.Fatalf("UpsertDevice (no-op): %v", err)
	}
	if isNew || isChanged {
		t.Fatalf("third upsert: isNew=%v isChanged=%v, want false,false", isNew, isChanged)
	}
}

func TestUpsertDeviceEnforcesI1(t *testing.T) {
	s := openTestStore(t)

	d := &model.Device{IP: "10.0.0.9", DeviceType: model.DeviceMedical, ScanPolicy: model.ScanPolicyStandard,
		Status: model.StatusDiscovered, ComplianceStatus: model.ComplianceUnknown, MedicalDevice: true,
		ManuallyOptedIn: false, Origin: model.OriginPortscan}

	if _, _, err := s.UpsertDevice(d); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	got, err := s.GetDeviceByIP("10.0.0.9")
	if err != nil {
		t.Fatalf("GetDeviceByIP: %v", err)
	}
	if got.ScanPolicy != model.ScanPolicyExcluded || got.Status != model.StatusExcluded {
		t.Fatalf("medical device not excluded: policy=%s status=%s", got.ScanPolicy, got.Status)
	}

	scannable, err := s.ListDevicesForScanning()
	if err != nil {
		t.Fatalf("ListDevicesForScanning: %v", err)
	}
	for _, sd := range scannable {
		if sd.ID == got.ID {
			t.Fatalf("excluded medical device appeared in scanning list")
		}
	}
}

func TestListDevicesForScanningIncludesOptedInMedical(t *testing.T) {
	s := openTestStore(t)

	d := &model.Device{IP: "10.0.0.11", DeviceType: model.DeviceMedical, ScanPolicy: model.ScanPolicyLimited,
		Status: model.StatusMonitored, ComplianceStatus: model.ComplianceUnknown, MedicalDevice: true,
		ManuallyOptedIn: true, Origin: model.OriginManual}
	if _, _, err := s.UpsertDevice(d); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	scannable, err := s.ListDevicesForScanning()
	if err != nil {
		t.Fatalf("ListDevicesForScanning: %v", err)
	}
	found := false
	for _, sd := range scannable {
		if sd.IP == "10.0.0.11" {
			found = true
		}
	}
	if !found {
		t.Fatalf("opted-in medical device missing from scan list")
	}
}

func TestEvidenceChainLinksSequentialBundles(t *testing.T) {
	s := openTestStore(t)

	b1 := &model.EvidenceBundle{Site: "site-a", Source: "compliance", Reference: "chk-1",
		Outcome: "pass", Details: "{}", Signature: "sig1", BundleHash: "hash1"}
	if err := s.AppendEvidence(b1); err != nil {
		t.Fatalf("AppendEvidence 1: %v", err)
	}
	if b1.ChainPosition != 0 {
		t.Fatalf("first bundle chain_position = %d, want 0", b1.ChainPosition)
	}

	b2 := &model.EvidenceBundle{Site: "site-a", Source: "compliance", Reference: "chk-2",
		Outcome: "fail", Details: "{}", Signature: "sig2", BundleHash: "hash2"}
	if err := s.AppendEvidence(b2); err != nil {
		t.Fatalf("AppendEvidence 2: %v", err)
	}
	if b2.ChainPosition != 1 {
		t.Fatalf("second bundle chain_position = %d, want 1", b2.ChainPosition)
	}
	if b2.ChainHash == b1.ChainHash {
		t.Fatalf("chain hashes collided")
	}

	unuploaded, err := s.ListUnuploadedEvidence()
	if err != nil {
		t.Fatalf("ListUnuploadedEvidence: %v", err)
	}
	if len(unuploaded) != 2 {
		t.Fatalf("len(unuploaded) = %d, want 2", len(unuploaded))
	}
	if unuploaded[0].ChainPosition != 0 || unuploaded[1].ChainPosition != 1 {
		t.Fatalf("unuploaded evidence not in chain order")
	}
}

func TestFlapSuppressionLifecycle(t *testing.T) {
	s := openTestStore(t)

	suppressed, err := s.IsFlapSuppressed("site-a", "host-1", "service-down")
	if err != nil {
		t.Fatalf("IsFlapSuppressed: %v", err)
	}
	if suppressed {
		t.Fatalf("suppression reported before any was recorded")
	}

	if err := s.RecordFlapSuppression("site-a", "host-1", "service-down", "3 occurrences in 120m"); err != nil {
		t.Fatalf("RecordFlapSuppression: %v", err)
	}
	suppressed, err = s.IsFlapSuppressed("site-a", "host-1", "service-down")
	if err != nil {
		t.Fatalf("IsFlapSuppressed: %v", err)
	}
	if !suppressed {
		t.Fatalf("suppression not reported after recording")
	}

	if err := s.ClearFlapSuppression("site-a", "host-1", "service-down", "operator@msp"); err != nil {
		t.Fatalf("ClearFlapSuppression: %v", err)
	}
	suppressed, err = s.IsFlapSuppressed("site-a", "host-1", "service-down")
	if err != nil {
		t.Fatalf("IsFlapSuppressed: %v", err)
	}
	if suppressed {
		t.Fatalf("suppression still reported after clearing")
	}
}

func TestPruneResolvedIncidentsKeepsUnresolved(t *testing.T) {
	s := openTestStore(t)

	resolved, err := s.CreateIncident("site-a", "host-1", "disk-full", "high", map[string]interface{}{"path": "/var"})
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if err := s.ResolveIncident(resolved.ID, model.LevelL1, "clear-temp", model.OutcomeSuccess, 1500); err != nil {
		t.Fatalf("ResolveIncident: %v", err)
	}
	// Backdate the resolution so it's eligible for pruning.
	if _, err := s.db.Exec(`UPDATE incidents SET resolved_at = ? WHERE id = ?`,
		time.Now().UTC().AddDate(0, -2, 0), resolved.ID); err != nil {
		t.Fatalf("backdate resolved_at: %v", err)
	}

	unresolved, err := s.CreateIncident("site-a", "host-2", "disk-full", "high", map[string]interface{}{"path": "/var"})
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}

	cutoff := time.Now().UTC().AddDate(0, -1, 0)
	n, err := s.PruneResolvedIncidents(cutoff)
	if err != nil {
		t.Fatalf("PruneResolvedIncidents: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM incidents WHERE id = ?`, unresolved.ID).Scan(&count); err != nil {
		t.Fatalf("query unresolved incident: %v", err)
	}
	if count != 1 {
		t.Fatalf("unresolved incident pruned: count = %d, want 1", count)
	}
}

func TestPatternSignatureStableAcrossVolatileFields(t *testing.T) {
	sig1 := PatternSignature("service-down", map[string]interface{}{
		"host": "web-01", "error": "connection refused at 2026-07-30T10:15:00Z from 10.0.0.5",
	})
	sig2 := PatternSignature("service-down", map[string]interface{}{
		"host": "web-01", "error": "connection refused at 2026-07-30T10:17:42Z from 10.0.0.7",
	})
	if sig1 != sig2 {
		t.Fatalf("signatures diverged on volatile fields: %s != %s", sig1, sig2)
	}

	sig3 := PatternSignature("service-down", map[string]interface{}{
		"host": "web-02", "error": "connection refused at 2026-07-30T10:15:00Z from 10.0.0.5",
	})
	if sig1 == sig3 {
		t.Fatalf("signatures collided across different hosts")
	}
}
