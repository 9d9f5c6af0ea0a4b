// Package classifier maps a discovered device to a device type and scan
// policy. It is a pure function: no I/O, no store access.
//
// The evaluation order is a fixed priority cascade (medical first,
// domain controller, server, network device, printer, workstation,
// unknown); the first rule to match wins and the medical rule is
// non-overridable, following the heuristics already present in
// internal/discovery/ad.go's parseComputerMaps (OS-string and
// PrimaryGroupID checks) generalized to the full port-based cascade.
package classifier

import (
	"strings"

	"github.com/meridianfield/sentinel/internal/model"
)

// medicalPorts are DICOM/HL7 and related clinical-device protocol ports.
var medicalPorts = map[int]bool{
	104:   true, // DICOM
	2575:  true, // HL7 MLLP
	2761:  true, // DICOM TLS
	2762:  true, // DICOM TLS
	11112: true, // DICOM
	4242:  true, // DICOM alt
	8042:  true, // DICOM alt (Orthanc)
}

var medicalServiceSubstrings = []string{"dicom", "hl7", "fhir", "pacs"}

var medicalHostnamePatterns = []string{
	"modality", "pacs", "dicom", "xray", "ct-", "mri-", "ultrasound",
	"ventilator", "ecg", "ekg", "infusion", "monitor-",
	"philips", "ge-healthcare", "siemens",
}

var domainControllerPorts = map[int]bool{
	88: true, 389: true, 636: true, 3268: true, 3269: true,
}

var serverPorts = map[int]bool{
	22: true, 25: true, 53: true, 80: true, 135: true, 139: true,
	443: true, 445: true, 1433: true, 1521: true, 3306: true,
	3389: true, 5432: true, 8080: true, 8443: true,
}

var serverHostnamePatterns = []string{"srv", "server", "dc-", "sql", "web", "app", "db-"}

var managementPorts = map[int]bool{22: true, 23: true, 80: true, 443: true}

var networkServiceSubstrings = []string{"cisco", "juniper", "mikrotik", "unifi", "aruba", "fortinet"}

var networkHostnamePatterns = []string{"switch", "router", "ap-", "firewall", "fw-", "gw-"}

var printerPorts = map[int]bool{515: true, 631: true, 9100: true}

var printerHostnamePatterns = []string{"printer", "print-", "hp-", "xerox", "canon-"}

var workstationHostnamePatterns = []string{"ws-", "pc-", "desktop", "laptop"}

var workstationOSPatterns = []string{"windows 10", "windows 11", "macos", "ubuntu desktop"}

// Result is the classifier's verdict.
type Result struct {
	DeviceType model.DeviceType
	Confidence float64
	Reason     string
	IsMedical  bool
}

// Classify maps a DiscoveredDevice to a device type. Confidence is advisory
// only; the evaluation order, not the confidence value, decides the match.
func Classify(d model.DiscoveredDevice) Result {
	hostname := strings.ToLower(d.Hostname)
	osName := strings.ToLower(d.OSName)
	ports := d.Ports
	services := d.Services

	if isMedical(ports, services, hostname) {
		return Result{DeviceType: model.DeviceMedical, Confidence: 0.95, Reason: "medical protocol/hostname signature", IsMedical: true}
	}

	if countMatching(ports, domainControllerPorts) >= 3 {
		return Result{DeviceType: model.DeviceServer, Confidence: 0.9, Reason: "domain controller port signature (>=3 of 88/389/636/3268/3269)"}
	}

	serverPortHits := countMatching(ports, serverPorts)
	if serverPortHits >= 4 || strings.Contains(osName, "server") ||
		(matchesAny(hostname, serverHostnamePatterns) && serverPortHits >= 2) {
		return Result{DeviceType: model.DeviceServer, Confidence: 0.8, Reason: "server port count, OS string, or hostname+ports"}
	}

	if hasManagementSignature(ports, services, hostname) {
		return Result{DeviceType: model.DeviceNetwork, Confidence: 0.75, Reason: "SNMP/management port with network vendor signature"}
	}

	if countMatching(ports, printerPorts) >= 1 || hasServiceSubstring(services, []string{"printer", "ipp", "jetdirect"}) || matchesAny(hostname, printerHostnamePatterns) {
		return Result{DeviceType: model.DevicePrinter, Confidence: 0.8, Reason: "printer port or hostname/service signature"}
	}

	// 3389 is itself a server port, so "no other server indicators" means
	// it is the only server-port hit.
	if hasPort(ports, 3389) && serverPortHits == 1 {
		return Result{DeviceType: model.DeviceWorkstation, Confidence: 0.7, Reason: "RDP present without server indicators"}
	}
	if matchesAny(osName, workstationOSPatterns) || matchesAny(hostname, workstationHostnamePatterns) {
		return Result{DeviceType: model.DeviceWorkstation, Confidence: 0.65, Reason: "workstation OS or hostname pattern"}
	}

	return Result{DeviceType: model.DeviceUnknown, Confidence: 0.3, Reason: "no rule matched"}
}

func isMedical(ports []int, services map[string]string, hostname string) bool {
	for _, p := range ports {
		if medicalPorts[p] {
			return true
		}
	}
	for _, svc := range services {
		lower := strings.ToLower(svc)
		for _, sub := range medicalServiceSubstrings {
			if strings.Contains(lower, sub) {
				return true
			}
		}
	}
	return matchesAny(hostname, medicalHostnamePatterns)
}

func hasManagementSignature(ports []int, services map[string]string, hostname string) bool {
	snmp := hasPort(ports, 161) || hasPort(ports, 162)
	if !snmp {
		return false
	}
	return countMatching(ports, managementPorts) > 0 ||
		hasServiceSubstring(services, networkServiceSubstrings) ||
		matchesAny(hostname, networkHostnamePatterns)
}

func hasPort(ports []int, p int) bool {
	for _, x := range ports {
		if x == p {
			return true
		}
	}
	return false
}

func countMatching(ports []int, set map[int]bool) int {
	n := 0
	for _, p := range ports {
		if set[p] {
			n++
		}
	}
	return n
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func hasServiceSubstring(services map[string]string, substrings []string) bool {
	for _, svc := range services {
		lower := strings.ToLower(svc)
		for _, sub := range substrings {
			if strings.Contains(lower, sub) {
				return true
			}
		}
	}
	return false
}
