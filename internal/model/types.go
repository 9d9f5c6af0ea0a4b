// Package model holds the shared data types owned by the Inventory Store.
package model

import "time"

// DeviceType is the closed set of device classifications.
type DeviceType string

const (
	DeviceWorkstation DeviceType = "workstation"
	DeviceServer      DeviceType = "server"
	DeviceNetwork     DeviceType = "network"
	DevicePrinter     DeviceType = "printer"
	DeviceMedical     DeviceType = "medical"
	DeviceUnknown     DeviceType = "unknown"
)

// ScanPolicy controls whether a device is eligible for scanning.
type ScanPolicy string

const (
	ScanPolicyStandard ScanPolicy = "standard"
	ScanPolicyLimited  ScanPolicy = "limited"
	ScanPolicyExcluded ScanPolicy = "excluded"
)

// DeviceStatus is the lifecycle state of a device.
type DeviceStatus string

const (
	StatusDiscovered DeviceStatus = "discovered"
	StatusMonitored  DeviceStatus = "monitored"
	StatusExcluded   DeviceStatus = "excluded"
	StatusOffline    DeviceStatus = "offline"
)

// ComplianceStatus summarizes a device's latest compliance posture.
type ComplianceStatus string

const (
	ComplianceCompliant ComplianceStatus = "compliant"
	ComplianceDrifted   ComplianceStatus = "drifted"
	ComplianceUnknown   ComplianceStatus = "unknown"
	ComplianceExcluded  ComplianceStatus = "excluded"
)

// Origin identifies which discovery method first produced a device record.
type Origin string

const (
	OriginDirectory Origin = "directory"
	OriginNeighbor  Origin = "neighbor"
	OriginPortscan  Origin = "portscan"
	OriginAgent     Origin = "agent"
	OriginManual    Origin = "manual"
)

// Device is the core inventory record. Identity is the opaque ID; the
// natural key is IP address.
type Device struct {
	ID                string           `json:"id"`
	IP                string           `json:"ip"`
	Hostname          string           `json:"hostname,omitempty"`
	MAC               string           `json:"mac,omitempty"`
	OSName            string           `json:"os_name,omitempty"`
	OSVersion         string           `json:"os_version,omitempty"`
	Manufacturer      string           `json:"manufacturer,omitempty"`
	Model             string           `json:"model,omitempty"`
	DeviceType        DeviceType       `json:"device_type"`
	ScanPolicy        ScanPolicy       `json:"scan_policy"`
	Status            DeviceStatus     `json:"status"`
	ComplianceStatus  ComplianceStatus `json:"compliance_status"`
	MedicalDevice     bool             `json:"medical_device"`
	ManuallyOptedIn   bool             `json:"manually_opted_in"`
	PHIAccessFlag     bool             `json:"phi_access_flag"`
	Origin            Origin           `json:"origin"`
	FirstSeen         time.Time        `json:"first_seen"`
	LastSeen          time.Time        `json:"last_seen"`
	LastScan          *time.Time       `json:"last_scan,omitempty"`
	SyncVersion       int64            `json:"sync_version"`
	SyncedToCentral   bool             `json:"synced_to_central"`
}

// EnforceI1 applies invariant I1: a medical device that hasn't been
// manually opted in is always excluded from scanning and compliance.
func (d *Device) EnforceI1() {
	if d.MedicalDevice && !d.ManuallyOptedIn {
		d.ScanPolicy = ScanPolicyExcluded
		d.Status = StatusExcluded
		d.ComplianceStatus = ComplianceExcluded
	}
}

// EligibleForScanning implements invariant I2.
func (d *Device) EligibleForScanning() bool {
	if d.ScanPolicy == ScanPolicyExcluded {
		return false
	}
	if d.MedicalDevice && !d.ManuallyOptedIn {
		return false
	}
	return true
}

// DevicePort is a single open port observed on a device.
type DevicePort struct {
	DeviceID    string    `json:"device_id"`
	Port        int       `json:"port"`
	Protocol    string    `json:"protocol"`
	Service     string    `json:"service,omitempty"`
	Version     string    `json:"version,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// ScanType enumerates the kinds of discovery sweeps.
type ScanType string

const (
	ScanFull     ScanType = "full"
	ScanQuick    ScanType = "quick"
	ScanTargeted ScanType = "targeted"
)

// ScanLifecycle is the run state of a Scan.
type ScanLifecycle string

const (
	ScanRunning   ScanLifecycle = "running"
	ScanCompleted ScanLifecycle = "completed"
	ScanFailed    ScanLifecycle = "failed"
)

// Scan records one discovery sweep.
type Scan struct {
	ID              string        `json:"id"`
	Type            ScanType      `json:"type"`
	Lifecycle       ScanLifecycle `json:"lifecycle"`
	DevicesFound    int           `json:"devices_found"`
	New             int           `json:"new"`
	Changed         int           `json:"changed"`
	MedicalExcluded int           `json:"medical_excluded"`
	Methods         []string      `json:"methods"`
	NetworkRanges   []string      `json:"network_ranges"`
	Trigger         string        `json:"trigger"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// CheckOutcome is the verdict of a single compliance check.
type CheckOutcome string

const (
	OutcomePass CheckOutcome = "pass"
	OutcomeWarn CheckOutcome = "warn"
	OutcomeFail CheckOutcome = "fail"
)

// ComplianceCheckResult is one check's verdict against one device.
type ComplianceCheckResult struct {
	ID        int64        `json:"id,omitempty"`
	DeviceID  string       `json:"device_id"`
	CheckType string       `json:"check_type"`
	Control   string       `json:"control,omitempty"`
	Outcome   CheckOutcome `json:"outcome"`
	Details   string       `json:"details,omitempty"` // JSON-encoded
	CheckedAt time.Time    `json:"checked_at"`
}

// IncidentLevel is the tier that resolved (or is resolving) an incident.
type IncidentLevel string

const (
	LevelL1 IncidentLevel = "L1"
	LevelL2 IncidentLevel = "L2"
	LevelL3 IncidentLevel = "L3"
)

// IncidentOutcome is the terminal disposition of an incident.
type IncidentOutcome string

const (
	OutcomeSuccess    IncidentOutcome = "success"
	OutcomeFailure    IncidentOutcome = "failure"
	OutcomeEscalated  IncidentOutcome = "escalated"
	OutcomeSuppressed IncidentOutcome = "suppressed"
)

// Incident is one drift/healing event and its eventual resolution.
type Incident struct {
	ID               string          `json:"id"`
	Site             string          `json:"site"`
	Host             string          `json:"host"`
	IncidentType     string          `json:"incident_type"`
	Severity         string          `json:"severity"`
	RawData          string          `json:"raw_data"` // JSON-encoded
	PatternSignature string          `json:"pattern_signature"`
	CreatedAt        time.Time       `json:"created_at"`
	Level            IncidentLevel   `json:"level,omitempty"`
	Action           string          `json:"action,omitempty"`
	Outcome          IncidentOutcome `json:"outcome,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	HumanFeedback    string          `json:"human_feedback,omitempty"`
}

// PatternStats tracks the learning loop's view of a recurring incident shape.
type PatternStats struct {
	PatternSignature   string    `json:"pattern_signature"`
	Occurrences        int       `json:"occurrences"`
	L1Resolutions      int       `json:"l1_resolutions"`
	L2Resolutions      int       `json:"l2_resolutions"`
	L3Resolutions      int       `json:"l3_resolutions"`
	SuccessCount       int       `json:"success_count"`
	TotalResolutionMs  int64     `json:"total_resolution_ms"`
	RecommendedAction  string    `json:"recommended_action,omitempty"`
	PromotionEligible  bool      `json:"promotion_eligible"`
	LastUpdated        time.Time `json:"last_updated"`
}

// SuccessRate returns the fraction of resolved occurrences that succeeded.
func (p *PatternStats) SuccessRate() float64 {
	resolved := p.L1Resolutions + p.L2Resolutions + p.L3Resolutions
	if resolved == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(resolved)
}

// FlapSuppression records that L1 remediation is disabled pending human review.
type FlapSuppression struct {
	Site         string     `json:"site"`
	Host         string     `json:"host"`
	IncidentType string     `json:"incident_type"`
	Reason       string     `json:"reason"`
	CreatedAt    time.Time  `json:"created_at"`
	ClearedAt    *time.Time `json:"cleared_at,omitempty"`
	ClearedBy    string     `json:"cleared_by,omitempty"`
}

// EvidenceBundle is a signed, hash-chained record of an observation or action.
type EvidenceBundle struct {
	ID            string    `json:"id"`
	Site          string    `json:"site"`
	Source        string    `json:"source"`
	Reference     string    `json:"reference"` // check or runbook id
	Outcome       string    `json:"outcome"`
	Timestamp     time.Time `json:"timestamp"`
	Details       string    `json:"details"` // JSON-encoded
	Signature     string    `json:"signature"`
	ChainPosition int64     `json:"chain_position"`
	ChainHash     string    `json:"chain_hash"`
	BundleHash    string    `json:"bundle_hash"`
	Frameworks    string    `json:"frameworks,omitempty"` // JSON-encoded map[string][]string
}

// UploadRecord tracks replication of an EvidenceBundle to remote storage.
type UploadRecord struct {
	BundleID      string    `json:"bundle_id"`
	Destinations  string    `json:"destinations"` // JSON-encoded []string
	UploadedAt    time.Time `json:"uploaded_at"`
	RetentionDays int       `json:"retention_days"`
	RetryCount    int       `json:"retry_count"`
	LastError     string    `json:"last_error,omitempty"`
}

// ApprovalCategory classifies an action for the approval policy.
type ApprovalCategory string

const (
	CategoryDisruptive     ApprovalCategory = "disruptive"
	CategoryServiceRestart ApprovalCategory = "service-restart"
	CategoryConfigChange   ApprovalCategory = "config-change"
	CategoryAlertOnly      ApprovalCategory = "alert-only"
)

// Approval is a pending or resolved human sign-off for a disruptive action.
type Approval struct {
	ID          string     `json:"id"`
	Action      string     `json:"action"`
	Category    ApprovalCategory `json:"category"`
	Site        string     `json:"site"`
	Host        string     `json:"host"`
	RequestedAt time.Time  `json:"requested_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
}

// ExceptionScope is what an Exception applies to.
type ExceptionScope string

const (
	ScopeRunbook ExceptionScope = "runbook"
	ScopeCheck   ExceptionScope = "check"
	ScopeControl ExceptionScope = "control"
)

// Exception is a site-scoped, time-bounded exemption from a check or runbook.
type Exception struct {
	ID        string         `json:"id"`
	Site      string         `json:"site"`
	Scope     ExceptionScope `json:"scope"`
	ScopeRef  string         `json:"scope_ref"`
	Reason    string         `json:"reason"`
	CreatedBy string         `json:"created_by"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// DiscoveredDevice is the lightweight record every discovery method emits.
type DiscoveredDevice struct {
	IP       string            `json:"ip"`
	Hostname string            `json:"hostname,omitempty"`
	MAC      string            `json:"mac,omitempty"`
	OSName   string            `json:"os_name,omitempty"`
	Vendor   string            `json:"vendor,omitempty"`
	Ports    []int             `json:"ports,omitempty"`
	Services map[string]string `json:"services,omitempty"` // "port" -> service name
	Origin   Origin            `json:"origin"`
	SeenAt   time.Time         `json:"seen_at"`
}

// Merge combines another record into this one, preferring non-empty fields
// from the other and set-unioning ports/services.
func (d *DiscoveredDevice) Merge(other DiscoveredDevice) {
	if d.Hostname == "" {
		d.Hostname = other.Hostname
	}
	if d.MAC == "" {
		d.MAC = other.MAC
	}
	if d.OSName == "" {
		d.OSName = other.OSName
	}
	if d.Vendor == "" {
		d.Vendor = other.Vendor
	}
	portSet := make(map[int]bool, len(d.Ports))
	for _, p := range d.Ports {
		portSet[p] = true
	}
	for _, p := range other.Ports {
		if !portSet[p] {
			d.Ports = append(d.Ports, p)
			portSet[p] = true
		}
	}
	if d.Services == nil && len(other.Services) > 0 {
		d.Services = make(map[string]string, len(other.Services))
	}
	for k, v := range other.Services {
		if _, ok := d.Services[k]; !ok {
			d.Services[k] = v
		}
	}
	if other.SeenAt.After(d.SeenAt) {
		d.SeenAt = other.SeenAt
	}
}

// RunbookPhase names a stage of runbook execution.
type RunbookPhase string

const (
	PhaseDetect    RunbookPhase = "detect"
	PhaseRemediate RunbookPhase = "remediate"
	PhaseVerify    RunbookPhase = "verify"
)

// RunbookScript is one OS-scoped script for a phase.
type RunbookScript struct {
	OS     string `yaml:"os,omitempty"`
	Script string `yaml:"script"`
}

// RunbookDefinition is a declarative detect/remediate/verify procedure.
type RunbookDefinition struct {
	ID                 string                        `yaml:"id"`
	Version            string                        `yaml:"version"`
	Description        string                        `yaml:"description"`
	Controls           []string                      `yaml:"controls"`
	Severity           string                        `yaml:"severity"`
	RequiresPrivilege  bool                          `yaml:"requires_privilege"`
	TimeoutSeconds     int                           `yaml:"timeout_seconds"`
	Retries            int                           `yaml:"retries"`
	RetryDelaySeconds  float64                       `yaml:"retry_delay_seconds"`
	Phases             map[RunbookPhase][]RunbookScript `yaml:"phases"`
	RollbackScript     string                        `yaml:"rollback_script,omitempty"`
	SuccessCriteria    string                        `yaml:"success_criteria,omitempty"`
	Hash               string                        `yaml:"-"`
}

// ActionStep is one executed phase step within a runbook run.
type ActionStep struct {
	Step          string `json:"step"`
	Action        string `json:"action"`
	ScriptHash    string `json:"script_hash"`
	Result        string `json:"result"` // "ok" | "failed"
	ExitCode      int    `json:"exit_code"`
	StdoutExcerpt string `json:"stdout_excerpt,omitempty"`
	StderrExcerpt string `json:"stderr_excerpt,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ResolutionStatus is the terminal state of a RunResult.
type ResolutionStatus string

const (
	ResolutionSuccess ResolutionStatus = "success"
	ResolutionPartial ResolutionStatus = "partial"
	ResolutionFailed  ResolutionStatus = "failed"
	// ResolutionBlocked means the safety envelope refused to run the
	// runbook at all: an open circuit breaker, an exhausted rate limit, a
	// pending approval, or an active exception. No script ever executed.
	ResolutionBlocked ResolutionStatus = "blocked"
)

// RunResult is the outcome of one runbook execution against one target.
type RunResult struct {
	RunbookID        string           `json:"runbook_id"`
	Target           string           `json:"target"`
	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	MTTRSeconds      float64          `json:"mttr_seconds"`
	SLAMet           bool             `json:"sla_met"`
	Steps            []ActionStep     `json:"steps"`
	StepsExecuted    int              `json:"steps_executed"`
	StepsTotal       int              `json:"steps_total"`
}
