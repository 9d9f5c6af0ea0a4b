// Package store implements the appliance's embedded inventory database:
// devices, ports, scans, compliance results, incidents, pattern stats,
// flap suppressions, evidence bundles, and upload receipts.
//
// Backed by modernc.org/sqlite in WAL mode. Writes serialize through a
// single in-process lock; reads do not take it and share the same
// connection pool, so they never block behind a writer, matching the write-ahead-logging
// crash-safety requirement for the inventory database.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/meridianfield/sentinel/internal/model"
)

// Store is the Inventory Store. All mutating operations serialize through
// writeMu; reads go through the shared *sql.DB connection pool.
type Store struct {
	db      *sql.DB
	writeMu chan struct{} // 1-buffered channel used as a mutex; lockWrite waits without a timeout
}

// Open opens (creating if necessary) the SQLite-backed inventory store at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(8)

	s := &Store{db: db, writeMu: make(chan struct{}, 1)}
	s.writeMu <- struct{}{}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// lockWrite acquires the single-writer token. Every mutating operation
// holds it for the duration of its transaction.
func (s *Store) lockWrite() func() {
	<-s.writeMu
	return func() { s.writeMu <- struct{}{} }
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			ip TEXT NOT NULL UNIQUE,
			hostname TEXT, mac TEXT, os_name TEXT, os_version TEXT,
			manufacturer TEXT, model TEXT,
			device_type TEXT NOT NULL, scan_policy TEXT NOT NULL,
			status TEXT NOT NULL, compliance_status TEXT NOT NULL,
			medical_device INTEGER NOT NULL DEFAULT 0,
			manually_opted_in INTEGER NOT NULL DEFAULT 0,
			phi_access_flag INTEGER NOT NULL DEFAULT 0,
			origin TEXT NOT NULL,
			first_seen DATETIME NOT NULL, last_seen DATETIME NOT NULL, last_scan DATETIME,
			sync_version INTEGER NOT NULL DEFAULT 1,
			synced_to_central INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS device_ports (
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			port INTEGER NOT NULL, protocol TEXT NOT NULL,
			service TEXT, version TEXT, last_seen DATETIME NOT NULL,
			PRIMARY KEY (device_id, port, protocol)
		)`,
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY, type TEXT NOT NULL, lifecycle TEXT NOT NULL,
			devices_found INTEGER NOT NULL DEFAULT 0, new_count INTEGER NOT NULL DEFAULT 0,
			changed_count INTEGER NOT NULL DEFAULT 0, medical_excluded INTEGER NOT NULL DEFAULT 0,
			methods TEXT, network_ranges TEXT, trigger_source TEXT,
			started_at DATETIME NOT NULL, ended_at DATETIME, error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS compliance_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			check_type TEXT NOT NULL, control TEXT, outcome TEXT NOT NULL,
			details TEXT, checked_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY, site TEXT NOT NULL, host TEXT NOT NULL,
			incident_type TEXT NOT NULL, severity TEXT NOT NULL,
			raw_data TEXT, pattern_signature TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			level TEXT, action TEXT, outcome TEXT,
			resolved_at DATETIME, human_feedback TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS pattern_stats (
			pattern_signature TEXT PRIMARY KEY,
			occurrences INTEGER NOT NULL DEFAULT 0,
			l1_resolutions INTEGER NOT NULL DEFAULT 0,
			l2_resolutions INTEGER NOT NULL DEFAULT 0,
			l3_resolutions INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			total_resolution_ms INTEGER NOT NULL DEFAULT 0,
			recommended_action TEXT, promotion_eligible INTEGER NOT NULL DEFAULT 0,
			last_updated DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS flap_suppressions (
			site TEXT NOT NULL, host TEXT NOT NULL, incident_type TEXT NOT NULL,
			reason TEXT, created_at DATETIME NOT NULL,
			cleared_at DATETIME, cleared_by TEXT,
			PRIMARY KEY (site, host, incident_type)
		)`,
		`CREATE TABLE IF NOT EXISTS evidence_bundles (
			id TEXT PRIMARY KEY, site TEXT NOT NULL, source TEXT NOT NULL,
			reference TEXT, outcome TEXT, timestamp DATETIME NOT NULL,
			details TEXT, signature TEXT NOT NULL,
			chain_position INTEGER NOT NULL, chain_hash TEXT NOT NULL,
			bundle_hash TEXT NOT NULL, frameworks TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_evidence_chain_pos ON evidence_bundles(chain_position)`,
		`CREATE TABLE IF NOT EXISTS upload_records (
			bundle_id TEXT PRIMARY KEY REFERENCES evidence_bundles(id),
			destinations TEXT, uploaded_at DATETIME,
			retention_days INTEGER, retry_count INTEGER NOT NULL DEFAULT 0, last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY, action TEXT, category TEXT, site TEXT, host TEXT,
			requested_at DATETIME NOT NULL, expires_at DATETIME NOT NULL,
			approved_by TEXT, approved_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS exceptions (
			id TEXT PRIMARY KEY, site TEXT, scope TEXT, scope_ref TEXT,
			reason TEXT, created_by TEXT, expires_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	i := strings.IndexByte(s, '\n')
	if i < 0 {
		return s
	}
	return s[:i]
}

// --- Devices ---

// UpsertDevice inserts or updates a device keyed by IP, applying I1 before
// writing. Returns whether the device is new and whether it changed.
func (s *Store) UpsertDevice(d *model.Device) (isNew bool, isChanged bool, err error) {
	unlock := s.lockWrite()
	defer unlock()

	d.EnforceI1()
	now := time.Now().UTC()

	existing, ferr := s.getDeviceByIPLocked(d.IP)
	if ferr != nil {
		return false, false, ferr
	}

	if existing == nil {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		d.FirstSeen = now
		d.LastSeen = now
		d.SyncVersion = 1
		d.SyncedToCentral = false

		_, err = s.db.Exec(`INSERT INTO devices
			(id, ip, hostname, mac, os_name, os_version, manufacturer, model,
			 device_type, scan_policy, status, compliance_status,
			 medical_device, manually_opted_in, phi_access_flag, origin,
			 first_seen, last_seen, last_scan, sync_version, synced_to_central)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			d.ID, d.IP, d.Hostname, d.MAC, d.OSName, d.OSVersion, d.Manufacturer, d.Model,
			string(d.DeviceType), string(d.ScanPolicy), string(d.Status), string(d.ComplianceStatus),
			boolToInt(d.MedicalDevice), boolToInt(d.ManuallyOptedIn), boolToInt(d.PHIAccessFlag), string(d.Origin),
			d.FirstSeen, d.LastSeen, nullTime(d.LastScan), d.SyncVersion, boolToInt(d.SyncedToCentral))
		if err != nil {
			return false, false, fmt.Errorf("insert device: %w", err)
		}
		return true, true, nil
	}

	d.ID = existing.ID
	d.FirstSeen = existing.FirstSeen
	changed := deviceFieldsDiffer(existing, d)
	d.LastSeen = now
	if !changed {
		d.SyncVersion = existing.SyncVersion
		d.SyncedToCentral = existing.SyncedToCentral
		_, err = s.db.Exec(`UPDATE devices SET last_seen = ? WHERE id = ?`, d.LastSeen, d.ID)
		return false, false, err
	}

	d.SyncVersion = existing.SyncVersion + 1 // I4
	d.SyncedToCentral = false

	_, err = s.db.Exec(`UPDATE devices SET
		hostname=?, mac=?, os_name=?, os_version=?, manufacturer=?, model=?,
		device_type=?, scan_policy=?, status=?, compliance_status=?,
		medical_device=?, manually_opted_in=?, phi_access_flag=?, origin=?,
		last_seen=?, sync_version=?, synced_to_central=?
		WHERE id=?`,
		d.Hostname, d.MAC, d.OSName, d.OSVersion, d.Manufacturer, d.Model,
		string(d.DeviceType), string(d.ScanPolicy), string(d.Status), string(d.ComplianceStatus),
		boolToInt(d.MedicalDevice), boolToInt(d.ManuallyOptedIn), boolToInt(d.PHIAccessFlag), string(d.Origin),
		d.LastSeen, d.SyncVersion, boolToInt(d.SyncedToCentral), d.ID)
	if err != nil {
		return false, false, fmt.Errorf("update device: %w", err)
	}
	return false, true, nil
}

func deviceFieldsDiffer(a, b *model.Device) bool {
	return a.Hostname != b.Hostname || a.MAC != b.MAC || a.OSName != b.OSName ||
		a.OSVersion != b.OSVersion || a.Manufacturer != b.Manufacturer || a.Model != b.Model ||
		a.DeviceType != b.DeviceType || a.ScanPolicy != b.ScanPolicy || a.Status != b.Status ||
		a.ComplianceStatus != b.ComplianceStatus || a.MedicalDevice != b.MedicalDevice ||
		a.ManuallyOptedIn != b.ManuallyOptedIn || a.PHIAccessFlag != b.PHIAccessFlag
}

const deviceSelectCols = `id, ip, hostname, mac, os_name, os_version, manufacturer, model,
	device_type, scan_policy, status, compliance_status,
	medical_device, manually_opted_in, phi_access_flag, origin,
	first_seen, last_seen, last_scan, sync_version, synced_to_central`

func scanDevice(row interface {
	Scan(...interface{}) error
}) (*model.Device, error) {
	var d model.Device
	var hostname, mac, osName, osVersion, mfr, modelStr, origin sql.NullString
	var lastScan sql.NullTime
	var medical, optedIn, phi, synced int
	var deviceType, scanPolicy, status, compliance string

	if err := row.Scan(&d.ID, &d.IP, &hostname, &mac, &osName, &osVersion, &mfr, &modelStr,
		&deviceType, &scanPolicy, &status, &compliance,
		&medical, &optedIn, &phi, &origin,
		&d.FirstSeen, &d.LastSeen, &lastScan, &d.SyncVersion, &synced); err != nil {
		return nil, err
	}
	d.Hostname, d.MAC, d.OSName, d.OSVersion, d.Manufacturer, d.Model = hostname.String, mac.String, osName.String, osVersion.String, mfr.String, modelStr.String
	d.Origin = model.Origin(origin.String)
	d.DeviceType = model.DeviceType(deviceType)
	d.ScanPolicy = model.ScanPolicy(scanPolicy)
	d.Status = model.DeviceStatus(status)
	d.ComplianceStatus = model.ComplianceStatus(compliance)
	d.MedicalDevice = medical != 0
	d.ManuallyOptedIn = optedIn != 0
	d.PHIAccessFlag = phi != 0
	d.SyncedToCentral = synced != 0
	if lastScan.Valid {
		t := lastScan.Time
		d.LastScan = &t
	}
	return &d, nil
}

func (s *Store) getDeviceByIPLocked(ip string) (*model.Device, error) {
	row := s.db.QueryRow(`SELECT `+deviceSelectCols+` FROM devices WHERE ip = ?`, ip)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// GetDeviceByID fetches a device by its opaque ID.
func (s *Store) GetDeviceByID(id string) (*model.Device, error) {
	row := s.db.QueryRow(`SELECT `+deviceSelectCols+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// GetDeviceByIP fetches a device by its IP address.
func (s *Store) GetDeviceByIP(ip string) (*model.Device, error) {
	return s.getDeviceByIPLocked(ip)
}

// ListDevicesFilter narrows ListDevices.
type ListDevicesFilter struct {
	DeviceType model.DeviceType
	Status     model.DeviceStatus
	Limit      int
	Offset     int
}

// ListDevices returns devices matching the filter plus the total count ignoring limit/offset.
func (s *Store) ListDevices(f ListDevicesFilter) ([]*model.Device, int, error) {
	where := "WHERE 1=1"
	var args []interface{}
	if f.DeviceType != "" {
		where += " AND device_type = ?"
		args = append(args, string(f.DeviceType))
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM devices `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count devices: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + deviceSelectCols + ` FROM devices ` + where + ` ORDER BY last_seen DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// ListDevicesForScanning returns devices eligible per invariant I2, applied
// entirely within the SQL predicate so the invariant can never be violated
// by a caller forgetting to filter.
func (s *Store) ListDevicesForScanning() ([]*model.Device, error) {
	rows, err := s.db.Query(`SELECT ` + deviceSelectCols + ` FROM devices
		WHERE scan_policy != 'excluded' AND (medical_device = 0 OR manually_opted_in = 1)`)
	if err != nil {
		return nil, fmt.Errorf("list scannable devices: %w", err)
	}
	defer rows.Close()

	var out []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListUnsyncedDevices returns devices awaiting replication to the control plane.
func (s *Store) ListUnsyncedDevices() ([]*model.Device, error) {
	rows, err := s.db.Query(`SELECT ` + deviceSelectCols + ` FROM devices WHERE synced_to_central = 0`)
	if err != nil {
		return nil, fmt.Errorf("list unsynced devices: %w", err)
	}
	defer rows.Close()

	var out []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkSynced sets synced_to_central for a device at its current sync_version.
func (s *Store) MarkSynced(id string, atVersion int64) error {
	unlock := s.lockWrite()
	defer unlock()
	_, err := s.db.Exec(`UPDATE devices SET synced_to_central = 1 WHERE id = ? AND sync_version = ?`, id, atVersion)
	return err
}

// UpdateStatus sets a device's lifecycle status, bumping sync_version (I4).
func (s *Store) UpdateStatus(id string, status model.DeviceStatus) error {
	unlock := s.lockWrite()
	defer unlock()
	_, err := s.db.Exec(`UPDATE devices SET status = ?, sync_version = sync_version + 1, synced_to_central = 0 WHERE id = ?`,
		string(status), id)
	return err
}

// UpdatePolicy sets scan policy / opt-in / PHI flags, normalizing rather
// than rejecting: a manually opted-in medical device cannot be set to
// scan_policy=standard (it is normalized to limited), and a medical device
// that is not opted in is excluded by EnforceI1 (invariant I1).
func (s *Store) UpdatePolicy(id string, policy model.ScanPolicy, manuallyOptedIn, phiAccessFlag *bool) error {
	unlock := s.lockWrite()
	defer unlock()

	row := s.db.QueryRow(`SELECT `+deviceSelectCols+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("device %s not found", id)
		}
		return err
	}

	if policy != "" {
		d.ScanPolicy = policy
	}
	if manuallyOptedIn != nil {
		d.ManuallyOptedIn = *manuallyOptedIn
	}
	if phiAccessFlag != nil {
		d.PHIAccessFlag = *phiAccessFlag
	}
	if d.MedicalDevice && d.ManuallyOptedIn && d.ScanPolicy == model.ScanPolicyStandard {
		// Open Question (c): opted-in medical devices may only ever be "limited".
		d.ScanPolicy = model.ScanPolicyLimited
	}
	d.EnforceI1()

	_, err = s.db.Exec(`UPDATE devices SET scan_policy=?, status=?, compliance_status=?,
		manually_opted_in=?, phi_access_flag=?, sync_version=sync_version+1, synced_to_central=0
		WHERE id=?`,
		string(d.ScanPolicy), string(d.Status), string(d.ComplianceStatus),
		boolToInt(d.ManuallyOptedIn), boolToInt(d.PHIAccessFlag), id)
	return err
}

// --- Ports ---

// UpsertPorts merges observed ports into a device's port table.
func (s *Store) UpsertPorts(deviceID string, ports []model.DevicePort) error {
	unlock := s.lockWrite()
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range ports {
		if _, err := tx.Exec(`INSERT INTO device_ports (device_id, port, protocol, service, version, last_seen)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT(device_id, port, protocol) DO UPDATE SET
				service=excluded.service, version=excluded.version, last_seen=excluded.last_seen`,
			deviceID, p.Port, p.Protocol, p.Service, p.Version, time.Now().UTC()); err != nil {
			return fmt.Errorf("upsert port %d: %w", p.Port, err)
		}
	}
	return tx.Commit()
}

// ReplacePortsForDevice overwrites the full port set for a device.
func (s *Store) ReplacePortsForDevice(deviceID string, ports []model.DevicePort) error {
	unlock := s.lockWrite()
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM device_ports WHERE device_id = ?`, deviceID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, p := range ports {
		if _, err := tx.Exec(`INSERT INTO device_ports (device_id, port, protocol, service, version, last_seen)
			VALUES (?,?,?,?,?,?)`, deviceID, p.Port, p.Protocol, p.Service, p.Version, now); err != nil {
			return fmt.Errorf("insert port %d: %w", p.Port, err)
		}
	}
	return tx.Commit()
}

// ListPorts returns all observed ports for a device.
func (s *Store) ListPorts(deviceID string) ([]model.DevicePort, error) {
	rows, err := s.db.Query(`SELECT device_id, port, protocol, service, version, last_seen
		FROM device_ports WHERE device_id = ? ORDER BY port`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DevicePort
	for rows.Next() {
		var p model.DevicePort
		var service, version sql.NullString
		if err := rows.Scan(&p.DeviceID, &p.Port, &p.Protocol, &service, &version, &p.LastSeen); err != nil {
			return nil, err
		}
		p.Service, p.Version = service.String, version.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Scans ---

// CreateScan opens a new Scan row in the running state.
func (s *Store) CreateScan(scan *model.Scan) error {
	unlock := s.lockWrite()
	defer unlock()

	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	scan.Lifecycle = model.ScanRunning
	scan.StartedAt = time.Now().UTC()

	methodsJSON, _ := json.Marshal(scan.Methods)
	rangesJSON, _ := json.Marshal(scan.NetworkRanges)

	_, err := s.db.Exec(`INSERT INTO scans (id, type, lifecycle, methods, network_ranges, trigger_source, started_at)
		VALUES (?,?,?,?,?,?,?)`,
		scan.ID, string(scan.Type), string(scan.Lifecycle), string(methodsJSON), string(rangesJSON), scan.Trigger, scan.StartedAt)
	return err
}

// CompleteScan finalizes a Scan with its outcome counters.
func (s *Store) CompleteScan(id string, lifecycle model.ScanLifecycle, found, newCount, changed, medicalExcluded int, errMsg string) error {
	unlock := s.lockWrite()
	defer unlock()

	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE scans SET lifecycle=?, devices_found=?, new_count=?, changed_count=?,
		medical_excluded=?, ended_at=?, error=? WHERE id=?`,
		string(lifecycle), found, newCount, changed, medicalExcluded, now, errMsg, id)
	return err
}

// --- Compliance ---

// AppendComplianceResults writes check results for a device and recomputes
// its aggregate compliance_status (any fail or warn -> drifted).
func (s *Store) AppendComplianceResults(deviceID string, results []model.ComplianceCheckResult) error {
	unlock := s.lockWrite()
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	drifted := false
	for _, r := range results {
		if r.Outcome == model.OutcomeFail || r.Outcome == model.OutcomeWarn {
			drifted = true
		}
		if _, err := tx.Exec(`INSERT INTO compliance_results (device_id, check_type, control, outcome, details, checked_at)
			VALUES (?,?,?,?,?,?)`, deviceID, r.CheckType, r.Control, string(r.Outcome), r.Details, now); err != nil {
			return fmt.Errorf("insert compliance result: %w", err)
		}
	}

	status := model.ComplianceCompliant
	if drifted {
		status = model.ComplianceDrifted
	}
	if _, err := tx.Exec(`UPDATE devices SET compliance_status=?, last_scan=?, sync_version=sync_version+1, synced_to_central=0
		WHERE id=? AND compliance_status != 'excluded'`, string(status), now, deviceID); err != nil {
		return fmt.Errorf("update device compliance status: %w", err)
	}
	return tx.Commit()
}

// ListComplianceHistory returns all recorded check results for a device, newest first.
func (s *Store) ListComplianceHistory(deviceID string) ([]model.ComplianceCheckResult, error) {
	rows, err := s.db.Query(`SELECT id, device_id, check_type, control, outcome, details, checked_at
		FROM compliance_results WHERE device_id = ? ORDER BY checked_at DESC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ComplianceCheckResult
	for rows.Next() {
		var r model.ComplianceCheckResult
		var control, details sql.NullString
		var outcome string
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.CheckType, &control, &outcome, &details, &r.CheckedAt); err != nil {
			return nil, err
		}
		r.Control, r.Details = control.String, details.String
		r.Outcome = model.CheckOutcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Incidents ---

// PatternSignature computes the deterministic 16-hex-char digest used to
// group equivalent incidents for flap detection and the learning loop.
// Error strings (values whose key contains "error") are normalized by
// stripping timestamps, IPv4 addresses, and integer runs before hashing,
// so transient details never fragment the signature; other context values
// are hashed as given.
func PatternSignature(incidentType string, context map[string]interface{}) string {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(incidentType)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		v := fmt.Sprintf("%v", context[k])
		if strings.Contains(k, "error") {
			v = normalizeForSignature(v)
		}
		b.WriteString(v)
	}

	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:])[:16]
}

func normalizeForSignature(s string) string {
	s = isoTimestampPattern.ReplaceAllString(s, "<ts>")
	s = ipv4Pattern.ReplaceAllString(s, "<ip>")
	s = digitRunPattern.ReplaceAllString(s, "<n>")
	return s
}

// CreateIncident inserts a new incident, computing its pattern signature.
func (s *Store) CreateIncident(site, host, incidentType, severity string, rawData map[string]interface{}) (*model.Incident, error) {
	unlock := s.lockWrite()
	defer unlock()

	rawJSON, _ := json.Marshal(rawData)
	inc := &model.Incident{
		ID:               uuid.NewString(),
		Site:             site,
		Host:             host,
		IncidentType:     incidentType,
		Severity:         severity,
		RawData:          string(rawJSON),
		PatternSignature: PatternSignature(incidentType, rawData),
		CreatedAt:        time.Now().UTC(),
	}

	_, err := s.db.Exec(`INSERT INTO incidents (id, site, host, incident_type, severity, raw_data, pattern_signature, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		inc.ID, inc.Site, inc.Host, inc.IncidentType, inc.Severity, inc.RawData, inc.PatternSignature, inc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert incident: %w", err)
	}

	if err := s.bumpPatternStatsLocked(inc.PatternSignature); err != nil {
		log.Printf("[store] pattern stats bump failed for %s: %v", inc.PatternSignature, err)
	}
	return inc, nil
}

func (s *Store) bumpPatternStatsLocked(sig string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO pattern_stats (pattern_signature, occurrences, last_updated)
		VALUES (?, 1, ?)
		ON CONFLICT(pattern_signature) DO UPDATE SET
			occurrences = occurrences + 1, last_updated = excluded.last_updated`, sig, now)
	return err
}

// ResolveIncident writes the resolution fields and updates PatternStats.
func (s *Store) ResolveIncident(id string, level model.IncidentLevel, action string, outcome model.IncidentOutcome, resolutionMs int64) error {
	unlock := s.lockWrite()
	defer unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var sig string
	if err := tx.QueryRow(`SELECT pattern_signature FROM incidents WHERE id = ?`, id).Scan(&sig); err != nil {
		return fmt.Errorf("lookup incident %s: %w", id, err)
	}

	if _, err := tx.Exec(`UPDATE incidents SET level=?, action=?, outcome=?, resolved_at=? WHERE id=?`,
		string(level), action, string(outcome), now, id); err != nil {
		return fmt.Errorf("resolve incident: %w", err)
	}

	successInc := 0
	if outcome == model.OutcomeSuccess {
		successInc = 1
	}
	levelCol := map[model.IncidentLevel]string{
		model.LevelL1: "l1_resolutions",
		model.LevelL2: "l2_resolutions",
		model.LevelL3: "l3_resolutions",
	}[level]
	if levelCol == "" {
		levelCol = "l3_resolutions"
	}

	if _, err := tx.Exec(fmt.Sprintf(`UPDATE pattern_stats SET
			%s = %s + 1, success_count = success_count + ?, total_resolution_ms = total_resolution_ms + ?,
			recommended_action = ?, last_updated = ?
		WHERE pattern_signature = ?`, levelCol, levelCol),
		successInc, resolutionMs, action, now, sig); err != nil {
		return fmt.Errorf("update pattern stats: %w", err)
	}

	return tx.Commit()
}

// PromotionCandidate is a pattern signature eligible for L1 rule promotion.
type PromotionCandidate struct {
	model.PatternStats
}

// ListPromotionCandidates returns pattern signatures meeting the learning
// loop's occurrence/L2-resolution/success-rate thresholds and not already
// marked promoted.
func (s *Store) ListPromotionCandidates(minOccurrences, minL2 int, minSuccessRate float64) ([]PromotionCandidate, error) {
	rows, err := s.db.Query(`SELECT pattern_signature, occurrences, l1_resolutions, l2_resolutions,
		l3_resolutions, success_count, total_resolution_ms, recommended_action, promotion_eligible, last_updated
		FROM pattern_stats WHERE occurrences >= ? AND l2_resolutions >= ? AND promotion_eligible = 0`,
		minOccurrences, minL2)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PromotionCandidate
	for rows.Next() {
		var p model.PatternStats
		var action sql.NullString
		var eligible int
		if err := rows.Scan(&p.PatternSignature, &p.Occurrences, &p.L1Resolutions, &p.L2Resolutions,
			&p.L3Resolutions, &p.SuccessCount, &p.TotalResolutionMs, &action, &eligible, &p.LastUpdated); err != nil {
			return nil, err
		}
		p.RecommendedAction = action.String
		p.PromotionEligible = eligible != 0
		if p.SuccessRate() >= minSuccessRate {
			out = append(out, PromotionCandidate{p})
		}
	}
	return out, rows.Err()
}

// MarkPromoted flags a pattern signature as promoted so it isn't re-offered.
func (s *Store) MarkPromoted(signature string) error {
	unlock := s.lockWrite()
	defer unlock()
	_, err := s.db.Exec(`UPDATE pattern_stats SET promotion_eligible = 1 WHERE pattern_signature = ?`, signature)
	return err
}

// SampleIncidentsBySignature returns up to limit incidents sharing a
// pattern signature, most recent first, for the learning loop to infer
// common fields when materializing a promoted L1 rule.
func (s *Store) SampleIncidentsBySignature(signature string, limit int) ([]model.Incident, error) {
	rows, err := s.db.Query(`SELECT id, site, host, incident_type, severity, raw_data, pattern_signature,
		created_at, level, action, outcome FROM incidents
		WHERE pattern_signature = ? ORDER BY created_at DESC LIMIT ?`, signature, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		var inc model.Incident
		var level, action, outcome sql.NullString
		if err := rows.Scan(&inc.ID, &inc.Site, &inc.Host, &inc.IncidentType, &inc.Severity, &inc.RawData,
			&inc.PatternSignature, &inc.CreatedAt, &level, &action, &outcome); err != nil {
			return nil, err
		}
		inc.Level = model.IncidentLevel(level.String)
		inc.Action = action.String
		inc.Outcome = model.IncidentOutcome(outcome.String)
		out = append(out, inc)
	}
	return out, rows.Err()
}

// PruneResolvedIncidents deletes resolved incidents older than cutoff,
// always keeping unresolved rows regardless of age (Open Question b).
func (s *Store) PruneResolvedIncidents(cutoff time.Time) (int64, error) {
	unlock := s.lockWrite()
	defer unlock()
	res, err := s.db.Exec(`DELETE FROM incidents WHERE resolved_at IS NOT NULL AND resolved_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Flap suppression ---

// RecordFlapSuppression persists a suppression that survives process restart.
func (s *Store) RecordFlapSuppression(site, host, incidentType, reason string) error {
	unlock := s.lockWrite()
	defer unlock()
	now := time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO flap_suppressions (site, host, incident_type, reason, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(site, host, incident_type) DO UPDATE SET
			reason = excluded.reason, created_at = excluded.created_at, cleared_at = NULL, cleared_by = NULL`,
		site, host, incidentType, reason, now)
	return err
}

// ClearFlapSuppression marks a suppression cleared by a human operator.
func (s *Store) ClearFlapSuppression(site, host, incidentType, clearedBy string) error {
	unlock := s.lockWrite()
	defer unlock()
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE flap_suppressions SET cleared_at=?, cleared_by=?
		WHERE site=? AND host=? AND incident_type=?`, now, clearedBy, site, host, incidentType)
	return err
}

// IsFlapSuppressed returns true if an unresolved suppression exists for the key.
func (s *Store) IsFlapSuppressed(site, host, incidentType string) (bool, error) {
	var clearedAt sql.NullTime
	err := s.db.QueryRow(`SELECT cleared_at FROM flap_suppressions WHERE site=? AND host=? AND incident_type=?`,
		site, host, incidentType).Scan(&clearedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !clearedAt.Valid, nil
}

// --- Evidence ---

// AppendEvidence computes the bundle's chain position/hash under the store
// write lock and inserts it. A failed insert never advances the chain.
func (s *Store) AppendEvidence(b *model.EvidenceBundle) error {
	unlock := s.lockWrite()
	defer unlock()

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Timestamp = time.Now().UTC()

	var prevHash string
	var prevPos int64 = -1
	err := s.db.QueryRow(`SELECT chain_hash, chain_position FROM evidence_bundles
		ORDER BY chain_position DESC LIMIT 1`).Scan(&prevHash, &prevPos)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read chain tail: %w", err)
	}

	b.ChainPosition = prevPos + 1
	h := sha256.Sum256([]byte(prevHash + b.BundleHash))
	b.ChainHash = hex.EncodeToString(h[:])

	_, err = s.db.Exec(`INSERT INTO evidence_bundles
		(id, site, source, reference, outcome, timestamp, details, signature, chain_position, chain_hash, bundle_hash, frameworks)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Site, b.Source, b.Reference, b.Outcome, b.Timestamp, b.Details, b.Signature,
		b.ChainPosition, b.ChainHash, b.BundleHash, b.Frameworks)
	if err != nil {
		return fmt.Errorf("insert evidence bundle: %w", err)
	}
	return nil
}

// ListUnuploadedEvidence returns bundles with no upload record, oldest first.
func (s *Store) ListUnuploadedEvidence() ([]*model.EvidenceBundle, error) {
	rows, err := s.db.Query(`SELECT e.id, e.site, e.source, e.reference, e.outcome, e.timestamp, e.details,
		e.signature, e.chain_position, e.chain_hash, e.bundle_hash, e.frameworks
		FROM evidence_bundles e LEFT JOIN upload_records u ON u.bundle_id = e.id
		WHERE u.bundle_id IS NULL ORDER BY e.chain_position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.EvidenceBundle
	for rows.Next() {
		var b model.EvidenceBundle
		var frameworks sql.NullString
		if err := rows.Scan(&b.ID, &b.Site, &b.Source, &b.Reference, &b.Outcome, &b.Timestamp, &b.Details,
			&b.Signature, &b.ChainPosition, &b.ChainHash, &b.BundleHash, &frameworks); err != nil {
			return nil, err
		}
		b.Frameworks = frameworks.String
		out = append(out, &b)
	}
	return out, rows.Err()
}

// RegisterUpload records a successful replication. A bundle that already
// has an upload_records row is left unchanged and no error is returned.
func (s *Store) RegisterUpload(u *model.UploadRecord) error {
	unlock := s.lockWrite()
	defer unlock()
	u.UploadedAt = time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO upload_records (bundle_id, destinations, uploaded_at, retention_days, retry_count, last_error)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(bundle_id) DO NOTHING`,
		u.BundleID, u.Destinations, u.UploadedAt, u.RetentionDays, u.RetryCount, u.LastError)
	return err
}

// GetUpload returns the existing upload record for a bundle, if any.
func (s *Store) GetUpload(bundleID string) (*model.UploadRecord, error) {
	var u model.UploadRecord
	var lastErr sql.NullString
	err := s.db.QueryRow(`SELECT bundle_id, destinations, uploaded_at, retention_days, retry_count, last_error
		FROM upload_records WHERE bundle_id = ?`, bundleID).Scan(
		&u.BundleID, &u.Destinations, &u.UploadedAt, &u.RetentionDays, &u.RetryCount, &lastErr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.LastError = lastErr.String
	return &u, nil
}

// UpdateUpload records a retry attempt's outcome for a bundle not yet uploaded.
func (s *Store) UpdateUpload(bundleID string, retryCount int, lastError string) error {
	unlock := s.lockWrite()
	defer unlock()
	_, err := s.db.Exec(`INSERT INTO upload_records (bundle_id, retry_count, last_error)
		VALUES (?,?,?)
		ON CONFLICT(bundle_id) DO UPDATE SET retry_count=excluded.retry_count, last_error=excluded.last_error`,
		bundleID, retryCount, lastError)
	return err
}

// --- Approvals ---

// CreateApproval persists a pending approval request for a disruptive action.
func (s *Store) CreateApproval(a *model.Approval) error {
	unlock := s.lockWrite()
	defer unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.RequestedAt = time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO approvals (id, action, category, site, host, requested_at, expires_at)
		VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Action, a.Category, a.Site, a.Host, a.RequestedAt, a.ExpiresAt)
	return err
}

// GetApproval returns an approval request by id, or nil if it doesn't exist.
func (s *Store) GetApproval(id string) (*model.Approval, error) {
	var a model.Approval
	var approvedBy sql.NullString
	var approvedAt sql.NullTime
	err := s.db.QueryRow(`SELECT id, action, category, site, host, requested_at, expires_at, approved_by, approved_at
		FROM approvals WHERE id = ?`, id).Scan(
		&a.ID, &a.Action, &a.Category, &a.Site, &a.Host, &a.RequestedAt, &a.ExpiresAt, &approvedBy, &approvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		t := approvedAt.Time
		a.ApprovedAt = &t
	}
	return &a, nil
}

// ApproveRequest records a human sign-off on a pending approval.
func (s *Store) ApproveRequest(id, approvedBy string) error {
	unlock := s.lockWrite()
	defer unlock()
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE approvals SET approved_by=?, approved_at=? WHERE id=?`, approvedBy, now, id)
	return err
}

// --- Exceptions ---

// CreateException persists a site-scoped, time-bounded exemption.
func (s *Store) CreateException(e *model.Exception) error {
	unlock := s.lockWrite()
	defer unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`INSERT INTO exceptions (id, site, scope, scope_ref, reason, created_by, expires_at)
		VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.Site, e.Scope, e.ScopeRef, e.Reason, e.CreatedBy, e.ExpiresAt)
	return err
}

// ActiveException returns an unexpired exception for the given scope, if any.
func (s *Store) ActiveException(site string, scope model.ExceptionScope, scopeRef string) (*model.Exception, error) {
	var e model.Exception
	err := s.db.QueryRow(`SELECT id, site, scope, scope_ref, reason, created_by, expires_at
		FROM exceptions WHERE site=? AND scope=? AND scope_ref=? AND expires_at > ?
		ORDER BY expires_at DESC LIMIT 1`, site, scope, scopeRef, time.Now().UTC()).Scan(
		&e.ID, &e.Site, &e.Scope, &e.ScopeRef, &e.Reason, &e.CreatedBy, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// --- helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
