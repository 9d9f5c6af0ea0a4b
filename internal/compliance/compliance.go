// Package compliance runs the fixed, ordered catalog of compliance checks
// against scannable devices and aggregates their verdicts.
//
// Each check is a pure function (model.Device, []model.DevicePort) ->
// model.ComplianceCheckResult, collected in a package-level ordered slice,
// mirroring the fixed check-type catalog idiom in
// internal/evidence/submitter.go's allCheckTypes and the per-check
// driftFinding construction in internal/daemon/netscan.go, generalized
// from "drift against a live host" to "pure port-table evaluation
// against stored DevicePort rows."
package compliance

import (
	"encoding/json"
	"time"

	"github.com/meridianfield/sentinel/internal/model"
)

// Check is one entry in the baseline catalog.
type Check struct {
	Type    string
	Control string
	Eval    func(d *model.Device, ports []model.DevicePort) (model.CheckOutcome, map[string]interface{})
}

var prohibitedPorts = map[int]bool{21: true, 23: true, 69: true, 512: true, 513: true, 514: true}
var dbPorts = map[int]bool{1433: true, 1521: true, 3306: true, 5432: true, 27017: true, 6379: true}

func hasPort(ports []model.DevicePort, p int) bool {
	for _, port := range ports {
		if port.Port == p {
			return true
		}
	}
	return false
}

// Catalog is the fixed, ordered list of baseline checks.
var Catalog = []Check{
	{
		Type:    "prohibited-ports",
		Control: "access control",
		Eval: func(d *model.Device, ports []model.DevicePort) (model.CheckOutcome, map[string]interface{}) {
			var open []int
			for _, port := range ports {
				if prohibitedPorts[port.Port] {
					open = append(open, port.Port)
				}
			}
			if len(open) > 0 {
				return model.OutcomeFail, map[string]interface{}{"open_prohibited_ports": open}
			}
			return model.OutcomePass, nil
		},
	},
	{
		Type:    "encrypted-web",
		Control: "transmission security",
		Eval: func(d *model.Device, ports []model.DevicePort) (model.CheckOutcome, map[string]interface{}) {
			http80 := hasPort(ports, 80)
			https443 := hasPort(ports, 443)
			switch {
			case http80 && !https443:
				return model.OutcomeFail, map[string]interface{}{"http": true, "https": false}
			case http80 && https443:
				return model.OutcomeWarn, map[string]interface{}{"http": true, "https": true}
			default:
				return model.OutcomePass, nil
			}
		},
	},
	{
		Type:    "tls-alt-web",
		Control: "encryption in transit",
		Eval: func(d *model.Device, ports []model.DevicePort) (model.CheckOutcome, map[string]interface{}) {
			if hasPort(ports, 8080) && !hasPort(ports, 8443) {
				return model.OutcomeWarn, map[string]interface{}{"port_8080": true, "port_8443": false}
			}
			return model.OutcomePass, nil
		},
	},
	{
		Type:    "database-exposure",
		Control: "access control",
		Eval: func(d *model.Device, ports []model.DevicePort) (model.CheckOutcome, map[string]interface{}) {
			if d.DeviceType == model.DeviceServer {
				return model.OutcomePass, nil
			}
			var open []int
			for _, port := range ports {
				if dbPorts[port.Port] {
					open = append(open, port.Port)
				}
			}
			if len(open) > 0 {
				return model.OutcomeFail, map[string]interface{}{"db_ports_on_non_server": open}
			}
			return model.OutcomePass, nil
		},
	},
	{
		Type:    "snmp-security",
		Control: "authentication",
		Eval: func(d *model.Device, ports []model.DevicePort) (model.CheckOutcome, map[string]interface{}) {
			if hasPort(ports, 161) || hasPort(ports, 162) {
				return model.OutcomeWarn, map[string]interface{}{"snmp_open": true, "note": "v1/v2 indistinguishable by port"}
			}
			return model.OutcomePass, nil
		},
	},
	{
		Type:    "rdp-exposure",
		Control: "access control",
		Eval: func(d *model.Device, ports []model.DevicePort) (model.CheckOutcome, map[string]interface{}) {
			if hasPort(ports, 3389) && d.DeviceType != model.DeviceWorkstation {
				return model.OutcomeWarn, map[string]interface{}{"rdp_open": true, "device_type": string(d.DeviceType)}
			}
			return model.OutcomePass, nil
		},
	},
	{
		Type:    "inventory",
		Control: "asset inventory",
		Eval: func(d *model.Device, ports []model.DevicePort) (model.CheckOutcome, map[string]interface{}) {
			if len(ports) == 0 {
				return model.OutcomeWarn, map[string]interface{}{"no_ports_recorded": true}
			}
			return model.OutcomePass, nil
		},
	},
}

// Summary is the outcome of a full compliance run.
type Summary struct {
	DevicesChecked int
	Passed         int
	Warned         int
	Failed         int
}

// PortLister reads the inventory store for a device's current ports.
type PortLister interface {
	ListPorts(deviceID string) ([]model.DevicePort, error)
}

// ResultWriter persists per-device check results and rolls up compliance status.
type ResultWriter interface {
	AppendComplianceResults(deviceID string, results []model.ComplianceCheckResult) error
}

// Run evaluates the catalog against every device in devices, skipping any
// device that is excluded by scan policy or medical status (I2).
func Run(store interface {
	PortLister
	ResultWriter
}, devices []*model.Device) (Summary, error) {
	var sum Summary
	for _, d := range devices {
		if !d.EligibleForScanning() {
			continue
		}
		ports, err := store.ListPorts(d.ID)
		if err != nil {
			return sum, err
		}

		results := make([]model.ComplianceCheckResult, 0, len(Catalog))
		now := time.Now().UTC()
		worst := model.OutcomePass
		for _, check := range Catalog {
			outcome, details := check.Eval(d, ports)
			detailsJSON := ""
			if details != nil {
				b, _ := json.Marshal(details)
				detailsJSON = string(b)
			}
			results = append(results, model.ComplianceCheckResult{
				DeviceID:  d.ID,
				CheckType: check.Type,
				Control:   check.Control,
				Outcome:   outcome,
				Details:   detailsJSON,
				CheckedAt: now,
			})
			worst = worstOutcome(worst, outcome)
		}

		if err := store.AppendComplianceResults(d.ID, results); err != nil {
			return sum, err
		}

		sum.DevicesChecked++
		switch worst {
		case model.OutcomeFail:
			sum.Failed++
		case model.OutcomeWarn:
			sum.Warned++
		default:
			sum.Passed++
		}
	}
	return sum, nil
}

func worstOutcome(current, next model.CheckOutcome) model.CheckOutcome {
	rank := map[model.CheckOutcome]int{model.OutcomePass: 0, model.OutcomeWarn: 1, model.OutcomeFail: 2}
	if rank[next] > rank[current] {
		return next
	}
	return current
}
