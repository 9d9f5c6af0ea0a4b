// Package redact implements the shared PII/PHI scrubbing pass used by both
// the L2 LLM planner's outbound payloads and the Runbook Engine's captured
// script stdout/stderr (SPEC_FULL.md §4.5a). It is the single scrubber
// implementation both call sites go through.
//
// Compliant in spirit with HIPAA §164.312(e)(1) — transmission security.
// IP addresses are intentionally excluded: they are infrastructure
// identifiers per Safe Harbor 45 CFR 164.514(b)(2), needed downstream for
// both topology-aware LLM planning and runbook diagnostics.
package redact

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
)

// Scrubber strips PII/PHI patterns from text, replacing each match with a
// tagged, hash-suffixed placeholder so scrubbed logs remain correlatable
// without revealing the original value.
type Scrubber struct {
	patterns []pattern
}

type pattern struct {
	category string
	re       *regexp.Regexp
	tag      string
}

// New creates a Scrubber with all active pattern categories.
func New() *Scrubber {
	return &Scrubber{patterns: compilePatterns()}
}

func compilePatterns() []pattern {
	defs := []struct {
		category string
		pattern  string
		tag      string
	}{
		{"ssn", `\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`, "SSN-REDACTED"},
		{"mrn", `(?i)\bMRN[:\s#]*\d{4,12}\b`, "MRN-REDACTED"},
		{"patient_id", `(?i)\bpatient[_\s]?id[:\s#]*[A-Za-z0-9\-]{3,20}\b`, "PATIENT-ID-REDACTED"},
		{"phone", `(?:\(\d{3}\)\s*\d{3}[-.]?\d{4}|\b\d{3}[-.]?\d{3}[-.]?\d{4}\b)`, "PHONE-REDACTED"},
		{"email", `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, "EMAIL-REDACTED"},
		{"credit_card", `\b(?:\d{4}[-\s]?){3}\d{4}\b`, "CC-REDACTED"},
		{"dob", `(?i)\b(?:DOB|date\s*of\s*birth)[:\s]*\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}\b`, "DOB-REDACTED"},
		{"address", `\b\d{1,6}\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s+(?:Street|St|Avenue|Ave|Boulevard|Blvd|Drive|Dr|Road|Rd|Lane|Ln|Court|Ct|Way|Place|Pl|Circle|Cir)\b`, "ADDRESS-REDACTED"},
		{"zip", `\b\d{5}-\d{4}\b`, "ZIP-REDACTED"},
		{"account_number", `(?i)\b(?:account|acct)[:\s#]*\d{4,20}\b`, "ACCOUNT-REDACTED"},
		{"insurance_id", `(?i)\b(?:insurance|policy)\s*(?:id|#|number)[:\s]*[A-Za-z0-9\-]{4,20}\b`, "INSURANCE-REDACTED"},
		{"medicare", `(?i)\bmedicare[:\s#]*[A-Za-z0-9]{4}[-\s]?[A-Za-z0-9]{3}[-\s]?[A-Za-z0-9]{4}\b`, "MEDICARE-REDACTED"},
	}

	patterns := make([]pattern, 0, len(defs))
	for _, d := range defs {
		patterns = append(patterns, pattern{category: d.category, re: regexp.MustCompile(d.pattern), tag: d.tag})
	}
	return patterns
}

func hashSuffix(value string) string {
	h := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", h[:4])
}

// ScrubString replaces all matches in a string with tagged placeholders,
// e.g. "[SSN-REDACTED-a1b2c3d4]".
func (s *Scrubber) ScrubString(input string) string {
	result := input
	for _, p := range s.patterns {
		result = p.re.ReplaceAllStringFunc(result, func(match string) string {
			return fmt.Sprintf("[%s-%s]", p.tag, hashSuffix(match))
		})
	}
	return result
}

// ScrubMap recursively scrubs all string values in a map, returning a new map.
func (s *Scrubber) ScrubMap(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = s.scrubValue(v)
	}
	return out
}

func (s *Scrubber) scrubValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return s.ScrubString(val)
	case map[string]interface{}:
		return s.ScrubMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.scrubValue(item)
		}
		return out
	default:
		return v
	}
}

// ContainsPHI returns true if the input contains any tracked pattern.
func (s *Scrubber) ContainsPHI(input string) bool {
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			return true
		}
	}
	return false
}

// ScrubReport returns the categories found in the input.
func (s *Scrubber) ScrubReport(input string) []string {
	var found []string
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			found = append(found, p.category)
		}
	}
	return found
}

// IPPattern is exposed for testing — confirms IPs are not scrubbed.
var IPPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// VerifyIPsPreserved checks that IP addresses survive scrubbing unchanged.
func (s *Scrubber) VerifyIPsPreserved(input string) bool {
	scrubbed := s.ScrubString(input)
	origIPs := IPPattern.FindAllString(input, -1)
	scrubbedIPs := IPPattern.FindAllString(scrubbed, -1)
	if len(origIPs) != len(scrubbedIPs) {
		return false
	}
	for i, ip := range origIPs {
		if ip != scrubbedIPs[i] {
			return false
		}
	}
	return true
}

func (s *Scrubber) String() string {
	cats := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		cats[i] = p.category
	}
	return fmt.Sprintf("Scrubber(%d patterns: %s)", len(s.patterns), strings.Join(cats, ", "))
}
