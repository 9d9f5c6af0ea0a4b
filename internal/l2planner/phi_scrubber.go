// Package l2planner implements a native Go L2 LLM planner for the appliance daemon.
// It replaces the Python L2 sidecar with a direct Anthropic API client.
package l2planner

import "github.com/meridianfield/sentinel/internal/redact"

// PHIScrubber strips PHI/PII from data before it's sent to cloud APIs. The
// actual pattern set and scrubbing logic live in internal/redact so the
// Runbook Engine's output redaction goes through the same implementation.
type PHIScrubber = redact.Scrubber

// NewPHIScrubber creates a scrubber with all active pattern categories.
func NewPHIScrubber() *PHIScrubber {
	return redact.New()
}

// IPPattern is exposed for testing — confirms IPs are NOT scrubbed.
var IPPattern = redact.IPPattern
