// Package safety implements the envelope wrapped around every remediation
// execution: input validation, rate limiting, circuit breaking, parameter
// whitelisting, approval policy, and documented exceptions. Grounded on
// internal/orders/processor.go's allowlist patterns for the validation and
// whitelisting pieces, and on the original Python approval.py/exceptions.py
// for the approval and exception policies.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// shellMetaPattern blacklists characters that have no business in a field
// that ends up interpolated into a remediation script argument.
var shellMetaPattern = regexp.MustCompile("[;&|`$(){}<>\\\\\n]")

// FieldSpec describes one required or optional field of an action's
// parameter set.
type FieldSpec struct {
	Name     string
	Required bool
	// Allowed, if non-empty, restricts the value to this set (string fields).
	Allowed []string
	// IsPath marks the field as a filesystem path that must fall under one
	// of the Validator's allowed path prefixes.
	IsPath bool
}

// ValidationError reports which field failed and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// Validator checks action parameters against required-field presence,
// allowed-value ranges, a shell-metacharacter blacklist, and a path
// allowed-prefix set.
type Validator struct {
	allowedPathPrefixes []string
}

// NewValidator builds a Validator whose IsPath fields must resolve under one
// of allowedPathPrefixes.
func NewValidator(allowedPathPrefixes ...string) *Validator {
	return &Validator{allowedPathPrefixes: allowedPathPrefixes}
}

// Validate checks params against fields, returning every violation found
// (not just the first) so a caller can report them all at once.
func (v *Validator) Validate(fields []FieldSpec, params map[string]interface{}) []error {
	var errs []error
	for _, f := range fields {
		raw, present := params[f.Name]
		if !present {
			if f.Required {
				errs = append(errs, &ValidationError{Field: f.Name, Reason: "required field missing"})
			}
			continue
		}

		str, isString := raw.(string)
		if !isString {
			continue
		}

		if shellMetaPattern.MatchString(str) {
			errs = append(errs, &ValidationError{Field: f.Name, Reason: "contains disallowed shell metacharacters"})
			continue
		}

		if len(f.Allowed) > 0 && !contains(f.Allowed, str) {
			errs = append(errs, &ValidationError{Field: f.Name, Reason: fmt.Sprintf("value %q not in allowed set %v", str, f.Allowed)})
			continue
		}

		if f.IsPath && !v.pathAllowed(str) {
			errs = append(errs, &ValidationError{Field: f.Name, Reason: fmt.Sprintf("path %q is outside allowed prefixes", str)})
		}
	}
	return errs
}

func (v *Validator) pathAllowed(path string) bool {
	if len(v.allowedPathPrefixes) == 0 {
		return true
	}
	for _, prefix := range v.allowedPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
