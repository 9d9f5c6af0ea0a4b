package safety

import "fmt"

// ParamWhitelist enforces, per action, that every parameter key maps to one
// of a fixed set of acceptable values. Grounded on
// internal/orders/processor.go's allowedRuleActions/allowedFlakeRefPattern
// style allowlists, generalized from a single hardcoded table to a
// per-action registry so the Runbook Engine and healing package can
// register their own action parameter sets.
type ParamWhitelist struct {
	actions map[string]map[string][]string
}

// NewParamWhitelist builds an empty whitelist; call Register for each known
// action before using Check.
func NewParamWhitelist() *ParamWhitelist {
	return &ParamWhitelist{actions: make(map[string]map[string][]string)}
}

// Register declares the acceptable values for each parameter key of action.
// An empty value slice means "any value accepted, key just must be known".
func (w *ParamWhitelist) Register(action string, params map[string][]string) {
	w.actions[action] = params
}

// Check verifies every key in params is declared for action and, where a
// value set was registered, that the value is a member of it.
func (w *ParamWhitelist) Check(action string, params map[string]interface{}) error {
	allowed, known := w.actions[action]
	if !known {
		return fmt.Errorf("action %q is not in the parameter whitelist", action)
	}
	for key, raw := range params {
		values, keyKnown := allowed[key]
		if !keyKnown {
			return fmt.Errorf("parameter %q is not whitelisted for action %q", key, action)
		}
		if len(values) == 0 {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			return fmt.Errorf("parameter %q for action %q must be a string to check against the whitelist", key, action)
		}
		if !contains(values, str) {
			return fmt.Errorf("value %q for parameter %q is not whitelisted for action %q", str, key, action)
		}
	}
	return nil
}
