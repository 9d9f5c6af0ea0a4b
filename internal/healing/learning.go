package healing

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/meridianfield/sentinel/internal/model"
	"github.com/meridianfield/sentinel/internal/store"
)

// Promotion thresholds (spec defaults): a pattern signature becomes
// eligible for L1 promotion once it has occurred at least minOccurrences
// times, been resolved by L2 at least minL2Resolutions times, and has a
// success rate at or above minSuccessRate.
const (
	minOccurrences   = 5
	minL2Resolutions = 3
	minSuccessRate   = 0.9
	sampleSize       = 10
)

// LearningStore is the subset of Store the learning loop needs.
type LearningStore interface {
	ListPromotionCandidates(minOccurrences, minL2 int, minSuccessRate float64) ([]store.PromotionCandidate, error)
	SampleIncidentsBySignature(signature string, limit int) ([]model.Incident, error)
	MarkPromoted(signature string) error
}

// LearningLoop periodically promotes recurring, reliably-resolved L2
// incidents into new L1 rules so they stop needing an LLM call. Grounded
// on l1_engine.go's YAML rule shape — promoted rules are written as
// ordinary rule files into a "promoted/" subdirectory the L1 Engine
// already scans on reload.
type LearningLoop struct {
	store      LearningStore
	rulesDir   string
	l1         *Engine
}

// NewLearningLoop creates a LearningLoop writing promoted rules under
// rulesDir/promoted and triggering l1.ReloadRules() after each run.
func NewLearningLoop(store LearningStore, rulesDir string, l1 *Engine) *LearningLoop {
	return &LearningLoop{store: store, rulesDir: rulesDir, l1: l1}
}

// Run scans PatternStats for promotion-eligible signatures, materializes
// each as a new L1 rule file, and marks it promoted. Returns the number of
// signatures promoted.
func (l *LearningLoop) Run() (int, error) {
	candidates, err := l.store.ListPromotionCandidates(minOccurrences, minL2Resolutions, minSuccessRate)
	if err != nil {
		return 0, fmt.Errorf("list promotion candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	promotedDir := filepath.Join(l.rulesDir, "promoted")
	if err := os.MkdirAll(promotedDir, 0o755); err != nil {
		return 0, fmt.Errorf("create promoted dir: %w", err)
	}

	promoted := 0
	for _, c := range candidates {
		samples, err := l.store.SampleIncidentsBySignature(c.PatternSignature, sampleSize)
		if err != nil || len(samples) == 0 {
			log.Printf("[learning] skipping %s: no sample incidents (%v)", c.PatternSignature, err)
			continue
		}
		rule := materializeRule(c, samples)

		path := filepath.Join(promotedDir, rule.ID+".yaml")
		if err := writeRuleYAML(path, rule); err != nil {
			log.Printf("[learning] failed to write promoted rule %s: %v", rule.ID, err)
			continue
		}
		if err := l.store.MarkPromoted(c.PatternSignature); err != nil {
			log.Printf("[learning] failed to mark %s promoted: %v", c.PatternSignature, err)
			continue
		}
		promoted++
		log.Printf("[learning] promoted pattern %s to L1 rule %s (occurrences=%d, success_rate=%.2f)",
			c.PatternSignature, rule.ID, c.Occurrences, c.SuccessRate())
	}

	if promoted > 0 && l.l1 != nil {
		l.l1.ReloadRules()
	}
	return promoted, nil
}

// materializeRule builds a new L1 Rule from a pattern signature's sample
// incidents: the conditions are the fields common to every sample's
// incident_type, and the action is the recommended_action PatternStats
// already tracks as the most frequently successful L2 choice.
func materializeRule(stats store.PromotionCandidate, samples []model.Incident) *Rule {
	incidentType := samples[0].IncidentType
	commonFields := commonRawDataFields(samples)

	conditions := []RuleCondition{
		{Field: "incident_type", Operator: OpEquals, Value: incidentType},
	}
	for field, value := range commonFields {
		conditions = append(conditions, RuleCondition{Field: field, Operator: OpEquals, Value: value})
	}

	return &Rule{
		ID:              "promoted-" + stats.PatternSignature,
		Name:            fmt.Sprintf("Promoted rule for %s", incidentType),
		Description:     fmt.Sprintf("Auto-promoted from %d L2 resolutions with %.0f%% success", stats.L2Resolutions, stats.SuccessRate()*100),
		Conditions:      conditions,
		Action:          stats.RecommendedAction,
		Enabled:         true,
		Priority:        50,
		CooldownSeconds: 300,
		MaxRetries:      1,
		Source:          "promoted",
	}
}

// commonRawDataFields returns the raw_data fields whose values are
// identical across every sample incident.
func commonRawDataFields(samples []model.Incident) map[string]interface{} {
	var decoded []map[string]interface{}
	for _, inc := range samples {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(inc.RawData), &m); err == nil {
			decoded = append(decoded, m)
		}
	}
	if len(decoded) == 0 {
		return nil
	}

	common := make(map[string]interface{})
	for k, v := range decoded[0] {
		shared := true
		for _, m := range decoded[1:] {
			if other, ok := m[k]; !ok || fmt.Sprintf("%v", other) != fmt.Sprintf("%v", v) {
				shared = false
				break
			}
		}
		if shared {
			common[k] = v
		}
	}
	return common
}

func writeRuleYAML(path string, r *Rule) error {
	doc := struct {
		ID              string                 `yaml:"id"`
		Name            string                 `yaml:"name"`
		Description     string                 `yaml:"description"`
		Conditions      []RuleCondition         `yaml:"conditions"`
		Action          string                 `yaml:"action"`
		ActionParams    map[string]interface{} `yaml:"action_params,omitempty"`
		Enabled         bool                    `yaml:"enabled"`
		Priority        int                     `yaml:"priority"`
		CooldownSeconds int                     `yaml:"cooldown_seconds"`
		MaxRetries      int                     `yaml:"max_retries"`
		Source          string                  `yaml:"source"`
	}{
		ID: r.ID, Name: r.Name, Description: r.Description, Conditions: r.Conditions,
		Action: r.Action, ActionParams: r.ActionParams, Enabled: r.Enabled,
		Priority: r.Priority, CooldownSeconds: r.CooldownSeconds, MaxRetries: r.MaxRetries,
		Source: r.Source,
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
