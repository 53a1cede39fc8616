package handover

import (
	"fmt"

	"github.com/rylieai/handover/internal/domain"
)

// Rule is a named, prioritised set of patterns for one customer intent.
// Lower Priority wins when several rules match the same message.
type Rule struct {
	ID         string   `yaml:"id" json:"id"`
	Name       string   `yaml:"name" json:"name"`
	Priority   int      `yaml:"priority" json:"priority"`
	IntentType string   `yaml:"intentType" json:"intentType"`
	Patterns   []string `yaml:"patterns" json:"patterns"` // regular expressions
	Keywords   []string `yaml:"keywords" json:"keywords"` // literal phrases
}

// Validate checks that the rule can ever match.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrValidation)
	}
	if r.IntentType == "" {
		return fmt.Errorf("%w: rule %s: intentType is required", domain.ErrValidation, r.ID)
	}
	if len(r.Patterns) == 0 && len(r.Keywords) == 0 {
		return fmt.Errorf("%w: rule %s has no patterns or keywords", domain.ErrValidation, r.ID)
	}
	return nil
}

// FeatureFlag gates optional behaviour per dealership.
type FeatureFlag struct {
	Enabled            bool     `yaml:"enabled" json:"enabled"`
	RolloutPercentage  *int     `yaml:"rolloutPercentage,omitempty" json:"rolloutPercentage,omitempty"`
	Dealerships        []string `yaml:"dealerships,omitempty" json:"dealerships,omitempty"`
	ExcludeDealerships []string `yaml:"excludeDealerships,omitempty" json:"excludeDealerships,omitempty"`
}

// Feature flag names read by the pipeline.
const (
	FeatureNearMissRules   = "rules.near_miss"
	FeatureMLClassifier    = "ml.classifier"
	FeatureBehaviouralScan = "behavioural.monitor"
	FeatureSLAWatchdog     = "sla.watchdog"
)

// DefaultRuleCatalog is used when the global configuration defines no rules.
func DefaultRuleCatalog() []Rule {
	return []Rule{
		{
			ID: "R-HUMAN-1", Name: "Asks for a person", Priority: 1, IntentType: "human-request",
			Patterns: []string{
				`\b(speak|talk|chat)\s+(to|with)\s+(a|an|someone|somebody|the)?\s*(real\s+)?(person|human|agent|manager|salesperson|rep)\b`,
				`\b(real|live)\s+(person|human|agent)\b`,
			},
			Keywords: []string{"call me", "phone me", "give me a call"},
		},
		{
			ID: "R-BUY-1", Name: "Ready to purchase", Priority: 2, IntentType: "purchase",
			Patterns: []string{
				`\b(want|ready|like|looking|going|plan(ning)?)\s+to\s+(buy|purchase)\b`,
				`\b(buy|purchase)\s+(this|that|the|it|one)\b`,
			},
			Keywords: []string{"make an offer", "put a deposit", "sign the paperwork", "take it today"},
		},
		{
			ID: "R-TESTDRIVE-1", Name: "Test drive request", Priority: 3, IntentType: "test-drive",
			Patterns: []string{`\btest[\s-]?drive\b`},
			Keywords: []string{"come see the car", "see it in person", "drive it"},
		},
		{
			ID: "R-APPOINTMENT-1", Name: "Wants an appointment", Priority: 4, IntentType: "appointment",
			Patterns: []string{`\b(book|schedule|set up|make)\s+(an?\s+)?(appointment|visit)\b`},
			Keywords: []string{"come in tomorrow", "stop by today", "visit the dealership"},
		},
		{
			ID: "R-FINANCE-1", Name: "Financing application", Priority: 5, IntentType: "financing",
			Patterns: []string{`\b(credit|loan|finance)\s+application\b`, `\bget\s+(pre[\s-]?)?approved\b`},
			Keywords: []string{"financing options", "monthly payment"},
		},
		{
			ID: "R-TRADEIN-1", Name: "Trade-in valuation", Priority: 6, IntentType: "trade-in",
			Patterns: []string{`\btrade[\s-]?in\b`},
			Keywords: []string{"value my car", "what is my car worth"},
		},
	}
}
