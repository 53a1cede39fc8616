package handover

import (
	"fmt"
	"time"

	"github.com/rylieai/handover/internal/domain"
)

// A/B test lifecycle states.
const (
	ABTestDraft     = "draft"
	ABTestActive    = "active"
	ABTestPaused    = "paused"
	ABTestCompleted = "completed"
)

// ABTest splits dealerships into variants, each patching the effective config.
type ABTest struct {
	ID        string          `yaml:"id" json:"id"`
	Name      string          `yaml:"name" json:"name"`
	Status    string          `yaml:"status" json:"status"`
	StartsAt  time.Time       `yaml:"startsAt,omitempty" json:"startsAt,omitempty"`
	EndsAt    time.Time       `yaml:"endsAt,omitempty" json:"endsAt,omitempty"`
	Variants  []ABTestVariant `yaml:"variants" json:"variants"`
	CreatedAt time.Time       `yaml:"createdAt,omitempty" json:"createdAt,omitempty"`
}

// ABTestVariant is one bucket of an A/B test. Percentage is the share of
// dealerships (0–100) assigned to it.
type ABTestVariant struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Percentage  int            `yaml:"percentage" json:"percentage"`
	ConfigPatch map[string]any `yaml:"configPatch" json:"configPatch"`
}

// IsActive reports whether the test assigns variants at now.
func (t ABTest) IsActive(now time.Time) bool {
	if t.Status != ABTestActive {
		return false
	}
	if !t.StartsAt.IsZero() && now.Before(t.StartsAt) {
		return false
	}
	if !t.EndsAt.IsZero() && !now.Before(t.EndsAt) {
		return false
	}
	return true
}

// TotalPercentage returns the summed share of all variants.
func (t ABTest) TotalPercentage() int {
	total := 0
	for _, v := range t.Variants {
		total += v.Percentage
	}
	return total
}

// Variant returns the variant with the given ID.
func (t ABTest) Variant(id string) (ABTestVariant, bool) {
	for _, v := range t.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return ABTestVariant{}, false
}

// Validate checks the test invariants: a name, at least one variant,
// percentages in [0,100] summing to at most 100, unique variant IDs.
func (t ABTest) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: abtest name is required", domain.ErrValidation)
	}
	switch t.Status {
	case ABTestDraft, ABTestActive, ABTestPaused, ABTestCompleted:
	default:
		return fmt.Errorf("%w: abtest %q: unknown status %q", domain.ErrValidation, t.Name, t.Status)
	}
	if len(t.Variants) == 0 {
		return fmt.Errorf("%w: abtest %q has no variants", domain.ErrValidation, t.Name)
	}
	if !t.StartsAt.IsZero() && !t.EndsAt.IsZero() && !t.EndsAt.After(t.StartsAt) {
		return fmt.Errorf("%w: abtest %q ends before it starts", domain.ErrValidation, t.Name)
	}

	seen := make(map[string]bool, len(t.Variants))
	for _, v := range t.Variants {
		if v.ID == "" {
			return fmt.Errorf("%w: abtest %q: variant id is required", domain.ErrValidation, t.Name)
		}
		if seen[v.ID] {
			return fmt.Errorf("%w: abtest %q: duplicate variant %q", domain.ErrValidation, t.Name, v.ID)
		}
		seen[v.ID] = true
		if v.Percentage < 0 || v.Percentage > 100 {
			return fmt.Errorf("%w: abtest %q: variant %q percentage out of range", domain.ErrValidation, t.Name, v.ID)
		}
	}
	if total := t.TotalPercentage(); total > 100 {
		return fmt.Errorf("%w: abtest %q: variant percentages sum to %d (max 100)", domain.ErrValidation, t.Name, total)
	}
	return nil
}
