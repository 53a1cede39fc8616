package handover

import (
	"fmt"
	"strings"
	"time"

	"github.com/rylieai/handover/internal/domain"
)

// DealershipConfig is the effective (merged) handover configuration for one
// dealership. Produced by layering the global default, the dealership
// override and at most one active A/B variant patch.
type DealershipConfig struct {
	Rules       RuleConfig        `yaml:"rules" json:"rules"`
	MLThreshold float64           `yaml:"mlThreshold" json:"mlThreshold"`
	Behavioural BehaviouralConfig `yaml:"behavioural" json:"behavioural"`
	SLA         SLAConfig         `yaml:"sla" json:"sla"`

	// Set by the config service, not read from YAML.
	ABTest  string `yaml:"-" json:"abTest,omitempty"`
	Variant string `yaml:"-" json:"variant,omitempty"`
}

// RuleConfig selects rules from the catalog for a dealership.
// An empty Include means every catalog rule; Exclude always wins.
type RuleConfig struct {
	Include               []string `yaml:"include" json:"include"`
	Exclude               []string `yaml:"exclude" json:"exclude"`
	NearMissMinConfidence float64  `yaml:"nearMissMinConfidence" json:"nearMissMinConfidence"`
}

// Excluded reports whether ruleID is disabled for the dealership.
func (c RuleConfig) Excluded(ruleID string) bool {
	for _, id := range c.Exclude {
		if strings.EqualFold(id, ruleID) {
			return true
		}
	}
	if len(c.Include) == 0 {
		return false
	}
	for _, id := range c.Include {
		if strings.EqualFold(id, ruleID) {
			return false
		}
	}
	return true
}

// BehaviouralConfig parameterises the engagement heuristic.
type BehaviouralConfig struct {
	EngagedReplies int `yaml:"engagedReplies" json:"engagedReplies"`
	WindowMinutes  int `yaml:"windowMinutes" json:"windowMinutes"`
}

// Window returns the trailing window as a duration.
func (c BehaviouralConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// SLAConfig parameterises the no-response watchdog.
type SLAConfig struct {
	NoResponseHours   int            `yaml:"noResponseHours" json:"noResponseHours"`
	BusinessHoursOnly bool           `yaml:"businessHoursOnly" json:"businessHoursOnly"`
	BusinessHours     *BusinessHours `yaml:"businessHours,omitempty" json:"businessHours,omitempty"`
}

// BusinessHours is a daily opening window on a set of weekdays.
type BusinessHours struct {
	Start    string   `yaml:"start" json:"start"`       // "09:00"
	End      string   `yaml:"end" json:"end"`           // "18:00"
	Timezone string   `yaml:"timezone" json:"timezone"` // IANA name
	Days     []string `yaml:"days" json:"days"`         // "mon".."sun"
}

// Defaults applied when neither the global file nor an override sets a value.
const (
	DefaultMLThreshold           = 0.8
	DefaultEngagedReplies        = 5
	DefaultWindowMinutes         = 30
	DefaultNoResponseHours       = 24
	DefaultNearMissMinConfidence = 0.85
)

// SafeDefault returns the configuration used when the effective
// configuration cannot be produced.
func SafeDefault() DealershipConfig {
	return DealershipConfig{
		Rules:       RuleConfig{NearMissMinConfidence: DefaultNearMissMinConfidence},
		MLThreshold: DefaultMLThreshold,
		Behavioural: BehaviouralConfig{
			EngagedReplies: DefaultEngagedReplies,
			WindowMinutes:  DefaultWindowMinutes,
		},
		SLA: SLAConfig{NoResponseHours: DefaultNoResponseHours},
	}
}

// Validate checks the configuration invariants.
func (c DealershipConfig) Validate() error {
	if c.MLThreshold < 0 || c.MLThreshold > 1 {
		return fmt.Errorf("%w: mlThreshold must be in [0,1], got %v", domain.ErrValidation, c.MLThreshold)
	}
	if c.Rules.NearMissMinConfidence < 0 || c.Rules.NearMissMinConfidence > 1 {
		return fmt.Errorf("%w: rules.nearMissMinConfidence must be in [0,1]", domain.ErrValidation)
	}
	if c.Behavioural.EngagedReplies < 1 {
		return fmt.Errorf("%w: behavioural.engagedReplies must be >= 1", domain.ErrValidation)
	}
	if c.Behavioural.WindowMinutes < 1 {
		return fmt.Errorf("%w: behavioural.windowMinutes must be >= 1", domain.ErrValidation)
	}
	if c.SLA.NoResponseHours <= 0 {
		return fmt.Errorf("%w: sla.noResponseHours must be > 0", domain.ErrValidation)
	}
	if c.SLA.BusinessHoursOnly {
		if c.SLA.BusinessHours == nil {
			return fmt.Errorf("%w: sla.businessHours required when businessHoursOnly is set", domain.ErrValidation)
		}
		if _, err := c.SLA.BusinessHours.Compile(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate cached snapshots.
func (c DealershipConfig) Clone() DealershipConfig {
	out := c
	out.Rules.Include = append([]string(nil), c.Rules.Include...)
	out.Rules.Exclude = append([]string(nil), c.Rules.Exclude...)
	if c.SLA.BusinessHours != nil {
		bh := *c.SLA.BusinessHours
		bh.Days = append([]string(nil), c.SLA.BusinessHours.Days...)
		out.SLA.BusinessHours = &bh
	}
	return out
}

// Schedule is a compiled BusinessHours window.
type Schedule struct {
	Location *time.Location
	Start    time.Duration // offset from local midnight
	End      time.Duration
	Days     map[time.Weekday]bool
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// Compile parses the window. Days default to Monday–Friday; timezone to UTC.
func (b BusinessHours) Compile() (Schedule, error) {
	loc := time.UTC
	if b.Timezone != "" {
		l, err := time.LoadLocation(b.Timezone)
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: businessHours.timezone %q: %v", domain.ErrValidation, b.Timezone, err)
		}
		loc = l
	}

	start, err := parseClock(b.Start)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: businessHours.start: %v", domain.ErrValidation, err)
	}
	end, err := parseClock(b.End)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: businessHours.end: %v", domain.ErrValidation, err)
	}
	if end <= start {
		return Schedule{}, fmt.Errorf("%w: businessHours.end must be after start", domain.ErrValidation)
	}

	days := make(map[time.Weekday]bool, 7)
	names := b.Days
	if len(names) == 0 {
		names = []string{"mon", "tue", "wed", "thu", "fri"}
	}
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdays[key]
		if !ok {
			return Schedule{}, fmt.Errorf("%w: businessHours.days: unknown day %q", domain.ErrValidation, name)
		}
		days[wd] = true
	}

	return Schedule{Location: loc, Start: start, End: end, Days: days}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
