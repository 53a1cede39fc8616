package service

import (
	"slices"

	"github.com/rylieai/handover/internal/domain/handover"
)

// defaultFeatures enables every detection family; near-miss rule matching
// is opt-in.
func defaultFeatures() map[string]handover.FeatureFlag {
	return map[string]handover.FeatureFlag{
		handover.FeatureNearMissRules:   {Enabled: false},
		handover.FeatureMLClassifier:    {Enabled: true},
		handover.FeatureBehaviouralScan: {Enabled: true},
		handover.FeatureSLAWatchdog:     {Enabled: true},
	}
}

// IsFeatureEnabled evaluates a flag for a dealership. A dealership file
// override wins; then the global flag: disabled, excluded, allow-listed,
// and finally a stable rollout bucket of (flag, dealership). Unknown flags
// are off.
func (s *ConfigService) IsFeatureEnabled(flag, dealershipID string) bool {
	snap := s.snap.Load()
	if snap == nil {
		return defaultFeatures()[flag].Enabled
	}
	if v, ok := snap.dealerFlags[dealershipID][flag]; ok {
		return v
	}

	f, ok := snap.features[flag]
	if !ok || !f.Enabled {
		return false
	}
	if slices.Contains(f.ExcludeDealerships, dealershipID) {
		return false
	}
	if len(f.Dealerships) > 0 {
		return slices.Contains(f.Dealerships, dealershipID)
	}
	if f.RolloutPercentage != nil {
		return bucket(flag+":"+dealershipID) < *f.RolloutPercentage
	}
	return true
}
