package service

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/rylieai/handover/internal/domain"
	"github.com/rylieai/handover/internal/domain/handover"
)

// bucket maps key to a stable value in [0,100): the first 8 bytes of its
// BLAKE2b-256 digest, big endian, modulo 100. Identical across processes,
// restarts and architectures.
func bucket(key string) int {
	sum := blake2b.Sum256([]byte(key))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}

// pickVariant places dealershipID into the test's cumulative variant ranges
// in declared order. A bucket past the summed percentage is the control group.
func pickVariant(t handover.ABTest, dealershipID string) (handover.ABTestVariant, bool) {
	b := bucket(t.Name + ":" + dealershipID)
	upper := 0
	for _, v := range t.Variants {
		upper += v.Percentage
		if b < upper {
			return v, true
		}
	}
	return handover.ABTestVariant{}, false
}

// assignVariant returns the first active test (in declared order) that
// enrolls the dealership. At most one variant patch applies per dealership.
func assignVariant(tests []handover.ABTest, dealershipID string, now time.Time) (handover.ABTest, handover.ABTestVariant, bool) {
	for _, t := range tests {
		if !t.IsActive(now) {
			continue
		}
		if v, ok := pickVariant(t, dealershipID); ok {
			return t, v, true
		}
	}
	return handover.ABTest{}, handover.ABTestVariant{}, false
}

// GetABTestVariant returns the variant of the named test that applies to the
// dealership's effective configuration. ok is false for unknown or inactive
// tests, for the control group, and when an earlier active test already
// enrolls the dealership.
func (s *ConfigService) GetABTestVariant(testName, dealershipID string) (variantID string, ok bool) {
	snap := s.snap.Load()
	if snap == nil {
		return "", false
	}
	t, v, enrolled := assignVariant(snap.abTests, dealershipID, s.now())
	if !enrolled || t.Name != testName {
		return "", false
	}
	return v.ID, true
}

// ListABTests returns the tests of the current snapshot.
func (s *ConfigService) ListABTests() []handover.ABTest {
	snap := s.snap.Load()
	if snap == nil {
		return nil
	}
	out := make([]handover.ABTest, len(snap.abTests))
	copy(out, snap.abTests)
	return out
}

// CreateABTest validates and persists a new test, then publishes a new
// snapshot so the test takes effect immediately. Missing IDs are generated;
// status defaults to draft.
func (s *ConfigService) CreateABTest(ctx context.Context, t handover.ABTest) (handover.ABTest, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = handover.ABTestDraft
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	for i := range t.Variants {
		if t.Variants[i].ID == "" {
			t.Variants[i].ID = "variant-" + strconv.Itoa(i+1)
		}
	}
	if err := t.Validate(); err != nil {
		return handover.ABTest{}, fmt.Errorf("create abtest: %w", err)
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if snap := s.snap.Load(); snap != nil {
		for _, existing := range snap.abTests {
			if existing.Name == t.Name {
				return handover.ABTest{}, fmt.Errorf("create abtest %q: %w", t.Name, domain.ErrConflict)
			}
		}
	}

	if s.store != nil {
		if err := s.store.CreateABTest(ctx, t); err != nil {
			return handover.ABTest{}, fmt.Errorf("create abtest %q: %w", t.Name, err)
		}
	} else {
		s.memTests = append(s.memTests, t)
	}

	if err := s.republish(ctx); err != nil {
		return t, err
	}
	slog.Info("abtest created", "name", t.Name, "id", t.ID, "status", t.Status, "variants", len(t.Variants))
	return t, nil
}

// SetABTestStatus moves a runtime test to another lifecycle status.
func (s *ConfigService) SetABTestStatus(ctx context.Context, name, status string) error {
	switch status {
	case handover.ABTestDraft, handover.ABTestActive, handover.ABTestPaused, handover.ABTestCompleted:
	default:
		return fmt.Errorf("set abtest status: %w: unknown status %q", domain.ErrValidation, status)
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.store != nil {
		if err := s.store.SetABTestStatus(ctx, name, status); err != nil {
			return fmt.Errorf("set abtest %q status: %w", name, err)
		}
	} else {
		found := false
		for i := range s.memTests {
			if s.memTests[i].Name == name {
				s.memTests[i].Status = status
				found = true
			}
		}
		if !found {
			return fmt.Errorf("set abtest %q status: %w", name, domain.ErrNotFound)
		}
	}
	return s.republish(ctx)
}

// republish reloads all sources after a runtime A/B change. reloadMu must be held.
func (s *ConfigService) republish(ctx context.Context) error {
	next, err := s.load(ctx)
	if err != nil {
		s.configError(ctx, "", "reload_"+ReloadABTest, err)
		return fmt.Errorf("reload after abtest change: %w", err)
	}
	s.publish(ctx, next, ReloadABTest)
	return nil
}
