package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rylieai/handover/internal/domain"
)

// ErrNoConfigStore is returned by runtime edits when no store is configured.
var ErrNoConfigStore = errors.New("config store not configured")

// PutDealershipOverride validates and stores the runtime override layer for
// a dealership. The layer must produce a valid effective config on top of
// the current files; the cached entry is dropped so the next lookup sees it.
func (s *ConfigService) PutDealershipOverride(ctx context.Context, dealershipID string, layer map[string]any) error {
	if dealershipID == "" {
		return fmt.Errorf("put override: %w: dealership id is required", domain.ErrValidation)
	}
	if s.store == nil {
		return fmt.Errorf("put override %s: %w", dealershipID, ErrNoConfigStore)
	}

	merged := map[string]any{}
	if snap := s.snap.Load(); snap != nil {
		merged = snap.base
		if file, ok := snap.dealerships[dealershipID]; ok {
			merged = deepMerge(merged, file)
		}
	}
	if _, err := decodeDealershipConfig(deepMerge(merged, layer)); err != nil {
		return fmt.Errorf("put override %s: %w: %v", dealershipID, domain.ErrValidation, err)
	}

	if err := s.store.PutDealershipOverride(ctx, dealershipID, layer); err != nil {
		return fmt.Errorf("put override %s: %w", dealershipID, err)
	}

	s.cacheMu.Lock()
	delete(s.effective, dealershipID)
	s.cacheMu.Unlock()

	slog.Info("dealership override stored", "dealership_id", dealershipID, "keys", len(layer))
	return nil
}
