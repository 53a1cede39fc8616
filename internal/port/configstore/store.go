// Package configstore defines the port for store-backed handover configuration:
// per-dealership overrides and A/B tests.
package configstore

import (
	"context"

	"github.com/rylieai/handover/internal/domain/handover"
)

// Store persists configuration that is edited at runtime rather than shipped
// as YAML files.
type Store interface {
	// GetDealershipOverride returns the raw override layer for a dealership,
	// or (nil, nil) when none is stored.
	GetDealershipOverride(ctx context.Context, dealershipID string) (map[string]any, error)

	// PutDealershipOverride stores (or replaces) the override layer.
	PutDealershipOverride(ctx context.Context, dealershipID string, override map[string]any) error

	// ListABTests returns all persisted A/B tests, oldest first.
	ListABTests(ctx context.Context) ([]handover.ABTest, error)

	// CreateABTest persists a validated test. Returns domain.ErrConflict when
	// a test with the same name exists.
	CreateABTest(ctx context.Context, t handover.ABTest) error

	// SetABTestStatus changes the lifecycle status of the named test.
	// Returns domain.ErrNotFound for an unknown name.
	SetABTestStatus(ctx context.Context, name, status string) error
}
