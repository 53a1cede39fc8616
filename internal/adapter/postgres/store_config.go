package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rylieai/handover/internal/domain/handover"
)

// --- Dealership overrides ---

func (s *Store) GetDealershipOverride(ctx context.Context, dealershipID string) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT override FROM dealership_handover_configs WHERE dealership_id = $1`, dealershipID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dealership override %s: %w", dealershipID, err)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode dealership override %s: %w", dealershipID, err)
	}
	return out, nil
}

func (s *Store) PutDealershipOverride(ctx context.Context, dealershipID string, override map[string]any) error {
	raw, err := json.Marshal(override)
	if err != nil {
		return fmt.Errorf("encode dealership override %s: %w", dealershipID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dealership_handover_configs (dealership_id, override, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (dealership_id) DO UPDATE SET override = EXCLUDED.override, updated_at = now()`,
		dealershipID, raw)
	if err != nil {
		return fmt.Errorf("put dealership override %s: %w", dealershipID, err)
	}
	return nil
}

// --- A/B tests ---

func (s *Store) ListABTests(ctx context.Context) ([]handover.ABTest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.name, t.status, t.starts_at, t.ends_at, t.created_at,
		        v.id, v.name, v.percentage, v.config_patch
		 FROM handover_ab_tests t
		 LEFT JOIN handover_ab_test_variants v ON v.test_id = t.id
		 ORDER BY t.created_at ASC, t.name ASC, v.position ASC`)
	if err != nil {
		return nil, fmt.Errorf("list abtests: %w", err)
	}
	defer rows.Close()

	var (
		tests []handover.ABTest
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			t                handover.ABTest
			startsAt, endsAt *time.Time
			vID, vName       *string
			vPercentage      *int
			vPatch           []byte
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &startsAt, &endsAt, &t.CreatedAt,
			&vID, &vName, &vPercentage, &vPatch); err != nil {
			return nil, fmt.Errorf("scan abtest: %w", err)
		}

		i, seen := index[t.ID]
		if !seen {
			t.StartsAt = timeOrZero(startsAt)
			t.EndsAt = timeOrZero(endsAt)
			t.CreatedAt = t.CreatedAt.UTC()
			tests = append(tests, t)
			i = len(tests) - 1
			index[t.ID] = i
		}
		if vID == nil {
			continue
		}

		v := handover.ABTestVariant{ID: *vID, Percentage: *vPercentage}
		if vName != nil {
			v.Name = *vName
		}
		if len(vPatch) > 0 {
			if err := json.Unmarshal(vPatch, &v.ConfigPatch); err != nil {
				return nil, fmt.Errorf("decode variant %s/%s patch: %w", t.Name, v.ID, err)
			}
		}
		tests[i].Variants = append(tests[i].Variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list abtests: %w", err)
	}
	return tests, nil
}

func (s *Store) CreateABTest(ctx context.Context, t handover.ABTest) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create abtest %s: begin: %w", t.Name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO handover_ab_tests (id, name, status, starts_at, ends_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Status, nullTime(t.StartsAt), nullTime(t.EndsAt), t.CreatedAt)
	if err != nil {
		return conflictWrap(err, "create abtest %s", t.Name)
	}

	batch := &pgx.Batch{}
	for pos, v := range t.Variants {
		patch, err := json.Marshal(v.ConfigPatch)
		if err != nil {
			return fmt.Errorf("encode variant %s/%s patch: %w", t.Name, v.ID, err)
		}
		batch.Queue(
			`INSERT INTO handover_ab_test_variants (test_id, id, name, percentage, config_patch, position)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			t.ID, v.ID, v.Name, v.Percentage, patch, pos)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create abtest %s variants: %w", t.Name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("create abtest %s: commit: %w", t.Name, err)
	}
	return nil
}

func (s *Store) SetABTestStatus(ctx context.Context, name, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE handover_ab_tests SET status = $2 WHERE name = $1`, name, status)
	return execExpectOne(tag, err, "set abtest %s status", name)
}
