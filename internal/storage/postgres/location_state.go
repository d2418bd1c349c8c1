package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"tgtg_items_updater/internal/domain"
)

type LocationStateStore struct {
	db *sqlx.DB
}

func NewLocationStateStore(db *sqlx.DB) *LocationStateStore {
	return &LocationStateStore{db: db}
}

func (s *LocationStateStore) Get(ctx context.Context, key string) (*domain.LocationState, error) {
	var state domain.LocationState
	query := `
		SELECT location_key, last_state, last_checked_at, last_item_count,
			total_published, total_failed, updated_at
		FROM location_state
		WHERE location_key = $1`

	err := sqlx.GetContext(ctx, executor(ctx, s.db), &state, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		// never seen
		return &domain.LocationState{Key: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get location state: %w", err)
	}
	return &state, nil
}

// Apply folds one outcome into the state of its location. Items counts and
// checked_at only move forward on a published outcome.
func (s *LocationStateStore) Apply(ctx context.Context, key string, outcome *domain.Outcome) error {
	var published, failed int64
	switch outcome.State {
	case domain.StatePublished:
		published = 1
	case domain.StateRejected, domain.StateRetryExhausted:
		failed = 1
	}

	query := `
		INSERT INTO location_state (
			location_key, last_state, last_checked_at, last_item_count,
			total_published, total_failed, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (location_key) DO UPDATE SET
			last_state = EXCLUDED.last_state,
			last_checked_at = CASE WHEN EXCLUDED.total_published > 0
				THEN EXCLUDED.last_checked_at ELSE location_state.last_checked_at END,
			last_item_count = CASE WHEN EXCLUDED.total_published > 0
				THEN EXCLUDED.last_item_count ELSE location_state.last_item_count END,
			total_published = location_state.total_published + EXCLUDED.total_published,
			total_failed = location_state.total_failed + EXCLUDED.total_failed,
			updated_at = EXCLUDED.updated_at`

	var checkedAt sql.NullTime
	if published > 0 && outcome.CheckedAt != nil {
		checkedAt = sql.NullTime{Time: *outcome.CheckedAt, Valid: true}
	}

	itemCount := 0
	if published > 0 {
		itemCount = outcome.ItemCount
	}

	_, err := executor(ctx, s.db).ExecContext(ctx, query,
		key,
		outcome.State,
		checkedAt,
		itemCount,
		published,
		failed,
		outcome.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("update location state: %w", err)
	}
	return nil
}
