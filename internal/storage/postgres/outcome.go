package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"tgtg_items_updater/internal/domain"
)

// OutcomeStore keeps an audit trail of processed triggers and the rolled-up
// state per location.
type OutcomeStore struct {
	db        *sqlx.DB
	locations *LocationStateStore
	txManager *TransactionManager
	logger    *slog.Logger
}

func NewOutcomeStore(db *sqlx.DB, logger *slog.Logger) *OutcomeStore {
	return &OutcomeStore{
		db:        db,
		locations: NewLocationStateStore(db),
		txManager: NewTransactionManager(db),
		logger:    logger.With("component", "outcome_store"),
	}
}

func (s *OutcomeStore) Record(ctx context.Context, outcome *domain.Outcome) error {
	return s.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO processing_outcomes (
				message_id, topic, partition, message_offset, state, error_kind, error,
				attempts, item_count, latitude, longitude, radius, favorites_only,
				checked_at, elapsed_ms, committed, recorded_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
			)
			RETURNING id`

		row := executor(ctx, s.db).QueryRowxContext(ctx, query,
			outcome.MessageID,
			outcome.Topic,
			outcome.Partition,
			outcome.Offset,
			outcome.State,
			outcome.ErrorKind,
			outcome.Error,
			outcome.Attempts,
			outcome.ItemCount,
			outcome.Latitude,
			outcome.Longitude,
			outcome.Radius,
			outcome.FavoritesOnly,
			outcome.CheckedAt,
			outcome.Elapsed.Milliseconds(),
			outcome.Committed,
			outcome.RecordedAt,
		)
		if err := row.Scan(&outcome.ID); err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}

		// undecoded or invalid triggers carry no usable location
		if outcome.Radius <= 0 {
			return nil
		}

		key := domain.TriggerMessage{
			Latitude:  outcome.Latitude,
			Longitude: outcome.Longitude,
			Radius:    outcome.Radius,
		}.Key()
		if err := s.locations.Apply(ctx, key, outcome); err != nil {
			return err
		}

		s.logger.Debug("outcome recorded", "id", outcome.ID, "state", string(outcome.State), "location", key)
		return nil
	})
}

// ListByMessageID returns every recorded delivery of one message, oldest first.
func (s *OutcomeStore) ListByMessageID(ctx context.Context, messageID string) ([]domain.Outcome, error) {
	var outcomes []domain.Outcome
	query := `
		SELECT id, message_id, topic, partition, message_offset, state, error_kind, error,
			attempts, item_count, latitude, longitude, radius, favorites_only,
			checked_at, committed, recorded_at
		FROM processing_outcomes
		WHERE message_id = $1
		ORDER BY id`

	if err := sqlx.SelectContext(ctx, executor(ctx, s.db), &outcomes, query, messageID); err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	return outcomes, nil
}

// Locations exposes the per-location rollup written alongside each outcome.
func (s *OutcomeStore) Locations() *LocationStateStore {
	return s.locations
}
