package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tgtg_items_updater/internal/domain"
)

// Stage makes exactly one provider call per invocation and returns the items
// together with the instant the query was issued.
type Stage struct {
	provider Provider
	creds    CredentialSource
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Stage)

// WithClock overrides the clock used for checked_at.
func WithClock(now func() time.Time) Option {
	return func(s *Stage) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStage(provider Provider, creds CredentialSource, timeout time.Duration, logger *slog.Logger, opts ...Option) *Stage {
	s := &Stage{
		provider: provider,
		creds:    creds,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger.With("component", "fetch"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stage) Fetch(ctx context.Context, trigger domain.TriggerMessage) ([]domain.Item, time.Time, error) {
	const op = "fetch items"

	if err := trigger.Validate(); err != nil {
		return nil, time.Time{}, err
	}

	creds := s.creds.Credentials()
	if err := creds.Validate(); err != nil {
		return nil, time.Time{}, domain.NewError(domain.KindAuth, op, fmt.Errorf("incomplete credentials: %w", err))
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	checkedAt := s.now().UTC()
	s.logger.Debug("querying provider", "trigger", trigger)

	items, err := s.provider.Fetch(ctx, creds, trigger)
	if err != nil {
		return nil, checkedAt, classify(op, err)
	}
	if items == nil {
		items = []domain.Item{}
	}

	return items, checkedAt, nil
}

func classify(op string, err error) error {
	switch domain.KindOf(err) {
	case domain.KindAuth, domain.KindMalformedResponse, domain.KindProviderUnavailable:
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindProviderUnavailable, op, fmt.Errorf("provider timeout: %w", err))
	}
	return domain.NewError(domain.KindProviderUnavailable, op, err)
}
