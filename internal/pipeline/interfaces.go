package pipeline

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"tgtg_items_updater/internal/domain"
)

type Fetcher interface {
	Fetch(ctx context.Context, trigger domain.TriggerMessage) ([]domain.Item, time.Time, error)
}

type Publisher interface {
	Publish(ctx context.Context, result domain.FetchedItems) error
}

type Alerter interface {
	Alert(ctx context.Context, alert domain.Alert)
}

type CredentialReloader interface {
	Reload() error
}

type OutcomeRecorder interface {
	Record(ctx context.Context, outcome *domain.Outcome) error
}
