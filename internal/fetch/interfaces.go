package fetch

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"tgtg_items_updater/internal/domain"
)

type Provider interface {
	Fetch(ctx context.Context, creds domain.Credentials, query domain.TriggerMessage) ([]domain.Item, error)
}

type CredentialSource interface {
	Credentials() domain.Credentials
}
