package publisher

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import "context"

type Producer interface {
	Publish(ctx context.Context, topic string, key []byte, headers map[string][]byte, value []byte) error
}
