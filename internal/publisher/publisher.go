package publisher

import (
	"context"
	"log/slog"
	"time"

	"tgtg_items_updater/internal/domain"
	"tgtg_items_updater/internal/schema"
)

// Publisher writes FetchedItems envelopes to the output topic.
type Publisher struct {
	producer Producer
	registry *schema.Registry
	topic    string
	timeout  time.Duration
	logger   *slog.Logger
}

func New(producer Producer, registry *schema.Registry, topic string, timeout time.Duration, logger *slog.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		registry: registry,
		topic:    topic,
		timeout:  timeout,
		logger:   logger.With("component", "publisher", "topic", topic),
	}
}

// Publish encodes result and sends it. Encoding failures are SchemaErrors,
// everything else is a PublishError.
func (p *Publisher) Publish(ctx context.Context, result domain.FetchedItems) error {
	const op = "publish items"

	env, body, err := p.registry.EncodeFetchedItems(result)
	if err != nil {
		return domain.NewError(domain.KindSchema, op, err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	key := []byte(result.TriggerMessage.Key())
	if err := p.producer.Publish(ctx, p.topic, key, env.Headers(), body); err != nil {
		return domain.NewError(domain.KindPublish, op, err)
	}

	p.logger.Info("items published",
		"message_id", env.ID,
		"items", len(result.Items),
		"checked_at", result.CheckedAt.Time,
	)

	return nil
}
