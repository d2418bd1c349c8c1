package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tgtg_items_updater/internal/transport"
)

const defaultRedeliveryDelay = 5 * time.Second

// RabbitMQ maps topics onto durable queues bound to one direct exchange
// under a routing key equal to the queue name.
type RabbitMQ struct {
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	pubMu    sync.Mutex
	exchange string
	queue    string
	delay    time.Duration
	logger   *slog.Logger
}

type Config struct {
	URL      string
	Exchange string
	// InputQueue is consumed by Consume.
	InputQueue      string
	RedeliveryDelay time.Duration
}

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	delay := cfg.RedeliveryDelay
	if delay <= 0 {
		delay = defaultRedeliveryDelay
	}

	logger.Info("connected to rabbitmq",
		"exchange", cfg.Exchange,
		"queue", cfg.InputQueue,
	)

	return &RabbitMQ{
		conn:     conn,
		pubCh:    ch,
		exchange: cfg.Exchange,
		queue:    cfg.InputQueue,
		delay:    delay,
		logger:   logger.With("component", "rabbitmq"),
	}, nil
}

// EnsureTopics declares a durable queue per topic. Retention becomes the
// queue's message TTL.
func (r *RabbitMQ) EnsureTopics(_ context.Context, topics ...transport.TopicSpec) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	for _, t := range topics {
		args := amqp.Table{}
		if t.Retention > 0 {
			args["x-message-ttl"] = t.Retention.Milliseconds()
		}

		q, err := ch.QueueDeclare(
			t.Name,
			true,
			false,
			false,
			false,
			args,
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", t.Name, err)
		}

		err = ch.QueueBind(
			q.Name,
			t.Name,
			r.exchange,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("bind queue %s: %w", t.Name, err)
		}

		r.logger.Info("queue declared", "queue", q.Name, "retention", t.Retention)
	}
	return nil
}

// Publish sends a persistent message and waits for the broker confirm.
func (r *RabbitMQ) Publish(ctx context.Context, topic string, key []byte, headers map[string][]byte, value []byte) error {
	table := amqp.Table{}
	for k, v := range headers {
		table[k] = string(v)
	}
	if len(key) > 0 {
		table["message-key"] = string(key)
	}

	r.pubMu.Lock()
	confirm, err := r.pubCh.PublishWithDeferredConfirmWithContext(
		ctx,
		r.exchange,
		topic,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    string(headers["message-id"]),
			Headers:      table,
			Body:         value,
			Timestamp:    time.Now(),
		},
	)
	r.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for confirm: %w", err)
	}
	if !acked {
		return errors.New("publish message: broker nacked")
	}

	r.logger.Debug("published message", "routing_key", topic, "bytes", len(value))

	return nil
}

// Consume reads the input queue one delivery at a time. Redeliver
// dispositions are nacked back onto the queue after a delay.
func (r *RabbitMQ) Consume(ctx context.Context, handler transport.Handler) error {
	if handler == nil {
		return errors.New("rabbitmq consumer: handler is required")
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, r.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", r.queue, err)
	}

	r.logger.Info("consuming", "queue", r.queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("rabbitmq consumer: delivery channel closed")
			}
			if err := r.dispatch(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

func (r *RabbitMQ) dispatch(ctx context.Context, d amqp.Delivery, handler transport.Handler) error {
	msg := toMessage(r.queue, d)

	if handler(ctx, msg) == transport.Commit {
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("ack delivery %d: %w", d.DeliveryTag, err)
		}
		return nil
	}

	r.logger.Warn("message left unacknowledged, requeueing", "delivery_tag", d.DeliveryTag, "delay", r.delay)
	select {
	case <-ctx.Done():
	case <-time.After(r.delay):
	}
	if err := d.Nack(false, true); err != nil {
		return fmt.Errorf("nack delivery %d: %w", d.DeliveryTag, err)
	}
	return nil
}

func toMessage(queue string, d amqp.Delivery) *transport.Message {
	headers := make(map[string][]byte, len(d.Headers))
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = []byte(val)
		case []byte:
			headers[k] = transport.CloneBytes(val)
		}
	}

	var key []byte
	if k, ok := headers["message-key"]; ok {
		key = k
	}

	return &transport.Message{
		Topic:       queue,
		Offset:      int64(d.DeliveryTag),
		Key:         key,
		Value:       transport.CloneBytes(d.Body),
		Headers:     headers,
		Timestamp:   d.Timestamp,
		Redelivered: d.Redelivered,
	}
}

func (r *RabbitMQ) Close() error {
	if r.pubCh != nil {
		r.pubCh.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
