//go:build integration

package rabbitmq

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"

	"tgtg_items_updater/internal/transport"
)

type RabbitMQIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *rabbitmq.RabbitMQContainer
	amqpURL   string
	logger    *slog.Logger
}

func (s *RabbitMQIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	container, err := rabbitmq.Run(s.ctx,
		"rabbitmq:3.13-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	amqpURL, err := container.AmqpURL(s.ctx)
	s.Require().NoError(err)
	s.amqpURL = amqpURL
}

func (s *RabbitMQIntegrationSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestRabbitMQIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RabbitMQIntegrationSuite))
}

func (s *RabbitMQIntegrationSuite) newBroker(exchange, queue string) *RabbitMQ {
	broker, err := NewRabbitMQ(Config{
		URL:             s.amqpURL,
		Exchange:        exchange,
		InputQueue:      queue,
		RedeliveryDelay: 10 * time.Millisecond,
	}, s.logger)
	s.Require().NoError(err)
	return broker
}

func (s *RabbitMQIntegrationSuite) TestConnection() {
	broker := s.newBroker("test-exchange", "test-queue")
	s.NoError(broker.Close())
}

func (s *RabbitMQIntegrationSuite) TestEnsureTopics_SetsTTL() {
	broker := s.newBroker("test-exchange-ttl", "ttl-in")
	defer broker.Close()

	err := broker.EnsureTopics(s.ctx, transport.TopicSpec{Name: "ttl-in", Retention: 24 * time.Hour})
	s.Require().NoError(err)

	// redeclaring with different arguments fails, proving the TTL was applied
	conn, err := amqp.Dial(s.amqpURL)
	s.Require().NoError(err)
	defer conn.Close()
	ch, err := conn.Channel()
	s.Require().NoError(err)

	_, err = ch.QueueDeclare("ttl-in", true, false, false, false, amqp.Table{"x-message-ttl": int64(1000)})
	s.Error(err)
}

func (s *RabbitMQIntegrationSuite) TestPublish_MessageFormat() {
	broker := s.newBroker("test-exchange-format", "format-out")
	defer broker.Close()
	s.Require().NoError(broker.EnsureTopics(s.ctx, transport.TopicSpec{Name: "format-out", Retention: time.Hour}))

	err := broker.Publish(s.ctx, "format-out", []byte("52.23,21.01,5"),
		map[string][]byte{"message-id": []byte("id-1"), "schema-name": []byte("FetchedItems")},
		[]byte(`{"schema_name":"FetchedItems"}`))
	s.Require().NoError(err)

	msg := s.consumeMessage("format-out")
	s.Require().NotNil(msg)
	s.Equal("application/json", msg.ContentType)
	s.Equal(uint8(amqp.Persistent), msg.DeliveryMode)
	s.Equal("id-1", msg.MessageId)
	s.Equal("FetchedItems", msg.Headers["schema-name"])
	s.JSONEq(`{"schema_name":"FetchedItems"}`, string(msg.Body))
}

func (s *RabbitMQIntegrationSuite) TestConsume_CommitAndRedeliver() {
	broker := s.newBroker("test-exchange-consume", "consume-in")
	defer broker.Close()
	s.Require().NoError(broker.EnsureTopics(s.ctx, transport.TopicSpec{Name: "consume-in", Retention: time.Hour}))

	for _, body := range []string{"first", "second"} {
		s.Require().NoError(broker.Publish(s.ctx, "consume-in", nil, nil, []byte(body)))
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	var mu sync.Mutex
	var seen []string
	attempts := 0
	done := make(chan struct{})

	go func() {
		_ = broker.Consume(ctx, func(_ context.Context, msg *transport.Message) transport.Disposition {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, string(msg.Value))
			if string(msg.Value) == "first" {
				attempts++
				if attempts == 1 {
					return transport.Redeliver
				}
			}
			if string(msg.Value) == "second" {
				close(done)
			}
			return transport.Commit
		})
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.Fail("timeout waiting for messages")
	}

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{"first", "first", "second"}, seen)
}

func (s *RabbitMQIntegrationSuite) consumeMessage(queue string) *amqp.Delivery {
	conn, err := amqp.Dial(s.amqpURL)
	s.Require().NoError(err)
	defer conn.Close()

	ch, err := conn.Channel()
	s.Require().NoError(err)
	defer ch.Close()

	msgs, err := ch.Consume(queue, "", true, false, false, false, nil)
	s.Require().NoError(err)

	select {
	case msg := <-msgs:
		return &msg
	case <-time.After(5 * time.Second):
		s.Fail("Timeout waiting for message")
		return nil
	}
}
