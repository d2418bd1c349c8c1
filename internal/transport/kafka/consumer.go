package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"tgtg_items_updater/internal/transport"
)

// RebalanceTimeout is how long the group waits for claims to be released
// during a rebalance before evicting the member.
const RebalanceTimeout = 30 * time.Second

const (
	defaultSessionTimeout  = 30 * time.Second
	defaultHeartbeat       = 3 * time.Second
	defaultConsumeBackoff  = time.Second
	defaultRedeliveryDelay = 5 * time.Second
)

type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
	Topic    string
	// OffsetReset is "earliest" or "latest"; it applies when the group has no
	// committed offset for a partition.
	OffsetReset     string
	Version         string
	RedeliveryDelay time.Duration
}

// Consumer reads the trigger topic through a consumer group. Each claimed
// partition is handled by its own goroutine, one message at a time, and
// offsets are committed only when the handler says so.
type Consumer struct {
	group  sarama.ConsumerGroup
	cfg    ConsumerConfig
	logger *slog.Logger

	handler transport.Handler
	mu      sync.RWMutex

	errorsDoneCh chan struct{}
}

func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka consumer: topic is required")
	}
	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = defaultRedeliveryDelay
	}

	saramaCfg, err := consumerConfig(cfg)
	if err != nil {
		return nil, err
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create consumer group: %w", err)
	}

	c := newConsumer(group, cfg, logger)
	go c.consumeErrors()
	return c, nil
}

func newConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	return &Consumer{
		group:        group,
		cfg:          cfg,
		logger:       logger.With("component", "kafka_consumer", "topic", cfg.Topic, "group_id", cfg.GroupID),
		errorsDoneCh: make(chan struct{}),
	}
}

// Consume joins the group and blocks until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler transport.Handler) error {
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.group.Consume(ctx, []string{c.cfg.Topic}, &groupHandler{consumer: c})
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("consume error", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultConsumeBackoff):
			}
		}
	}
}

func (c *Consumer) Close() error {
	err := c.group.Close()
	<-c.errorsDoneCh
	return err
}

func (c *Consumer) consumeErrors() {
	defer close(c.errorsDoneCh)
	for err := range c.group.Errors() {
		if err != nil {
			c.logger.Error("consumer group error", "error", err)
		}
	}
}

type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("consumer group session started",
		"member_id", session.MemberID(),
		"generation", session.GenerationID(),
		"claims", session.Claims(),
	)
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("consumer group session ended", "member_id", session.MemberID())
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	logger := h.consumer.logger.With("partition", claim.Partition())
	logger.Info("partition claimed", "initial_offset", claim.InitialOffset())

	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.handle(session, msg, logger) {
				return nil
			}
		}
	}
}

// handle runs the handler for msg until it is committed. It returns false
// when the session ended with msg still uncommitted.
func (h *groupHandler) handle(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, logger *slog.Logger) bool {
	h.consumer.mu.RLock()
	handler := h.consumer.handler
	h.consumer.mu.RUnlock()

	record := toMessage(msg)

	for {
		if handler(session.Context(), record) == transport.Commit {
			session.MarkMessage(msg, "")
			session.Commit()
			return true
		}

		// offsets are cumulative: moving on would implicitly commit this message
		logger.Warn("message left uncommitted, redelivering",
			"offset", msg.Offset,
			"delay", h.consumer.cfg.RedeliveryDelay,
		)
		select {
		case <-session.Context().Done():
			return false
		case <-time.After(h.consumer.cfg.RedeliveryDelay):
		}
		record.Redelivered = true
	}
}

func toMessage(msg *sarama.ConsumerMessage) *transport.Message {
	return &transport.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       transport.CloneBytes(msg.Key),
		Value:     transport.CloneBytes(msg.Value),
		Headers:   fromHeaders(msg.Headers),
		Timestamp: msg.Timestamp,
	}
}

func fromHeaders(headers []*sarama.RecordHeader) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(headers))
	for _, h := range headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		out[string(h.Key)] = transport.CloneBytes(h.Value)
	}
	return out
}

func consumerConfig(cfg ConsumerConfig) (*sarama.Config, error) {
	saramaCfg := sarama.NewConfig()

	version, err := parseVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	saramaCfg.Version = version
	saramaCfg.ClientID = cfg.ClientID

	saramaCfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	saramaCfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	saramaCfg.Consumer.Group.Rebalance.Timeout = RebalanceTimeout
	saramaCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = false
	saramaCfg.Consumer.Return.Errors = true

	initial, err := initialOffset(cfg.OffsetReset)
	if err != nil {
		return nil, err
	}
	saramaCfg.Consumer.Offsets.Initial = initial

	return saramaCfg, nil
}

func initialOffset(reset string) (int64, error) {
	switch reset {
	case "", "latest":
		return sarama.OffsetNewest, nil
	case "earliest":
		return sarama.OffsetOldest, nil
	default:
		return 0, fmt.Errorf("kafka consumer: unknown offset reset policy %q", reset)
	}
}

func parseVersion(v string) (sarama.KafkaVersion, error) {
	if v == "" {
		return sarama.V2_5_0_0, nil
	}
	version, err := sarama.ParseKafkaVersion(v)
	if err != nil {
		return sarama.KafkaVersion{}, fmt.Errorf("kafka: parse version: %w", err)
	}
	return version, nil
}
