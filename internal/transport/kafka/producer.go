package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"tgtg_items_updater/internal/transport"
)

type ProducerConfig struct {
	Brokers  []string
	ClientID string
	Version  string
}

// Producer publishes with a sync producer, waiting for all in-sync replicas.
type Producer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
}

func NewProducer(cfg ProducerConfig, logger *slog.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka producer: at least one broker is required")
	}

	saramaCfg, err := producerConfig(cfg)
	if err != nil {
		return nil, err
	}

	sp, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: create sync producer: %w", err)
	}

	return NewProducerFromSync(sp, logger), nil
}

// NewProducerFromSync wraps an existing sync producer.
func NewProducerFromSync(sp sarama.SyncProducer, logger *slog.Logger) *Producer {
	return &Producer{
		producer: sp,
		logger:   logger.With("component", "kafka_producer"),
	}
}

// Publish sends one message and waits for the broker acknowledgement or ctx.
// When ctx ends first the send may still complete later.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, headers map[string][]byte, value []byte) error {
	if topic == "" {
		return errors.New("kafka producer: topic is required")
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(value),
		Headers: toRecordHeaders(headers),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	type result struct {
		partition int32
		offset    int64
		err       error
	}
	done := make(chan result, 1)
	go func() {
		partition, offset, err := p.producer.SendMessage(msg)
		done <- result{partition, offset, err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("kafka producer: send: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("kafka producer: send: %w", res.err)
		}
		p.logger.Debug("message sent", "topic", topic, "partition", res.partition, "offset", res.offset)
		return nil
	}
}

func (p *Producer) Close() error {
	return p.producer.Close()
}

func toRecordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{
			Key:   []byte(k),
			Value: transport.CloneBytes(v),
		})
	}
	return out
}

func producerConfig(cfg ProducerConfig) (*sarama.Config, error) {
	saramaCfg := sarama.NewConfig()

	version, err := parseVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	saramaCfg.Version = version
	saramaCfg.ClientID = cfg.ClientID

	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 6
	saramaCfg.Producer.Retry.Backoff = 250 * time.Millisecond
	saramaCfg.Producer.Return.Errors = true
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Idempotent = true
	saramaCfg.Producer.Partitioner = sarama.NewHashPartitioner
	saramaCfg.Net.MaxOpenRequests = 1

	return saramaCfg, nil
}
