// Package transport defines the queue contracts the pipeline depends on.
// Concrete brokers live in the kafka and rabbitmq subpackages.
package transport

import (
	"context"
	"time"
)

// Message is one delivery from the input topic.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
	Timestamp time.Time
	// Redelivered is set when the same message is handed to the handler again.
	Redelivered bool
}

// Disposition tells the consumer what to do with a handled message.
type Disposition int

const (
	// Commit advances the consumer past the message.
	Commit Disposition = iota
	// Redeliver leaves the message uncommitted so it is handled again.
	Redeliver
)

func (d Disposition) String() string {
	if d == Redeliver {
		return "redeliver"
	}
	return "commit"
}

// Handler processes one message. Consumers call it sequentially per partition.
type Handler func(ctx context.Context, msg *Message) Disposition

type Consumer interface {
	// Consume blocks until ctx is cancelled or an unrecoverable error occurs.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key []byte, headers map[string][]byte, value []byte) error
	Close() error
}

// TopicSpec describes a topic the bridge reads or writes. Retention comes
// from the schema registered for the topic's payload.
type TopicSpec struct {
	Name      string
	Retention time.Duration
}

// Declarer creates topics (or queues) that do not exist yet.
type Declarer interface {
	EnsureTopics(ctx context.Context, topics ...TopicSpec) error
}

// CloneBytes returns a copy of src, or nil when src is empty.
func CloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
