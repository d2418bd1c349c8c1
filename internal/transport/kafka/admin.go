package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/IBM/sarama"

	"tgtg_items_updater/internal/transport"
)

// topicAdmin is the part of sarama.ClusterAdmin used here.
type topicAdmin interface {
	ListTopics() (map[string]sarama.TopicDetail, error)
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

type AdminConfig struct {
	Brokers           []string
	ClientID          string
	Version           string
	Partitions        int32
	ReplicationFactor int16
}

// Admin creates missing topics with the retention of their schema.
type Admin struct {
	admin             topicAdmin
	partitions        int32
	replicationFactor int16
	logger            *slog.Logger
}

func NewAdmin(cfg AdminConfig, logger *slog.Logger) (*Admin, error) {
	saramaCfg := sarama.NewConfig()
	version, err := parseVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	saramaCfg.Version = version
	saramaCfg.ClientID = cfg.ClientID

	admin, err := sarama.NewClusterAdmin(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("kafka admin: connect: %w", err)
	}

	return newAdmin(admin, cfg, logger), nil
}

func newAdmin(admin topicAdmin, cfg AdminConfig, logger *slog.Logger) *Admin {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := cfg.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}
	return &Admin{
		admin:             admin,
		partitions:        partitions,
		replicationFactor: replication,
		logger:            logger.With("component", "kafka_admin"),
	}
}

// EnsureTopics creates every topic that does not exist yet. Existing topics
// are left untouched.
func (a *Admin) EnsureTopics(_ context.Context, topics ...transport.TopicSpec) error {
	existing, err := a.admin.ListTopics()
	if err != nil {
		return fmt.Errorf("kafka admin: list topics: %w", err)
	}

	for _, t := range topics {
		if _, ok := existing[t.Name]; ok {
			a.logger.Debug("topic exists", "topic", t.Name)
			continue
		}

		detail := &sarama.TopicDetail{
			NumPartitions:     a.partitions,
			ReplicationFactor: a.replicationFactor,
		}
		if t.Retention > 0 {
			retention := strconv.FormatInt(t.Retention.Milliseconds(), 10)
			detail.ConfigEntries = map[string]*string{"retention.ms": &retention}
		}

		if err := a.admin.CreateTopic(t.Name, detail, false); err != nil {
			return fmt.Errorf("kafka admin: create topic %s: %w", t.Name, err)
		}
		a.logger.Info("topic created", "topic", t.Name, "retention", t.Retention, "partitions", a.partitions)
	}

	return nil
}

func (a *Admin) Close() error {
	return a.admin.Close()
}
