package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"tgtg_items_updater/internal/config"
	"tgtg_items_updater/internal/credentials"
	"tgtg_items_updater/internal/fetch"
	"tgtg_items_updater/internal/pipeline"
	"tgtg_items_updater/internal/provider"
	"tgtg_items_updater/internal/publisher"
	"tgtg_items_updater/internal/runner"
	"tgtg_items_updater/internal/schema"
	"tgtg_items_updater/internal/storage/postgres"
	"tgtg_items_updater/internal/transport"
	"tgtg_items_updater/internal/transport/kafka"
	"tgtg_items_updater/internal/transport/rabbitmq"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to config file")
	printSchemas := flag.Bool("print-schemas", false, "print registered JSON schemas and exit")
	flag.Parse()

	registry := schema.Default()

	if *printSchemas {
		if err := writeSchemas(os.Stdout, registry); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	logger, _ := setupLogger("info", "")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	logger, closeLog := setupLogger(cfg.LogLevel, cfg.LogFile)
	defer closeLog()

	creds, err := credentials.NewFileSource(cfg.CredentialsFile, logger)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker, err := connectBroker(ctx, cfg, registry, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "transport", cfg.Transport, "error", err)
		return 1
	}
	defer broker.Close()

	opts := []pipeline.Option{pipeline.WithCredentialReloader(creds)}

	if cfg.Database.Enabled() {
		db, err := sqlx.Connect("postgres", cfg.Database.DSN())
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			return 1
		}
		defer db.Close()
		logger.Info("connected to database")

		opts = append(opts, pipeline.WithOutcomeRecorder(postgres.NewOutcomeStore(db, logger)))
	}

	client := provider.New(provider.Config{
		BaseURL:                 cfg.Provider.BaseURL,
		Timeout:                 cfg.Provider.Timeout,
		BreakerMinRequests:      cfg.Provider.Breaker.MinRequests,
		BreakerFailureRatio:     cfg.Provider.Breaker.FailureRatio,
		BreakerInterval:         cfg.Provider.Breaker.Interval,
		BreakerOpenTimeout:      cfg.Provider.Breaker.OpenTimeout,
		BreakerHalfOpenRequests: cfg.Provider.Breaker.HalfOpenRequests,
	}, logger)

	orchestrator := pipeline.NewOrchestrator(
		registry,
		fetch.NewStage(client, creds, cfg.Provider.Timeout, logger),
		publisher.New(broker.producer, registry, cfg.Topics.OutputTopic(), cfg.Pipeline.PublishTimeout, logger),
		logger,
		pipeline.Config{
			FetchRetry:   retryPolicy(cfg.Pipeline.FetchRetry),
			PublishRetry: retryPolicy(cfg.Pipeline.PublishRetry),
		},
		opts...,
	)

	svc := runner.NewRunner(broker.consumer, orchestrator, cfg.Pipeline.ShutdownGrace, logger,
		runner.WithSessionGrace(kafka.RebalanceTimeout/2),
	)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("starting items updater",
		"transport", cfg.Transport,
		"input_topic", cfg.Topics.InputTopic(),
		"output_topic", cfg.Topics.OutputTopic(),
		"provider", cfg.Provider.BaseURL,
	)

	if err := svc.Start(ctx); err != nil {
		logger.Error("runner error", "error", err)
		return 1
	}
	return 0
}

type broker struct {
	consumer transport.Consumer
	producer transport.Producer
	closers  []io.Closer
}

func (b *broker) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i].Close()
	}
}

func connectBroker(ctx context.Context, cfg *config.Config, registry *schema.Registry, logger *slog.Logger) (*broker, error) {
	topics, err := topicSpecs(cfg, registry)
	if err != nil {
		return nil, err
	}

	switch cfg.Transport {
	case config.TransportRabbitMQ:
		mq, err := rabbitmq.NewRabbitMQ(rabbitmq.Config{
			URL:             cfg.RabbitMQ.URL,
			Exchange:        cfg.RabbitMQ.Exchange,
			InputQueue:      cfg.Topics.InputTopic(),
			RedeliveryDelay: cfg.Pipeline.RedeliveryDelay,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := declareTopics(ctx, mq, topics); err != nil {
			_ = mq.Close()
			return nil, err
		}
		return &broker{consumer: mq, producer: mq, closers: []io.Closer{mq}}, nil

	default:
		b := &broker{}
		if cfg.Kafka.CreateTopics {
			admin, err := kafka.NewAdmin(kafka.AdminConfig{
				Brokers:           cfg.Kafka.Brokers,
				ClientID:          cfg.Kafka.ClientID,
				Version:           cfg.Kafka.Version,
				Partitions:        cfg.Kafka.Partitions,
				ReplicationFactor: cfg.Kafka.ReplicationFactor,
			}, logger)
			if err != nil {
				return nil, err
			}
			err = declareTopics(ctx, admin, topics)
			_ = admin.Close()
			if err != nil {
				return nil, err
			}
		}

		producer, err := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
			Version:  cfg.Kafka.Version,
		}, logger)
		if err != nil {
			return nil, err
		}
		b.producer = producer
		b.closers = append(b.closers, producer)

		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:         cfg.Kafka.Brokers,
			GroupID:         cfg.Kafka.ConsumerGroup,
			ClientID:        cfg.Kafka.ClientID,
			Topic:           cfg.Topics.InputTopic(),
			OffsetReset:     cfg.Kafka.OffsetReset,
			Version:         cfg.Kafka.Version,
			RedeliveryDelay: cfg.Pipeline.RedeliveryDelay,
		}, logger)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.consumer = consumer
		b.closers = append(b.closers, consumer)
		return b, nil
	}
}

func declareTopics(ctx context.Context, d transport.Declarer, topics []transport.TopicSpec) error {
	if err := d.EnsureTopics(ctx, topics...); err != nil {
		return fmt.Errorf("declare topics: %w", err)
	}
	return nil
}

func topicSpecs(cfg *config.Config, registry *schema.Registry) ([]transport.TopicSpec, error) {
	trigger, ok := registry.Lookup(schema.TriggerName, 1)
	if !ok {
		return nil, fmt.Errorf("schema %s not registered", schema.TriggerName)
	}
	items, ok := registry.Lookup(schema.FetchedItemsName, 1)
	if !ok {
		return nil, fmt.Errorf("schema %s not registered", schema.FetchedItemsName)
	}
	return []transport.TopicSpec{
		{Name: cfg.Topics.InputTopic(), Retention: trigger.Retention},
		{Name: cfg.Topics.OutputTopic(), Retention: items.Retention},
	}, nil
}

func retryPolicy(c config.RetryConfig) pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
	}
}

func writeSchemas(w io.Writer, registry *schema.Registry) error {
	docs := make(map[string]any)
	for _, s := range registry.Schemas() {
		doc, err := registry.JSONSchema(s.Name, s.Version)
		if err != nil {
			return err
		}
		docs[s.String()] = doc
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(docs)
}

func setupLogger(level, file string) (*slog.Logger, func()) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			out = io.MultiWriter(os.Stdout, f)
			closeFn = func() { _ = f.Close() }
		} else {
			fmt.Fprintf(os.Stderr, "open log file %s: %v\n", file, err)
		}
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(out, opts)
	return slog.New(handler), closeFn
}
