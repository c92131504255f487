package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/runledger/internal/config"
	"github.com/runledger/internal/domain"
)

// Producer publishes activities to Kafka, keyed by map so one map's
// activities stay ordered within a partition
type Producer struct {
	topic    string
	producer sarama.SyncProducer
	logger   *slog.Logger
}

// NewProducer connects a synchronous producer
func NewProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return newProducer(cfg.Topic, producer, logger), nil
}

func newProducer(topic string, producer sarama.SyncProducer, logger *slog.Logger) *Producer {
	return &Producer{
		topic:    topic,
		producer: producer,
		logger:   logger,
	}
}

// Publish sends one activity
func (p *Producer) Publish(ctx context.Context, a domain.Activity) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling activity: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(a.MapID, 10)),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("sending activity: %w", err)
	}

	p.logger.Debug("activity published",
		"type", a.Type,
		"run_id", a.RunID,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	return p.producer.Close()
}
