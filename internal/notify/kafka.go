package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka bus.
type KafkaConfig struct {
	Logger *slog.Logger

	Brokers []string
	Topic   string
}

func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return nil
}

// Kafka publishes events to one topic, keyed by dataset id so per-dataset
// ordering survives partitioning.
type Kafka struct {
	log    *slog.Logger
	client *kgo.Client
	topic  string
}

var _ Bus = (*Kafka)(nil)

// NewKafka builds the bus. Produces are synchronous; a run emits a single
// event, so there is nothing to batch.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Kafka{log: cfg.Logger, client: client, topic: cfg.Topic}, nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Close() { k.client.Close() }

// EnsureTopic creates the topic when it does not exist yet.
func (k *Kafka) EnsureTopic(ctx context.Context, partitions, replication int) error {
	adm := kadm.NewClient(k.client)
	_, err := adm.CreateTopic(ctx, int32(partitions), int16(replication), nil, k.topic)
	if err != nil {
		if strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
			return nil
		}
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	rec := &kgo.Record{Topic: k.topic, Key: []byte(ev.DatasetID), Value: body}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to topic %q: %w", k.topic, err)
	}
	k.log.Debug("published event", "transport", k.Name(), "dataset", ev.DatasetID, "topic", k.topic)
	return nil
}
