package sink

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/oximy/oisp/internal/envelope"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	SASLMechanism string // none, plain, scram-256, scram-512
	Username      string
	Password      string
	Compression   string // none, gzip, snappy, lz4, zstd
	TLS           bool
}

// KafkaSink produces events keyed by event_id, with event_type and
// oisp_version carried as record headers. Delivery requires a successful
// broker ack; failed batches surface to the runner for retry.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink builds the franz-go client for cfg.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}

	switch cfg.Compression {
	case "", "none":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.NoCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	default:
		return nil, fmt.Errorf("unsupported kafka compression %q", cfg.Compression)
	}

	switch cfg.SASLMechanism {
	case "", "none":
	case "plain":
		opts = append(opts, kgo.SASL(plain.Auth{
			User: cfg.Username,
			Pass: cfg.Password,
		}.AsMechanism()))
	case "scram-256":
		opts = append(opts, kgo.SASL(scram.Auth{
			User: cfg.Username,
			Pass: cfg.Password,
		}.AsSha256Mechanism()))
	case "scram-512":
		opts = append(opts, kgo.SASL(scram.Auth{
			User: cfg.Username,
			Pass: cfg.Password,
		}.AsSha512Mechanism()))
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", cfg.SASLMechanism)
	}

	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: cfg.Topic}, nil
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Deliver produces the batch synchronously and fails on the first nack.
func (s *KafkaSink) Deliver(ctx context.Context, batch []*envelope.Event) error {
	records := make([]*kgo.Record, 0, len(batch))
	for _, ev := range batch {
		value, err := ev.MarshalCanonical()
		if err != nil {
			continue
		}
		records = append(records, &kgo.Record{
			Topic: s.topic,
			Key:   []byte(ev.EventID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: "event_type", Value: []byte(ev.EventType)},
				{Key: "oisp_version", Value: []byte(ev.OispVersion)},
			},
		})
	}
	if len(records) == 0 {
		return nil
	}

	results := s.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

// Close flushes outstanding produce buffers and closes the client.
func (s *KafkaSink) Close(ctx context.Context) error {
	err := s.client.Flush(ctx)
	s.client.Close()
	return err
}
