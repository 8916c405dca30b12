package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the dead-letter mirror topic.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" json:"brokers"`
	Topic        string        `mapstructure:"topic" json:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks" json:"required_acks"`
	MaxAttempts  int           `mapstructure:"max_attempts" json:"max_attempts"`
	Compression  string        `mapstructure:"compression" json:"compression"`
}

// DefaultKafkaConfig returns defaults for a local broker.
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "riskgate.dead_letters",
		WriteTimeout: 2 * time.Second,
		RequiredAcks: -1,
		MaxAttempts:  3,
		Compression:  "snappy",
	}
}

// messageWriter is the subset of *kafka.Writer used by the sink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDeadLetterSink mirrors dead letters onto a Kafka topic keyed by the
// source topic.
type KafkaDeadLetterSink struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaDeadLetterSink builds a sink backed by a kafka.Writer.
func NewKafkaDeadLetterSink(cfg *KafkaConfig, logger *zap.Logger) *KafkaDeadLetterSink {
	if cfg == nil {
		cfg = DefaultKafkaConfig()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.CRC32Balancer{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.MaxAttempts,
	}
	switch cfg.Compression {
	case "gzip":
		w.Compression = kafka.Gzip
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	default:
		w.Compression = kafka.Snappy
	}
	return newKafkaDeadLetterSink(w, cfg.Topic, logger)
}

func newKafkaDeadLetterSink(w messageWriter, topic string, logger *zap.Logger) *KafkaDeadLetterSink {
	return &KafkaDeadLetterSink{
		writer: w,
		topic:  topic,
		logger: logger.With(zap.String("component", "kafka_dead_letters")),
	}
}

func (k *KafkaDeadLetterSink) Record(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(dl.Topic),
		Value: data,
		Time:  dl.At,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(dl.MessageID)},
			{Key: "reason", Value: []byte(dl.Reason)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return &TransportError{Op: "kafka write", Topic: k.topic, Err: err}
	}
	k.logger.Debug("Dead letter mirrored",
		zap.String("topic", dl.Topic),
		zap.String("message_id", dl.MessageID))
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaDeadLetterSink) Close() error {
	return k.writer.Close()
}
