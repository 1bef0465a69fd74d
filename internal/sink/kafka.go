package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/recorder/internal/core"
)

const (
	defaultKafkaCompression  = "snappy"
	defaultKafkaMaxAttempts  = 3
	defaultKafkaWriteTimeout = 10 * time.Second
)

// Kafka publishes records as JSON messages keyed by connection, so the hash
// balancer keeps every connection on one partition.
type Kafka struct {
	writer  *kafka.Writer
	timeout time.Duration

	written atomic.Uint64
	failed  atomic.Uint64
}

func NewKafka(cfg Config) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka sink needs brokers", core.ErrConfiguration)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka sink needs a topic", core.ErrConfiguration)
	}
	codec, err := compression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultKafkaMaxAttempts
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultKafkaWriteTimeout
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  attempts,
		WriteTimeout: timeout,
		Compression:  codec,
		// Batching happens in the Reporter.
		BatchSize:    1,
		BatchTimeout: time.Millisecond,
	}
	slog.Info("kafka sink created", "brokers", cfg.Brokers, "topic", cfg.Topic, "compression", cfg.Compression)
	return &Kafka{writer: w, timeout: timeout}, nil
}

func compression(name string) (compress.Compression, error) {
	switch name {
	case "":
		return compress.Snappy, nil
	case "none":
		return compress.None, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	default:
		return compress.None, fmt.Errorf("%w: invalid kafka compression %q", core.ErrConfiguration, name)
	}
}

func (k *Kafka) Name() string { return TypeKafka }

func message(rec core.Record) (kafka.Message, error) {
	v, err := Marshal(rec)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(rec.Stream.Conn.String()),
		Value: v,
		Time:  rec.Time,
		Headers: []kafka.Header{
			{Key: "protocol", Value: []byte(rec.Protocol)},
			{Key: "kind", Value: []byte(rec.Kind)},
		},
	}, nil
}

func (k *Kafka) Put(_ core.StreamID, rec core.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.PutBatch(ctx, []Entry{{Stream: rec.Stream, Record: rec}})
}

func (k *Kafka) PutBatch(ctx context.Context, batch []Entry) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, e := range batch {
		m, err := message(e.Record)
		if err != nil {
			k.failed.Add(1)
			return err
		}
		msgs = append(msgs, m)
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		k.failed.Add(uint64(len(msgs)))
		return fmt.Errorf("%w: kafka write: %w", core.ErrSink, err)
	}
	k.written.Add(uint64(len(msgs)))
	return nil
}

func (k *Kafka) Close() error {
	err := k.writer.Close()
	slog.Info("kafka sink closed", "written", k.written.Load(), "failed", k.failed.Load())
	return err
}
