// Package sink delivers decoded records to their destination.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"firestige.xyz/recorder/internal/core"
)

// Sink types.
const (
	TypeConsole = "console"
	TypeLevelDB = "leveldb"
	TypeKafka   = "kafka"
	TypeMemory  = "memory"
)

// Sink stores records. Put must be safe for concurrent use.
type Sink interface {
	Name() string
	Put(sid core.StreamID, rec core.Record) error
	Close() error
}

// BatchSink is implemented by sinks that write several records at once more
// cheaply than one by one.
type BatchSink interface {
	Sink
	PutBatch(ctx context.Context, batch []Entry) error
}

// Entry is a queued record.
type Entry struct {
	Stream core.StreamID
	Record core.Record
}

// Config selects and configures a sink.
type Config struct {
	Type string

	// console
	Pretty bool

	// leveldb
	Path string

	// kafka
	Brokers      []string
	Topic        string
	Compression  string
	MaxAttempts  int
	WriteTimeout time.Duration

	// Reporter
	BatchSize    int
	BatchTimeout time.Duration
	QueueSize    int
}

// New builds the sink cfg.Type names.
func New(cfg Config) (Sink, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeConsole:
		return NewConsole(nil, cfg.Pretty), nil
	case TypeLevelDB:
		return OpenLevelDB(cfg.Path)
	case TypeKafka:
		return NewKafka(cfg)
	case TypeMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown sink type %q", core.ErrConfiguration, cfg.Type)
	}
}

// Document is the serialised form of a record.
type Document struct {
	Conn      string    `json:"conn"`
	Stream    string    `json:"stream"`
	Direction string    `json:"direction"`
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	Protocol  string    `json:"protocol"`
	Kind      string    `json:"kind"`
	Message   any       `json:"message"`
}

func NewDocument(rec core.Record) Document {
	return Document{
		Conn:      rec.Stream.Conn.String(),
		Stream:    rec.Stream.String(),
		Direction: rec.Direction.String(),
		Seq:       rec.Seq,
		Time:      rec.Time,
		Protocol:  rec.Protocol,
		Kind:      rec.Kind,
		Message:   rec.Message,
	}
}

// Marshal encodes rec as JSON.
func Marshal(rec core.Record) ([]byte, error) {
	b, err := json.Marshal(NewDocument(rec))
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s record: %w", core.ErrSink, rec.Protocol, err)
	}
	return b, nil
}
