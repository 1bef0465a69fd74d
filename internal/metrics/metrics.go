// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CaptureEventsTotal counts events delivered by the capture source by kind
	CaptureEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_capture_events_total",
			Help: "Total number of capture events received",
		},
		[]string{"kind"},
	)

	// CaptureBytesTotal counts connection bytes received by direction
	CaptureBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_capture_bytes_total",
			Help: "Total number of connection bytes received",
		},
		[]string{"direction"},
	)

	// CapturePacketsTotal counts packets read by the capture source by outcome
	CapturePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_capture_packets_total",
			Help: "Total number of packets read by the capture source",
		},
		[]string{"result"},
	)

	// CaptureGapsTotal counts TCP connections abandoned because reassembly lost bytes
	CaptureGapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recorder_capture_gaps_total",
			Help: "Total number of TCP connections closed early due to missing segments",
		},
	)

	// ChainsActive tracks live handler chains, one per physical connection
	ChainsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recorder_chains_active",
			Help: "Number of connection handler chains currently tracked",
		},
	)

	// StreamFailuresTotal counts streams that entered the failed state by scope and error class
	StreamFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_stream_failures_total",
			Help: "Total number of streams failed by a decoding error",
		},
		[]string{"scope", "error_type"},
	)

	// DroppedEventsTotal counts events discarded because their stream already failed
	DroppedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_dropped_events_total",
			Help: "Total number of events dropped for failed streams",
		},
		[]string{"scope"},
	)

	// NegotiatedTotal counts protocols agreed over multistream-select
	NegotiatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_negotiated_protocols_total",
			Help: "Total number of protocol negotiations completed",
		},
		[]string{"protocol"},
	)

	// SubstreamsTotal counts mux sub-stream lifecycle transitions
	SubstreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_substreams_total",
			Help: "Total number of mux sub-stream lifecycle events",
		},
		[]string{"muxer", "event"},
	)

	// ProtocolViolationsTotal counts frames that break the mux protocol without killing the connection
	ProtocolViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_protocol_violations_total",
			Help: "Total number of non-fatal protocol violations",
		},
		[]string{"muxer", "reason"},
	)

	// ParseErrorsTotal counts application envelopes discarded as unparsable
	ParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_parse_errors_total",
			Help: "Total number of application messages that failed to parse",
		},
		[]string{"protocol"},
	)

	// OversizedMessagesTotal counts application envelopes skipped for exceeding the size limit
	OversizedMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_oversized_messages_total",
			Help: "Total number of application messages skipped as oversized",
		},
		[]string{"protocol"},
	)

	// RecordsTotal counts records emitted to the sink
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_records_total",
			Help: "Total number of decoded records emitted",
		},
		[]string{"protocol", "kind"},
	)

	// SinkErrorsTotal counts sink failures by stage
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recorder_sink_errors_total",
			Help: "Total number of sink errors",
		},
		[]string{"stage"},
	)

	// SinkBatchSize tracks batch size distribution of the async sink reporter
	SinkBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recorder_sink_batch_size",
			Help:    "Number of records written per sink batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1, 2, 4, ..., 2048
		},
		[]string{"sink"},
	)

	// WorkerQueueDepth tracks buffered events per dispatcher worker
	WorkerQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "recorder_worker_queue_depth",
			Help: "Number of events waiting in a dispatcher worker queue",
		},
		[]string{"worker"},
	)

	// HandleLatencySeconds measures per-event decoding latency
	HandleLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recorder_handle_latency_seconds",
			Help:    "Latency of decoding one capture event in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
	)

	// KeyStoreSize tracks the number of candidate secrets held
	KeyStoreSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recorder_keystore_size",
			Help: "Number of captured secrets available for handshake decryption",
		},
	)
)

// Failure scopes.
const (
	ScopeConnection = "connection"
	ScopeSubstream  = "substream"
	ScopeSink       = "sink"
)
