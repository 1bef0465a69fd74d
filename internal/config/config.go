// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/recorder/internal/connection/pnet"
	"firestige.xyz/recorder/internal/core"
)

// GlobalConfig is everything under the `recorder:` root key.
type GlobalConfig struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Decoder  DecoderConfig  `mapstructure:"decoder" yaml:"decoder"`
	Keys     KeysConfig     `mapstructure:"keys" yaml:"keys"`
	Sink     SinkConfig     `mapstructure:"sink" yaml:"sink"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
}

// ─── Log ───

type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Capture ───

// CaptureConfig selects where directed byte events come from.
type CaptureConfig struct {
	Source string   `mapstructure:"source" yaml:"source"` // pcap | live
	Path   string   `mapstructure:"path" yaml:"path"`     // pcap or pcapng file
	Ports  []uint16 `mapstructure:"ports" yaml:"ports"`

	Device       string        `mapstructure:"device" yaml:"device"`
	SnapLen      int           `mapstructure:"snap_len" yaml:"snap_len"`
	BufferSizeMB int           `mapstructure:"buffer_size_mb" yaml:"buffer_size_mb"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	FanoutID     uint16        `mapstructure:"fanout_id" yaml:"fanout_id"`

	// IdleTimeout closes connections that stay silent this long.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// MaxPages bounds out-of-order TCP buffering; 0 means unbounded.
	MaxPages int `mapstructure:"max_pages" yaml:"max_pages"`
	// BootTime overrides the reference instant capture offsets count from
	// (RFC 3339). Empty reads /proc/stat for live capture.
	BootTime string `mapstructure:"boot_time" yaml:"boot_time"`
}

// ─── Decoder ───

type DecoderConfig struct {
	PNet             PNetConfig   `mapstructure:"pnet" yaml:"pnet"`
	RecordHandshakes bool         `mapstructure:"record_handshakes" yaml:"record_handshakes"`
	Limits           LimitsConfig `mapstructure:"limits" yaml:"limits"`
}

// PNetConfig configures the private network layer. Key takes precedence
// over ChainID.
type PNetConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Key     string `mapstructure:"key" yaml:"key"`           // 64 hex digits
	ChainID string `mapstructure:"chain_id" yaml:"chain_id"` // key derived from the chain id
}

type LimitsConfig struct {
	MaxBuffer  int `mapstructure:"max_buffer" yaml:"max_buffer"`
	MaxFrame   int `mapstructure:"max_frame" yaml:"max_frame"`
	MaxMessage int `mapstructure:"max_message" yaml:"max_message"`
	MaxLine    int `mapstructure:"max_line" yaml:"max_line"`
	MaxDepth   int `mapstructure:"max_depth" yaml:"max_depth"`
}

// ─── Keys ───

type KeysConfig struct {
	Capacity int      `mapstructure:"capacity" yaml:"capacity"`
	Files    []string `mapstructure:"files" yaml:"files"`
}

// ─── Sink ───

type SinkConfig struct {
	Type     string `mapstructure:"type" yaml:"type"` // console | leveldb | kafka | memory
	Fallback string `mapstructure:"fallback" yaml:"fallback"`

	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
	Path   string `mapstructure:"path" yaml:"path"`

	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	Compression  string        `mapstructure:"compression" yaml:"compression"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`
}

// ─── Pipeline ───

type PipelineConfig struct {
	Workers   int    `mapstructure:"workers" yaml:"workers"`
	QueueSize int    `mapstructure:"queue_size" yaml:"queue_size"`
	Strategy  string `mapstructure:"strategy" yaml:"strategy"` // flow-hash | index | consistent-hash
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `recorder: ...`.
type configRoot struct {
	Recorder GlobalConfig `mapstructure:"recorder" yaml:"recorder"`
}

// Load reads path, applies RECORDER_* environment overrides and defaults,
// then validates. An empty path yields the defaults.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Key "recorder.log.level" maps to env "RECORDER_LOG_LEVEL".
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Recorder

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("recorder.log.level", "info")
	v.SetDefault("recorder.log.format", "json")
	v.SetDefault("recorder.log.outputs.file.enabled", false)
	v.SetDefault("recorder.log.outputs.file.path", "/var/log/recorder/recorder.log")
	v.SetDefault("recorder.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("recorder.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("recorder.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("recorder.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("recorder.metrics.enabled", false)
	v.SetDefault("recorder.metrics.listen", ":9091")
	v.SetDefault("recorder.metrics.path", "/metrics")

	// Capture defaults
	v.SetDefault("recorder.capture.source", "pcap")
	v.SetDefault("recorder.capture.ports", []uint16{8302})
	v.SetDefault("recorder.capture.snap_len", 65535)
	v.SetDefault("recorder.capture.buffer_size_mb", 64)
	v.SetDefault("recorder.capture.poll_timeout", "100ms")
	v.SetDefault("recorder.capture.idle_timeout", "10m")

	// Decoder defaults
	// pnet is on unless explicitly disabled; enabling it needs a key.
	v.SetDefault("recorder.decoder.pnet.enabled", true)
	v.SetDefault("recorder.decoder.pnet.key", "")
	v.SetDefault("recorder.decoder.pnet.chain_id", "")
	v.SetDefault("recorder.decoder.record_handshakes", false)
	v.SetDefault("recorder.decoder.limits.max_buffer", 8<<20)
	v.SetDefault("recorder.decoder.limits.max_frame", 1<<20)
	v.SetDefault("recorder.decoder.limits.max_message", 32<<20)
	v.SetDefault("recorder.decoder.limits.max_line", 1024)
	v.SetDefault("recorder.decoder.limits.max_depth", 64)

	// Key store defaults
	v.SetDefault("recorder.keys.capacity", 1<<16)

	// Sink defaults
	v.SetDefault("recorder.sink.type", "console")
	v.SetDefault("recorder.sink.compression", "snappy")
	v.SetDefault("recorder.sink.max_attempts", 3)
	v.SetDefault("recorder.sink.write_timeout", "10s")
	v.SetDefault("recorder.sink.batch_size", 100)
	v.SetDefault("recorder.sink.batch_timeout", "50ms")
	v.SetDefault("recorder.sink.queue_size", 10000)

	// Pipeline defaults
	v.SetDefault("recorder.pipeline.workers", 4)
	v.SetDefault("recorder.pipeline.queue_size", 1024)
	v.SetDefault("recorder.pipeline.strategy", "flow-hash")
}

// ValidateAndApplyDefaults checks cross-field constraints. Every failure
// wraps core.ErrConfiguration.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfiguration, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfiguration, cfg.Log.Format)
	}

	// ── Capture ──
	switch cfg.Capture.Source {
	case "pcap":
	case "live":
		if cfg.Capture.Device == "" {
			return fmt.Errorf("%w: capture.device is required for live capture", core.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unsupported capture.source: %s (must be pcap/live)", core.ErrConfiguration, cfg.Capture.Source)
	}
	for _, p := range cfg.Capture.Ports {
		if p == 0 {
			return fmt.Errorf("%w: capture.ports must not contain 0", core.ErrConfiguration)
		}
	}
	if cfg.Capture.BootTime != "" {
		if _, err := cfg.Capture.ParseBootTime(); err != nil {
			return err
		}
	}

	// ── Decoder ──
	if _, err := cfg.Decoder.PNet.PSK(); err != nil {
		return err
	}
	l := cfg.Decoder.Limits
	if l.MaxBuffer <= 0 || l.MaxFrame <= 0 || l.MaxMessage <= 0 || l.MaxLine <= 0 || l.MaxDepth <= 0 {
		return fmt.Errorf("%w: decoder.limits must all be positive", core.ErrConfiguration)
	}

	// ── Sink ──
	validSinks := map[string]bool{"console": true, "leveldb": true, "kafka": true, "memory": true}
	cfg.Sink.Type = strings.ToLower(cfg.Sink.Type)
	cfg.Sink.Fallback = strings.ToLower(cfg.Sink.Fallback)
	if !validSinks[cfg.Sink.Type] {
		return fmt.Errorf("%w: invalid sink.type: %s (must be console/leveldb/kafka/memory)", core.ErrConfiguration, cfg.Sink.Type)
	}
	if cfg.Sink.Fallback != "" && !validSinks[cfg.Sink.Fallback] {
		return fmt.Errorf("%w: invalid sink.fallback: %s", core.ErrConfiguration, cfg.Sink.Fallback)
	}
	if cfg.Sink.Type == "kafka" || cfg.Sink.Fallback == "kafka" {
		if len(cfg.Sink.Brokers) == 0 || cfg.Sink.Topic == "" {
			return fmt.Errorf("%w: sink.brokers and sink.topic are required for the kafka sink", core.ErrConfiguration)
		}
	}
	if (cfg.Sink.Type == "leveldb" || cfg.Sink.Fallback == "leveldb") && cfg.Sink.Path == "" {
		return fmt.Errorf("%w: sink.path is required for the leveldb sink", core.ErrConfiguration)
	}
	if cfg.Sink.Fallback == cfg.Sink.Type {
		cfg.Sink.Fallback = ""
	}

	// ── Pipeline ──
	if cfg.Pipeline.Workers <= 0 {
		return fmt.Errorf("%w: pipeline.workers must be positive", core.ErrConfiguration)
	}
	switch cfg.Pipeline.Strategy {
	case "", "flow-hash", "index", "consistent-hash":
	default:
		return fmt.Errorf("%w: invalid pipeline.strategy: %s (must be flow-hash/index/consistent-hash)", core.ErrConfiguration, cfg.Pipeline.Strategy)
	}
	return nil
}

// PSK resolves the private network key, or nil when the layer is disabled.
func (c PNetConfig) PSK() (*[32]byte, error) {
	if !c.Enabled {
		return nil, nil
	}
	switch {
	case c.Key != "":
		psk, err := pnet.ParseKey(c.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: decoder.pnet.key: %w", core.ErrConfiguration, err)
		}
		return psk, nil
	case c.ChainID != "":
		return pnet.KeyFromChainID(c.ChainID), nil
	default:
		return nil, fmt.Errorf("%w: decoder.pnet needs key or chain_id when enabled", core.ErrConfiguration)
	}
}

// ParseBootTime parses the boot time override; zero when unset.
func (c CaptureConfig) ParseBootTime() (time.Time, error) {
	if c.BootTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, c.BootTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: capture.boot_time: %w", core.ErrConfiguration, err)
	}
	return t, nil
}

// Dump renders cfg as YAML under the `recorder:` root.
func Dump(cfg *GlobalConfig) ([]byte, error) {
	return yaml.Marshal(configRoot{Recorder: *cfg})
}
