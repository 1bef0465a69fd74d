package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/recorder/internal/connection/pnet"
	"firestige.xyz/recorder/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recorder.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// withChainID supplies the one setting the defaults cannot.
func withChainID(t *testing.T) {
	t.Setenv("RECORDER_DECODER_PNET_CHAIN_ID", "testnet")
}

func TestLoadDefaults(t *testing.T) {
	withChainID(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "pcap", cfg.Capture.Source)
	assert.Equal(t, []uint16{8302}, cfg.Capture.Ports)
	assert.Equal(t, 100*time.Millisecond, cfg.Capture.PollTimeout)
	assert.Equal(t, 1<<20, cfg.Decoder.Limits.MaxFrame)
	assert.True(t, cfg.Decoder.PNet.Enabled)
	assert.Equal(t, "testnet", cfg.Decoder.PNet.ChainID)
	assert.Equal(t, "console", cfg.Sink.Type)
	assert.Equal(t, 50*time.Millisecond, cfg.Sink.BatchTimeout)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, "flow-hash", cfg.Pipeline.Strategy)
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
recorder:
  log:
    level: debug
    format: text
  capture:
    source: pcap
    path: /tmp/trace.pcapng
    ports: [8302, 8303]
    idle_timeout: 30s
  decoder:
    pnet:
      enabled: true
      chain_id: "5f704cc0c82e0ed70e873f0893d7e06f148524e3f0bdae2afb02e7819a0c24d1"
    record_handshakes: true
    limits:
      max_frame: 4096
  sink:
    type: leveldb
    path: /tmp/records
    batch_size: 10
  pipeline:
    workers: 2
    strategy: index
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, []uint16{8302, 8303}, cfg.Capture.Ports)
	assert.Equal(t, 30*time.Second, cfg.Capture.IdleTimeout)
	assert.True(t, cfg.Decoder.RecordHandshakes)
	assert.Equal(t, 4096, cfg.Decoder.Limits.MaxFrame)
	// Unset limits keep their defaults.
	assert.Equal(t, 1024, cfg.Decoder.Limits.MaxLine)
	assert.Equal(t, "leveldb", cfg.Sink.Type)
	assert.Equal(t, 10, cfg.Sink.BatchSize)
	assert.Equal(t, 2, cfg.Pipeline.Workers)

	psk, err := cfg.Decoder.PNet.PSK()
	require.NoError(t, err)
	assert.Equal(t, pnet.KeyFromChainID(cfg.Decoder.PNet.ChainID), psk)
}

func TestPNetNeedsKey(t *testing.T) {
	_, err := Load("")
	assert.ErrorIs(t, err, core.ErrConfiguration)

	cfg, err := Load(writeConfig(t, "recorder:\n  decoder:\n    pnet:\n      enabled: false\n"))
	require.NoError(t, err)
	psk, err := cfg.Decoder.PNet.PSK()
	require.NoError(t, err)
	assert.Nil(t, psk)

	t.Setenv("RECORDER_DECODER_PNET_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	cfg, err = Load("")
	require.NoError(t, err)
	psk, err = cfg.Decoder.PNet.PSK()
	require.NoError(t, err)
	assert.Equal(t, byte(0x11), psk[1])
}

func TestEnvOverride(t *testing.T) {
	withChainID(t)
	t.Setenv("RECORDER_LOG_LEVEL", "warn")
	t.Setenv("RECORDER_PIPELINE_WORKERS", "8")
	cfg, err := Load(writeConfig(t, "recorder:\n  log:\n    level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		// noKey leaves the pnet key unset.
		noKey bool
	}{
		{"log level", "recorder:\n  log:\n    level: trace\n", false},
		{"log format", "recorder:\n  log:\n    format: xml\n", false},
		{"capture source", "recorder:\n  capture:\n    source: netflow\n", false},
		{"live without device", "recorder:\n  capture:\n    source: live\n", false},
		{"zero port", "recorder:\n  capture:\n    ports: [0]\n", false},
		{"boot time", "recorder:\n  capture:\n    boot_time: yesterday\n", false},
		{"pnet without key", "recorder:\n  decoder:\n    pnet:\n      enabled: true\n", true},
		{"pnet bad key", "recorder:\n  decoder:\n    pnet:\n      enabled: true\n      key: abcd\n", true},
		{"limits", "recorder:\n  decoder:\n    limits:\n      max_line: -1\n", false},
		{"kafka without topic", "recorder:\n  sink:\n    type: kafka\n    brokers: [localhost:9092]\n", false},
		{"leveldb without path", "recorder:\n  sink:\n    type: leveldb\n", false},
		{"unknown sink", "recorder:\n  sink:\n    type: redis\n", false},
		{"unknown fallback", "recorder:\n  sink:\n    fallback: s3\n", false},
		{"workers", "recorder:\n  pipeline:\n    workers: 0\n", false},
		{"strategy", "recorder:\n  pipeline:\n    strategy: round-robin\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.noKey {
				withChainID(t)
			}
			_, err := Load(writeConfig(t, tt.content))
			assert.ErrorIs(t, err, core.ErrConfiguration)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestParseBootTime(t *testing.T) {
	c := CaptureConfig{BootTime: "2024-05-01T12:00:00Z"}
	boot, err := c.ParseBootTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), boot)

	boot, err = CaptureConfig{}.ParseBootTime()
	require.NoError(t, err)
	assert.True(t, boot.IsZero())
}

func TestDump(t *testing.T) {
	withChainID(t)
	cfg, err := Load("")
	require.NoError(t, err)
	out, err := Dump(cfg)
	require.NoError(t, err)

	var back map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(out, &back))
	require.Contains(t, back, "recorder")
	assert.Contains(t, back["recorder"], "decoder")
	assert.Contains(t, string(out), "poll_timeout: 100ms")
}
