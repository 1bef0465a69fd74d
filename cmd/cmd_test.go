package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		configFile = ""
		validatePrint = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
recorder:
  capture:
    ports: [8302, 8303]
  decoder:
    pnet:
      enabled: true
      chain_id: testnet
`), 0o644))

	out, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Equal(t, "VALID: source pcap, 2 port(s), pnet true, sink console, 4 worker(s)\n", out)

	out, err = execute(t, "validate", "-c", path, "--print")
	require.NoError(t, err)
	assert.Contains(t, out, "recorder:")
	assert.Contains(t, out, "chain_id: testnet")
}

func TestValidateRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recorder.yml")
	require.NoError(t, os.WriteFile(path, []byte("recorder:\n  pipeline:\n    workers: -1\n"), 0o644))

	out, err := execute(t, "validate", "-c", path)
	assert.Error(t, err)
	assert.Contains(t, out, "INVALID")
}

func TestReplayNeedsFile(t *testing.T) {
	_, err := execute(t, "replay")
	assert.Error(t, err)
}
