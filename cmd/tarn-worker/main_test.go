package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/tarn/internal/transport"
	"github.com/seantiz/tarn/internal/worker"
)

func TestParseWorkerConfig(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		expectError bool
		expected    *workerConfig
	}{
		{
			name: "defaults",
			args: []string{"cellpose"},
			expected: &workerConfig{
				Environment: "cellpose",
				Network:     transport.NetworkTCP,
				LogLevel:    "INFO",
			},
		},
		{
			name: "all flags",
			args: []string{"cellpose", "--network", "vsock", "--port", "5000", "--log-level", "debug", "--log-file", "/tmp/w.log"},
			expected: &workerConfig{
				Environment: "cellpose",
				Network:     transport.NetworkVsock,
				Port:        5000,
				LogLevel:    "debug",
				LogFile:     "/tmp/w.log",
			},
		},
		{
			name:        "unsupported network",
			args:        []string{"cellpose", "--network", "udp"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TARN_NETWORK", "")
			t.Setenv("TARN_LOG_LEVEL", "")

			cmd := newRootCmd()
			require.NoError(t, cmd.ParseFlags(tt.args))

			wc, err := parseWorkerConfig(cmd, cmd.Flags().Args())
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, wc)
		})
	}
}

func TestRootCmdRequiresEnvironment(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "environments.log")
	var stderr bytes.Buffer

	logger, closeLog, err := newLogger(&workerConfig{Environment: "cellpose", LogLevel: "info", LogFile: path}, &stderr)
	require.NoError(t, err)
	logger.Info("worker listening", "port", 4000)
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, stderr.String(), string(data))

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	assert.Equal(t, "cellpose", entry["environment"])
	assert.Equal(t, "worker listening", entry["msg"])
}

func TestNewLoggerStderrOnly(t *testing.T) {
	var stderr bytes.Buffer
	logger, closeLog, err := newLogger(&workerConfig{Environment: "cellpose", LogLevel: "warn"}, &stderr)
	require.NoError(t, err)
	defer closeLog()

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "shown")
}

func TestLaunchToken(t *testing.T) {
	t.Setenv(worker.TokenEnv, "")
	_, err := launchToken()
	assert.ErrorContains(t, err, worker.TokenEnv)

	t.Setenv(worker.TokenEnv, "abc123")
	token, err := launchToken()
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)
	_, set := os.LookupEnv(worker.TokenEnv)
	assert.False(t, set, "token left in the environment")
}

func TestRunWorkerRequiresToken(t *testing.T) {
	t.Setenv(worker.TokenEnv, "")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"cellpose"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.ErrorContains(t, cmd.Execute(), worker.TokenEnv)
}
