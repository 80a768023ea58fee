package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		unset        bool
		defaultValue int
		expected     int
	}{
		{name: "valid integer value", envValue: "42", defaultValue: 10, expected: 42},
		{name: "zero value", envValue: "0", defaultValue: 10, expected: 0},
		{name: "negative value", envValue: "-5", defaultValue: 10, expected: -5},
		{name: "invalid value returns default", envValue: "not-a-number", defaultValue: 10, expected: 10},
		{name: "unset value returns default", unset: true, defaultValue: 10, expected: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_MEW_INT_" + tt.name
			if tt.unset {
				_ = os.Unsetenv(key)
			} else {
				_ = os.Setenv(key, tt.envValue)
				defer func() { _ = os.Unsetenv(key) }()
			}
			assert.Equal(t, tt.expected, getEnvInt(key, tt.defaultValue))
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		unset        bool
		defaultValue time.Duration
		expected     time.Duration
	}{
		{name: "seconds", envValue: "30s", defaultValue: time.Minute, expected: 30 * time.Second},
		{name: "complex", envValue: "1h30m", defaultValue: time.Minute, expected: time.Hour + 30*time.Minute},
		{name: "invalid returns default", envValue: "nope", defaultValue: time.Minute, expected: time.Minute},
		{name: "unset returns default", unset: true, defaultValue: time.Minute, expected: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_MEW_DUR_" + tt.name
			if tt.unset {
				_ = os.Unsetenv(key)
			} else {
				_ = os.Setenv(key, tt.envValue)
				defer func() { _ = os.Unsetenv(key) }()
			}
			assert.Equal(t, tt.expected, getEnvDuration(key, tt.defaultValue))
		})
	}
}

func TestLoad_ParsesTopicsAndParticipants(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	doc := `
listen_addr: ":8080"
topics:
  - name: room-one
    history_limit: 200
    grant_ack_timeout: 45s
    participants:
      - id: admin
        tokens: ["admin-token"]
        capabilities:
          - kind: "capability/grant"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	g, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", g.ListenAddr)
	require.Len(t, g.Topics, 1)
	assert.Equal(t, "room-one", g.Topics[0].Name)
	assert.Equal(t, 200, g.Topics[0].HistoryLimit)
	assert.Equal(t, 45*time.Second, g.Topics[0].GrantAckTimeout.Duration)
	require.Len(t, g.Topics[0].Participants, 1)
	assert.Equal(t, "admin", g.Topics[0].Participants[0].ID)
}

func TestLoad_RejectsDuplicateTopicNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	doc := `
listen_addr: ":8080"
topics:
  - name: dup
    participants: []
  - name: dup
    participants: []
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate topic name")
}

func TestLoad_EnvOverridesListenAddr(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	doc := `
listen_addr: ":8080"
topics:
  - name: room
    participants: []
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	require.NoError(t, os.Setenv("MEW_GATEWAY_LISTEN_ADDR", ":9090"))
	defer func() { _ = os.Unsetenv("MEW_GATEWAY_LISTEN_ADDR") }()

	g, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", g.ListenAddr)
}
