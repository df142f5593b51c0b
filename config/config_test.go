package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	require.False(t, cfg.RequireAuth)
	require.Equal(t, 8, cfg.Relay.DefaultCapacity)
	require.Equal(t, 60*time.Second, cfg.Relay.PongWait)
	require.Equal(t, 54*time.Second, cfg.Relay.PingInterval)
	require.Equal(t, 15*time.Second, cfg.Client.AnswerTimeout)
	require.Equal(t, 5*time.Second, cfg.Client.DisconnectGrace)
	require.Len(t, cfg.Client.ICEServers, 2)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("REQUIRE_AUTH", "true")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("ROOM_DEFAULT_CAPACITY", "4")
	t.Setenv("WS_PONG_WAIT", "10s")
	t.Setenv("WS_PING_INTERVAL", "30s")
	t.Setenv("SPEAKER_THRESHOLD", "0.1")
	t.Setenv("ANSWER_TIMEOUT", "0s")

	cfg := Load()

	require.Equal(t, "9000", cfg.Port)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	require.True(t, cfg.RequireAuth)
	require.False(t, cfg.Redis.Enabled)
	require.Equal(t, 4, cfg.Relay.DefaultCapacity)
	require.Equal(t, 10*time.Second, cfg.Relay.PongWait)
	// ping must stay inside the pong window
	require.Equal(t, 9*time.Second, cfg.Relay.PingInterval)
	require.InDelta(t, 0.1, cfg.Client.SpeakerThreshold, 1e-9)
	require.Zero(t, cfg.Client.AnswerTimeout)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("ROOM_DEFAULT_CAPACITY", "many")
	t.Setenv("REQUIRE_AUTH", "perhaps")
	t.Setenv("JOIN_TIMEOUT", "soon")

	cfg := Load()

	require.Equal(t, 8, cfg.Relay.DefaultCapacity)
	require.False(t, cfg.RequireAuth)
	require.Equal(t, 15*time.Second, cfg.Relay.JoinTimeout)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(&Config{Environment: "production"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger, err = NewLogger(&Config{Environment: "development"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}
