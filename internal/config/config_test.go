package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Empty(t, cfg.PostgresDSN)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 30, cfg.TickRate)
	assert.Equal(t, 11, cfg.WinningScore)
	assert.Equal(t, 2*time.Second, cfg.RoundPause)
	assert.Equal(t, 100*time.Millisecond, cfg.BroadcastInterval)
	assert.Equal(t, time.Second, cfg.CloseTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("TICK_RATE", "60")
	t.Setenv("BROADCAST_INTERVAL", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 60, cfg.TickRate)
	assert.Equal(t, 250*time.Millisecond, cfg.BroadcastInterval)
}

func TestLoad_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{name: "unknown store", key: "STORE", val: "etcd"},
		{name: "zero tick rate", key: "TICK_RATE", val: "0"},
		{name: "negative winning score", key: "WINNING_SCORE", val: "-1"},
		{name: "not a number", key: "TICK_RATE", val: "fast"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadConsumer(t *testing.T) {
	cfg, err := LoadConsumer()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "pong-analytics", cfg.KafkaGroupID)
	assert.Equal(t, 30*time.Second, cfg.ReportInterval)

	t.Setenv("REPORT_INTERVAL", "0s")
	_, err = LoadConsumer()
	assert.Error(t, err)
}
