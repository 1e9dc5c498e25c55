//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/you/pong/backend/internal/config"
	"github.com/you/pong/backend/internal/protocol"
)

// Helper functions to set up test containers

func startRedisContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func startPostgresContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "pong",
			"POSTGRES_PASSWORD": "pong",
			"POSTGRES_DB":       "pong",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://pong:pong@%s:%s/pong?sslmode=disable", host, port.Port())
}

// Helper function to clean Redis between tests
func cleanRedis(t *testing.T, redisAddr string) {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	defer client.Close()

	err := client.FlushAll(context.Background()).Err()
	require.NoError(t, err)
}

func serverConfig(redisAddr string) *config.Config {
	return &config.Config{
		Port:                 "0",
		Store:                config.StoreRedis,
		RedisAddr:            redisAddr,
		TickRate:             100,
		WinningScore:         1,
		RoundPause:           10 * time.Millisecond,
		BroadcastInterval:    50 * time.Millisecond,
		StatsRefreshInterval: 100 * time.Millisecond,
		CloseTimeout:         time.Second,
		ShutdownTimeout:      5 * time.Second,
	}
}

func dial(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// play reads messages until the final update, clearing the paddle on the
// first update so the serve gets through.
func play(conn *websocket.Conn, timeout time.Duration) (protocol.Update, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Update{}, err
	}

	cleared := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return protocol.Update{}, err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			return protocol.Update{}, err
		}

		u, ok := msg.(protocol.Update)
		if !ok {
			continue
		}
		if !cleared {
			cleared = true
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"id":0,"y":-100}`)); err != nil {
				return protocol.Update{}, err
			}
		}
		if u.State == protocol.StateGameOver {
			return u, nil
		}
	}
}
