package progress

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/redis"
)

func TestRedisBrokerPubSub(t *testing.T) {
	client := newRedisTestClient(t)
	b := NewRedisBroker(client, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, stop, err := b.Subscribe(ctx, 11)
	require.NoError(t, err)
	defer stop()

	// garbage on the channel is skipped
	require.NoError(t, client.Publish(ctx, ChannelName(11), []byte("not json")))
	want := Event{ConversationID: 11, MessageID: "m", Text: "4.", Status: models.StatusDone, At: time.Now().UTC().Truncate(time.Millisecond)}
	require.NoError(t, b.Publish(ctx, want))

	got := receive(t, ch)
	assert.Equal(t, want.MessageID, got.MessageID)
	assert.Equal(t, want.Text, got.Text)
	assert.Equal(t, want.Status, got.Status)
	assert.True(t, want.At.Equal(got.At))

	stop()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func newRedisTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed progress tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port, DB: db}})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}
