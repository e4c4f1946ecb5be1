package task

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要真实 Redis，设置 OPENMCP_TEST_REDIS=127.0.0.1:6379 后运行。
func newRedisQueue(t *testing.T) (*RedisQueue, *redis.Client) {
	t.Helper()
	addr := os.Getenv("OPENMCP_TEST_REDIS")
	if addr == "" {
		t.Skip("OPENMCP_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	key := "openmcp:test:" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), key, key+":processing") })
	return NewRedisQueue(client, key, 100*time.Millisecond), client
}

func TestRedisQueueRedeliversFailedDispatch(t *testing.T) {
	queue, client := newRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, queue.Publish(ctx, Dispatch{TaskID: "t-1", Attempt: 1}))

	var calls atomic.Int32
	err := queue.Consume(ctx, 2, func(_ context.Context, d Dispatch) error {
		assert.Equal(t, "t-1", d.TaskID)
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), calls.Load())

	pending, err := client.LLen(context.Background(), queue.processing).Result()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRedisQueueRecoversUnacked(t *testing.T) {
	queue, client := newRedisQueue(t)
	body, err := encodeDispatch(Dispatch{TaskID: "orphan", Attempt: 2})
	require.NoError(t, err)
	require.NoError(t, client.LPush(context.Background(), queue.processing, body).Err())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got Dispatch
	_ = queue.Consume(ctx, 1, func(_ context.Context, d Dispatch) error {
		got = d
		cancel()
		return nil
	})
	assert.Equal(t, Dispatch{TaskID: "orphan", Attempt: 2}, got)
}
