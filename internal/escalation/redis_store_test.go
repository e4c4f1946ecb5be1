package escalation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Agent/internal/errors"
)

// 需要真实 Redis，设置 OPENMCP_TEST_REDIS=127.0.0.1:6379 后运行。
func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("OPENMCP_TEST_REDIS")
	if addr == "" {
		t.Skip("OPENMCP_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	store, err := NewRedisStore(client, RedisStoreConfig{Prefix: "openmcp:test:" + uuid.NewString() + ":", TTL: time.Minute})
	require.NoError(t, err)
	return store
}

func TestRedisStoreLifecycle(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Publish(ctx, Request{CorrelationID: "x", TaskID: "t", Prompt: "p"}))
	_, resolved, err := store.Poll(ctx, "x")
	require.NoError(t, err)
	assert.False(t, resolved)

	req, err := store.Request(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "p", req.Prompt)

	require.NoError(t, store.Resolve(ctx, Response{RequestID: "x", Action: ActionDone}))
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(store.Resolve(ctx, Response{RequestID: "x", Action: ActionAbort})))

	action, resolved, err := store.Poll(ctx, "x")
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.Equal(t, ActionDone, action)

	require.NoError(t, store.Clear(ctx, "x"))
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(store.Resolve(ctx, Response{RequestID: "x", Action: ActionDone})))
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	_, err := NewRedisStore(nil, RedisStoreConfig{})
	assert.Error(t, err)
}
