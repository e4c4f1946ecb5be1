package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Agent/internal/errors"
)

const pendingValue = "pending"

// resolveScript 仅在请求仍处于 pending 时写入决策并保留原有 TTL。
// 返回 1 表示成功，0 表示已被决策，-1 表示请求不存在。
var resolveScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  return -1
end
if current ~= ARGV[2] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'KEEPTTL')
return 1
`)

// RedisStoreConfig 描述 Redis 存储参数。
type RedisStoreConfig struct {
	Prefix string
	// TTL 应大于等待超时，过期的请求无法再被决策。
	TTL time.Duration
}

// RedisStore 使用 Redis 保存请求，允许 API 进程与执行进程分离部署。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore 创建 Redis 存储。
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "openmcp:escalation:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTimeout + time.Minute
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) key(id string) string     { return s.prefix + id }
func (s *RedisStore) metaKey(id string) string { return s.prefix + id + ":request" }

// Publish 实现 Store 接口。
func (s *RedisStore) Publish(ctx context.Context, req Request) error {
	encoded, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("序列化人工介入请求失败: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(req.CorrelationID), pendingValue, s.ttl)
	pipe.Set(ctx, s.metaKey(req.CorrelationID), encoded, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记人工介入请求失败")
	}
	return nil
}

// Poll 实现 Store 接口。
func (s *RedisStore) Poll(ctx context.Context, id string) (Action, bool, error) {
	value, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取人工介入状态失败")
	}
	if value == pendingValue {
		return "", false, nil
	}
	return Action(value), true, nil
}

// Resolve 实现 Store 接口。
func (s *RedisStore) Resolve(ctx context.Context, resp Response) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	res, err := resolveScript.Run(ctx, s.client, []string{s.key(resp.RequestID)}, string(resp.Action), pendingValue).Int()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交人工介入决策失败")
	}
	switch res {
	case 1:
		return nil
	case 0:
		return errResolved(resp.RequestID)
	default:
		return errNotFound(resp.RequestID)
	}
}

// Clear 实现 Store 接口。
func (s *RedisStore) Clear(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id), s.metaKey(id)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理人工介入请求失败")
	}
	return nil
}

// Request 返回已登记请求的详情。
func (s *RedisStore) Request(ctx context.Context, id string) (Request, error) {
	raw, err := s.client.Get(ctx, s.metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Request{}, errNotFound(id)
	}
	if err != nil {
		return Request{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取人工介入请求失败")
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("解析人工介入请求失败: %w", err)
	}
	return req, nil
}
