package verifycode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	codeKeyPrefix    = "driverhire:verify:code:"
	reserveKeyPrefix = "driverhire:verify:"
)

// reserveLua 原子地执行冷却期与窗口次数检查。
// 返回 {allowed, wait_ms}：冷却期未过或窗口内次数用尽时 allowed 为 0。
const reserveLua = `
local cooldown_key = KEYS[1]
local window_key = KEYS[2]
local cooldown_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])

local cd = redis.call("PTTL", cooldown_key)
if cd > 0 then
  return {0, cd}
end

local count = tonumber(redis.call("GET", window_key) or "0")
if max_requests > 0 and count >= max_requests then
  local wttl = redis.call("PTTL", window_key)
  if wttl < 0 then
    wttl = window_ms
  end
  return {0, wttl}
end

count = redis.call("INCR", window_key)
if count == 1 then
  redis.call("PEXPIRE", window_key, window_ms)
end
if cooldown_ms > 0 then
  redis.call("SET", cooldown_key, "1", "PX", cooldown_ms)
end
return {1, 0}
`

type codeEntry struct {
	Code     string `json:"code"`
	IssuedAt int64  `json:"issued_at"` // unix 毫秒
}

// RedisStore 是 Store 的 redis 实现。
// 条目回收完全依赖键的过期时间，无需额外的清理任务。
type RedisStore struct {
	rdb    *redis.Client
	script *redis.Script
}

// NewRedisStore 创建 redis 存储。
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		script: redis.NewScript(reserveLua),
	}
}

func (s *RedisStore) GetCode(ctx context.Context, email string) (string, time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, codeKeyPrefix+email).Result()
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("verify get: %w", err)
	}

	var entry codeEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return "", time.Time{}, false, fmt.Errorf("verify decode: %w", err)
	}
	return entry.Code, time.UnixMilli(entry.IssuedAt), true, nil
}

func (s *RedisStore) SetCode(ctx context.Context, email, code string, issuedAt time.Time, keep time.Duration) error {
	raw, err := json.Marshal(codeEntry{Code: code, IssuedAt: issuedAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("verify encode: %w", err)
	}
	if err := s.rdb.Set(ctx, codeKeyPrefix+email, raw, keep).Err(); err != nil {
		return fmt.Errorf("verify set: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteCode(ctx context.Context, email string) error {
	if err := s.rdb.Del(ctx, codeKeyPrefix+email).Err(); err != nil {
		return fmt.Errorf("verify del: %w", err)
	}
	return nil
}

func (s *RedisStore) Reserve(ctx context.Context, kind, email string, cooldown, window time.Duration, max int) (time.Duration, bool, error) {
	keys := []string{
		reserveKeyPrefix + kind + ":cooldown:" + email,
		reserveKeyPrefix + kind + ":window:" + email,
	}
	res, err := s.script.Run(ctx, s.rdb, keys,
		cooldown.Milliseconds(), window.Milliseconds(), max).Result()
	if err != nil {
		return 0, false, fmt.Errorf("reserve eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return 0, false, errors.New("reserve invalid result")
	}

	allowed := toInt64(values[0]) == 1
	waitMs := toInt64(values[1])
	return time.Duration(waitMs) * time.Millisecond, allowed, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}
