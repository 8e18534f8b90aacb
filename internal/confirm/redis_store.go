package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"A2A-Advisory/internal/capability"
	xerrors "A2A-Advisory/internal/errors"
)

// RedisStoreConfig 描述 Redis 确认存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// Retention 是已决断记录的保留时长，保证过期与幂等回放都可观察。
	Retention time.Duration
}

// RedisStore 把确认状态保存在 Redis hash 中，多实例部署时共享。
// 状态迁移通过 Lua 脚本获得原子的 check-and-set 语义。
//
// TTL 策略：键的物理过期时间取 ExpiresAt 加保留时长，提案过期判定依据
// hash 内的 expires_at 字段惰性完成。这样过期令牌在保留期内仍能返回
// Expired 而不是凭空消失，已执行的结果也能支撑幂等回放。
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
	now       func() time.Time
}

var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == false then
  return {-1, ''}
end
if cur == ARGV[1] then
  if cur == 'awaiting_approval' then
    local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
    if exp ~= nil and tonumber(ARGV[3]) > exp then
      redis.call('HSET', KEYS[1], 'status', 'expired')
      return {-2, 'expired'}
    end
  end
  redis.call('HSET', KEYS[1], 'status', ARGV[2])
  return {1, ARGV[2]}
end
return {0, cur}
`)

var completeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == false then
  return {-1, ''}
end
if cur == 'executing' then
  redis.call('HSET', KEYS[1], 'status', ARGV[1], 'outcome', ARGV[2], 'failure_reason', ARGV[3])
  return {1, ARGV[1]}
end
return {0, cur}
`)

// NewRedisStore 创建 Redis 确认存储并验证连通性。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "advisory:confirm:"
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{
		client:    client,
		keyPrefix: prefix,
		retention: retention,
		now:       time.Now,
	}, nil
}

// WithClock 替换时间源，仅用于测试。
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *RedisStore) key(token string) string {
	return s.keyPrefix + token
}

// Put 写入一条新的确认记录。
func (s *RedisStore) Put(ctx context.Context, confirmation *Confirmation) error {
	if confirmation == nil || confirmation.Token == "" {
		return xerrors.New(xerrors.CodeValidationFailed, "确认记录缺少令牌")
	}
	orderJSON, err := json.Marshal(confirmation.Order)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化交易委托失败")
	}

	key := s.key(confirmation.Token)
	created, err := s.client.HSetNX(ctx, key, "token", confirmation.Token).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入确认记录失败")
	}
	if !created {
		return xerrors.New(xerrors.CodeConflict, "确认令牌已存在")
	}

	fields := map[string]any{
		"correlation_id": confirmation.CorrelationID,
		"order":          string(orderJSON),
		"fingerprint":    confirmation.Fingerprint,
		"status":         string(confirmation.Status),
		"outcome":        string(confirmation.Outcome),
		"failure_reason": confirmation.FailureReason,
		"created_at":     confirmation.CreatedAt,
		"expires_at":     confirmation.ExpiresAt,
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入确认记录失败")
	}

	physical := time.Unix(confirmation.ExpiresAt, 0).Add(s.retention).Sub(s.now())
	if physical > 0 {
		if err := s.client.PExpire(ctx, key, physical).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置确认过期失败")
		}
	}
	return nil
}

// Get 返回令牌对应的确认记录。
func (s *RedisStore) Get(ctx context.Context, token string) (*Confirmation, error) {
	entry, err := s.fetch(ctx, token)
	if err != nil {
		return nil, err
	}
	if entry.Status == StatusAwaitingApproval && s.now().Unix() > entry.ExpiresAt {
		// 惰性过期。脚本自身也会判过期，其余 CAS 失败说明有并发决断。
		_, casErr := s.Transition(ctx, token, StatusAwaitingApproval, StatusExpired)
		if casErr == nil || errors.Is(casErr, ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return s.Get(ctx, token)
	}
	return entry, nil
}

// Transition 以 Lua 脚本原子地迁移状态。脚本内同时判定提案过期：
// 待审批记录的 expires_at 已过时迁移被拒绝，记录落入 expired。
func (s *RedisStore) Transition(ctx context.Context, token string, from, to Status) (*Confirmation, error) {
	raw, err := transitionScript.Run(ctx, s.client, []string{s.key(token)},
		string(from), string(to), s.now().Unix()).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "确认状态迁移失败")
	}
	return s.afterScript(ctx, token, raw)
}

// Complete 原子地写入执行类终态与结果。
func (s *RedisStore) Complete(ctx context.Context, token string, to Status, outcome json.RawMessage, reason string) (*Confirmation, error) {
	if to != StatusExecuted && to != StatusExecutionFailed {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "Complete 仅接受执行类终态")
	}
	raw, err := completeScript.Run(ctx, s.client, []string{s.key(token)},
		string(to), string(outcome), reason).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入执行结果失败")
	}
	return s.afterScript(ctx, token, raw)
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) afterScript(ctx context.Context, token string, raw any) (*Confirmation, error) {
	reply, ok := raw.([]any)
	if !ok || len(reply) != 2 {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "确认脚本返回结构非法")
	}
	flag, _ := reply[0].(int64)
	switch flag {
	case -1:
		return nil, ErrTokenNotFound
	case -2:
		return nil, ErrTokenExpired
	case 1:
		return s.fetch(ctx, token)
	default:
		entry, err := s.fetch(ctx, token)
		if err != nil {
			return nil, err
		}
		return entry, ErrStaleTransition
	}
}

func (s *RedisStore) fetch(ctx context.Context, token string) (*Confirmation, error) {
	values, err := s.client.HGetAll(ctx, s.key(token)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取确认记录失败")
	}
	if len(values) == 0 {
		return nil, ErrTokenNotFound
	}

	entry := &Confirmation{
		Token:         token,
		CorrelationID: values["correlation_id"],
		Fingerprint:   values["fingerprint"],
		Status:        Status(values["status"]),
		FailureReason: values["failure_reason"],
	}
	if raw := values["order"]; raw != "" {
		var order capability.Order
		if err := json.Unmarshal([]byte(raw), &order); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易委托失败")
		}
		entry.Order = order
	}
	if raw := values["outcome"]; raw != "" {
		entry.Outcome = json.RawMessage(raw)
	}
	entry.CreatedAt, _ = strconv.ParseInt(values["created_at"], 10, 64)
	entry.ExpiresAt, _ = strconv.ParseInt(values["expires_at"], 10, 64)
	return entry, nil
}

var _ Store = (*RedisStore)(nil)
