package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig 描述 Redis 会话存储的连接参数。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore 把会话记录整体序列化为一个 JSON 值写入单个键，
// SET 的原子性保证恢复时要么读到完整记录要么什么都读不到。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 会话存储实例。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agentpay:session"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) recordKey() string {
	return s.prefix + ":record"
}

// Save 实现 Store。记录不设置 TTL：过期由监视器负责，
// 记录的生命周期必须与撤销流程严格同步。
func (s *RedisStore) Save(ctx context.Context, record *Record) error {
	if record == nil {
		return errors.New("record 不能为空")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化会话记录失败: %w", err)
	}
	if err := s.client.Set(ctx, s.recordKey(), payload, 0).Err(); err != nil {
		return fmt.Errorf("写入会话记录失败: %w", err)
	}
	return nil
}

// Load 实现 Store。
func (s *RedisStore) Load(ctx context.Context) (*Record, error) {
	payload, err := s.client.Get(ctx, s.recordKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("读取会话记录失败: %w", err)
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("解析会话记录失败: %w", err)
	}
	return &record, nil
}

// Clear 实现 Store。
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.recordKey()).Err(); err != nil {
		return fmt.Errorf("删除会话记录失败: %w", err)
	}
	return nil
}

// SaveRecovery 实现 Store。恢复记录按会话 ID 单独成键并永久保留，
// 由运营人员处理完毕后手工删除。
func (s *RedisStore) SaveRecovery(ctx context.Context, record *RecoveryRecord) error {
	if record == nil || record.SessionID == "" {
		return errors.New("恢复记录不完整")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化恢复记录失败: %w", err)
	}
	key := s.prefix + ":recovery:" + record.SessionID
	if err := s.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("写入恢复记录失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
