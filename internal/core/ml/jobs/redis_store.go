package jobs

import (
	"context"
	"fmt"
	"time"

	"nutriwise-ml/internal/infrastructure/config"
	"nutriwise-ml/internal/pkg/common"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	jobKeyPrefix = "nutriwise:job:"
	jobIndexKey  = "nutriwise:jobs"
)

// RedisStore 以 Redis 保存任務狀態，重啟後仍可查詢
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore 連線 Redis，無法連線時回傳錯誤
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 測試連接
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	common.LogInfo("Redis 任務狀態已連線", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return &RedisStore{client: client, ttl: cfg.JobTTL}, nil
}

// generateKey 生成任務鍵
func (s *RedisStore) generateKey(id string) string {
	return jobKeyPrefix + id
}

// Save 寫入任務並更新建立時間索引
func (s *RedisStore) Save(ctx context.Context, job *Job) error {
	data, err := common.ToJSON(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.generateKey(job.ID), data, s.ttl)
	pipe.ZAdd(ctx, jobIndexKey, &redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// Get 查詢任務，不存在或已過期時回傳 nil
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, s.generateKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job Job
	if err := common.ParseJSONBytes(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// List 依建立時間由新到舊列出，順便清除已過期的索引
func (s *RedisStore) List(ctx context.Context) ([]*Job, error) {
	ids, err := s.client.ZRevRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	out := make([]*Job, 0, len(ids))
	var expired []interface{}
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			expired = append(expired, id)
			continue
		}
		out = append(out, job)
	}

	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, jobIndexKey, expired...).Err(); err != nil {
			common.LogWarn("清除過期任務索引失敗", zap.Error(err))
		}
	}
	return out, nil
}

// Close 關閉連線
func (s *RedisStore) Close() error {
	return s.client.Close()
}
