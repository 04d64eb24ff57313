// internal/pkg/idempotency/guard.go
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAPI 是 Guard 依赖的最小 Redis 能力，*redis.Client 天然满足。
type redisAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Guard 是 TTL 约束下的 exactly-once-apply 标记：
// (consumer, correlationID) 维度上第一个写入者获胜，其余调用方视为已应用。
// 这是对分布式互斥的近似——消费方必须在标记存在期间把重复投递当成功处理。
type Guard struct {
	client redisAPI
	ttl    time.Duration
}

// NewGuard 创建一个幂等守卫。ttl 应大于消息可能被重投的最长窗口。
func NewGuard(client *redis.Client, ttl time.Duration) *Guard {
	return &Guard{client: client, ttl: ttl}
}

// newGuardWithAPI 供测试注入假 Redis。
func newGuardWithAPI(client redisAPI, ttl time.Duration) *Guard {
	return &Guard{client: client, ttl: ttl}
}

func (g *Guard) key(consumer, correlationID string) string {
	return fmt.Sprintf("idem:{%s}:%s", consumer, correlationID)
}

// Acquire 尝试写入标记。返回 false 表示标记已存在（操作已被应用过）。
func (g *Guard) Acquire(ctx context.Context, consumer, correlationID string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(consumer, correlationID), time.Now().UnixMilli(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency acquire failed for %s/%s: %w", consumer, correlationID, err)
	}
	return ok, nil
}

// Release 删除标记。只用于"获取成功但应用失败"的回滚路径，
// 让下一次重投有机会重新应用。
func (g *Guard) Release(ctx context.Context, consumer, correlationID string) error {
	if err := g.client.Del(ctx, g.key(consumer, correlationID)).Err(); err != nil {
		return fmt.Errorf("idempotency release failed for %s/%s: %w", consumer, correlationID, err)
	}
	return nil
}
