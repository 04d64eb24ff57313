// internal/service/promotion/infrastructure/redis_allocation_store.go
package infrastructure

import (
	"context"
	"errors"
	"fmt"

	"hanghae/internal/pkg/redis"
	"hanghae/internal/service/promotion/domain"

	goredis "github.com/redis/go-redis/v9"
)

const allocateScriptName = "coupon_allocate"

// RedisAllocationStore 是 port.AllocationStore 的 Redis 实现。
// 整个"查成员 → 记成员 → 加计数 → 超量回滚"序列放在一段 Lua 脚本里，
// Redis 单线程执行脚本，天然保证步骤不被并发请求交错。
type RedisAllocationStore struct {
	redisClient *redis.Client
	totals      couponTotals
}

// couponTotals 提供每个优惠券的总量（脚本的 ARGV 之一）。
type couponTotals interface {
	TotalQuantity(ctx context.Context, couponID string) (int64, error)
}

// NewRedisAllocationStore 创建分配存储适配器，并在创建时加载 Lua 脚本。
func NewRedisAllocationStore(redisClient *redis.Client, totals couponTotals) (*RedisAllocationStore, error) {
	if err := redisClient.LoadScriptFromContent(allocateScriptName, allocateScript); err != nil {
		return nil, fmt.Errorf("failed to load critical coupon allocate script: %w", err)
	}
	return &RedisAllocationStore{
		redisClient: redisClient,
		totals:      totals,
	}, nil
}

// 同一优惠券的 key 使用相同 hash tag，保证在 Redis Cluster 下落到同一 slot。
func issuedSetKey(couponID string) string {
	return fmt.Sprintf("coupon:issued:{%s}", couponID)
}

func issuedCountKey(couponID string) string {
	return fmt.Sprintf("coupon:count:{%s}", couponID)
}

// TryAllocate 执行一次原子分配尝试。
func (s *RedisAllocationStore) TryAllocate(ctx context.Context, couponID, userID string) (domain.AllocationOutcome, error) {
	total, err := s.totals.TotalQuantity(ctx, couponID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve total quantity for coupon %s: %w", couponID, err)
	}

	keys := []string{issuedSetKey(couponID), issuedCountKey(couponID)}
	result, err := s.redisClient.RunScript(ctx, allocateScriptName, keys, userID, total)
	if err != nil {
		return 0, fmt.Errorf("allocation store failed to run script: %w", err)
	}

	code, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from Lua script: %T", result)
	}

	switch code {
	case 1:
		return domain.OutcomeAllocated, nil
	case 0:
		return domain.OutcomeSoldOut, nil
	case 2:
		return domain.OutcomeAlreadyIssued, nil
	default:
		return 0, fmt.Errorf("unknown result code from allocate script: %d", code)
	}
}

// Release 补偿一次分配：移除成员并归还名额。
func (s *RedisAllocationStore) Release(ctx context.Context, couponID, userID string) error {
	pipe := s.redisClient.GetClient().TxPipeline()
	pipe.SRem(ctx, issuedSetKey(couponID), userID)
	pipe.Decr(ctx, issuedCountKey(couponID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release allocation for coupon %s user %s: %w", couponID, userID, err)
	}
	return nil
}

// PrepareCoupon (管理和测试用) 初始化优惠券的计数器与成员集合。
func (s *RedisAllocationStore) PrepareCoupon(ctx context.Context, couponID string, totalQuantity int64) error {
	pipe := s.redisClient.GetClient().Pipeline()
	pipe.Set(ctx, issuedCountKey(couponID), 0, 0)
	pipe.Del(ctx, issuedSetKey(couponID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to prepare coupon %s: %w", couponID, err)
	}
	return nil
}

// Remaining 返回当前剩余名额。
func (s *RedisAllocationStore) Remaining(ctx context.Context, couponID string) (int64, error) {
	total, err := s.totals.TotalQuantity(ctx, couponID)
	if err != nil {
		return 0, err
	}
	issued, err := s.redisClient.GetClient().Get(ctx, issuedCountKey(couponID)).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("failed to read issued count for coupon %s: %w", couponID, err)
	}
	remaining := total - issued
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

var allocateScript = `
-- KEYS[1]: 已领取用户集合, 例如: coupon:issued:{coupon_123}
-- KEYS[2]: 已发放计数器, 例如: coupon:count:{coupon_123}
-- ARGV[1]: 当前请求的用户 ID
-- ARGV[2]: 优惠券总量

-- 1. 用户已领取过则直接返回
if redis.call('sismember', KEYS[1], ARGV[1]) == 1 then
    return 2 -- 重复领取
end

-- 2. 先占座：把用户写进集合
redis.call('sadd', KEYS[1], ARGV[1])

-- 3. 计数自增并校验总量
local issued = redis.call('incr', KEYS[2])
if issued > tonumber(ARGV[2]) then
    -- 4. 超量：回滚占座与计数
    redis.call('srem', KEYS[1], ARGV[1])
    redis.call('decr', KEYS[2])
    return 0 -- 已售罄
end

return 1 -- 领取成功
`
