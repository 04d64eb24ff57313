// internal/service/inventory/application/sweeper.go
package application

import (
	"context"
	"time"

	"hanghae/internal/pkg/logger"
)

// DistLock 抽象了清扫任务的选主锁，由 zookeeper 分布式锁实现。
type DistLock interface {
	Lock() error
	Unlock() error
}

// ExpirySweeper 周期性释放过期预占。
// 预占过期不靠单笔定时器，而是由清扫统一兜底；
// 集群内通过分布式锁保证同一时刻只有一个实例在清扫。
type ExpirySweeper struct {
	ledger    *InventoryLedger
	lock      DistLock // 可为 nil（单实例部署）
	interval  time.Duration
	batchSize int
}

func NewExpirySweeper(ledger *InventoryLedger, lock DistLock, interval time.Duration) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirySweeper{
		ledger:    ledger,
		lock:      lock,
		interval:  interval,
		batchSize: 200,
	}
}

// Run 阻塞运行清扫循环，直到 ctx 取消。
func (s *ExpirySweeper) Run(ctx context.Context) {
	logger.Ctx(ctx).Info().Dur("interval", s.interval).Msg("✅ Reservation expiry sweeper started.")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Reservation expiry sweeper shutting down.")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *ExpirySweeper) sweepOnce(ctx context.Context) {
	if s.lock != nil {
		if err := s.lock.Lock(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("sweep leader lock not acquired, skipping round")
			return
		}
		defer func() {
			if err := s.lock.Unlock(); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to release sweep leader lock")
			}
		}()
	}

	released, err := s.ledger.ExpireDueReservations(ctx, time.Now(), s.batchSize)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("expiry sweep failed")
		return
	}
	if released > 0 {
		logger.Ctx(ctx).Info().Int("released", released).Msg("expired reservations released")
	}
}
