// internal/service/promotion/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"sync"
	"time"

	"hanghae/internal/service/promotion/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCouponRepository 是 domain.CouponRepository 的 GORM 实现。
// 它同时实现 couponTotals：TotalQuantity 带进程内缓存，
// 秒杀路径上每次分配都要取总量，不能每次都打数据库。
type GormCouponRepository struct {
	db *gorm.DB

	mu     sync.RWMutex
	totals map[string]int64
}

func NewGormCouponRepository(db *gorm.DB) *GormCouponRepository {
	return &GormCouponRepository{
		db:     db,
		totals: make(map[string]int64),
	}
}

func (r *GormCouponRepository) Create(ctx context.Context, coupon *domain.Coupon) error {
	model := fromDomainCoupon(coupon)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return errors.Wrapf(err, "failed to create coupon %s", coupon.ID)
	}
	r.mu.Lock()
	r.totals[coupon.ID] = coupon.TotalQuantity
	r.mu.Unlock()
	return nil
}

func (r *GormCouponRepository) FindByID(ctx context.Context, id string) (*domain.Coupon, error) {
	var model CouponModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCouponNotFound
		}
		return nil, errors.Wrapf(err, "failed to find coupon %s", id)
	}
	return toDomainCoupon(&model), nil
}

// TotalQuantity 返回优惠券总量，命中缓存时不访问数据库。
// 总量在创建后不变，缓存无需失效。
func (r *GormCouponRepository) TotalQuantity(ctx context.Context, couponID string) (int64, error) {
	r.mu.RLock()
	total, ok := r.totals[couponID]
	r.mu.RUnlock()
	if ok {
		return total, nil
	}

	coupon, err := r.FindByID(ctx, couponID)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.totals[couponID] = coupon.TotalQuantity
	r.mu.Unlock()
	return coupon.TotalQuantity, nil
}

// GormAllocationRecordRepository 是 domain.AllocationRecordRepository 的 GORM 实现。
type GormAllocationRecordRepository struct {
	db *gorm.DB
}

func NewGormAllocationRecordRepository(db *gorm.DB) *GormAllocationRecordRepository {
	return &GormAllocationRecordRepository{db: db}
}

// Create 插入分配记录。(coupon_id, user_id) 唯一键冲突视为幂等成功：
// 权威状态在 Redis，落库只是镜像，重放不能报错。
func (r *GormAllocationRecordRepository) Create(ctx context.Context, record *domain.AllocationRecord) error {
	model := &AllocationRecordModel{
		CouponID:    record.CouponID,
		UserID:      record.UserID,
		AllocatedAt: record.AllocatedAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model).Error
	if err != nil {
		return errors.Wrapf(err, "failed to persist allocation record coupon=%s user=%s",
			record.CouponID, record.UserID)
	}
	return nil
}

func (r *GormAllocationRecordRepository) CountByCoupon(ctx context.Context, couponID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&AllocationRecordModel{}).
		Where("coupon_id = ?", couponID).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count allocations for coupon %s", couponID)
	}
	return count, nil
}

// GormIssuanceRepository 是 domain.IssuanceRepository 的 GORM 实现。
type GormIssuanceRepository struct {
	db *gorm.DB
}

func NewGormIssuanceRepository(db *gorm.DB) *GormIssuanceRepository {
	return &GormIssuanceRepository{db: db}
}

func (r *GormIssuanceRepository) Create(ctx context.Context, record *domain.IssuanceRecord) error {
	model := fromDomainIssuance(record)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return errors.Wrapf(err, "failed to create issuance record %s", record.ID)
	}
	return nil
}

func (r *GormIssuanceRepository) Update(ctx context.Context, record *domain.IssuanceRecord) error {
	err := r.db.WithContext(ctx).
		Model(&IssuanceRecordModel{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"status":     string(record.Status),
			"reason":     record.Reason,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return errors.Wrapf(err, "failed to update issuance record %s", record.ID)
	}
	return nil
}

func (r *GormIssuanceRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&IssuanceRecordModel{}).Error
	if err != nil {
		return errors.Wrapf(err, "failed to delete issuance record %s", id)
	}
	return nil
}

func fromDomainIssuance(r *domain.IssuanceRecord) *IssuanceRecordModel {
	return &IssuanceRecordModel{
		ID:       r.ID,
		CouponID: r.CouponID,
		UserID:   r.UserID,
		Status:   string(r.Status),
		Reason:   r.Reason,
	}
}
