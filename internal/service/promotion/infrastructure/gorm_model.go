// internal/service/promotion/infrastructure/gorm_model.go
package infrastructure

import (
	"time"

	"hanghae/internal/service/promotion/domain"
)

// CouponModel 对应数据库中的 coupons 表
type CouponModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	Name            string `gorm:"size:128"`
	TotalQuantity   int64
	IssuedQuantity  int64 // 异步落库的镜像计数，权威计数在 Redis
	ValidFrom       time.Time
	ValidTo         time.Time
	EligibilityRule string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName 指定 GORM 应该使用的表名
func (CouponModel) TableName() string {
	return "coupons"
}

// AllocationRecordModel 对应 coupon_allocations 表，(coupon_id, user_id) 唯一
type AllocationRecordModel struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	CouponID    string `gorm:"size:64;uniqueIndex:idx_allocation_coupon_user,priority:1"`
	UserID      string `gorm:"size:64;uniqueIndex:idx_allocation_coupon_user,priority:2"`
	AllocatedAt time.Time
}

func (AllocationRecordModel) TableName() string {
	return "coupon_allocations"
}

// IssuanceRecordModel 对应 coupon_issuances 表
type IssuanceRecordModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	CouponID  string `gorm:"size:64;index"`
	UserID    string `gorm:"size:64"`
	Status    string `gorm:"size:16"`
	Reason    string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (IssuanceRecordModel) TableName() string {
	return "coupon_issuances"
}

// --- 类型转换函数 ---

func toDomainCoupon(m *CouponModel) *domain.Coupon {
	return &domain.Coupon{
		ID:              m.ID,
		Name:            m.Name,
		TotalQuantity:   m.TotalQuantity,
		ValidFrom:       m.ValidFrom,
		ValidTo:         m.ValidTo,
		EligibilityRule: m.EligibilityRule,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func fromDomainCoupon(c *domain.Coupon) *CouponModel {
	return &CouponModel{
		ID:              c.ID,
		Name:            c.Name,
		TotalQuantity:   c.TotalQuantity,
		ValidFrom:       c.ValidFrom,
		ValidTo:         c.ValidTo,
		EligibilityRule: c.EligibilityRule,
	}
}
