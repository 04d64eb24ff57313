// internal/service/inventory/infrastructure/gorm_model.go
package infrastructure

import (
	"time"

	"hanghae/internal/service/inventory/domain"
)

// StockUnitModel 对应数据库中的 stock_units 表
type StockUnitModel struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	ProductID        string `gorm:"size:64;uniqueIndex"`
	OnHandQuantity   int64
	ReservedQuantity int64
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName 指定 GORM 应该使用的表名
func (StockUnitModel) TableName() string {
	return "stock_units"
}

// ReservationModel 对应数据库中的 stock_reservations 表
type ReservationModel struct {
	ID        string `gorm:"primaryKey;size:36"`
	ProductID string `gorm:"size:64;index"`
	HolderID  string `gorm:"size:64;index"`
	Quantity  int64
	Status    string    `gorm:"size:16;index:idx_reservation_due,priority:1"`
	ExpiresAt time.Time `gorm:"index:idx_reservation_due,priority:2"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定 GORM 应该使用的表名
func (ReservationModel) TableName() string {
	return "stock_reservations"
}

// --- 类型转换函数 ---

func toDomainStockUnit(m *StockUnitModel) *domain.StockUnit {
	return &domain.StockUnit{
		ProductID:        m.ProductID,
		OnHandQuantity:   m.OnHandQuantity,
		ReservedQuantity: m.ReservedQuantity,
		Version:          m.Version,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func toDomainReservation(m *ReservationModel) *domain.Reservation {
	return &domain.Reservation{
		ID:        m.ID,
		ProductID: m.ProductID,
		HolderID:  m.HolderID,
		Quantity:  m.Quantity,
		Status:    domain.ReservationStatus(m.Status),
		ExpiresAt: m.ExpiresAt,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func fromDomainReservation(r *domain.Reservation) *ReservationModel {
	return &ReservationModel{
		ID:        r.ID,
		ProductID: r.ProductID,
		HolderID:  r.HolderID,
		Quantity:  r.Quantity,
		Status:    string(r.Status),
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
