// internal/service/inventory/domain/reservation.go
package domain

import "time"

// ReservationStatus 定义了预占单的生命周期状态。
// Reserved 是唯一的非终态，所有转移都是单向的。
type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "RESERVED"
	StatusConfirmed ReservationStatus = "CONFIRMED"
	StatusCancelled ReservationStatus = "CANCELLED"
	StatusExpired   ReservationStatus = "EXPIRED"
)

// Reservation 是对库存的临时持有：增加 reserved、不减 onHand。
type Reservation struct {
	ID        string
	ProductID string
	HolderID  string
	Quantity  int64
	Status    ReservationStatus
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewReservation 创建一个处于 Reserved 状态的预占单。
func NewReservation(id, productID, holderID string, qty int64, ttl time.Duration) *Reservation {
	now := time.Now()
	return &Reservation{
		ID:        id,
		ProductID: productID,
		HolderID:  holderID,
		Quantity:  qty,
		Status:    StatusReserved,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsExpired 判断预占是否已过期。
func (r *Reservation) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Confirm 将预占转为已确认。过期或非 Reserved 状态会被拒绝。
func (r *Reservation) Confirm(now time.Time) error {
	if r.Status != StatusReserved {
		return &Error{Kind: KindInvalidState, ReservationID: r.ID}
	}
	if r.IsExpired(now) {
		return &Error{Kind: KindReservationExpired, ReservationID: r.ID}
	}
	r.Status = StatusConfirmed
	r.UpdatedAt = now
	return nil
}

// Cancel 取消预占。
func (r *Reservation) Cancel(now time.Time) error {
	if r.Status != StatusReserved {
		return &Error{Kind: KindInvalidState, ReservationID: r.ID}
	}
	r.Status = StatusCancelled
	r.UpdatedAt = now
	return nil
}

// Expire 由过期清扫调用，效果等同于取消。
func (r *Reservation) Expire(now time.Time) error {
	if r.Status != StatusReserved {
		return &Error{Kind: KindInvalidState, ReservationID: r.ID}
	}
	r.Status = StatusExpired
	r.UpdatedAt = now
	return nil
}
