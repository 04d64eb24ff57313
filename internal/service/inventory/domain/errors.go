// internal/service/inventory/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

// ErrorKind 标识库存领域错误的类别。
// 扁平的 tag + 结构化上下文字段，取代深层异常继承体系。
type ErrorKind string

const (
	KindInsufficientStock      ErrorKind = "INSUFFICIENT_STOCK"
	KindOptimisticLockConflict ErrorKind = "OPTIMISTIC_LOCK_CONFLICT"
	KindReservationExpired     ErrorKind = "RESERVATION_EXPIRED"
	KindInvalidState           ErrorKind = "INVALID_STATE"
	KindNotFound               ErrorKind = "NOT_FOUND"
	KindBusy                   ErrorKind = "BUSY"
)

// Error 携带诊断所需的全部上下文。
// InsufficientStock / ReservationExpired 是预期的业务结果；
// OptimisticLockConflict / Busy 是可重试的基础设施冲突。
type Error struct {
	Kind          ErrorKind
	ProductID     string
	ReservationID string
	Requested     int64
	Available     int64
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInsufficientStock:
		return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
			e.ProductID, e.Requested, e.Available)
	case KindOptimisticLockConflict:
		return fmt.Sprintf("optimistic lock conflict on stock unit %s", e.ProductID)
	case KindReservationExpired:
		return fmt.Sprintf("reservation %s has expired", e.ReservationID)
	case KindInvalidState:
		return fmt.Sprintf("reservation %s is not in a reservable state", e.ReservationID)
	case KindNotFound:
		if e.ReservationID != "" {
			return fmt.Sprintf("reservation %s not found", e.ReservationID)
		}
		return fmt.Sprintf("stock unit %s not found", e.ProductID)
	case KindBusy:
		return fmt.Sprintf("stock unit %s is busy, retry later", e.ProductID)
	default:
		return fmt.Sprintf("inventory error %s", e.Kind)
	}
}

// NewInsufficientStock 构造带缺口信息的库存不足错误。
func NewInsufficientStock(productID string, requested, available int64) *Error {
	return &Error{Kind: KindInsufficientStock, ProductID: productID, Requested: requested, Available: available}
}

// IsKind 判断 err 是否为指定类别的库存领域错误。
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// AsError 提取库存领域错误，便于调用方读取结构化字段。
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
