// internal/service/promotion/domain/issuance.go
package domain

import "time"

// IssuanceStatus 是排队发放请求的状态机：
// Waiting → Processing → {Completed, Failed}。
type IssuanceStatus string

const (
	IssuanceWaiting    IssuanceStatus = "WAITING"
	IssuanceProcessing IssuanceStatus = "PROCESSING"
	IssuanceCompleted  IssuanceStatus = "COMPLETED"
	IssuanceFailed     IssuanceStatus = "FAILED"
)

// IssuanceRecord 记录一次经过队列的发放请求的最终去向。
type IssuanceRecord struct {
	ID        string
	CouponID  string
	UserID    string
	Status    IssuanceStatus
	Reason    string // Failed 时的结构化原因（sold_out / already_issued / error）
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarkProcessing 进入处理中。
func (r *IssuanceRecord) MarkProcessing() {
	if r.Status == IssuanceWaiting {
		r.Status = IssuanceProcessing
		r.UpdatedAt = time.Now()
	}
}

// Complete 标记为成功发放。
func (r *IssuanceRecord) Complete() {
	r.Status = IssuanceCompleted
	r.UpdatedAt = time.Now()
}

// Fail 标记为失败并记录原因。
func (r *IssuanceRecord) Fail(reason string) {
	r.Status = IssuanceFailed
	r.Reason = reason
	r.UpdatedAt = time.Now()
}
