// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 核心链路的业务指标。label 只使用低基数的结果/原因，
// 避免 coupon_id / product_id 这类高基数维度。
var (
	CouponAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hanghae",
		Subsystem: "promotion",
		Name:      "coupon_allocations_total",
		Help:      "Coupon allocation attempts by outcome (allocated/already_issued/sold_out).",
	}, []string{"outcome"})

	QueueRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hanghae",
		Subsystem: "promotion",
		Name:      "queue_rejections_total",
		Help:      "Allocation requests rejected at admission because the intake queue was full.",
	})

	StockOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hanghae",
		Subsystem: "inventory",
		Name:      "stock_operations_total",
		Help:      "Inventory ledger operations by op and result.",
	}, []string{"op", "result"})

	LockConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hanghae",
		Subsystem: "inventory",
		Name:      "lock_conflicts_total",
		Help:      "Optimistic lock conflicts detected while saving stock units.",
	})

	OutboxDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hanghae",
		Subsystem: "outbox",
		Name:      "deliveries_total",
		Help:      "Outbox relay delivery results (sent/retried/failed).",
	}, []string{"result"})

	ExpiredReservations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hanghae",
		Subsystem: "inventory",
		Name:      "expired_reservations_total",
		Help:      "Reservations released by the expiry sweep.",
	})
)
