// internal/service/order/domain/order_test.go
package domain

import "testing"

func newPendingOrder(t *testing.T) *Order {
	t.Helper()
	order, err := NewOrder("o1", "u1", []OrderLine{{ProductID: "p1", Quantity: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if err := order.MarkAsPendingPayment(); err != nil {
		t.Fatal(err)
	}
	return order
}

func TestNewOrderValidation(t *testing.T) {
	if _, err := NewOrder("", "u1", []OrderLine{{ProductID: "p1", Quantity: 1}}); err == nil {
		t.Fatal("empty id must be rejected")
	}
	if _, err := NewOrder("o1", "u1", nil); err == nil {
		t.Fatal("empty lines must be rejected")
	}
	if _, err := NewOrder("o1", "u1", []OrderLine{{ProductID: "p1", Quantity: 0}}); err == nil {
		t.Fatal("non-positive quantity must be rejected")
	}
}

func TestOrderLifecycle(t *testing.T) {
	order := newPendingOrder(t)

	if err := order.Pay(); err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if order.State != StatePaid {
		t.Fatalf("want PAID, got %s", order.State)
	}
	// 已支付订单仍可被补偿路径取消
	if err := order.Cancel(); err != nil {
		t.Fatalf("Cancel after pay: %v", err)
	}
	if order.State != StateCancelled {
		t.Fatalf("want CANCELLED, got %s", order.State)
	}

	// 终态后一切转移被拒绝
	if err := order.Pay(); err == nil {
		t.Fatal("pay after cancel must fail")
	}
	if err := order.Cancel(); err == nil {
		t.Fatal("double cancel must fail")
	}
}

func TestOrderCannotPayTwice(t *testing.T) {
	order := newPendingOrder(t)
	if err := order.Pay(); err != nil {
		t.Fatal(err)
	}
	if err := order.Pay(); err == nil {
		t.Fatal("double pay must fail")
	}
}
