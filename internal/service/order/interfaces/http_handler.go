// internal/service/order/interfaces/http_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"net/http"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/service/order/application"
	"hanghae/internal/service/order/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HTTPHandler 是订单服务的驱动适配器。
type HTTPHandler struct {
	service *application.OrderService
	tracer  trace.Tracer
}

func NewHTTPHandler(service *application.OrderService, tracer trace.Tracer) *HTTPHandler {
	return &HTTPHandler{service: service, tracer: tracer}
}

// Register 注册所有订单相关的 HTTP 路由。
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/create_order", h.createOrder)
	mux.HandleFunc("/pay_order", h.payOrder)
	mux.HandleFunc("/cancel_order", h.cancelOrder)
	mux.HandleFunc("/order", h.getOrder)
}

type createOrderRequest struct {
	UserID string             `json:"userId"`
	Lines  []domain.OrderLine `json:"lines"`
}

type orderResponse struct {
	OrderID string             `json:"orderId"`
	UserID  string             `json:"userId"`
	State   string             `json:"state"`
	Lines   []domain.OrderLine `json:"lines"`
}

func (h *HTTPHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "order.CreateOrder")
	defer span.End()

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	order, err := h.service.CreateOrder(ctx, req.UserID, req.Lines)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeOrder(w, http.StatusCreated, order)
}

func (h *HTTPHandler) payOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "order.PayOrder")
	defer span.End()

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		http.Error(w, "orderId is required", http.StatusBadRequest)
		return
	}
	order, err := h.service.MarkOrderPaid(ctx, orderID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	h.writeOrder(w, http.StatusOK, order)
}

func (h *HTTPHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "order.CancelOrder")
	defer span.End()

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		http.Error(w, "orderId is required", http.StatusBadRequest)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "user_requested"
	}
	order, err := h.service.CancelOrder(ctx, orderID, reason)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	h.writeOrder(w, http.StatusOK, order)
}

func (h *HTTPHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "order.GetOrder")
	defer span.End()

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		http.Error(w, "orderId is required", http.StatusBadRequest)
		return
	}
	order, err := h.service.GetOrder(ctx, orderID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.writeOrder(w, http.StatusOK, order)
}

// startSpan 从请求 header 恢复追踪上下文并开启新的 span。
func (h *HTTPHandler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return h.tracer.Start(ctx, name)
}

func (h *HTTPHandler) writeOrder(w http.ResponseWriter, status int, order *domain.Order) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := orderResponse{
		OrderID: order.ID,
		UserID:  order.UserID,
		State:   string(order.State),
		Lines:   order.Lines,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Logger.Error().Err(err).Msg("failed to encode response")
	}
}
