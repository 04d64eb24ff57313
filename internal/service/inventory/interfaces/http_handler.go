// internal/service/inventory/interfaces/http_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/service/inventory/application"
	"hanghae/internal/service/inventory/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HTTPHandler 是库存服务的驱动适配器。
type HTTPHandler struct {
	ledger *application.InventoryLedger
	tracer trace.Tracer
}

func NewHTTPHandler(ledger *application.InventoryLedger, tracer trace.Tracer) *HTTPHandler {
	return &HTTPHandler{ledger: ledger, tracer: tracer}
}

// Register 注册所有库存相关的 HTTP 路由。
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/reserve_stock", h.reserveStock)
	mux.HandleFunc("/confirm_reservation", h.confirmReservation)
	mux.HandleFunc("/cancel_reservation", h.cancelReservation)
	mux.HandleFunc("/deduct_stock", h.deductStock)
	mux.HandleFunc("/restock_inventory", h.restockInventory)
	mux.HandleFunc("/stock", h.getStock)
}

type stockResponse struct {
	ProductID string `json:"productId"`
	OnHand    int64  `json:"onHand"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

type reservationResponse struct {
	ReservationID string `json:"reservationId"`
	ProductID     string `json:"productId"`
	Quantity      int64  `json:"quantity"`
	ExpiresAt     string `json:"expiresAt"`
}

type errorResponse struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Requested int64  `json:"requested,omitempty"`
	Available int64  `json:"available,omitempty"`
}

func (h *HTTPHandler) reserveStock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "inventory.ReserveStock")
	defer span.End()

	productID := r.URL.Query().Get("productId")
	holderID := r.URL.Query().Get("holderId")
	qty, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if productID == "" || holderID == "" || err != nil || qty <= 0 {
		http.Error(w, "productId, holderId and positive quantity are required", http.StatusBadRequest)
		return
	}

	reservation, err := h.ledger.Reserve(ctx, productID, holderID, qty)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reservationResponse{
		ReservationID: reservation.ID,
		ProductID:     reservation.ProductID,
		Quantity:      reservation.Quantity,
		ExpiresAt:     reservation.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

func (h *HTTPHandler) confirmReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "inventory.ConfirmReservation")
	defer span.End()

	id := r.URL.Query().Get("reservationId")
	if id == "" {
		http.Error(w, "reservationId is required", http.StatusBadRequest)
		return
	}
	unit, err := h.ledger.ConfirmReservation(ctx, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeStock(w, unit)
}

func (h *HTTPHandler) cancelReservation(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "inventory.CancelReservation")
	defer span.End()

	id := r.URL.Query().Get("reservationId")
	if id == "" {
		http.Error(w, "reservationId is required", http.StatusBadRequest)
		return
	}
	unit, err := h.ledger.CancelReservation(ctx, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeStock(w, unit)
}

func (h *HTTPHandler) deductStock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "inventory.DeductStock")
	defer span.End()

	productID := r.URL.Query().Get("productId")
	qty, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if productID == "" || err != nil || qty <= 0 {
		http.Error(w, "productId and positive quantity are required", http.StatusBadRequest)
		return
	}
	unit, err := h.ledger.DeductStock(ctx, productID, qty)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeStock(w, unit)
}

func (h *HTTPHandler) restockInventory(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "inventory.RestockInventory")
	defer span.End()

	productID := r.URL.Query().Get("productId")
	qty, err := strconv.ParseInt(r.URL.Query().Get("quantity"), 10, 64)
	if productID == "" || err != nil || qty <= 0 {
		http.Error(w, "productId and positive quantity are required", http.StatusBadRequest)
		return
	}
	unit, err := h.ledger.RestockInventory(ctx, productID, qty)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeStock(w, unit)
}

func (h *HTTPHandler) getStock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "inventory.GetStock")
	defer span.End()

	productID := r.URL.Query().Get("productId")
	if productID == "" {
		http.Error(w, "productId is required", http.StatusBadRequest)
		return
	}
	unit, err := h.ledger.GetStockUnit(ctx, productID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeStock(w, unit)
}

// startSpan 从请求 header 恢复追踪上下文并开启新的 span。
func (h *HTTPHandler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return h.tracer.Start(ctx, name)
}

func (h *HTTPHandler) writeStock(w http.ResponseWriter, unit *domain.StockUnit) {
	h.writeJSON(w, http.StatusOK, stockResponse{
		ProductID: unit.ProductID,
		OnHand:    unit.OnHandQuantity,
		Reserved:  unit.ReservedQuantity,
		Available: unit.Available(),
	})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Logger.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError 将领域错误映射为结构化的 HTTP 响应。
// 预期业务结果（库存不足、预占过期）返回 409，不是 5xx。
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	if e, ok := domain.AsError(err); ok {
		status := http.StatusConflict
		switch e.Kind {
		case domain.KindNotFound:
			status = http.StatusNotFound
		case domain.KindBusy, domain.KindOptimisticLockConflict:
			status = http.StatusServiceUnavailable
		}
		h.writeJSON(w, status, errorResponse{
			Kind:      string(e.Kind),
			Message:   e.Error(),
			Requested: e.Requested,
			Available: e.Available,
		})
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
