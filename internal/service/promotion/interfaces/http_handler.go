// internal/service/promotion/interfaces/http_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"hanghae/internal/pkg/logger"
	"hanghae/internal/service/promotion/application"
	"hanghae/internal/service/promotion/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HTTPHandler 是促销服务的驱动适配器。
type HTTPHandler struct {
	allocator *application.CouponAllocator
	queue     *application.CouponQueueWorker
	tracer    trace.Tracer
}

func NewHTTPHandler(allocator *application.CouponAllocator, queue *application.CouponQueueWorker, tracer trace.Tracer) *HTTPHandler {
	return &HTTPHandler{allocator: allocator, queue: queue, tracer: tracer}
}

// Register 注册所有促销相关的 HTTP 路由。
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/create_coupon", h.createCoupon)
	mux.HandleFunc("/allocate_coupon", h.allocateCoupon)
	mux.HandleFunc("/enqueue_coupon", h.enqueueCoupon)
	mux.HandleFunc("/coupon_remaining", h.couponRemaining)
}

type createCouponRequest struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	TotalQuantity   int64  `json:"totalQuantity"`
	ValidFrom       string `json:"validFrom,omitempty"`
	ValidTo         string `json:"validTo,omitempty"`
	EligibilityRule string `json:"eligibilityRule,omitempty"`
	Queued          bool   `json:"queued,omitempty"`
}

type allocateRequest struct {
	CouponID   string `json:"couponId"`
	UserID     string `json:"userId"`
	IsVIP      bool   `json:"isVip"`
	MemberDays int64  `json:"memberDays"`
}

type allocateResponse struct {
	Outcome string `json:"outcome"`
}

type enqueueResponse struct {
	IssuanceID string `json:"issuanceId"`
	Status     string `json:"status"`
}

func (h *HTTPHandler) createCoupon(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "promotion.CreateCoupon")
	defer span.End()

	var req createCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.TotalQuantity <= 0 {
		http.Error(w, "id and positive totalQuantity are required", http.StatusBadRequest)
		return
	}

	coupon := &domain.Coupon{
		ID:              req.ID,
		Name:            req.Name,
		TotalQuantity:   req.TotalQuantity,
		EligibilityRule: req.EligibilityRule,
	}
	if req.ValidFrom != "" {
		t, err := time.Parse(time.RFC3339, req.ValidFrom)
		if err != nil {
			http.Error(w, "validFrom must be RFC3339", http.StatusBadRequest)
			return
		}
		coupon.ValidFrom = t
	}
	if req.ValidTo != "" {
		t, err := time.Parse(time.RFC3339, req.ValidTo)
		if err != nil {
			http.Error(w, "validTo must be RFC3339", http.StatusBadRequest)
			return
		}
		coupon.ValidTo = t
	}

	if err := h.allocator.CreateCoupon(ctx, coupon); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Queued {
		if err := h.queue.RegisterCoupon(ctx, coupon.ID); err != nil {
			h.writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusCreated)
}

// allocateCoupon 是直接分配路径：同步返回业务结果。
func (h *HTTPHandler) allocateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "promotion.AllocateCoupon")
	defer span.End()

	req, ok := h.decodeAllocate(w, r)
	if !ok {
		return
	}

	outcome, err := h.allocator.Allocate(ctx, req.CouponID, domain.Fact{
		UserID:     req.UserID,
		IsVIP:      req.IsVIP,
		MemberDays: req.MemberDays,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, allocateResponse{Outcome: outcome.String()})
}

// enqueueCoupon 是排队发放路径：入队即返回，终态异步落库。
func (h *HTTPHandler) enqueueCoupon(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "promotion.EnqueueCoupon")
	defer span.End()

	req, ok := h.decodeAllocate(w, r)
	if !ok {
		return
	}

	issuanceID, err := h.queue.Enqueue(ctx, req.CouponID, domain.Fact{
		UserID:     req.UserID,
		IsVIP:      req.IsVIP,
		MemberDays: req.MemberDays,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, enqueueResponse{
		IssuanceID: issuanceID,
		Status:     string(domain.IssuanceWaiting),
	})
}

func (h *HTTPHandler) couponRemaining(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "promotion.CouponRemaining")
	defer span.End()

	couponID := r.URL.Query().Get("couponId")
	if couponID == "" {
		http.Error(w, "couponId is required", http.StatusBadRequest)
		return
	}
	remaining, err := h.allocator.Remaining(ctx, couponID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"remaining": remaining})
}

func (h *HTTPHandler) decodeAllocate(w http.ResponseWriter, r *http.Request) (*allocateRequest, bool) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if req.CouponID == "" || req.UserID == "" {
		http.Error(w, "couponId and userId are required", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

// startSpan 从请求 header 恢复追踪上下文并开启新的 span。
func (h *HTTPHandler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return h.tracer.Start(ctx, name)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Logger.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError 把领域错误映射为 HTTP 状态码。
// 队列满和资格不符是预期业务结果，分别返回 429 和 403。
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, domain.ErrNotEligible):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrCouponNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrCouponInactive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
