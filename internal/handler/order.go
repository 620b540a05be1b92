package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/discount"
)

type couponAvailabilityResponse struct {
	Available   bool   `json:"available"`
	Explanation string `json:"explanation,omitempty"`
}

// CouponAvailability checks the order's coupon code against the discount it
// activates and returns the first failing rule's explanation.
func (h *Handler) CouponAvailability(w http.ResponseWriter, r *http.Request) {
	var payload orderPayload
	if !h.decode(w, r, &payload) {
		return
	}
	o, err := payload.toDomain(r.Context(), h.purchasables)
	if err != nil {
		h.serverError(w, "build order", err)
		return
	}

	available, explanation, err := h.discounts.CouponAvailable(r.Context(), o)
	if err != nil {
		h.serverError(w, "check coupon availability", err)
		return
	}
	h.respond(w, http.StatusOK, couponAvailabilityResponse{
		Available:   available,
		Explanation: explanation,
	})
}

type matchOrderRequest struct {
	Order      orderPayload `json:"order"`
	DiscountID int64        `json:"discountId"`
}

type matchOrderResponse struct {
	Match bool `json:"match"`
}

// MatchOrder evaluates one discount against an order.
func (h *Handler) MatchOrder(w http.ResponseWriter, r *http.Request) {
	var req matchOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DiscountID <= 0 {
		h.respondError(w, http.StatusBadRequest, "discountId is required")
		return
	}

	d, err := h.discounts.GetByID(r.Context(), req.DiscountID)
	if err != nil {
		if errors.Is(err, discount.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "discount not found")
			return
		}
		h.serverError(w, "get discount", err)
		return
	}

	o, err := req.Order.toDomain(r.Context(), h.purchasables)
	if err != nil {
		h.serverError(w, "build order", err)
		return
	}

	match, err := h.discounts.MatchOrder(r.Context(), o, d)
	if err != nil {
		h.serverError(w, "match order", err)
		return
	}
	h.respond(w, http.StatusOK, matchOrderResponse{Match: match})
}

type discountAmountResponse struct {
	Match  bool            `json:"match"`
	Amount decimal.Decimal `json:"amount"`
}

// DiscountAmount computes how much a discount would take off an order, or
// zero when it does not match.
func (h *Handler) DiscountAmount(w http.ResponseWriter, r *http.Request) {
	var req matchOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DiscountID <= 0 {
		h.respondError(w, http.StatusBadRequest, "discountId is required")
		return
	}

	d, err := h.discounts.GetByID(r.Context(), req.DiscountID)
	if err != nil {
		if errors.Is(err, discount.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "discount not found")
			return
		}
		h.serverError(w, "get discount", err)
		return
	}

	o, err := req.Order.toDomain(r.Context(), h.purchasables)
	if err != nil {
		h.serverError(w, "build order", err)
		return
	}

	amount, err := h.discounts.DiscountAmount(r.Context(), o, d)
	if err != nil {
		h.serverError(w, "compute discount amount", err)
		return
	}
	h.respond(w, http.StatusOK, discountAmountResponse{
		Match:  amount.IsPositive(),
		Amount: amount,
	})
}

// OrderCompleted records discount usage for a completed order's discount
// adjustments.
func (h *Handler) OrderCompleted(w http.ResponseWriter, r *http.Request) {
	var payload orderPayload
	if !h.decode(w, r, &payload) {
		return
	}
	if !payload.IsCompleted {
		h.respondError(w, http.StatusBadRequest, "order is not completed")
		return
	}

	o, err := payload.toDomain(r.Context(), h.purchasables)
	if err != nil {
		h.serverError(w, "build order", err)
		return
	}

	if err := h.discounts.OrderCompleted(r.Context(), o); err != nil {
		h.serverError(w, "record order completion", err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}
