package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/xenking/promo-engine/internal/domain/discount"
	"github.com/xenking/promo-engine/internal/domain/purchasable"
)

// ListDiscounts returns every discount in sort order.
func (h *Handler) ListDiscounts(w http.ResponseWriter, r *http.Request) {
	discounts, err := h.discounts.All(r.Context())
	if err != nil {
		h.serverError(w, "list discounts", err)
		return
	}
	h.respond(w, http.StatusOK, lo.Map(discounts, func(d *discount.Discount, _ int) *discountPayload {
		return discountToPayload(d)
	}))
}

// GetDiscount returns one discount by id.
func (h *Handler) GetDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	d, err := h.discounts.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, discount.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "discount not found")
			return
		}
		h.serverError(w, "get discount", err)
		return
	}
	h.respond(w, http.StatusOK, discountToPayload(d))
}

// SaveDiscount creates or updates a discount. Validation failures return
// 422 with the per-field error list.
func (h *Handler) SaveDiscount(w http.ResponseWriter, r *http.Request) {
	var payload discountPayload
	if !h.decode(w, r, &payload) {
		return
	}
	d, err := payload.toDomain()
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	created := d.ID == 0
	if err := h.discounts.Save(r.Context(), d); err != nil {
		var vErr *discount.ValidationError
		if errors.As(err, &vErr) {
			h.respond(w, http.StatusUnprocessableEntity, vErr)
			return
		}
		if errors.Is(err, discount.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "discount not found")
			return
		}
		h.serverError(w, "save discount", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.respond(w, status, discountToPayload(d))
}

// DeleteDiscount removes a discount by id.
func (h *Handler) DeleteDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.discounts.Delete(r.Context(), id); err != nil {
		if errors.Is(err, discount.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "discount not found")
			return
		}
		h.serverError(w, "delete discount", err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

type reorderRequest struct {
	IDs []int64 `json:"ids"`
}

// ReorderDiscounts rewrites discount sort order to match the id list.
func (h *Handler) ReorderDiscounts(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		h.respondError(w, http.StatusBadRequest, "ids cannot be empty")
		return
	}
	if err := h.discounts.Reorder(r.Context(), req.IDs); err != nil {
		h.serverError(w, "reorder discounts", err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

type usageStatsResponse struct {
	Customers discount.UsageStats `json:"customers"`
	Emails    discount.UsageStats `json:"emails"`
	TotalUses int                 `json:"totalUses"`
}

// DiscountUsageStats reports customer, email, and total usage for a
// discount.
func (h *Handler) DiscountUsageStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	d, err := h.discounts.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, discount.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "discount not found")
			return
		}
		h.serverError(w, "get discount", err)
		return
	}

	customers, err := h.discounts.CustomerUsageStats(r.Context(), id)
	if err != nil {
		h.serverError(w, "customer usage stats", err)
		return
	}
	emails, err := h.discounts.EmailUsageStats(r.Context(), id)
	if err != nil {
		h.serverError(w, "email usage stats", err)
		return
	}

	h.respond(w, http.StatusOK, usageStatsResponse{
		Customers: customers,
		Emails:    emails,
		TotalUses: d.TotalDiscountUses,
	})
}

// ClearDiscountUsage resets one usage counter dimension, selected by the
// scope query parameter: customers, emails, or total.
func (h *Handler) ClearDiscountUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var err error
	switch scope := r.URL.Query().Get("scope"); scope {
	case "customers":
		err = h.discounts.ClearCustomerUsage(r.Context(), id)
	case "emails":
		err = h.discounts.ClearEmailUsage(r.Context(), id)
	case "total":
		err = h.discounts.ClearTotalUses(r.Context(), id)
	default:
		h.respondError(w, http.StatusBadRequest, "scope must be customers, emails, or total")
		return
	}
	if err != nil {
		h.serverError(w, "clear discount usage", err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

type generateCouponsRequest struct {
	Count  int    `json:"count"`
	Format string `json:"format,omitempty"`
}

type generateCouponsResponse struct {
	Codes []string `json:"codes"`
}

// GenerateCoupons creates new random coupon codes for a discount using its
// coupon format (or an explicit override) and persists them.
func (h *Handler) GenerateCoupons(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req generateCouponsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Count <= 0 || req.Count > 10_000 {
		h.respondError(w, http.StatusBadRequest, "count must be between 1 and 10000")
		return
	}

	d, err := h.discounts.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, discount.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "discount not found")
			return
		}
		h.serverError(w, "get discount", err)
		return
	}

	format := lo.CoalesceOrEmpty(req.Format, d.CouponFormat)
	codes, err := discount.GenerateCouponCodes(format, req.Count)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	for _, code := range codes {
		d.Coupons = append(d.Coupons, discount.Coupon{DiscountID: d.ID, Code: code})
	}
	if err := h.discounts.Save(r.Context(), d); err != nil {
		h.serverError(w, "save generated coupons", err)
		return
	}

	h.respond(w, http.StatusCreated, generateCouponsResponse{Codes: codes})
}

// DiscountsForPurchasable lists discounts whose membership or category
// relations reference the purchasable.
func (h *Handler) DiscountsForPurchasable(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.purchasables.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, purchasable.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "purchasable not found")
			return
		}
		h.serverError(w, "get purchasable", err)
		return
	}

	related, err := h.discounts.RelatedToPurchasable(r.Context(), p)
	if err != nil {
		h.serverError(w, "list related discounts", err)
		return
	}
	h.respond(w, http.StatusOK, lo.Map(related, func(d *discount.Discount, _ int) *discountPayload {
		return discountToPayload(d)
	}))
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "invalid discount id")
		return 0, false
	}
	return id, true
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.log.Error(op, zap.Error(err))
	h.respondError(w, http.StatusInternalServerError, "internal error")
}
