// Package handler exposes the promo engine over HTTP. Handlers decode JSON
// payloads into domain types, delegate to the discount service, and map
// domain errors onto status codes.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xenking/promo-engine/internal/domain/discount"
	"github.com/xenking/promo-engine/internal/domain/purchasable"
)

// Handler holds the HTTP surface's dependencies.
type Handler struct {
	discounts    *discount.Service
	purchasables purchasable.Repository
	log          *zap.Logger
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(discounts *discount.Service, purchasables purchasable.Repository, log *zap.Logger) *Handler {
	return &Handler{
		discounts:    discounts,
		purchasables: purchasables,
		log:          log,
	}
}

// Routes mounts the API. Mutating discount administration goes through the
// API key middleware; order-side checks are called by the storefront and
// carry their own transport auth upstream.
func (h *Handler) Routes(auth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Route("/api/discounts", func(r chi.Router) {
		r.Get("/", h.ListDiscounts)
		r.Get("/{id}", h.GetDiscount)
		r.Get("/{id}/usage-stats", h.DiscountUsageStats)

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Post("/", h.SaveDiscount)
			r.Delete("/{id}", h.DeleteDiscount)
			r.Post("/reorder", h.ReorderDiscounts)
			r.Post("/{id}/clear-usage", h.ClearDiscountUsage)
			r.Post("/{id}/coupons/generate", h.GenerateCoupons)
		})
	})

	r.Get("/api/purchasables/{id}/discounts", h.DiscountsForPurchasable)

	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/coupon-availability", h.CouponAvailability)
		r.Post("/match", h.MatchOrder)
		r.Post("/discount-amount", h.DiscountAmount)
		r.Post("/completed", h.OrderCompleted)
	})

	return r
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respond(w, status, errorResponse{Code: status, Message: message})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}
