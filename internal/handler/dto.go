package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/condition"
	"github.com/xenking/promo-engine/internal/domain/discount"
	"github.com/xenking/promo-engine/internal/domain/order"
	"github.com/xenking/promo-engine/internal/domain/purchasable"
)

type couponPayload struct {
	ID      int64  `json:"id,omitempty"`
	Code    string `json:"code"`
	MaxUses *int   `json:"maxUses,omitempty"`
	Uses    int    `json:"uses,omitempty"`
}

type discountPayload struct {
	ID                       int64      `json:"id,omitempty"`
	Name                     string     `json:"name"`
	Description              string     `json:"description,omitempty"`
	Enabled                  bool       `json:"enabled"`
	StopProcessing           bool       `json:"stopProcessing,omitempty"`
	DateFrom                 *time.Time `json:"dateFrom,omitempty"`
	DateTo                   *time.Time `json:"dateTo,omitempty"`
	AllPurchasables          bool       `json:"allPurchasables"`
	AllCategories            bool       `json:"allCategories"`
	CategoryRelationshipType string     `json:"categoryRelationshipType,omitempty"`
	PurchasableIDs           []int64    `json:"purchasableIds,omitempty"`
	CategoryIDs              []int64    `json:"categoryIds,omitempty"`

	BaseDiscount         decimal.Decimal `json:"baseDiscount"`
	BaseDiscountType     string          `json:"baseDiscountType,omitempty"`
	PerItemDiscount      decimal.Decimal `json:"perItemDiscount"`
	PercentDiscount      decimal.Decimal `json:"percentDiscount"`
	PercentageOffSubject string          `json:"percentageOffSubject,omitempty"`

	HasFreeShippingForMatchingItems bool   `json:"hasFreeShippingForMatchingItems,omitempty"`
	HasFreeShippingForOrder         bool   `json:"hasFreeShippingForOrder,omitempty"`
	ExcludeOnSale                   bool   `json:"excludeOnSale,omitempty"`
	IgnoreSales                     bool   `json:"ignoreSales,omitempty"`
	AppliedTo                       string `json:"appliedTo,omitempty"`

	PerUserLimit          int `json:"perUserLimit"`
	PerEmailLimit         int `json:"perEmailLimit"`
	TotalDiscountUseLimit int `json:"totalDiscountUseLimit"`
	TotalDiscountUses     int `json:"totalDiscountUses,omitempty"`

	PurchaseTotal  decimal.Decimal `json:"purchaseTotal"`
	PurchaseQty    int             `json:"purchaseQty"`
	MaxPurchaseQty int             `json:"maxPurchaseQty"`

	SortOrder    int             `json:"sortOrder,omitempty"`
	CouponFormat string          `json:"couponFormat,omitempty"`
	Coupons      []couponPayload `json:"coupons,omitempty"`

	OrderCondition           json.RawMessage `json:"orderCondition,omitempty"`
	CustomerCondition        json.RawMessage `json:"customerCondition,omitempty"`
	ShippingAddressCondition json.RawMessage `json:"shippingAddressCondition,omitempty"`
	BillingAddressCondition  json.RawMessage `json:"billingAddressCondition,omitempty"`
	OrderConditionFormula    string          `json:"orderConditionFormula,omitempty"`

	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

func (p *discountPayload) toDomain() (*discount.Discount, error) {
	orderCond, err := condition.Parse(p.OrderCondition)
	if err != nil {
		return nil, errors.Wrap(err, "orderCondition")
	}
	customerCond, err := condition.Parse(p.CustomerCondition)
	if err != nil {
		return nil, errors.Wrap(err, "customerCondition")
	}
	shippingCond, err := condition.Parse(p.ShippingAddressCondition)
	if err != nil {
		return nil, errors.Wrap(err, "shippingAddressCondition")
	}
	billingCond, err := condition.Parse(p.BillingAddressCondition)
	if err != nil {
		return nil, errors.Wrap(err, "billingAddressCondition")
	}

	d := &discount.Discount{
		ID:                       p.ID,
		Name:                     p.Name,
		Description:              p.Description,
		Enabled:                  p.Enabled,
		StopProcessing:           p.StopProcessing,
		DateFrom:                 p.DateFrom,
		DateTo:                   p.DateTo,
		AllPurchasables:          p.AllPurchasables,
		AllCategories:            p.AllCategories,
		CategoryRelationshipType: lo.CoalesceOrEmpty(p.CategoryRelationshipType, "element"),
		PurchasableIDs:           p.PurchasableIDs,
		CategoryIDs:              p.CategoryIDs,

		BaseDiscount:         p.BaseDiscount,
		BaseDiscountType:     discount.BaseDiscountType(lo.CoalesceOrEmpty(p.BaseDiscountType, string(discount.BaseDiscountValue))),
		PerItemDiscount:      p.PerItemDiscount,
		PercentDiscount:      p.PercentDiscount,
		PercentageOffSubject: discount.PercentageOffSubject(lo.CoalesceOrEmpty(p.PercentageOffSubject, string(discount.SubjectOriginal))),

		HasFreeShippingForMatchingItems: p.HasFreeShippingForMatchingItems,
		HasFreeShippingForOrder:         p.HasFreeShippingForOrder,
		ExcludeOnSale:                   p.ExcludeOnSale,
		IgnoreSales:                     p.IgnoreSales,
		AppliedTo:                       discount.AppliedTo(lo.CoalesceOrEmpty(p.AppliedTo, string(discount.AppliedToMatchingLineItems))),

		PerUserLimit:          p.PerUserLimit,
		PerEmailLimit:         p.PerEmailLimit,
		TotalDiscountUseLimit: p.TotalDiscountUseLimit,

		PurchaseTotal:  p.PurchaseTotal,
		PurchaseQty:    p.PurchaseQty,
		MaxPurchaseQty: p.MaxPurchaseQty,

		SortOrder:    p.SortOrder,
		CouponFormat: p.CouponFormat,

		OrderCondition:           orderCond,
		CustomerCondition:        customerCond,
		ShippingAddressCondition: shippingCond,
		BillingAddressCondition:  billingCond,
		OrderConditionFormula:    p.OrderConditionFormula,
	}

	d.Coupons = lo.Map(p.Coupons, func(c couponPayload, _ int) discount.Coupon {
		return discount.Coupon{ID: c.ID, DiscountID: p.ID, Code: c.Code, MaxUses: c.MaxUses}
	})
	return d, nil
}

func discountToPayload(d *discount.Discount) *discountPayload {
	p := &discountPayload{
		ID:                       d.ID,
		Name:                     d.Name,
		Description:              d.Description,
		Enabled:                  d.Enabled,
		StopProcessing:           d.StopProcessing,
		DateFrom:                 d.DateFrom,
		DateTo:                   d.DateTo,
		AllPurchasables:          d.AllPurchasables,
		AllCategories:            d.AllCategories,
		CategoryRelationshipType: d.CategoryRelationshipType,
		PurchasableIDs:           d.PurchasableIDs,
		CategoryIDs:              d.CategoryIDs,

		BaseDiscount:         d.BaseDiscount,
		BaseDiscountType:     string(d.BaseDiscountType),
		PerItemDiscount:      d.PerItemDiscount,
		PercentDiscount:      d.PercentDiscount,
		PercentageOffSubject: string(d.PercentageOffSubject),

		HasFreeShippingForMatchingItems: d.HasFreeShippingForMatchingItems,
		HasFreeShippingForOrder:         d.HasFreeShippingForOrder,
		ExcludeOnSale:                   d.ExcludeOnSale,
		IgnoreSales:                     d.IgnoreSales,
		AppliedTo:                       string(d.AppliedTo),

		PerUserLimit:          d.PerUserLimit,
		PerEmailLimit:         d.PerEmailLimit,
		TotalDiscountUseLimit: d.TotalDiscountUseLimit,
		TotalDiscountUses:     d.TotalDiscountUses,

		PurchaseTotal:  d.PurchaseTotal,
		PurchaseQty:    d.PurchaseQty,
		MaxPurchaseQty: d.MaxPurchaseQty,

		SortOrder:    d.SortOrder,
		CouponFormat: d.CouponFormat,

		OrderConditionFormula: d.OrderConditionFormula,
		CreatedAt:             &d.CreatedAt,
		UpdatedAt:             &d.UpdatedAt,
	}

	p.Coupons = lo.Map(d.Coupons, func(c discount.Coupon, _ int) couponPayload {
		return couponPayload{ID: c.ID, Code: c.Code, MaxUses: c.MaxUses, Uses: c.Uses}
	})

	p.OrderCondition = conditionConfig(d.OrderCondition)
	p.CustomerCondition = conditionConfig(d.CustomerCondition)
	p.ShippingAddressCondition = conditionConfig(d.ShippingAddressCondition)
	p.BillingAddressCondition = conditionConfig(d.BillingAddressCondition)
	return p
}

func conditionConfig(rs *condition.RuleSet) json.RawMessage {
	cfg, err := rs.Config()
	if err != nil {
		return json.RawMessage("{}")
	}
	return cfg
}

type lineItemPayload struct {
	PurchasableID int64           `json:"purchasableId"`
	Qty           int             `json:"qty"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	OnSale        bool            `json:"onSale,omitempty"`
}

type customerPayload struct {
	ID           int64  `json:"id"`
	Email        string `json:"email,omitempty"`
	Credentialed bool   `json:"credentialed,omitempty"`
}

type addressPayload struct {
	CountryCode        string `json:"countryCode,omitempty"`
	AdministrativeArea string `json:"administrativeArea,omitempty"`
	PostalCode         string `json:"postalCode,omitempty"`
	City               string `json:"city,omitempty"`
}

type adjustmentPayload struct {
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	SourceSnapshot map[string]any  `json:"sourceSnapshot,omitempty"`
}

type orderPayload struct {
	ID              string              `json:"id"`
	CouponCode      string              `json:"couponCode,omitempty"`
	Email           string              `json:"email,omitempty"`
	Customer        *customerPayload    `json:"customer,omitempty"`
	ShippingAddress *addressPayload     `json:"shippingAddress,omitempty"`
	BillingAddress  *addressPayload     `json:"billingAddress,omitempty"`
	IsCompleted     bool                `json:"isCompleted,omitempty"`
	DateOrdered     *time.Time          `json:"dateOrdered,omitempty"`
	LineItems       []lineItemPayload   `json:"lineItems"`
	Adjustments     []adjustmentPayload `json:"adjustments,omitempty"`
}

// toDomain builds the engine's order view, resolving each line item's
// purchasable from the catalog mirror. Unknown purchasables stay nil and
// never match.
func (p *orderPayload) toDomain(ctx context.Context, catalog purchasable.Repository) (*order.Order, error) {
	o := &order.Order{
		ID:          p.ID,
		CouponCode:  p.CouponCode,
		Email:       p.Email,
		IsCompleted: p.IsCompleted,
		DateOrdered: p.DateOrdered,
	}
	if p.Customer != nil {
		o.Customer = &order.Customer{
			ID:           p.Customer.ID,
			Email:        p.Customer.Email,
			Credentialed: p.Customer.Credentialed,
		}
		if o.Email == "" {
			o.Email = p.Customer.Email
		}
	}
	if p.ShippingAddress != nil {
		o.ShippingAddress = addressToDomain(p.ShippingAddress)
	}
	if p.BillingAddress != nil {
		o.BillingAddress = addressToDomain(p.BillingAddress)
	}

	o.LineItems = make([]order.LineItem, len(p.LineItems))
	for i, li := range p.LineItems {
		item := order.LineItem{
			PurchasableID: li.PurchasableID,
			Qty:           li.Qty,
			Subtotal:      li.Subtotal,
			OnSale:        li.OnSale,
		}
		pu, err := catalog.GetByID(ctx, li.PurchasableID)
		if err != nil && !errors.Is(err, purchasable.ErrNotFound) {
			return nil, errors.Wrap(err, "resolve purchasable")
		}
		if err == nil {
			item.Purchasable = pu
		}
		o.LineItems[i] = item
	}

	o.Adjustments = lo.Map(p.Adjustments, func(a adjustmentPayload, _ int) order.Adjustment {
		return order.Adjustment{Type: a.Type, Amount: a.Amount, SourceSnapshot: a.SourceSnapshot}
	})
	return o, nil
}

func addressToDomain(a *addressPayload) *order.Address {
	return &order.Address{
		CountryCode:        a.CountryCode,
		AdministrativeArea: a.AdministrativeArea,
		PostalCode:         a.PostalCode,
		City:               a.City,
	}
}
