// Package order defines the order-side types the discount engine consumes.
// Orders are not persisted by this service: they arrive fully formed in API
// payloads from the storefront.
package order

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/condition"
)

// AdjustmentTypeDiscount marks adjustments produced by the discount engine.
const AdjustmentTypeDiscount = "discount"

// Purchasable is the capability a line item's product must expose for
// discount matching.
type Purchasable interface {
	// GetID returns the purchasable's identifier.
	GetID() int64
	// IsPromotable reports whether promotions may apply to this purchasable.
	IsPromotable() bool
	// PromotionRelationSource returns the identifier used to resolve
	// category relations (usually the owning product).
	PromotionRelationSource() int64
}

// LineItem is one purchasable-quantity entry within an order.
type LineItem struct {
	PurchasableID int64
	Purchasable   Purchasable
	Qty           int
	Subtotal      decimal.Decimal
	OnSale        bool
}

// Customer identifies the order's customer, when known.
type Customer struct {
	ID    int64
	Email string
	// Credentialed reports whether the customer has a login; only
	// credentialed customers accrue per-user discount usage.
	Credentialed bool
}

// Address is a shipping or billing address.
type Address struct {
	CountryCode        string
	AdministrativeArea string
	PostalCode         string
	City               string
}

// Adjustment is one price adjustment recorded on the order. Discount
// adjustments carry a source snapshot identifying the discount that
// produced them.
type Adjustment struct {
	Type           string
	Amount         decimal.Decimal
	SourceSnapshot map[string]any
}

// DiscountUseID extracts the discount identifier from the adjustment's
// source snapshot. Snapshots arrive via JSON, so numbers may be float64,
// json.Number, or int64 depending on the decoder.
func (a Adjustment) DiscountUseID() (int64, bool) {
	raw, ok := a.SourceSnapshot["discountUseId"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	default:
		return 0, false
	}
}

// Order is the engine's view of a cart or completed order.
type Order struct {
	ID              string
	LineItems       []LineItem
	CouponCode      string
	Email           string
	Customer        *Customer
	ShippingAddress *Address
	BillingAddress  *Address
	IsCompleted     bool
	DateOrdered     *time.Time
	Adjustments     []Adjustment
}

// ItemSubtotal returns the sum of line item subtotals.
func (o *Order) ItemSubtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, li := range o.LineItems {
		sum = sum.Add(li.Subtotal)
	}
	return sum
}

// TotalQty returns the sum of line item quantities.
func (o *Order) TotalQty() int {
	total := 0
	for _, li := range o.LineItems {
		total += li.Qty
	}
	return total
}

// DiscountAdjustments returns the order's discount-type adjustments.
func (o *Order) DiscountAdjustments() []Adjustment {
	var out []Adjustment
	for _, a := range o.Adjustments {
		if a.Type == AdjustmentTypeDiscount {
			out = append(out, a)
		}
	}
	return out
}

// ConditionValue implements condition.Subject for order-level rules.
func (o *Order) ConditionValue(field condition.Field) (any, bool) {
	switch field {
	case condition.FieldOrderTotal:
		return o.ItemSubtotal(), true
	case condition.FieldOrderQty:
		return o.TotalQty(), true
	case condition.FieldOrderCouponCode:
		return o.CouponCode, true
	case condition.FieldOrderEmail:
		return o.Email, true
	default:
		return nil, false
	}
}

// ConditionValue implements condition.Subject for customer rules.
func (c *Customer) ConditionValue(field condition.Field) (any, bool) {
	switch field {
	case condition.FieldCustomerEmail:
		return c.Email, true
	case condition.FieldCustomerCredentialed:
		return c.Credentialed, true
	default:
		return nil, false
	}
}

// ConditionValue implements condition.Subject for address rules.
func (a *Address) ConditionValue(field condition.Field) (any, bool) {
	switch field {
	case condition.FieldAddressCountry:
		return a.CountryCode, true
	case condition.FieldAddressRegion:
		return a.AdministrativeArea, true
	case condition.FieldAddressPostalCode:
		return a.PostalCode, true
	case condition.FieldAddressCity:
		return a.City, true
	default:
		return nil, false
	}
}

// FormulaSnapshot flattens the order into the key-value form condition
// formulas are evaluated against. The shape is part of the formula contract:
// changing a key breaks stored formulas.
func (o *Order) FormulaSnapshot() map[string]any {
	items := make([]any, len(o.LineItems))
	for i, li := range o.LineItems {
		items[i] = map[string]any{
			"purchasableId": li.PurchasableID,
			"qty":           li.Qty,
			"subtotal":      li.Subtotal.InexactFloat64(),
			"onSale":        li.OnSale,
		}
	}

	snap := map[string]any{
		"id":           o.ID,
		"couponCode":   o.CouponCode,
		"email":        o.Email,
		"itemSubtotal": o.ItemSubtotal().InexactFloat64(),
		"totalQty":     o.TotalQty(),
		"isCompleted":  o.IsCompleted,
		"lineItems":    items,
	}
	if o.ShippingAddress != nil {
		snap["shippingAddress"] = addressSnapshot(o.ShippingAddress)
	}
	if o.BillingAddress != nil {
		snap["billingAddress"] = addressSnapshot(o.BillingAddress)
	}
	return snap
}

func addressSnapshot(a *Address) map[string]any {
	return map[string]any{
		"countryCode":        a.CountryCode,
		"administrativeArea": a.AdministrativeArea,
		"postalCode":         a.PostalCode,
		"city":               a.City,
	}
}
