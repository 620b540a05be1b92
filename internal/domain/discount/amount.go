package discount

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/order"
)

var hundred = decimal.NewFromInt(100)

// DiscountAmount computes the monetary effect the discount would have on
// the order: per-item and percentage effects over the applicable line items
// plus the order-level base discount, rounded to the store currency and
// capped at the order subtotal. Returns zero when the discount does not
// match the order.
func (s *Service) DiscountAmount(ctx context.Context, o *order.Order, d *Discount) (decimal.Decimal, error) {
	match, err := s.matcher.MatchOrder(ctx, o, d)
	if err != nil || !match {
		return decimal.Zero, err
	}

	items, err := s.applicableLineItems(ctx, o, d)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, li := range items {
		total = total.Add(d.PerItemDiscount.Mul(decimal.NewFromInt(int64(li.Qty))))
		total = total.Add(li.Subtotal.Mul(d.PercentDiscount).Div(hundred))
	}

	switch d.BaseDiscountType {
	case BaseDiscountPercent:
		total = total.Add(o.ItemSubtotal().Mul(d.BaseDiscount).Div(hundred))
	default:
		total = total.Add(d.BaseDiscount)
	}

	total = s.rounder.Round(total, nil)
	if subtotal := o.ItemSubtotal(); total.GreaterThan(subtotal) {
		total = subtotal
	}
	return total, nil
}

// applicableLineItems selects the line items the discount's per-item
// effects cover, per its AppliedTo setting.
func (s *Service) applicableLineItems(ctx context.Context, o *order.Order, d *Discount) ([]order.LineItem, error) {
	if d.AppliedTo == AppliedToAllLineItems {
		return o.LineItems, nil
	}
	var items []order.LineItem
	for _, li := range o.LineItems {
		ok, err := s.matcher.MatchLineItem(ctx, o, li, d, false)
		if err != nil {
			return nil, err
		}
		if ok {
			items = append(items, li)
		}
	}
	return items, nil
}
