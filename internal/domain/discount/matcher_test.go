package discount

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/promo-engine/internal/domain/condition"
	"github.com/xenking/promo-engine/internal/domain/order"
	"github.com/xenking/promo-engine/internal/formula"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func num(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

type usageKey struct {
	discountID int64
	customerID int64
}

type mockUsage struct {
	customer map[usageKey]int
	email    map[string]int
	err      error
}

func (m *mockUsage) CustomerUses(_ context.Context, discountID, customerID int64) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.customer[usageKey{discountID, customerID}], nil
}

func (m *mockUsage) EmailUses(_ context.Context, discountID int64, email string) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.email[fmt.Sprintf("%d:%s", discountID, email)], nil
}

type mockCategories struct {
	related map[int64][]int64
	calls   int
}

func (m *mockCategories) RelatedCategories(_ context.Context, _ string, sourceID int64) ([]int64, error) {
	m.calls++
	return m.related[sourceID], nil
}

type testPurchasable struct {
	id         int64
	promotable bool
	source     int64
}

func (p *testPurchasable) GetID() int64                   { return p.id }
func (p *testPurchasable) IsPromotable() bool             { return p.promotable }
func (p *testPurchasable) PromotionRelationSource() int64 { return p.source }

func newTestMatcher(t *testing.T, usage *mockUsage, categories *mockCategories) *Matcher {
	t.Helper()
	if usage == nil {
		usage = &mockUsage{}
	}
	if categories == nil {
		categories = &mockCategories{}
	}
	formulas, err := formula.NewEvaluator()
	require.NoError(t, err)

	m := NewMatcher(usage, categories, formulas, NewHooks(), zap.NewNop())
	m.now = func() time.Time { return fixedNow }
	return m
}

func lineItem(purchasableID int64, qty int, subtotal string, onSale bool) order.LineItem {
	return order.LineItem{
		PurchasableID: purchasableID,
		Purchasable:   &testPurchasable{id: purchasableID, promotable: true, source: purchasableID},
		Qty:           qty,
		Subtotal:      decimal.RequireFromString(subtotal),
		OnSale:        onSale,
	}
}

func baseOrder() *order.Order {
	return &order.Order{
		ID:    "order-1",
		Email: "buyer@example.com",
		LineItems: []order.LineItem{
			lineItem(1, 2, "40.00", false),
			lineItem(2, 1, "60.00", false),
		},
	}
}

func baseDiscount() *Discount {
	return &Discount{
		ID:              1,
		Name:            "Spring Sale",
		Enabled:         true,
		AllPurchasables: true,
		AllCategories:   true,
	}
}

func TestMatcher_CouponAvailable(t *testing.T) {
	past := fixedNow.Add(-24 * time.Hour)
	future := fixedNow.Add(24 * time.Hour)

	tests := []struct {
		name        string
		order       func(*order.Order)
		discount    *Discount
		usage       *mockUsage
		wantOK      bool
		explanation string
	}{
		{
			name:        "nil discount",
			discount:    nil,
			explanation: "Coupon not valid.",
		},
		{
			name:  "code does not match",
			order: func(o *order.Order) { o.CouponCode = "WRONG" },
			discount: func() *Discount {
				d := baseDiscount()
				d.Coupons = []Coupon{{Code: "SPRING"}}
				return d
			}(),
			explanation: "Coupon not valid.",
		},
		{
			name:  "exhausted coupon",
			order: func(o *order.Order) { o.CouponCode = "SPRING" },
			discount: func() *Discount {
				d := baseDiscount()
				d.Coupons = []Coupon{{Code: "SPRING", MaxUses: lo.ToPtr(1), Uses: 1}}
				return d
			}(),
			explanation: "Coupon not valid.",
		},
		{
			name:  "condition formula rejects",
			order: func(o *order.Order) { o.CouponCode = "SPRING" },
			discount: func() *Discount {
				d := baseDiscount()
				d.Coupons = []Coupon{{Code: "SPRING"}}
				d.OrderConditionFormula = "order.itemSubtotal > 1000.0"
				return d
			}(),
			explanation: "Discount is not allowed for the order.",
		},
		{
			name:  "broken formula fails closed",
			order: func(o *order.Order) { o.CouponCode = "SPRING" },
			discount: func() *Discount {
				d := baseDiscount()
				d.Coupons = []Coupon{{Code: "SPRING"}}
				d.OrderConditionFormula = "order.doesNotExist == 1"
				return d
			}(),
			explanation: "Discount is not allowed for the order.",
		},
		{
			name:  "not started yet",
			order: func(o *order.Order) { o.CouponCode = "SPRING" },
			discount: func() *Discount {
				d := baseDiscount()
				d.Coupons = []Coupon{{Code: "SPRING"}}
				d.DateFrom = &future
				return d
			}(),
			explanation: "Discount is out of date.",
		},
		{
			name:  "expired",
			order: func(o *order.Order) { o.CouponCode = "SPRING" },
			discount: func() *Discount {
				d := baseDiscount()
				d.Coupons = []Coupon{{Code: "SPRING"}}
				d.DateTo = &past
				return d
			}(),
			explanation: "Discount is out of date.",
		},
		{
			name:  "total use limit reached",
			order: func(o *order.Order) { o.CouponCode = "SPRING" },
			discount: func() *Discount {
				d := baseDiscount()
				d.Coupons = []Coupon{{Code: "SPRING"}}
				d.TotalDiscountUseLimit = 10
				d.TotalDiscountUses = 10
				return d
			}(),
			explanation: "Discount use has reached its limit.",
		},
		{
			name: "per-user limit without customer",
			order: func(o *order.Order) {
				o.CouponCode = "SPRING"
				o.Customer = nil
			},
			discount: func() *Discount {
				d := baseDiscount()
				d.Coupons = []Coupon{{Code: "SPRING"}}
				d.PerUserLimit = 2
				return d
			}(),
			explanation: "This coupon is for registered users and limited to 2 uses.",
		},
		{
			name: "per-user limit reached",
			order: func(o *order.Order) {
				o.CouponCode = "SPRING"
				o.Customer = &order.Customer{ID: 9, Credentialed: true}
			},
			discount: func() *Discount {
				d := baseDiscount()
				d.Coupons = []Coupon{{Code: "SPRING"}}
				d.PerUserLimit = 2
				return d
			}(),
			usage: &mockUsage{customer: map[usageKey]int{{1, 9}: 2}},
			explanation: "This coupon is for registered users and limited to 2 uses.",
		},
		{
			name: "email required",
			order: func(o *order.Order) {
				o.CouponCode = "SPRING"
				o.Email = ""
			},
			discount: func() *Discount {
				d := baseDiscount()
				d.Coupons = []Coupon{{Code: "SPRING"}}
				d.PerEmailLimit = 1
				return d
			}(),
			explanation: "This coupon requires an email address.",
		},
		{
			name:  "per-email limit reached",
			order: func(o *order.Order) { o.CouponCode = "SPRING" },
			discount: func() *Discount {
				d := baseDiscount()
				d.Coupons = []Coupon{{Code: "SPRING"}}
				d.PerEmailLimit = 3
				return d
			}(),
			usage:       &mockUsage{email: map[string]int{"1:buyer@example.com": 3}},
			explanation: "This coupon is limited to 3 uses.",
		},
		{
			name:  "available",
			order: func(o *order.Order) { o.CouponCode = "spring" },
			discount: func() *Discount {
				d := baseDiscount()
				d.Coupons = []Coupon{{Code: "SPRING"}}
				d.PerEmailLimit = 3
				return d
			}(),
			usage:  &mockUsage{email: map[string]int{"1:buyer@example.com": 2}},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMatcher(t, tt.usage, nil)
			o := baseOrder()
			if tt.order != nil {
				tt.order(o)
			}

			ok, explanation, err := m.CouponAvailable(context.Background(), o, tt.discount)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.explanation, explanation)
		})
	}
}

func TestMatcher_MatchOrder(t *testing.T) {
	countryRule := func(country string) *condition.RuleSet {
		return &condition.RuleSet{Rules: []condition.Rule{
			{Field: condition.FieldAddressCountry, Op: condition.OpEq, Value: country},
		}}
	}

	tests := []struct {
		name     string
		order    func(*order.Order)
		discount func(*Discount)
		want     bool
	}{
		{
			name:     "plain discount matches",
			discount: func(d *Discount) {},
			want:     true,
		},
		{
			name:     "disabled never matches",
			discount: func(d *Discount) { d.Enabled = false },
			want:     false,
		},
		{
			name: "order condition passes",
			discount: func(d *Discount) {
				d.OrderCondition = &condition.RuleSet{Rules: []condition.Rule{
					{Field: condition.FieldOrderTotal, Op: condition.OpGte, Number: num("100")},
				}}
			},
			want: true,
		},
		{
			name: "order condition fails",
			discount: func(d *Discount) {
				d.OrderCondition = &condition.RuleSet{Rules: []condition.Rule{
					{Field: condition.FieldOrderTotal, Op: condition.OpGt, Number: num("100")},
				}}
			},
			want: false,
		},
		{
			name: "customer condition with no customer fails",
			discount: func(d *Discount) {
				d.CustomerCondition = &condition.RuleSet{Rules: []condition.Rule{
					{Field: condition.FieldCustomerCredentialed, Op: condition.OpEq, Value: "true"},
				}}
			},
			want: false,
		},
		{
			name: "customer condition passes",
			order: func(o *order.Order) {
				o.Customer = &order.Customer{ID: 1, Credentialed: true}
			},
			discount: func(d *Discount) {
				d.CustomerCondition = &condition.RuleSet{Rules: []condition.Rule{
					{Field: condition.FieldCustomerCredentialed, Op: condition.OpEq, Value: "true"},
				}}
			},
			want: true,
		},
		{
			name: "shipping condition checks shipping address",
			order: func(o *order.Order) {
				o.ShippingAddress = &order.Address{CountryCode: "US"}
			},
			discount: func(d *Discount) { d.ShippingAddressCondition = countryRule("US") },
			want:     true,
		},
		{
			name: "billing condition checks billing address not shipping",
			order: func(o *order.Order) {
				o.ShippingAddress = &order.Address{CountryCode: "US"}
				o.BillingAddress = &order.Address{CountryCode: "DE"}
			},
			discount: func(d *Discount) { d.BillingAddressCondition = countryRule("US") },
			want:     false,
		},
		{
			name: "billing condition passes against billing address",
			order: func(o *order.Order) {
				o.ShippingAddress = &order.Address{CountryCode: "DE"}
				o.BillingAddress = &order.Address{CountryCode: "US"}
			},
			discount: func(d *Discount) { d.BillingAddressCondition = countryRule("US") },
			want:     true,
		},
		{
			name:     "billing condition with no billing address fails",
			discount: func(d *Discount) { d.BillingAddressCondition = countryRule("US") },
			want:     false,
		},
		{
			name:  "coupon mismatch fails",
			order: func(o *order.Order) { o.CouponCode = "WRONG" },
			discount: func(d *Discount) {
				d.Coupons = []Coupon{{Code: "SPRING"}}
			},
			want: false,
		},
		{
			name: "completed order uses completion time for the window",
			order: func(o *order.Order) {
				o.IsCompleted = true
				ordered := fixedNow.Add(-30 * 24 * time.Hour)
				o.DateOrdered = &ordered
			},
			discount: func(d *Discount) {
				// Window covered the order date but has since closed.
				from := fixedNow.Add(-60 * 24 * time.Hour)
				to := fixedNow.Add(-7 * 24 * time.Hour)
				d.DateFrom, d.DateTo = &from, &to
			},
			want: true,
		},
		{
			name: "cart checks window against the clock",
			discount: func(d *Discount) {
				to := fixedNow.Add(-7 * 24 * time.Hour)
				d.DateTo = &to
			},
			want: false,
		},
		{
			name: "all-items purchase total met",
			discount: func(d *Discount) {
				d.PurchaseTotal = decimal.NewFromInt(100)
			},
			want: true,
		},
		{
			name: "all-items purchase total not met",
			discount: func(d *Discount) {
				d.PurchaseTotal = decimal.NewFromInt(101)
			},
			want: false,
		},
		{
			name:     "all-items min quantity not met",
			discount: func(d *Discount) { d.PurchaseQty = 4 },
			want:     false,
		},
		{
			name:     "all-items max quantity exceeded",
			discount: func(d *Discount) { d.MaxPurchaseQty = 2 },
			want:     false,
		},
		{
			name: "scoped threshold counts matching subset only",
			discount: func(d *Discount) {
				d.AllPurchasables = false
				d.PurchasableIDs = []int64{1}
				// Order subtotal is 100 but only item 1 (40.00) matches.
				d.PurchaseTotal = decimal.NewFromInt(50)
			},
			want: false,
		},
		{
			name: "scoped threshold met by matching subset",
			discount: func(d *Discount) {
				d.AllPurchasables = false
				d.PurchasableIDs = []int64{1}
				d.PurchaseTotal = decimal.NewFromInt(40)
				d.PurchaseQty = 2
			},
			want: true,
		},
		{
			name: "scoped discount with no matching items fails",
			discount: func(d *Discount) {
				d.AllPurchasables = false
				d.PurchasableIDs = []int64{99}
			},
			want: false,
		},
		{
			name: "formula gate",
			discount: func(d *Discount) {
				d.OrderConditionFormula = "order.totalQty >= 3"
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMatcher(t, nil, nil)
			o := baseOrder()
			if tt.order != nil {
				tt.order(o)
			}
			d := baseDiscount()
			tt.discount(d)

			got, err := m.MatchOrder(context.Background(), o, d)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatcher_MatchOrderIsIdempotent(t *testing.T) {
	usage := &mockUsage{email: map[string]int{"1:buyer@example.com": 1}}
	m := newTestMatcher(t, usage, nil)

	o := baseOrder()
	o.CouponCode = "SPRING"
	d := baseDiscount()
	d.Coupons = []Coupon{{Code: "SPRING"}}
	d.PerEmailLimit = 5

	for range 3 {
		got, err := m.MatchOrder(context.Background(), o, d)
		require.NoError(t, err)
		assert.True(t, got)
	}
	// Matching never mutates counters.
	assert.Equal(t, 1, usage.email["1:buyer@example.com"])
	assert.Equal(t, 0, d.TotalDiscountUses)
}

func TestMatcher_MatchOrderHookVeto(t *testing.T) {
	m := newTestMatcher(t, nil, nil)
	m.hooks.OnMatchOrder(func(o *order.Order, d *Discount) bool { return false })

	got, err := m.MatchOrder(context.Background(), baseOrder(), baseDiscount())
	require.NoError(t, err)
	assert.False(t, got)
}

func TestMatcher_MatchLineItem(t *testing.T) {
	tests := []struct {
		name     string
		item     order.LineItem
		discount func(*Discount)
		want     bool
	}{
		{
			name:     "promotable item matches all-items discount",
			item:     lineItem(1, 1, "10.00", false),
			discount: func(d *Discount) {},
			want:     true,
		},
		{
			name:     "on-sale item excluded",
			item:     lineItem(1, 1, "10.00", true),
			discount: func(d *Discount) { d.ExcludeOnSale = true },
			want:     false,
		},
		{
			name:     "on-sale item allowed when not excluded",
			item:     lineItem(1, 1, "10.00", true),
			discount: func(d *Discount) {},
			want:     true,
		},
		{
			name: "non-promotable purchasable",
			item: order.LineItem{
				PurchasableID: 1,
				Purchasable:   &testPurchasable{id: 1, promotable: false},
				Qty:           1,
				Subtotal:      decimal.NewFromInt(10),
			},
			discount: func(d *Discount) {},
			want:     false,
		},
		{
			name:     "missing purchasable",
			item:     order.LineItem{PurchasableID: 1, Qty: 1, Subtotal: decimal.NewFromInt(10)},
			discount: func(d *Discount) {},
			want:     false,
		},
		{
			name: "purchasable membership excludes",
			item: lineItem(2, 1, "10.00", false),
			discount: func(d *Discount) {
				d.AllPurchasables = false
				d.PurchasableIDs = []int64{1}
			},
			want: false,
		},
		{
			name: "purchasable membership includes",
			item: lineItem(1, 1, "10.00", false),
			discount: func(d *Discount) {
				d.AllPurchasables = false
				d.PurchasableIDs = []int64{1, 7}
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMatcher(t, nil, nil)
			d := baseDiscount()
			tt.discount(d)

			got, err := m.MatchLineItem(context.Background(), baseOrder(), tt.item, d, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatcher_CategoryRelationsMemoized(t *testing.T) {
	categories := &mockCategories{related: map[int64][]int64{
		100: {10, 11},
	}}
	m := newTestMatcher(t, nil, categories)

	d := baseDiscount()
	d.AllCategories = false
	d.CategoryIDs = []int64{11}
	d.CategoryRelationshipType = "element"

	item := order.LineItem{
		PurchasableID: 1,
		Purchasable:   &testPurchasable{id: 1, promotable: true, source: 100},
		Qty:           1,
		Subtotal:      decimal.NewFromInt(10),
	}

	for range 3 {
		got, err := m.MatchLineItem(context.Background(), baseOrder(), item, d, false)
		require.NoError(t, err)
		assert.True(t, got)
	}
	assert.Equal(t, 1, categories.calls, "relation lookup memoized per key")

	m.InvalidateMemo()
	_, err := m.MatchLineItem(context.Background(), baseOrder(), item, d, false)
	require.NoError(t, err)
	assert.Equal(t, 2, categories.calls, "memo flush forces a fresh lookup")
}

func TestMatcher_CategoryMismatch(t *testing.T) {
	categories := &mockCategories{related: map[int64][]int64{100: {42}}}
	m := newTestMatcher(t, nil, categories)

	d := baseDiscount()
	d.AllCategories = false
	d.CategoryIDs = []int64{11}

	item := order.LineItem{
		PurchasableID: 1,
		Purchasable:   &testPurchasable{id: 1, promotable: true, source: 100},
		Qty:           1,
		Subtotal:      decimal.NewFromInt(10),
	}

	got, err := m.MatchLineItem(context.Background(), baseOrder(), item, d, false)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestMatcher_LineItemHookVeto(t *testing.T) {
	m := newTestMatcher(t, nil, nil)
	m.hooks.OnMatchLineItem(func(o *order.Order, li order.LineItem, d *Discount) bool {
		return li.PurchasableID != 2
	})

	got, err := m.MatchLineItem(context.Background(), baseOrder(), lineItem(1, 1, "10.00", false), baseDiscount(), false)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = m.MatchLineItem(context.Background(), baseOrder(), lineItem(2, 1, "10.00", false), baseDiscount(), false)
	require.NoError(t, err)
	assert.False(t, got)
}
