package discount

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/promo-engine/internal/domain/condition"
	"github.com/xenking/promo-engine/internal/formula"
)

func TestDiscount_CouponCodeValid(t *testing.T) {
	tests := []struct {
		name    string
		coupons []Coupon
		code    string
		want    bool
	}{
		{name: "no coupons always passes", coupons: nil, code: "", want: true},
		{name: "no coupons passes even with a code", coupons: nil, code: "ANYTHING", want: true},
		{
			name:    "exact match",
			coupons: []Coupon{{Code: "SPRING"}},
			code:    "SPRING",
			want:    true,
		},
		{
			name:    "case-insensitive match",
			coupons: []Coupon{{Code: "SPRING"}},
			code:    "spring",
			want:    true,
		},
		{
			name:    "no match",
			coupons: []Coupon{{Code: "SPRING"}},
			code:    "SUMMER",
			want:    false,
		},
		{
			name:    "empty code against coupons",
			coupons: []Coupon{{Code: "SPRING"}},
			code:    "",
			want:    false,
		},
		{
			name:    "exhausted coupon fails",
			coupons: []Coupon{{Code: "SPRING", MaxUses: lo.ToPtr(5), Uses: 5}},
			code:    "SPRING",
			want:    false,
		},
		{
			name:    "coupon with remaining uses passes",
			coupons: []Coupon{{Code: "SPRING", MaxUses: lo.ToPtr(5), Uses: 4}},
			code:    "SPRING",
			want:    true,
		},
		{
			name:    "nil max uses is unlimited",
			coupons: []Coupon{{Code: "SPRING", Uses: 100000}},
			code:    "SPRING",
			want:    true,
		},
		{
			name: "any coupon in the set can match",
			coupons: []Coupon{
				{Code: "ONE", MaxUses: lo.ToPtr(1), Uses: 1},
				{Code: "TWO"},
			},
			code: "two",
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Discount{Coupons: tt.coupons}
			assert.Equal(t, tt.want, d.CouponCodeValid(tt.code))
		})
	}
}

func TestDiscount_FindCoupon(t *testing.T) {
	d := &Discount{Coupons: []Coupon{{ID: 1, Code: "Alpha"}, {ID: 2, Code: "BETA"}}}

	c, ok := d.FindCoupon("beta")
	require.True(t, ok)
	assert.Equal(t, int64(2), c.ID)

	_, ok = d.FindCoupon("gamma")
	assert.False(t, ok)
}

func TestDiscount_AllItems(t *testing.T) {
	assert.True(t, (&Discount{AllPurchasables: true, AllCategories: true}).AllItems())
	assert.False(t, (&Discount{AllPurchasables: true}).AllItems())
	assert.False(t, (&Discount{AllCategories: true}).AllItems())
}

func TestDiscount_Validate(t *testing.T) {
	formulas, err := formula.NewEvaluator()
	require.NoError(t, err)

	valid := func() *Discount {
		return &Discount{
			Name:            "Spring Sale",
			PercentDiscount: decimal.NewFromInt(10),
		}
	}

	t.Run("valid discount passes", func(t *testing.T) {
		require.NoError(t, valid().Validate(formulas))
	})

	tests := []struct {
		name      string
		mutate    func(*Discount)
		wantField string
	}{
		{
			name:      "blank name",
			mutate:    func(d *Discount) { d.Name = "  " },
			wantField: "name",
		},
		{
			name:      "negative per user limit",
			mutate:    func(d *Discount) { d.PerUserLimit = -1 },
			wantField: "perUserLimit",
		},
		{
			name:      "negative per email limit",
			mutate:    func(d *Discount) { d.PerEmailLimit = -2 },
			wantField: "perEmailLimit",
		},
		{
			name:      "negative total limit",
			mutate:    func(d *Discount) { d.TotalDiscountUseLimit = -1 },
			wantField: "totalDiscountUseLimit",
		},
		{
			name:      "max qty below min qty",
			mutate:    func(d *Discount) { d.PurchaseQty = 5; d.MaxPurchaseQty = 2 },
			wantField: "maxPurchaseQty",
		},
		{
			name:      "negative purchase total",
			mutate:    func(d *Discount) { d.PurchaseTotal = decimal.NewFromInt(-1) },
			wantField: "purchaseTotal",
		},
		{
			name:      "percent above 100",
			mutate:    func(d *Discount) { d.PercentDiscount = decimal.NewFromInt(150) },
			wantField: "percentDiscount",
		},
		{
			name: "date window inverted",
			mutate: func(d *Discount) {
				from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
				to := from.Add(-time.Hour)
				d.DateFrom, d.DateTo = &from, &to
			},
			wantField: "dateTo",
		},
		{
			name:      "blank coupon code",
			mutate:    func(d *Discount) { d.Coupons = []Coupon{{Code: "  "}} },
			wantField: "coupons",
		},
		{
			name: "duplicate coupon codes",
			mutate: func(d *Discount) {
				d.Coupons = []Coupon{{Code: "SAME"}, {Code: "same"}}
			},
			wantField: "coupons",
		},
		{
			name:      "negative coupon max uses",
			mutate:    func(d *Discount) { d.Coupons = []Coupon{{Code: "OK", MaxUses: lo.ToPtr(-1)}} },
			wantField: "coupons",
		},
		{
			name: "invalid condition rule",
			mutate: func(d *Discount) {
				d.OrderCondition = &condition.RuleSet{Rules: []condition.Rule{{Field: condition.FieldOrderQty, Op: "between"}}}
			},
			wantField: "orderCondition",
		},
		{
			name:      "broken formula",
			mutate:    func(d *Discount) { d.OrderConditionFormula = "order.itemSubtotal >" },
			wantField: "orderConditionFormula",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(d)

			err := d.Validate(formulas)
			require.Error(t, err)

			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			fields := lo.Map(vErr.Errors, func(fe FieldError, _ int) string { return fe.Field })
			assert.Contains(t, fields, tt.wantField)
		})
	}
}

func TestDiscount_ValidateCollectsAllErrors(t *testing.T) {
	d := &Discount{
		Name:         "",
		PerUserLimit: -1,
	}
	err := d.Validate(nil)
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.GreaterOrEqual(t, len(vErr.Errors), 2)
}
