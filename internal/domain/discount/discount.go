// Package discount implements the discount matching engine: discount and
// coupon models, eligibility rules, order and line item matching, and usage
// accounting.
package discount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/condition"
)

// ErrNotFound is returned when a discount does not exist.
var ErrNotFound = errors.New("discount not found")

// BaseDiscountType describes how the base discount amount is interpreted.
type BaseDiscountType string

const (
	// BaseDiscountValue subtracts a fixed amount from the order.
	BaseDiscountValue BaseDiscountType = "value"
	// BaseDiscountPercent subtracts a percentage of the order total.
	BaseDiscountPercent BaseDiscountType = "percent"
)

// PercentageOffSubject selects which price the percent discount applies to.
type PercentageOffSubject string

const (
	// SubjectOriginal applies the percentage to the original sale price.
	SubjectOriginal PercentageOffSubject = "original"
	// SubjectDiscounted applies the percentage to the already-discounted price.
	SubjectDiscounted PercentageOffSubject = "discounted"
)

// AppliedTo selects which line items a matched discount's per-item effects
// cover.
type AppliedTo string

const (
	AppliedToMatchingLineItems AppliedTo = "matching_line_items"
	AppliedToAllLineItems      AppliedTo = "all_line_items"
)

// Coupon is a code-gated activation for a discount with its own usage cap.
// Multiple coupons may point at the same discount.
type Coupon struct {
	ID         int64
	DiscountID int64
	Code       string
	// MaxUses caps how many times the coupon can be redeemed. Nil means
	// unlimited.
	MaxUses *int
	Uses    int
}

// Discount is a rule bundle defining eligibility conditions and a monetary
// effect applied to matching orders and line items.
type Discount struct {
	ID          int64
	Name        string
	Description string
	Enabled     bool
	// StopProcessing short-circuits evaluation of lower-priority discounts
	// once this one matches.
	StopProcessing bool

	// Validity window. Nil bounds are open-ended.
	DateFrom *time.Time
	DateTo   *time.Time

	// Scope. When AllPurchasables (or AllCategories) is true the membership
	// set below is empty and every purchasable (category) is in scope. When
	// false, an empty membership set means the discount never matches on
	// that axis.
	AllPurchasables          bool
	AllCategories            bool
	CategoryRelationshipType string
	PurchasableIDs           []int64
	CategoryIDs              []int64

	// Monetary effect.
	BaseDiscount         decimal.Decimal
	BaseDiscountType     BaseDiscountType
	PerItemDiscount      decimal.Decimal
	PercentDiscount      decimal.Decimal
	PercentageOffSubject PercentageOffSubject

	HasFreeShippingForMatchingItems bool
	HasFreeShippingForOrder         bool
	ExcludeOnSale                   bool
	IgnoreSales                     bool
	AppliedTo                       AppliedTo

	// Usage limits. Zero means unlimited.
	PerUserLimit          int
	PerEmailLimit         int
	TotalDiscountUseLimit int
	TotalDiscountUses     int

	// Purchase thresholds. Applied to order-level totals for all-items
	// discounts, and to the matching line item subset otherwise.
	PurchaseTotal  decimal.Decimal
	PurchaseQty    int
	MaxPurchaseQty int

	SortOrder    int
	CouponFormat string
	Coupons      []Coupon

	// Condition rule sets. A nil or empty rule set always passes.
	OrderCondition           *condition.RuleSet
	CustomerCondition        *condition.RuleSet
	ShippingAddressCondition *condition.RuleSet
	BillingAddressCondition  *condition.RuleSet

	// OrderConditionFormula is an optional CEL expression over the order
	// snapshot. Evaluation errors fail closed.
	OrderConditionFormula string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllItems reports whether the discount applies to every purchasable and
// category, allowing order-level threshold checks to skip per-line-item
// matching.
func (d *Discount) AllItems() bool {
	return d.AllPurchasables && d.AllCategories
}

// CouponCodeValid reports whether the given order coupon code activates this
// discount. Code-less discounts always pass. Matching is case-insensitive
// and the matched coupon must have remaining uses.
func (d *Discount) CouponCodeValid(code string) bool {
	if len(d.Coupons) == 0 {
		return true
	}
	return lo.SomeBy(d.Coupons, func(c Coupon) bool {
		return strings.EqualFold(c.Code, code) && (c.MaxUses == nil || *c.MaxUses > c.Uses)
	})
}

// FindCoupon returns the discount's coupon with the given code,
// case-insensitively.
func (d *Discount) FindCoupon(code string) (Coupon, bool) {
	return lo.Find(d.Coupons, func(c Coupon) bool {
		return strings.EqualFold(c.Code, code)
	})
}

// FieldError attaches a validation message to the discount field that
// caused it.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is the list of field errors that prevented a save.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "discount validation failed"
	}
	return fmt.Sprintf("discount validation failed: %s: %s", e.Errors[0].Field, e.Errors[0].Message)
}

// FormulaValidator compiles a condition formula without evaluating it.
type FormulaValidator interface {
	Validate(formula string) error
}

// Validate checks the discount's fields before persistence. It returns a
// *ValidationError listing every failed field, or nil.
func (d *Discount) Validate(formulas FormulaValidator) error {
	var fieldErrs []FieldError
	add := func(field, message string) {
		fieldErrs = append(fieldErrs, FieldError{Field: field, Message: message})
	}

	if strings.TrimSpace(d.Name) == "" {
		add("name", "Name cannot be blank.")
	}
	if d.PerUserLimit < 0 {
		add("perUserLimit", "Per user limit cannot be negative.")
	}
	if d.PerEmailLimit < 0 {
		add("perEmailLimit", "Per email limit cannot be negative.")
	}
	if d.TotalDiscountUseLimit < 0 {
		add("totalDiscountUseLimit", "Total use limit cannot be negative.")
	}
	if d.PurchaseQty < 0 {
		add("purchaseQty", "Minimum quantity cannot be negative.")
	}
	if d.MaxPurchaseQty < 0 {
		add("maxPurchaseQty", "Maximum quantity cannot be negative.")
	}
	if d.PurchaseQty > 0 && d.MaxPurchaseQty > 0 && d.MaxPurchaseQty < d.PurchaseQty {
		add("maxPurchaseQty", "Maximum quantity cannot be less than the minimum quantity.")
	}
	if d.PurchaseTotal.IsNegative() {
		add("purchaseTotal", "Minimum total cannot be negative.")
	}
	if d.PercentDiscount.IsNegative() || d.PercentDiscount.GreaterThan(decimal.NewFromInt(100)) {
		add("percentDiscount", "Percent discount must be between 0 and 100.")
	}
	if d.DateFrom != nil && d.DateTo != nil && d.DateTo.Before(*d.DateFrom) {
		add("dateTo", "End date must be after the start date.")
	}

	seen := make(map[string]struct{}, len(d.Coupons))
	for _, c := range d.Coupons {
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		if code == "" {
			add("coupons", "Coupon codes cannot be blank.")
			continue
		}
		if _, dup := seen[code]; dup {
			add("coupons", fmt.Sprintf("Duplicate coupon code %q.", c.Code))
		}
		seen[code] = struct{}{}
		if c.MaxUses != nil && *c.MaxUses < 0 {
			add("coupons", fmt.Sprintf("Coupon %q max uses cannot be negative.", c.Code))
		}
	}

	for _, cond := range []struct {
		field string
		rs    *condition.RuleSet
	}{
		{"orderCondition", d.OrderCondition},
		{"customerCondition", d.CustomerCondition},
		{"shippingAddressCondition", d.ShippingAddressCondition},
		{"billingAddressCondition", d.BillingAddressCondition},
	} {
		if err := cond.rs.Validate(); err != nil {
			add(cond.field, err.Error())
		}
	}

	if d.OrderConditionFormula != "" && formulas != nil {
		if err := formulas.Validate(d.OrderConditionFormula); err != nil {
			add("orderConditionFormula", "Condition formula does not compile.")
		}
	}

	if len(fieldErrs) > 0 {
		return &ValidationError{Errors: fieldErrs}
	}
	return nil
}

// UsageStats summarizes recorded usage for one counter dimension.
type UsageStats struct {
	// Uses is the total recorded redemptions.
	Uses int `json:"uses"`
	// Distinct is the number of distinct customers or emails with at least
	// one use.
	Distinct int `json:"distinct"`
}

// RecordUsageParams carries one order-completion usage update for a single
// discount. The store must apply the whole update in one transaction.
type RecordUsageParams struct {
	DiscountID int64
	// CustomerID is set only for credentialed customers.
	CustomerID *int64
	Email      string
	CouponCode string
}

// Repository is the persistent store for discounts, coupons, and usage
// counters.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Discount, error)
	// GetByCode returns the enabled discount activated by the given coupon
	// code (case-insensitive), or ErrNotFound.
	GetByCode(ctx context.Context, code string) (*Discount, error)
	All(ctx context.Context) ([]*Discount, error)
	// AllActive returns enabled discounts whose date window covers at and,
	// when couponCode is non-empty, either carry a matching usable coupon
	// or require no coupon at all.
	AllActive(ctx context.Context, at time.Time, couponCode string) ([]*Discount, error)
	Save(ctx context.Context, d *Discount) error
	Delete(ctx context.Context, id int64) error
	Reorder(ctx context.Context, ids []int64) error

	CustomerUses(ctx context.Context, discountID, customerID int64) (int, error)
	EmailUses(ctx context.Context, discountID int64, email string) (int, error)
	// RecordUsage applies all counter increments for one discount
	// atomically: customer and email upserts, the discount's total counter,
	// and the redeemed coupon's counter.
	RecordUsage(ctx context.Context, params RecordUsageParams) error
	CustomerUsageStats(ctx context.Context, discountID int64) (UsageStats, error)
	EmailUsageStats(ctx context.Context, discountID int64) (UsageStats, error)
	ClearCustomerUsage(ctx context.Context, discountID int64) error
	ClearEmailUsage(ctx context.Context, discountID int64) error
	ClearTotalUses(ctx context.Context, discountID int64) error
}

// UsageSource is the narrow read interface the matcher needs for per-user
// and per-email limit checks. Repository satisfies it.
type UsageSource interface {
	CustomerUses(ctx context.Context, discountID, customerID int64) (int, error)
	EmailUses(ctx context.Context, discountID int64, email string) (int, error)
}

// CategoryResolver resolves category relations for a purchasable's
// promotion source.
type CategoryResolver interface {
	RelatedCategories(ctx context.Context, relationshipType string, sourceID int64) ([]int64, error)
}
