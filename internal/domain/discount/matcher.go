package discount

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/promo-engine/internal/domain/order"
	"github.com/xenking/promo-engine/internal/formula"
)

// Explanations surfaced to the checkout flow when a coupon or discount
// cannot be applied. These are user-facing strings, never raw errors.
const (
	explCouponNotValid  = "Coupon not valid."
	explNotAllowed      = "Discount is not allowed for the order."
	explOutOfDate       = "Discount is out of date."
	explUseLimitReached = "Discount use has reached its limit."
	explEmailRequired   = "This coupon requires an email address."
)

func explPerUserLimit(limit int) string {
	return fmt.Sprintf("This coupon is for registered users and limited to %d uses.", limit)
}

func explPerEmailLimit(limit int) string {
	return fmt.Sprintf("This coupon is limited to %d uses.", limit)
}

// Matcher decides whether discounts apply to orders and line items. It is
// pure given fixed store state: matching never mutates counters.
type Matcher struct {
	usage      UsageSource
	categories CategoryResolver
	formulas   *formula.Evaluator
	hooks      *Hooks
	log        *zap.Logger

	// now is replaced in tests.
	now func() time.Time

	// categoryMatch memoizes line item category relation lookups per
	// relationship type, purchasable, and category set. Flushed on any
	// discount mutation.
	mu            sync.Mutex
	categoryMatch map[string]bool
}

// NewMatcher creates a Matcher with the given collaborators.
func NewMatcher(usage UsageSource, categories CategoryResolver, formulas *formula.Evaluator, hooks *Hooks, log *zap.Logger) *Matcher {
	return &Matcher{
		usage:         usage,
		categories:    categories,
		formulas:      formulas,
		hooks:         hooks,
		log:           log,
		now:           time.Now,
		categoryMatch: make(map[string]bool),
	}
}

// InvalidateMemo clears the category relation memo. Called whenever a
// discount or relation mutates.
func (m *Matcher) InvalidateMemo() {
	m.mu.Lock()
	m.categoryMatch = make(map[string]bool)
	m.mu.Unlock()
}

// CouponAvailable runs the eligibility rule chain for the discount against
// the order, short-circuiting on the first failure and returning its
// user-facing explanation. A nil discount means the order's coupon code
// resolved to nothing.
func (m *Matcher) CouponAvailable(ctx context.Context, o *order.Order, d *Discount) (bool, string, error) {
	if d == nil || !d.CouponCodeValid(o.CouponCode) {
		return false, explCouponNotValid, nil
	}

	if !m.conditionFormulaValid(o, d) {
		return false, explNotAllowed, nil
	}

	if !m.dateValid(o, d) {
		return false, explOutOfDate, nil
	}

	if !totalUseLimitValid(d) {
		return false, explUseLimitReached, nil
	}

	ok, err := m.perUserUsageValid(ctx, d, o.Customer)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, explPerUserLimit(d.PerUserLimit), nil
	}

	if !emailRequirementValid(d, o) {
		return false, explEmailRequired, nil
	}

	ok, err = m.perEmailLimitValid(ctx, d, o)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, explPerEmailLimit(d.PerEmailLimit), nil
	}

	return true, "", nil
}

// MatchOrder reports whether the discount applies to the order. Checks run
// top to bottom and short-circuit on the first failure.
func (m *Matcher) MatchOrder(ctx context.Context, o *order.Order, d *Discount) (bool, error) {
	if !d.Enabled {
		return false, nil
	}

	if d.OrderCondition.HasRules() && !d.OrderCondition.Matches(o) {
		return false, nil
	}

	if d.CustomerCondition.HasRules() {
		if o.Customer == nil || !d.CustomerCondition.Matches(o.Customer) {
			return false, nil
		}
	}

	if d.ShippingAddressCondition.HasRules() {
		if o.ShippingAddress == nil || !d.ShippingAddressCondition.Matches(o.ShippingAddress) {
			return false, nil
		}
	}

	// Evaluated against the billing address proper, not the shipping
	// address.
	if d.BillingAddressCondition.HasRules() {
		if o.BillingAddress == nil || !d.BillingAddressCondition.Matches(o.BillingAddress) {
			return false, nil
		}
	}

	if !d.CouponCodeValid(o.CouponCode) {
		return false, nil
	}

	if !m.dateValid(o, d) {
		return false, nil
	}

	if !totalUseLimitValid(d) {
		return false, nil
	}

	ok, err := m.perUserUsageValid(ctx, d, o.Customer)
	if err != nil || !ok {
		return false, err
	}

	if !emailRequirementValid(d, o) {
		return false, nil
	}

	ok, err = m.perEmailLimitValid(ctx, d, o)
	if err != nil || !ok {
		return false, err
	}

	if !m.conditionFormulaValid(o, d) {
		return false, nil
	}

	if d.AllItems() {
		if d.PurchaseTotal.IsPositive() && o.ItemSubtotal().LessThan(d.PurchaseTotal) {
			return false, nil
		}
		if d.PurchaseQty > 0 && o.TotalQty() < d.PurchaseQty {
			return false, nil
		}
		if d.MaxPurchaseQty > 0 && o.TotalQty() > d.MaxPurchaseQty {
			return false, nil
		}
	} else {
		// Scoped discounts aggregate over the matching subset only.
		matched, matchingTotal, matchingQty, err := m.matchingLineItems(ctx, o, d)
		if err != nil {
			return false, err
		}
		if matched == 0 {
			return false, nil
		}
		if d.PurchaseTotal.IsPositive() && matchingTotal.LessThan(d.PurchaseTotal) {
			return false, nil
		}
		if d.PurchaseQty > 0 && matchingQty < d.PurchaseQty {
			return false, nil
		}
		if d.MaxPurchaseQty > 0 && matchingQty > d.MaxPurchaseQty {
			return false, nil
		}
	}

	return m.hooks.orderMatchAllowed(o, d), nil
}

// MatchLineItem reports whether the discount applies to one line item.
// matchOrderAlso additionally requires the owning order to match; the order
// matcher itself always passes false here to avoid infinite recursion.
func (m *Matcher) MatchLineItem(ctx context.Context, o *order.Order, li order.LineItem, d *Discount, matchOrderAlso bool) (bool, error) {
	if matchOrderAlso {
		ok, err := m.MatchOrder(ctx, o, d)
		if err != nil || !ok {
			return false, err
		}
	}

	if li.OnSale && d.ExcludeOnSale {
		return false, nil
	}

	if li.Purchasable == nil || !li.Purchasable.IsPromotable() {
		return false, nil
	}

	if !d.AllPurchasables && !lo.Contains(d.PurchasableIDs, li.PurchasableID) {
		return false, nil
	}

	if !d.AllCategories {
		related, err := m.relatedToCategories(ctx, li.Purchasable, d)
		if err != nil {
			return false, err
		}
		if !related {
			return false, nil
		}
	}

	return m.hooks.lineItemMatchAllowed(o, li, d), nil
}

// matchingLineItems sums subtotal and quantity over line items that
// individually match the discount.
func (m *Matcher) matchingLineItems(ctx context.Context, o *order.Order, d *Discount) (matched int, total decimal.Decimal, qty int, err error) {
	total = decimal.Zero
	for _, li := range o.LineItems {
		ok, err := m.MatchLineItem(ctx, o, li, d, false)
		if err != nil {
			return 0, total, 0, err
		}
		if ok {
			matched++
			total = total.Add(li.Subtotal)
			qty += li.Qty
		}
	}
	return matched, total, qty, nil
}

// relatedToCategories reports whether the purchasable's promotion source
// relates to any of the discount's categories, memoizing the answer.
func (m *Matcher) relatedToCategories(ctx context.Context, p order.Purchasable, d *Discount) (bool, error) {
	key := categoryMatchKey(d.CategoryRelationshipType, p.GetID(), d.CategoryIDs)

	m.mu.Lock()
	cached, hit := m.categoryMatch[key]
	m.mu.Unlock()
	if hit {
		return cached, nil
	}

	related, err := m.categories.RelatedCategories(ctx, d.CategoryRelationshipType, p.PromotionRelationSource())
	if err != nil {
		return false, errors.Wrap(err, "resolve category relations")
	}
	match := len(lo.Intersect(related, d.CategoryIDs)) > 0

	m.mu.Lock()
	m.categoryMatch[key] = match
	m.mu.Unlock()
	return match, nil
}

func categoryMatchKey(relationshipType string, purchasableID int64, categoryIDs []int64) string {
	ids := make([]string, len(categoryIDs))
	for i, id := range categoryIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("relationshipType:%s:purchasableId:%d:categoryIds:%s",
		relationshipType, purchasableID, strings.Join(ids, "|"))
}

// dateValid checks the discount's validity window. Completed orders are
// checked against their completion time rather than the wall clock.
func (m *Matcher) dateValid(o *order.Order, d *Discount) bool {
	now := m.now()
	if o.IsCompleted && o.DateOrdered != nil {
		now = *o.DateOrdered
	}
	if d.DateFrom != nil && d.DateFrom.After(now) {
		return false
	}
	if d.DateTo != nil && d.DateTo.Before(now) {
		return false
	}
	return true
}

func totalUseLimitValid(d *Discount) bool {
	return d.TotalDiscountUseLimit <= 0 || d.TotalDiscountUses < d.TotalDiscountUseLimit
}

// perUserUsageValid checks the per-user limit. A limit with no
// authenticated customer on the order fails.
func (m *Matcher) perUserUsageValid(ctx context.Context, d *Discount, customer *order.Customer) (bool, error) {
	if d.PerUserLimit <= 0 {
		return true, nil
	}
	if customer == nil {
		return false, nil
	}
	uses, err := m.usage.CustomerUses(ctx, d.ID, customer.ID)
	if err != nil {
		return false, errors.Wrap(err, "lookup customer uses")
	}
	return uses < d.PerUserLimit, nil
}

func emailRequirementValid(d *Discount, o *order.Order) bool {
	return d.PerEmailLimit <= 0 || o.Email != ""
}

func (m *Matcher) perEmailLimitValid(ctx context.Context, d *Discount, o *order.Order) (bool, error) {
	if d.PerEmailLimit <= 0 || o.Email == "" {
		return true, nil
	}
	uses, err := m.usage.EmailUses(ctx, d.ID, o.Email)
	if err != nil {
		return false, errors.Wrap(err, "lookup email uses")
	}
	return uses < d.PerEmailLimit, nil
}

// conditionFormulaValid evaluates the discount's condition formula against
// the order snapshot. Missing formula passes; any evaluation failure fails
// closed.
func (m *Matcher) conditionFormulaValid(o *order.Order, d *Discount) bool {
	if d.OrderConditionFormula == "" {
		return true
	}
	ok, err := m.formulas.EvaluateCondition(d.OrderConditionFormula, o.FormulaSnapshot())
	if err != nil {
		m.log.Warn("condition formula failed, treating as not satisfied",
			zap.Int64("discount_id", d.ID),
			zap.Error(err),
		)
		return false
	}
	return ok
}
