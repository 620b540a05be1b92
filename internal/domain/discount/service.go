package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/xenking/promo-engine/internal/domain/currency"
	"github.com/xenking/promo-engine/internal/domain/order"
	"github.com/xenking/promo-engine/internal/formula"
)

// Service is the discount engine facade: lookups, matching, persistence,
// and usage accounting, with caching layered over the repository.
type Service struct {
	repo     Repository
	cache    *Cache
	matcher  *Matcher
	hooks    *Hooks
	formulas *formula.Evaluator
	rounder  *currency.Rounder
	log      *zap.Logger

	now func() time.Time
}

// NewService wires a Service and its matcher around the repository.
func NewService(repo Repository, categories CategoryResolver, formulas *formula.Evaluator, rounder *currency.Rounder, log *zap.Logger) *Service {
	hooks := NewHooks()
	return &Service{
		repo:     repo,
		cache:    NewCache(),
		matcher:  NewMatcher(repo, categories, formulas, hooks, log),
		hooks:    hooks,
		formulas: formulas,
		rounder:  rounder,
		log:      log,
		now:      time.Now,
	}
}

// Hooks returns the observer registry for save, delete, and match events.
func (s *Service) Hooks() *Hooks {
	return s.hooks
}

// Matcher returns the underlying matcher for callers that evaluate
// discounts outside the service (adjusters, previews).
func (s *Service) Matcher() *Matcher {
	return s.matcher
}

// GetByID returns one discount or ErrNotFound.
func (s *Service) GetByID(ctx context.Context, id int64) (*Discount, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByCode returns the enabled discount activated by the coupon code,
// matched case-insensitively, or ErrNotFound.
func (s *Service) GetByCode(ctx context.Context, code string) (*Discount, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	return s.repo.GetByCode(ctx, code)
}

// All returns every discount ordered by sort order, cached.
func (s *Service) All(ctx context.Context) ([]*Discount, error) {
	if discounts, ok := s.cache.All(); ok {
		return discounts, nil
	}
	discounts, err := s.repo.All(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.SetAll(discounts)
	return discounts, nil
}

// AllActive returns discounts worth evaluating against the order: enabled,
// inside their date window, and either coupon-free or carrying a usable
// coupon matching the order's code. Results are cached per minute-rounded
// date and coupon code.
func (s *Service) AllActive(ctx context.Context, o *order.Order) ([]*Discount, error) {
	at := s.now()
	if o.IsCompleted && o.DateOrdered != nil {
		at = *o.DateOrdered
	}

	if discounts, ok := s.cache.Active(at, o.CouponCode); ok {
		return discounts, nil
	}
	discounts, err := s.repo.AllActive(ctx, at, o.CouponCode)
	if err != nil {
		return nil, err
	}
	s.cache.SetActive(at, o.CouponCode, discounts)
	return discounts, nil
}

// CouponAvailable checks whether the order's coupon code grants a discount,
// returning a user-facing explanation when it does not.
func (s *Service) CouponAvailable(ctx context.Context, o *order.Order) (bool, string, error) {
	if o.CouponCode == "" {
		return false, "Coupon not valid.", nil
	}
	d, err := s.repo.GetByCode(ctx, o.CouponCode)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, "", err
	}
	return s.matcher.CouponAvailable(ctx, o, d)
}

// MatchOrder reports whether the discount applies to the order.
func (s *Service) MatchOrder(ctx context.Context, o *order.Order, d *Discount) (bool, error) {
	return s.matcher.MatchOrder(ctx, o, d)
}

// MatchLineItem reports whether the discount applies to the line item.
func (s *Service) MatchLineItem(ctx context.Context, o *order.Order, li order.LineItem, d *Discount) (bool, error) {
	return s.matcher.MatchLineItem(ctx, o, li, d, true)
}

// Save validates and persists the discount with its coupons and membership
// sets, firing before and after save hooks and flushing caches. A
// *ValidationError from Validate is returned as-is so callers can surface
// field errors.
func (s *Service) Save(ctx context.Context, d *Discount) error {
	isNew := d.ID == 0

	// Scope flags own the membership sets: an all-purchasables discount
	// must not retain a stale id list that would later resurface when the
	// flag is toggled off.
	if d.AllPurchasables {
		d.PurchasableIDs = nil
	}
	if d.AllCategories {
		d.CategoryIDs = nil
	}

	if err := d.Validate(s.formulas); err != nil {
		return err
	}

	s.hooks.fireBeforeSave(d, isNew)

	if err := s.repo.Save(ctx, d); err != nil {
		return errors.Wrap(err, "save discount")
	}

	s.flush()
	s.hooks.fireAfterSave(d, isNew)
	s.log.Info("discount saved",
		zap.Int64("discount_id", d.ID),
		zap.Bool("created", isNew),
	)
	return nil
}

// Delete removes the discount, firing the after-delete hook. Deleting a
// missing discount returns ErrNotFound.
func (s *Service) Delete(ctx context.Context, id int64) error {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete discount")
	}

	s.flush()
	s.hooks.fireAfterDelete(d)
	s.log.Info("discount deleted", zap.Int64("discount_id", id))
	return nil
}

// Reorder rewrites the sort order of all discounts to match ids.
func (s *Service) Reorder(ctx context.Context, ids []int64) error {
	if err := s.repo.Reorder(ctx, ids); err != nil {
		return errors.Wrap(err, "reorder discounts")
	}
	s.flush()
	return nil
}

// OrderCompleted records discount usage for a completed order. Discount
// adjustments are deduplicated by their discount use id so a discount
// applied across several line items counts once. Each discount's counters
// update in their own transaction; a failure for one discount is logged and
// does not roll back the others.
func (s *Service) OrderCompleted(ctx context.Context, o *order.Order) error {
	if !o.IsCompleted {
		return nil
	}

	seen := make(map[int64]struct{})
	var failed error
	for _, adj := range o.DiscountAdjustments() {
		discountID, ok := adj.DiscountUseID()
		if !ok {
			continue
		}
		if _, dup := seen[discountID]; dup {
			continue
		}
		seen[discountID] = struct{}{}

		params := RecordUsageParams{
			DiscountID: discountID,
			Email:      o.Email,
			CouponCode: o.CouponCode,
		}
		if o.Customer != nil && o.Customer.Credentialed {
			params.CustomerID = lo.ToPtr(o.Customer.ID)
		}

		if err := s.repo.RecordUsage(ctx, params); err != nil {
			s.log.Error("record discount usage",
				zap.Int64("discount_id", discountID),
				zap.String("order_id", o.ID),
				zap.Error(err),
			)
			failed = errors.Wrap(err, "record discount usage")
		}
	}

	if len(seen) > 0 {
		s.flush()
	}
	return failed
}

// CustomerUsageStats returns per-customer usage totals for a discount.
func (s *Service) CustomerUsageStats(ctx context.Context, discountID int64) (UsageStats, error) {
	return s.repo.CustomerUsageStats(ctx, discountID)
}

// EmailUsageStats returns per-email usage totals for a discount.
func (s *Service) EmailUsageStats(ctx context.Context, discountID int64) (UsageStats, error) {
	return s.repo.EmailUsageStats(ctx, discountID)
}

// ClearCustomerUsage resets the per-customer counters for a discount.
func (s *Service) ClearCustomerUsage(ctx context.Context, discountID int64) error {
	if err := s.repo.ClearCustomerUsage(ctx, discountID); err != nil {
		return err
	}
	s.flush()
	return nil
}

// ClearEmailUsage resets the per-email counters for a discount.
func (s *Service) ClearEmailUsage(ctx context.Context, discountID int64) error {
	if err := s.repo.ClearEmailUsage(ctx, discountID); err != nil {
		return err
	}
	s.flush()
	return nil
}

// ClearTotalUses resets the discount's total use counter.
func (s *Service) ClearTotalUses(ctx context.Context, discountID int64) error {
	if err := s.repo.ClearTotalUses(ctx, discountID); err != nil {
		return err
	}
	s.flush()
	return nil
}

// RelatedToPurchasable returns discounts whose purchasable membership or
// category relations reference the purchasable.
func (s *Service) RelatedToPurchasable(ctx context.Context, p order.Purchasable) ([]*Discount, error) {
	discounts, err := s.All(ctx)
	if err != nil {
		return nil, err
	}

	var related []*Discount
	for _, d := range discounts {
		if !d.AllPurchasables && lo.Contains(d.PurchasableIDs, p.GetID()) {
			related = append(related, d)
			continue
		}
		if !d.AllCategories && len(d.CategoryIDs) > 0 {
			ok, err := s.matcher.relatedToCategories(ctx, p, d)
			if err != nil {
				return nil, err
			}
			if ok {
				related = append(related, d)
			}
		}
	}
	return related, nil
}

// flush drops the list caches and the matcher's category memo after any
// mutation.
func (s *Service) flush() {
	s.cache.Flush()
	s.matcher.InvalidateMemo()
}
