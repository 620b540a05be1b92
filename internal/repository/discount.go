package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"github.com/xenking/promo-engine/internal/domain/condition"
	"github.com/xenking/promo-engine/internal/domain/discount"
)

const discountColumns = `id, name, description, enabled, stop_processing,
	date_from, date_to,
	all_purchasables, all_categories, category_relationship_type,
	base_discount, base_discount_type, per_item_discount, percent_discount,
	percentage_off_subject, free_shipping_matching_items, free_shipping_order,
	exclude_on_sale, ignore_sales, applied_to,
	per_user_limit, per_email_limit, total_discount_use_limit, total_discount_uses,
	purchase_total, purchase_qty, max_purchase_qty,
	sort_order, coupon_format,
	order_condition, customer_condition,
	shipping_address_condition, billing_address_condition,
	order_condition_formula, created_at, updated_at`

const getDiscountSQL = `SELECT ` + discountColumns + `
	FROM discounts WHERE id = $1`

const listDiscountsSQL = `SELECT ` + discountColumns + `
	FROM discounts ORDER BY sort_order, id`

const getDiscountByCodeSQL = `SELECT ` + discountColumns + `
	FROM discounts
	WHERE enabled AND id = (
		SELECT discount_id FROM coupons WHERE UPPER(code) = UPPER($1)
	)`

// Discounts with coupons only qualify when the given code matches one of
// their usable coupons; coupon-free discounts always qualify.
const listActiveDiscountsSQL = `SELECT ` + discountColumns + `
	FROM discounts d
	WHERE d.enabled
	  AND (d.date_from IS NULL OR d.date_from <= $1)
	  AND (d.date_to IS NULL OR d.date_to >= $1)
	  AND (
	    NOT EXISTS (SELECT 1 FROM coupons c WHERE c.discount_id = d.id)
	    OR EXISTS (
	      SELECT 1 FROM coupons c
	      WHERE c.discount_id = d.id
	        AND UPPER(c.code) = UPPER($2)
	        AND (c.max_uses IS NULL OR c.uses < c.max_uses)
	    )
	  )
	ORDER BY d.sort_order, d.id`

const insertDiscountSQL = `INSERT INTO discounts (
		name, description, enabled, stop_processing, date_from, date_to,
		all_purchasables, all_categories, category_relationship_type,
		base_discount, base_discount_type, per_item_discount, percent_discount,
		percentage_off_subject, free_shipping_matching_items, free_shipping_order,
		exclude_on_sale, ignore_sales, applied_to,
		per_user_limit, per_email_limit, total_discount_use_limit,
		purchase_total, purchase_qty, max_purchase_qty,
		sort_order, coupon_format,
		order_condition, customer_condition,
		shipping_address_condition, billing_address_condition,
		order_condition_formula
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
		$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)
	RETURNING id, created_at, updated_at`

const updateDiscountSQL = `UPDATE discounts SET
		name = $2, description = $3, enabled = $4, stop_processing = $5,
		date_from = $6, date_to = $7,
		all_purchasables = $8, all_categories = $9, category_relationship_type = $10,
		base_discount = $11, base_discount_type = $12, per_item_discount = $13,
		percent_discount = $14, percentage_off_subject = $15,
		free_shipping_matching_items = $16, free_shipping_order = $17,
		exclude_on_sale = $18, ignore_sales = $19, applied_to = $20,
		per_user_limit = $21, per_email_limit = $22, total_discount_use_limit = $23,
		purchase_total = $24, purchase_qty = $25, max_purchase_qty = $26,
		sort_order = $27, coupon_format = $28,
		order_condition = $29, customer_condition = $30,
		shipping_address_condition = $31, billing_address_condition = $32,
		order_condition_formula = $33, updated_at = NOW()
	WHERE id = $1
	RETURNING updated_at`

const deleteDiscountSQL = `DELETE FROM discounts WHERE id = $1`

const reorderDiscountSQL = `UPDATE discounts SET sort_order = $2 WHERE id = $1`

const listPurchasableIDsSQL = `SELECT discount_id, purchasable_id
	FROM discount_purchasables WHERE discount_id = ANY($1)
	ORDER BY purchasable_id`

const listCategoryIDsSQL = `SELECT discount_id, category_id
	FROM discount_categories WHERE discount_id = ANY($1)
	ORDER BY category_id`

const listCouponsSQL = `SELECT id, discount_id, code, max_uses, uses
	FROM coupons WHERE discount_id = ANY($1)
	ORDER BY id`

const deletePurchasableIDsSQL = `DELETE FROM discount_purchasables WHERE discount_id = $1`
const insertPurchasableIDSQL = `INSERT INTO discount_purchasables (discount_id, purchasable_id)
	VALUES ($1, $2) ON CONFLICT DO NOTHING`

const deleteCategoryIDsSQL = `DELETE FROM discount_categories WHERE discount_id = $1`
const insertCategoryIDSQL = `INSERT INTO discount_categories (discount_id, category_id)
	VALUES ($1, $2) ON CONFLICT DO NOTHING`

const deleteStaleCouponsSQL = `DELETE FROM coupons
	WHERE discount_id = $1 AND NOT (id = ANY($2))`
const insertCouponSQL = `INSERT INTO coupons (discount_id, code, max_uses)
	VALUES ($1, $2, $3) RETURNING id, uses`
const updateCouponSQL = `UPDATE coupons SET code = $2, max_uses = $3
	WHERE id = $1 AND discount_id = $4`

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository persists discounts, their membership sets, coupons,
// and usage counters in PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository using the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// GetByID loads one discount with its coupons and membership sets.
func (r *DiscountRepository) GetByID(ctx context.Context, id int64) (*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, getDiscountSQL, id)
	if err != nil {
		return nil, errors.Wrap(err, "query discount")
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, errors.Wrap(err, "scan discount")
	}
	if err := r.hydrate(ctx, []*discount.Discount{d}); err != nil {
		return nil, err
	}
	return d, nil
}

// GetByCode loads the enabled discount whose coupon set contains the code,
// case-insensitively.
func (r *DiscountRepository) GetByCode(ctx context.Context, code string) (*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, getDiscountByCodeSQL, code)
	if err != nil {
		return nil, errors.Wrap(err, "query discount by code")
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, errors.Wrap(err, "scan discount")
	}
	if err := r.hydrate(ctx, []*discount.Discount{d}); err != nil {
		return nil, err
	}
	return d, nil
}

// All loads every discount ordered by sort order.
func (r *DiscountRepository) All(ctx context.Context) ([]*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, listDiscountsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "query discounts")
	}
	discounts, err := pgx.CollectRows(rows, scanDiscount)
	if err != nil {
		return nil, errors.Wrap(err, "scan discounts")
	}
	if err := r.hydrate(ctx, discounts); err != nil {
		return nil, err
	}
	return discounts, nil
}

// AllActive loads enabled discounts inside their date window at the given
// time whose coupon requirement the code satisfies.
func (r *DiscountRepository) AllActive(ctx context.Context, at time.Time, couponCode string) ([]*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, listActiveDiscountsSQL, at, couponCode)
	if err != nil {
		return nil, errors.Wrap(err, "query active discounts")
	}
	discounts, err := pgx.CollectRows(rows, scanDiscount)
	if err != nil {
		return nil, errors.Wrap(err, "scan discounts")
	}
	if err := r.hydrate(ctx, discounts); err != nil {
		return nil, err
	}
	return discounts, nil
}

// Save writes the discount row, its membership sets, and its coupon set in
// one transaction. Existing coupons keep their use counters; coupons absent
// from the new set are removed.
func (r *DiscountRepository) Save(ctx context.Context, d *discount.Discount) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	orderCond, err := d.OrderCondition.Config()
	if err != nil {
		return errors.Wrap(err, "marshal order condition")
	}
	customerCond, err := d.CustomerCondition.Config()
	if err != nil {
		return errors.Wrap(err, "marshal customer condition")
	}
	shippingCond, err := d.ShippingAddressCondition.Config()
	if err != nil {
		return errors.Wrap(err, "marshal shipping address condition")
	}
	billingCond, err := d.BillingAddressCondition.Config()
	if err != nil {
		return errors.Wrap(err, "marshal billing address condition")
	}

	if d.ID == 0 {
		err = tx.QueryRow(ctx, insertDiscountSQL,
			d.Name, d.Description, d.Enabled, d.StopProcessing, d.DateFrom, d.DateTo,
			d.AllPurchasables, d.AllCategories, d.CategoryRelationshipType,
			d.BaseDiscount, d.BaseDiscountType, d.PerItemDiscount, d.PercentDiscount,
			d.PercentageOffSubject, d.HasFreeShippingForMatchingItems, d.HasFreeShippingForOrder,
			d.ExcludeOnSale, d.IgnoreSales, d.AppliedTo,
			d.PerUserLimit, d.PerEmailLimit, d.TotalDiscountUseLimit,
			d.PurchaseTotal, d.PurchaseQty, d.MaxPurchaseQty,
			d.SortOrder, d.CouponFormat,
			orderCond, customerCond, shippingCond, billingCond,
			d.OrderConditionFormula,
		).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, "insert discount")
		}
	} else {
		err = tx.QueryRow(ctx, updateDiscountSQL,
			d.ID,
			d.Name, d.Description, d.Enabled, d.StopProcessing, d.DateFrom, d.DateTo,
			d.AllPurchasables, d.AllCategories, d.CategoryRelationshipType,
			d.BaseDiscount, d.BaseDiscountType, d.PerItemDiscount, d.PercentDiscount,
			d.PercentageOffSubject, d.HasFreeShippingForMatchingItems, d.HasFreeShippingForOrder,
			d.ExcludeOnSale, d.IgnoreSales, d.AppliedTo,
			d.PerUserLimit, d.PerEmailLimit, d.TotalDiscountUseLimit,
			d.PurchaseTotal, d.PurchaseQty, d.MaxPurchaseQty,
			d.SortOrder, d.CouponFormat,
			orderCond, customerCond, shippingCond, billingCond,
			d.OrderConditionFormula,
		).Scan(&d.UpdatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return discount.ErrNotFound
			}
			return errors.Wrap(err, "update discount")
		}
	}

	if err := r.saveMembership(ctx, tx, d); err != nil {
		return err
	}
	if err := r.saveCoupons(ctx, tx, d); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func (r *DiscountRepository) saveMembership(ctx context.Context, tx pgx.Tx, d *discount.Discount) error {
	if _, err := tx.Exec(ctx, deletePurchasableIDsSQL, d.ID); err != nil {
		return errors.Wrap(err, "clear purchasable membership")
	}
	for _, id := range d.PurchasableIDs {
		if _, err := tx.Exec(ctx, insertPurchasableIDSQL, d.ID, id); err != nil {
			return errors.Wrap(err, "insert purchasable membership")
		}
	}

	if _, err := tx.Exec(ctx, deleteCategoryIDsSQL, d.ID); err != nil {
		return errors.Wrap(err, "clear category membership")
	}
	for _, id := range d.CategoryIDs {
		if _, err := tx.Exec(ctx, insertCategoryIDSQL, d.ID, id); err != nil {
			return errors.Wrap(err, "insert category membership")
		}
	}
	return nil
}

func (r *DiscountRepository) saveCoupons(ctx context.Context, tx pgx.Tx, d *discount.Discount) error {
	kept := lo.FilterMap(d.Coupons, func(c discount.Coupon, _ int) (int64, bool) {
		return c.ID, c.ID != 0
	})
	if kept == nil {
		kept = []int64{}
	}
	if _, err := tx.Exec(ctx, deleteStaleCouponsSQL, d.ID, kept); err != nil {
		return errors.Wrap(err, "delete stale coupons")
	}

	for i := range d.Coupons {
		c := &d.Coupons[i]
		c.DiscountID = d.ID
		if c.ID == 0 {
			if err := tx.QueryRow(ctx, insertCouponSQL, d.ID, c.Code, c.MaxUses).Scan(&c.ID, &c.Uses); err != nil {
				return errors.Wrap(err, "insert coupon")
			}
			continue
		}
		if _, err := tx.Exec(ctx, updateCouponSQL, c.ID, c.Code, c.MaxUses, d.ID); err != nil {
			return errors.Wrap(err, "update coupon")
		}
	}
	return nil
}

// Delete removes the discount; membership sets, coupons, and counters
// cascade. Missing rows return ErrNotFound.
func (r *DiscountRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, deleteDiscountSQL, id)
	if err != nil {
		return errors.Wrap(err, "delete discount")
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrNotFound
	}
	return nil
}

// Reorder assigns sort order positions following the id slice order.
func (r *DiscountRepository) Reorder(ctx context.Context, ids []int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	for pos, id := range ids {
		if _, err := tx.Exec(ctx, reorderDiscountSQL, id, pos+1); err != nil {
			return errors.Wrap(err, "update sort order")
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit transaction")
}

// hydrate attaches membership sets and coupons to the loaded discounts.
func (r *DiscountRepository) hydrate(ctx context.Context, discounts []*discount.Discount) error {
	if len(discounts) == 0 {
		return nil
	}
	byID := lo.SliceToMap(discounts, func(d *discount.Discount) (int64, *discount.Discount) {
		return d.ID, d
	})
	ids := lo.Keys(byID)

	rows, err := r.pool.Query(ctx, listPurchasableIDsSQL, ids)
	if err != nil {
		return errors.Wrap(err, "query purchasable membership")
	}
	if err := forEachRow(rows, func(row pgx.Rows) error {
		var discountID, purchasableID int64
		if err := row.Scan(&discountID, &purchasableID); err != nil {
			return err
		}
		d := byID[discountID]
		d.PurchasableIDs = append(d.PurchasableIDs, purchasableID)
		return nil
	}); err != nil {
		return errors.Wrap(err, "scan purchasable membership")
	}

	rows, err = r.pool.Query(ctx, listCategoryIDsSQL, ids)
	if err != nil {
		return errors.Wrap(err, "query category membership")
	}
	if err := forEachRow(rows, func(row pgx.Rows) error {
		var discountID, categoryID int64
		if err := row.Scan(&discountID, &categoryID); err != nil {
			return err
		}
		d := byID[discountID]
		d.CategoryIDs = append(d.CategoryIDs, categoryID)
		return nil
	}); err != nil {
		return errors.Wrap(err, "scan category membership")
	}

	rows, err = r.pool.Query(ctx, listCouponsSQL, ids)
	if err != nil {
		return errors.Wrap(err, "query coupons")
	}
	if err := forEachRow(rows, func(row pgx.Rows) error {
		var c discount.Coupon
		if err := row.Scan(&c.ID, &c.DiscountID, &c.Code, &c.MaxUses, &c.Uses); err != nil {
			return err
		}
		d := byID[c.DiscountID]
		d.Coupons = append(d.Coupons, c)
		return nil
	}); err != nil {
		return errors.Wrap(err, "scan coupons")
	}

	return nil
}

func forEachRow(rows pgx.Rows, fn func(pgx.Rows) error) error {
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanDiscount(row pgx.CollectableRow) (*discount.Discount, error) {
	var (
		d            discount.Discount
		orderCond    []byte
		customerCond []byte
		shippingCond []byte
		billingCond  []byte
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.Description, &d.Enabled, &d.StopProcessing,
		&d.DateFrom, &d.DateTo,
		&d.AllPurchasables, &d.AllCategories, &d.CategoryRelationshipType,
		&d.BaseDiscount, &d.BaseDiscountType, &d.PerItemDiscount, &d.PercentDiscount,
		&d.PercentageOffSubject, &d.HasFreeShippingForMatchingItems, &d.HasFreeShippingForOrder,
		&d.ExcludeOnSale, &d.IgnoreSales, &d.AppliedTo,
		&d.PerUserLimit, &d.PerEmailLimit, &d.TotalDiscountUseLimit, &d.TotalDiscountUses,
		&d.PurchaseTotal, &d.PurchaseQty, &d.MaxPurchaseQty,
		&d.SortOrder, &d.CouponFormat,
		&orderCond, &customerCond, &shippingCond, &billingCond,
		&d.OrderConditionFormula, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if d.OrderCondition, err = condition.Parse(orderCond); err != nil {
		return nil, errors.Wrap(err, "parse order condition")
	}
	if d.CustomerCondition, err = condition.Parse(customerCond); err != nil {
		return nil, errors.Wrap(err, "parse customer condition")
	}
	if d.ShippingAddressCondition, err = condition.Parse(shippingCond); err != nil {
		return nil, errors.Wrap(err, "parse shipping address condition")
	}
	if d.BillingAddressCondition, err = condition.Parse(billingCond); err != nil {
		return nil, errors.Wrap(err, "parse billing address condition")
	}
	return &d, nil
}
