package repository

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/promo-engine/internal/domain/discount"
)

const getCustomerUsesSQL = `SELECT uses FROM customer_discount_uses
	WHERE discount_id = $1 AND customer_id = $2`

const getEmailUsesSQL = `SELECT uses FROM email_discount_uses
	WHERE discount_id = $1 AND email = $2`

// Counter updates are expressed as single SQL statements so concurrent
// order completions serialize at the row level instead of racing through
// read-modify-write.
const upsertCustomerUseSQL = `INSERT INTO customer_discount_uses (discount_id, customer_id, uses)
	VALUES ($1, $2, 1)
	ON CONFLICT (discount_id, customer_id) DO UPDATE SET uses = customer_discount_uses.uses + 1`

const upsertEmailUseSQL = `INSERT INTO email_discount_uses (discount_id, email, uses)
	VALUES ($1, $2, 1)
	ON CONFLICT (discount_id, email) DO UPDATE SET uses = email_discount_uses.uses + 1`

const incrementTotalUsesSQL = `UPDATE discounts
	SET total_discount_uses = total_discount_uses + 1 WHERE id = $1`

const incrementCouponUsesSQL = `UPDATE coupons SET uses = uses + 1
	WHERE discount_id = $1 AND UPPER(code) = UPPER($2)`

const customerUsageStatsSQL = `SELECT COALESCE(SUM(uses), 0), COUNT(*)
	FROM customer_discount_uses WHERE discount_id = $1`

const emailUsageStatsSQL = `SELECT COALESCE(SUM(uses), 0), COUNT(*)
	FROM email_discount_uses WHERE discount_id = $1`

const clearCustomerUsesSQL = `DELETE FROM customer_discount_uses WHERE discount_id = $1`

const clearEmailUsesSQL = `DELETE FROM email_discount_uses WHERE discount_id = $1`

const clearTotalUsesSQL = `UPDATE discounts SET total_discount_uses = 0 WHERE id = $1`

// CustomerUses returns how many times the customer has used the discount.
func (r *DiscountRepository) CustomerUses(ctx context.Context, discountID, customerID int64) (int, error) {
	var uses int
	err := r.pool.QueryRow(ctx, getCustomerUsesSQL, discountID, customerID).Scan(&uses)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "query customer uses")
	}
	return uses, nil
}

// EmailUses returns how many times the email address has used the discount.
// Emails are compared lowercased.
func (r *DiscountRepository) EmailUses(ctx context.Context, discountID int64, email string) (int, error) {
	var uses int
	err := r.pool.QueryRow(ctx, getEmailUsesSQL, discountID, strings.ToLower(email)).Scan(&uses)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "query email uses")
	}
	return uses, nil
}

// RecordUsage applies one order completion's counter updates for a single
// discount in one transaction: per-customer upsert, per-email upsert, total
// counter, and the redeemed coupon's counter.
func (r *DiscountRepository) RecordUsage(ctx context.Context, params discount.RecordUsageParams) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if params.CustomerID != nil {
		if _, err := tx.Exec(ctx, upsertCustomerUseSQL, params.DiscountID, *params.CustomerID); err != nil {
			return errors.Wrap(err, "record customer use")
		}
	}
	if params.Email != "" {
		if _, err := tx.Exec(ctx, upsertEmailUseSQL, params.DiscountID, strings.ToLower(params.Email)); err != nil {
			return errors.Wrap(err, "record email use")
		}
	}
	if _, err := tx.Exec(ctx, incrementTotalUsesSQL, params.DiscountID); err != nil {
		return errors.Wrap(err, "increment total uses")
	}
	if params.CouponCode != "" {
		if _, err := tx.Exec(ctx, incrementCouponUsesSQL, params.DiscountID, params.CouponCode); err != nil {
			return errors.Wrap(err, "increment coupon uses")
		}
	}

	return errors.Wrap(tx.Commit(ctx), "commit transaction")
}

// CustomerUsageStats aggregates per-customer usage for a discount.
func (r *DiscountRepository) CustomerUsageStats(ctx context.Context, discountID int64) (discount.UsageStats, error) {
	var stats discount.UsageStats
	err := r.pool.QueryRow(ctx, customerUsageStatsSQL, discountID).Scan(&stats.Uses, &stats.Distinct)
	if err != nil {
		return discount.UsageStats{}, errors.Wrap(err, "query customer usage stats")
	}
	return stats, nil
}

// EmailUsageStats aggregates per-email usage for a discount.
func (r *DiscountRepository) EmailUsageStats(ctx context.Context, discountID int64) (discount.UsageStats, error) {
	var stats discount.UsageStats
	err := r.pool.QueryRow(ctx, emailUsageStatsSQL, discountID).Scan(&stats.Uses, &stats.Distinct)
	if err != nil {
		return discount.UsageStats{}, errors.Wrap(err, "query email usage stats")
	}
	return stats, nil
}

// ClearCustomerUsage drops every per-customer counter for the discount.
func (r *DiscountRepository) ClearCustomerUsage(ctx context.Context, discountID int64) error {
	_, err := r.pool.Exec(ctx, clearCustomerUsesSQL, discountID)
	return errors.Wrap(err, "clear customer usage")
}

// ClearEmailUsage drops every per-email counter for the discount.
func (r *DiscountRepository) ClearEmailUsage(ctx context.Context, discountID int64) error {
	_, err := r.pool.Exec(ctx, clearEmailUsesSQL, discountID)
	return errors.Wrap(err, "clear email usage")
}

// ClearTotalUses resets the discount's total use counter.
func (r *DiscountRepository) ClearTotalUses(ctx context.Context, discountID int64) error {
	_, err := r.pool.Exec(ctx, clearTotalUsesSQL, discountID)
	return errors.Wrap(err, "clear total uses")
}
