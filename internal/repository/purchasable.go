package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/promo-engine/internal/domain/purchasable"
)

const getPurchasableSQL = `SELECT id, sku, is_promotable, promotion_source_id
	FROM purchasables WHERE id = $1`

const getPurchasableBySKUSQL = `SELECT id, sku, is_promotable, promotion_source_id
	FROM purchasables WHERE sku = $1`

const relatedCategoriesSQL = `SELECT category_id FROM purchasable_categories
	WHERE ($1 = '' OR relationship_type = $1) AND source_id = $2
	ORDER BY category_id`

var _ purchasable.Repository = (*PurchasableRepository)(nil)

// PurchasableRepository reads the catalog mirror and category relations.
type PurchasableRepository struct {
	pool *pgxpool.Pool
}

// NewPurchasableRepository returns a PurchasableRepository using the given
// pool.
func NewPurchasableRepository(pool *pgxpool.Pool) *PurchasableRepository {
	return &PurchasableRepository{pool: pool}
}

// GetByID loads one purchasable or purchasable.ErrNotFound.
func (r *PurchasableRepository) GetByID(ctx context.Context, id int64) (*purchasable.Purchasable, error) {
	return r.get(ctx, getPurchasableSQL, id)
}

// GetBySKU loads one purchasable by SKU or purchasable.ErrNotFound.
func (r *PurchasableRepository) GetBySKU(ctx context.Context, sku string) (*purchasable.Purchasable, error) {
	return r.get(ctx, getPurchasableBySKUSQL, sku)
}

func (r *PurchasableRepository) get(ctx context.Context, sql string, arg any) (*purchasable.Purchasable, error) {
	var p purchasable.Purchasable
	err := r.pool.QueryRow(ctx, sql, arg).Scan(&p.ID, &p.SKU, &p.Promotable, &p.PromotionSourceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, purchasable.ErrNotFound
		}
		return nil, errors.Wrap(err, "query purchasable")
	}
	return &p, nil
}

// RelatedCategories returns the category ids related to the source element
// under the relationship type.
func (r *PurchasableRepository) RelatedCategories(ctx context.Context, relationshipType string, sourceID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, relatedCategoriesSQL, relationshipType, sourceID)
	if err != nil {
		return nil, errors.Wrap(err, "query category relations")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errors.Wrap(err, "scan category relations")
	}
	return ids, nil
}
