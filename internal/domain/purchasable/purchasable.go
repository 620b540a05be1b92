// Package purchasable models the catalog entries discounts are scoped to.
// The engine keeps a thin mirror of the store catalog: enough to answer
// promotability and category relation questions, nothing more.
package purchasable

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a purchasable does not exist.
var ErrNotFound = errors.New("purchasable not found")

// Purchasable is one sellable catalog entry.
type Purchasable struct {
	ID  int64
	SKU string
	// Promotable gates all discount matching for this entry.
	Promotable bool
	// PromotionSourceID is the element category relations hang off, usually
	// the owning product rather than the variant itself.
	PromotionSourceID int64
}

// GetID implements the order-side purchasable capability.
func (p *Purchasable) GetID() int64 { return p.ID }

// IsPromotable implements the order-side purchasable capability.
func (p *Purchasable) IsPromotable() bool { return p.Promotable }

// PromotionRelationSource implements the order-side purchasable capability.
func (p *Purchasable) PromotionRelationSource() int64 { return p.PromotionSourceID }

// Repository is the persistent store for the catalog mirror.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Purchasable, error)
	GetBySKU(ctx context.Context, sku string) (*Purchasable, error)
	// RelatedCategories returns the category ids related to the source
	// element under the given relationship type. An empty relationship type
	// matches either direction.
	RelatedCategories(ctx context.Context, relationshipType string, sourceID int64) ([]int64, error)
}
