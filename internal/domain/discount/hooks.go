package discount

import (
	"sync"

	"github.com/xenking/promo-engine/internal/domain/order"
)

// SaveFunc observes a discount save. isNew reports whether the discount was
// created rather than updated.
type SaveFunc func(d *Discount, isNew bool)

// DeleteFunc observes a discount deletion.
type DeleteFunc func(d *Discount)

// MatchLineItemFunc may veto an otherwise-matching line item by returning
// false.
type MatchLineItemFunc func(o *order.Order, li order.LineItem, d *Discount) bool

// MatchOrderFunc may veto an otherwise-matching order by returning false.
type MatchOrderFunc func(o *order.Order, d *Discount) bool

// Hooks holds observer registrations for the discount engine. All methods
// are safe for concurrent use; registration normally happens once at wiring
// time.
type Hooks struct {
	mu            sync.RWMutex
	beforeSave    []SaveFunc
	afterSave     []SaveFunc
	afterDelete   []DeleteFunc
	matchLineItem []MatchLineItemFunc
	matchOrder    []MatchOrderFunc
}

// NewHooks returns an empty hook registry.
func NewHooks() *Hooks {
	return &Hooks{}
}

// OnBeforeSave registers fn to run before a discount is persisted.
func (h *Hooks) OnBeforeSave(fn SaveFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beforeSave = append(h.beforeSave, fn)
}

// OnAfterSave registers fn to run after a discount is persisted.
func (h *Hooks) OnAfterSave(fn SaveFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.afterSave = append(h.afterSave, fn)
}

// OnAfterDelete registers fn to run after a discount is deleted.
func (h *Hooks) OnAfterDelete(fn DeleteFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.afterDelete = append(h.afterDelete, fn)
}

// OnMatchLineItem registers a line item match veto.
func (h *Hooks) OnMatchLineItem(fn MatchLineItemFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.matchLineItem = append(h.matchLineItem, fn)
}

// OnMatchOrder registers an order match veto.
func (h *Hooks) OnMatchOrder(fn MatchOrderFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.matchOrder = append(h.matchOrder, fn)
}

func (h *Hooks) fireBeforeSave(d *Discount, isNew bool) {
	h.mu.RLock()
	fns := h.beforeSave
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(d, isNew)
	}
}

func (h *Hooks) fireAfterSave(d *Discount, isNew bool) {
	h.mu.RLock()
	fns := h.afterSave
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(d, isNew)
	}
}

func (h *Hooks) fireAfterDelete(d *Discount) {
	h.mu.RLock()
	fns := h.afterDelete
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(d)
	}
}

// lineItemMatchAllowed runs all line item vetoes; any false vetoes the match.
func (h *Hooks) lineItemMatchAllowed(o *order.Order, li order.LineItem, d *Discount) bool {
	h.mu.RLock()
	fns := h.matchLineItem
	h.mu.RUnlock()
	for _, fn := range fns {
		if !fn(o, li, d) {
			return false
		}
	}
	return true
}

// orderMatchAllowed runs all order vetoes; any false vetoes the match.
func (h *Hooks) orderMatchAllowed(o *order.Order, d *Discount) bool {
	h.mu.RLock()
	fns := h.matchOrder
	h.mu.RUnlock()
	for _, fn := range fns {
		if !fn(o, d) {
			return false
		}
	}
	return true
}
