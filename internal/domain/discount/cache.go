package discount

import (
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	cacheKeyAll = "discounts:all"

	cacheTTL     = 5 * time.Minute
	cacheCleanup = 10 * time.Minute
)

// Cache holds process-local lists of discounts keyed by query shape. Every
// mutating service operation flushes it; stale reads are therefore bounded
// by the TTL only across processes, not within one.
type Cache struct {
	store *gocache.Cache
}

// NewCache creates an empty discount cache.
func NewCache() *Cache {
	return &Cache{store: gocache.New(cacheTTL, cacheCleanup)}
}

// All returns the cached full discount list.
func (c *Cache) All() ([]*Discount, bool) {
	return c.get(cacheKeyAll)
}

// SetAll caches the full discount list.
func (c *Cache) SetAll(discounts []*Discount) {
	c.store.SetDefault(cacheKeyAll, discounts)
}

// Active returns the cached active discount list for the given date and
// coupon code.
func (c *Cache) Active(at time.Time, couponCode string) ([]*Discount, bool) {
	return c.get(activeKey(at, couponCode))
}

// SetActive caches an active discount list under its date and coupon key.
func (c *Cache) SetActive(at time.Time, couponCode string, discounts []*Discount) {
	c.store.SetDefault(activeKey(at, couponCode), discounts)
}

// Flush drops every cached list.
func (c *Cache) Flush() {
	c.store.Flush()
}

func (c *Cache) get(key string) ([]*Discount, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	discounts, ok := v.([]*Discount)
	return discounts, ok
}

// activeKey rounds the date down to the minute so back-to-back requests in
// the same checkout share an entry instead of fragmenting the cache.
func activeKey(at time.Time, couponCode string) string {
	return fmt.Sprintf("discounts:active:%d:%s",
		at.Truncate(time.Minute).Unix(), strings.ToUpper(couponCode))
}
