// Package marks holds the latest mark price per symbol. The cache is
// advisory: it is read by many goroutines, overwritten by the single feed
// worker that owns a symbol, and never consulted for ledger decisions inside
// a unit of work.
package marks

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
)

// Cache is a lock-free symbol → Mark map.
type Cache struct {
	m   sync.Map // string → model.Mark
	now func() time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{now: func() time.Time { return time.Now().UTC() }}
}

// Set replaces the mark of symbol.
func (c *Cache) Set(symbol string, price decimal.Decimal) model.Mark {
	mark := model.Mark{Symbol: symbol, MarkPrice: price, ReceivedAt: c.now()}
	c.m.Store(symbol, mark)
	return mark
}

// Get returns the latest mark of symbol.
func (c *Cache) Get(symbol string) (model.Mark, bool) {
	v, ok := c.m.Load(symbol)
	if !ok {
		return model.Mark{}, false
	}
	return v.(model.Mark), true
}

// Price returns the latest mark price, or ok=false for unknown symbols.
func (c *Cache) Price(symbol string) (decimal.Decimal, bool) {
	mark, ok := c.Get(symbol)
	return mark.MarkPrice, ok
}

// Snapshot returns every mark, sorted by symbol.
func (c *Cache) Snapshot() []model.Mark {
	var out []model.Mark
	c.m.Range(func(_, v any) bool {
		out = append(out, v.(model.Mark))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
