package relay

import (
	"sort"
	"sync"

	"github.com/bulios/stocks/errs"
	"github.com/bulios/stocks/internal/domain/quote"
)

// CacheEntry is a point-in-time view of a cached symbol.
type CacheEntry struct {
	Symbol   quote.Symbol `json:"symbol"`
	Price    float64      `json:"price"`
	HasPrice bool         `json:"hasPrice"`
	Refs     int          `json:"refs"`
}

type cacheEntry struct {
	price    float64
	hasPrice bool
	refs     int
}

// PriceCache maps symbols to their last known price and subscriber count.
// Entries whose count drops to zero through DecrementRef are removed together with their price.
type PriceCache struct {
	mu      sync.Mutex
	entries map[quote.Symbol]*cacheEntry
}

// NewPriceCache constructs an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{
		mu:      sync.Mutex{},
		entries: make(map[quote.Symbol]*cacheEntry),
	}
}

// Lookup returns the cached price. Entries that have never received a price report a miss.
func (c *PriceCache) Lookup(sym quote.Symbol) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sym]
	if !ok || !entry.hasPrice {
		return 0, false
	}
	return entry.price, true
}

// UpsertPrice stores price for sym, creating an unreferenced entry when needed.
func (c *PriceCache) UpsertPrice(sym quote.Symbol, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sym]
	if !ok {
		entry = &cacheEntry{price: 0, hasPrice: false, refs: 0}
		c.entries[sym] = entry
	}
	entry.price = price
	entry.hasPrice = true
}

// Refresh overwrites prices of entries that still exist and returns how many were updated.
// Symbols that were evicted after the caller took its snapshot are skipped rather than re-created.
func (c *PriceCache) Refresh(quotes map[quote.Symbol]quote.Quote) int {
	if len(quotes) == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	updated := 0
	for sym, q := range quotes {
		entry, ok := c.entries[sym]
		if !ok {
			continue
		}
		entry.price = q.Price
		entry.hasPrice = true
		updated++
	}
	return updated
}

// IncrementRef adds one subscriber to sym, creating a priceless entry if absent.
func (c *PriceCache) IncrementRef(sym quote.Symbol) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sym]
	if !ok {
		entry = &cacheEntry{price: 0, hasPrice: false, refs: 0}
		c.entries[sym] = entry
	}
	entry.refs++
	return entry.refs
}

// DecrementRef removes one subscriber from sym and evicts the entry once unreferenced.
// Decrementing an absent or unreferenced symbol leaves the cache untouched and returns a consistency error.
func (c *PriceCache) DecrementRef(sym quote.Symbol) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sym]
	if !ok {
		return 0, errs.New("relay/cache", errs.CodeConsistency,
			errs.WithSymbol(string(sym)), errs.WithMessage("refcount decrement on absent symbol"))
	}
	if entry.refs <= 0 {
		return 0, errs.New("relay/cache", errs.CodeConsistency,
			errs.WithSymbol(string(sym)), errs.WithMessage("refcount underflow"))
	}
	entry.refs--
	if entry.refs == 0 {
		delete(c.entries, sym)
	}
	return entry.refs, nil
}

// Prune removes the given symbols when nothing references them and returns how many were dropped.
func (c *PriceCache) Prune(symbols ...quote.Symbol) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for _, sym := range symbols {
		if entry, ok := c.entries[sym]; ok && entry.refs == 0 {
			delete(c.entries, sym)
			dropped++
		}
	}
	return dropped
}

// RefCount returns the current subscriber count for sym.
func (c *PriceCache) RefCount(sym quote.Symbol) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[sym]; ok {
		return entry.refs
	}
	return 0
}

// Contains reports whether sym has an entry, priced or not.
func (c *PriceCache) Contains(sym quote.Symbol) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[sym]
	return ok
}

// ActiveSymbols returns a sorted copy of the symbols with at least one subscriber.
func (c *PriceCache) ActiveSymbols() []quote.Symbol {
	c.mu.Lock()
	out := make([]quote.Symbol, 0, len(c.entries))
	for sym, entry := range c.entries {
		if entry.refs > 0 {
			out = append(out, sym)
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of cached entries.
func (c *PriceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot returns a sorted copy of every cache entry.
func (c *PriceCache) Snapshot() []CacheEntry {
	c.mu.Lock()
	out := make([]CacheEntry, 0, len(c.entries))
	for sym, entry := range c.entries {
		out = append(out, CacheEntry{
			Symbol:   sym,
			Price:    entry.price,
			HasPrice: entry.hasPrice,
			Refs:     entry.refs,
		})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
