// Package cache holds computed engine results (max borrow, health metrics)
// keyed by the inputs that produced them. Entries are only ever reused for the
// exact same input hash and are dropped explicitly when an account, market or
// network changes.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/dorkfi/risk-engine/internal/model"
)

// Key identifies one cached computation. InputHash covers every input value,
// so a changed price or balance produces a different key rather than a stale
// hit.
type Key struct {
	AccountID string
	MarketID  string
	NetworkID string
	Op        string
	InputHash uint64
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// ResultCache is a bounded LRU of engine results with a TTL.
type ResultCache[V any] struct {
	lru *lru.Cache
	ttl time.Duration

	mu     sync.Mutex
	hits   uint64
	misses uint64

	now func() time.Time
}

// New creates a cache holding at most size entries, each valid for ttl.
// A zero ttl keeps entries until evicted or invalidated.
func New[V any](size int, ttl time.Duration) (*ResultCache[V], error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &ResultCache[V]{lru: c, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached value for k if present and not expired.
func (c *ResultCache[V]) Get(k Key) (V, bool) {
	var zero V
	raw, ok := c.lru.Get(k)
	if !ok {
		c.count(false)
		return zero, false
	}
	e := raw.(entry[V])
	if !e.expires.IsZero() && c.now().After(e.expires) {
		c.lru.Remove(k)
		c.count(false)
		return zero, false
	}
	c.count(true)
	return e.value, true
}

// Put stores v under k.
func (c *ResultCache[V]) Put(k Key, v V) {
	e := entry[V]{value: v}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.lru.Add(k, e)
}

// InvalidateAccount drops every entry for accountID on networkID.
func (c *ResultCache[V]) InvalidateAccount(networkID, accountID string) int {
	return c.removeWhere(func(k Key) bool {
		return k.NetworkID == networkID && k.AccountID == accountID
	})
}

// InvalidateMarket drops every entry that involves marketID on networkID.
// Account-wide entries (empty MarketID) are dropped too, since any market
// change can move an account's health.
func (c *ResultCache[V]) InvalidateMarket(networkID, marketID string) int {
	return c.removeWhere(func(k Key) bool {
		return k.NetworkID == networkID && (k.MarketID == marketID || k.MarketID == "")
	})
}

// InvalidateNetwork drops every entry on networkID.
func (c *ResultCache[V]) InvalidateNetwork(networkID string) int {
	return c.removeWhere(func(k Key) bool { return k.NetworkID == networkID })
}

// Len returns the number of entries, expired ones included.
func (c *ResultCache[V]) Len() int {
	return c.lru.Len()
}

// Stats returns hit and miss counts since creation.
func (c *ResultCache[V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *ResultCache[V]) removeWhere(match func(Key) bool) int {
	n := 0
	for _, raw := range c.lru.Keys() {
		k, ok := raw.(Key)
		if ok && match(k) {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

func (c *ResultCache[V]) count(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
}

// HashInputs fingerprints a position set, the market states it is evaluated
// against, and any extra request parameters.
func HashInputs(ps model.PositionSet, markets []model.MarketState, extra ...string) uint64 {
	h := xxhash.New()
	write := func(s string) {
		h.WriteString(s)
		h.Write([]byte{0})
	}

	write(ps.AccountID())
	for _, p := range ps.Collateral() {
		write("c")
		writePosition(write, p)
	}
	for _, p := range ps.Debt() {
		write("d")
		writePosition(write, p)
	}
	for _, m := range markets {
		write("m")
		write(m.MarketID)
		write(m.TotalDeposits.String())
		write(m.TotalBorrows.String())
		write(m.PriceUSD.String())
		write(m.CollateralFactor.String())
		write(m.LiquidationThreshold.String())
	}
	for _, s := range extra {
		write("x")
		write(s)
	}
	return h.Sum64()
}

func writePosition(write func(string), p model.Position) {
	write(p.MarketID)
	write(p.Amount.String())
	write(p.PriceUSD.String())
	write(p.CollateralFactor.String())
	write(p.LiquidationThreshold.String())
}
