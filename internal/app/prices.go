package app

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type priceRange struct {
	last, low, high decimal.Decimal
	at              time.Time
}

// PriceBook keeps the last price per ticker and the low/high seen since the
// bracket was last evaluated.
type PriceBook struct {
	mu     sync.RWMutex
	ranges map[string]*priceRange
}

// NewPriceBook creates an empty price book.
func NewPriceBook() *PriceBook {
	return &PriceBook{ranges: make(map[string]*priceRange)}
}

func normTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// Update records a trade print. Non-positive prices are ignored.
func (b *PriceBook) Update(ticker string, price decimal.Decimal, at time.Time) {
	if !price.IsPositive() {
		return
	}
	ticker = normTicker(ticker)
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.ranges[ticker]
	if !ok {
		b.ranges[ticker] = &priceRange{last: price, low: price, high: price, at: at}
		return
	}
	r.last = price
	r.at = at
	if price.LessThan(r.low) {
		r.low = price
	}
	if price.GreaterThan(r.high) {
		r.high = price
	}
}

// Last returns the latest price, or zero.
func (b *PriceBook) Last(ticker string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.ranges[normTicker(ticker)]; ok {
		return r.last
	}
	return decimal.Zero
}

// Range returns the low and high since the last Reset.
func (b *PriceBook) Range(ticker string) (low, high decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.ranges[normTicker(ticker)]
	if !ok {
		return decimal.Zero, decimal.Zero, false
	}
	return r.low, r.high, true
}

// Reset collapses the range to the last price.
func (b *PriceBook) Reset(ticker string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.ranges[normTicker(ticker)]; ok {
		r.low, r.high = r.last, r.last
	}
}

// Marks returns the last price of every ticker.
func (b *PriceBook) Marks() map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(b.ranges))
	for k, r := range b.ranges {
		out[k] = r.last
	}
	return out
}
