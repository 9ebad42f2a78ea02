package exchange

import (
	"sync"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/stocksim/internal/models"
)

// PriceBook holds the live quote of every listed instrument. Quotes are
// replaced whole under the lock, so a reader never sees a price from one
// update paired with the change percentage of another.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]models.Quote
}

// NewPriceBook creates an empty price book
func NewPriceBook() *PriceBook {
	return &PriceBook{quotes: make(map[string]models.Quote)}
}

// Get returns the quote for code
func (b *PriceBook) Get(code string) (models.Quote, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[code]
	if !ok {
		return models.Quote{}, ErrInstrumentNotFound
	}
	return q, nil
}

// Set replaces the price and change percentage of a listed instrument. It
// never re-lists an instrument removed in the meantime.
func (b *PriceBook) Set(code string, price, changePct decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[code]
	if !ok {
		return ErrInstrumentNotFound
	}
	q.Price = price
	q.ChangePct = changePct
	b.quotes[code] = q
	return nil
}

// Add lists a new instrument with a zero change percentage
func (b *PriceBook) Add(code, name string, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.quotes[code]; ok {
		return ErrInstrumentExists
	}
	b.quotes[code] = models.Quote{Name: name, Price: price, ChangePct: decimal.Zero}
	return nil
}

// load lists an instrument as read from the store, overwriting any entry
func (b *PriceBook) load(inst models.Instrument) {
	b.mu.Lock()
	b.quotes[inst.Code] = models.Quote{Name: inst.Name, Price: inst.Price, ChangePct: inst.ChangePct}
	b.mu.Unlock()
}

// Remove delists an instrument
func (b *PriceBook) Remove(code string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.quotes[code]; !ok {
		return ErrInstrumentNotFound
	}
	delete(b.quotes, code)
	return nil
}

// Snapshot returns a copy of all quotes
func (b *PriceBook) Snapshot() map[string]models.Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]models.Quote, len(b.quotes))
	for code, q := range b.quotes {
		out[code] = q
	}
	return out
}
