package exchange

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/stocksim/internal/models"
)

// account is the in-memory state of one user. Fields are guarded by mu, which
// a trade holds from validation until the durable write has committed.
type account struct {
	mu       sync.Mutex
	id       int
	username string
	balance  decimal.Decimal
	holdings map[string]int64
}

// Ledger tracks cash balances and share holdings per user. Balances and
// holdings change only through ApplyTrade.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[int]*account

	prices *PriceBook
	store  Store
	now    func() time.Time
}

// NewLedger creates an empty ledger pricing trades from prices and writing
// them to store
func NewLedger(prices *PriceBook, store Store) *Ledger {
	return &Ledger{
		accounts: make(map[int]*account),
		prices:   prices,
		store:    store,
		now:      time.Now,
	}
}

// open adds an account for a user read from the store or just registered
func (l *Ledger) open(u models.User) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[u.ID]; ok {
		return
	}
	l.accounts[u.ID] = &account{
		id:       u.ID,
		username: u.Username,
		balance:  u.Balance,
		holdings: make(map[string]int64),
	}
}

// loadHolding sets a holding read from the store. Non-positive rows are
// ignored.
func (l *Ledger) loadHolding(h models.Holding) {
	if h.Quantity <= 0 {
		return
	}
	a := l.account(h.UserID)
	if a == nil {
		return
	}
	a.mu.Lock()
	a.holdings[h.Code] = h.Quantity
	a.mu.Unlock()
}

func (l *Ledger) account(userID int) *account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accounts[userID]
}

// Balance returns the cash balance of a user
func (l *Ledger) Balance(userID int) (decimal.Decimal, error) {
	a := l.account(userID)
	if a == nil {
		return decimal.Zero, ErrUserNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

// Holding returns how many shares of code a user owns, zero if none
func (l *Ledger) Holding(userID int, code string) int64 {
	a := l.account(userID)
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holdings[code]
}

// Holdings returns a copy of all holdings of a user, sorted by code
func (l *Ledger) Holdings(userID int) ([]models.Holding, error) {
	a := l.account(userID)
	if a == nil {
		return nil, ErrUserNotFound
	}
	a.mu.Lock()
	out := make([]models.Holding, 0, len(a.holdings))
	for code, qty := range a.holdings {
		out = append(out, models.Holding{UserID: userID, Code: code, Quantity: qty})
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// IsHeld reports whether any user owns shares of code
func (l *Ledger) IsHeld(code string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, a := range l.accounts {
		a.mu.Lock()
		qty := a.holdings[code]
		a.mu.Unlock()
		if qty > 0 {
			return true
		}
	}
	return false
}

// Users returns all accounts with their current balance, sorted by id
func (l *Ledger) Users() []models.User {
	l.mu.RLock()
	out := make([]models.User, 0, len(l.accounts))
	for _, a := range l.accounts {
		a.mu.Lock()
		out = append(out, models.User{ID: a.id, Username: a.username, Balance: a.balance})
		a.mu.Unlock()
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyTrade executes a buy or sell at the current price of code. The price is
// read once and used for both the accounting and the trade record. Balance,
// holding and record are made durable before the account is updated, so a
// failed write leaves the ledger as it was.
func (l *Ledger) ApplyTrade(ctx context.Context, userID int, code string, side models.Side, qty int64) (decimal.Decimal, *models.TradeRecord, error) {
	if qty <= 0 {
		return decimal.Zero, nil, ErrInvalidQuantity
	}
	if !side.Valid() {
		return decimal.Zero, nil, ErrInvalidInput
	}
	a := l.account(userID)
	if a == nil {
		return decimal.Zero, nil, ErrUserNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	quote, err := l.prices.Get(code)
	if err != nil {
		return decimal.Zero, nil, err
	}
	rec := models.TradeRecord{
		UserID:   userID,
		Code:     code,
		Side:     side,
		Price:    quote.Price,
		Quantity: qty,
	}
	notional := rec.Notional()
	held := a.holdings[code]

	var newBalance decimal.Decimal
	var newQty int64
	switch side {
	case models.SideBuy:
		if a.balance.LessThan(notional) {
			return decimal.Zero, nil, ErrInsufficientFunds
		}
		newBalance = a.balance.Sub(notional)
		newQty = held + qty
	case models.SideSell:
		if held < qty {
			return decimal.Zero, nil, ErrInsufficientHoldings
		}
		newBalance = a.balance.Add(notional)
		newQty = held - qty
	}

	if err := ctx.Err(); err != nil {
		return decimal.Zero, nil, err
	}

	rec.ExecutedAt = l.now().UTC()
	stored, err := l.store.ApplyTrade(ctx, TradeWrite{
		UserID:      userID,
		Code:        code,
		NewBalance:  newBalance,
		NewQuantity: newQty,
		Record:      rec,
	})
	if err != nil {
		return decimal.Zero, nil, persistErr("apply trade", err)
	}

	a.balance = newBalance
	if newQty == 0 {
		delete(a.holdings, code)
	} else {
		a.holdings[code] = newQty
	}
	return newBalance, stored, nil
}
