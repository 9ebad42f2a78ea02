package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known trade side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// User represents a registered user
type User struct {
	ID           int             `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Instrument represents a tradable stock
type Instrument struct {
	Code      string          `json:"stock_code"`
	Name      string          `json:"company_name"`
	Price     decimal.Decimal `json:"price"`
	ChangePct decimal.Decimal `json:"change"`
}

// Quote is the live price of an instrument as held by the price book
type Quote struct {
	Name      string          `json:"company_name"`
	Price     decimal.Decimal `json:"price"`
	ChangePct decimal.Decimal `json:"change"`
}

// Holding is a user's owned quantity of one instrument
type Holding struct {
	UserID   int    `json:"user_id"`
	Code     string `json:"stock_code"`
	Quantity int64  `json:"quantity"`
}

// TradeRecord is an executed buy or sell, never mutated once written
type TradeRecord struct {
	ID         int             `json:"id"`
	UserID     int             `json:"user_id"`
	Code       string          `json:"stock_code"`
	Side       Side            `json:"type"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	ExecutedAt time.Time       `json:"timestamp"`
}

// Notional returns price × quantity
func (t TradeRecord) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}
