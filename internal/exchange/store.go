package exchange

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/stocksim/internal/models"
)

// TradeWrite is the durable effect of one trade: the account's new balance,
// the holding's new quantity (zero removes the row) and the audit record.
type TradeWrite struct {
	UserID      int
	Code        string
	NewBalance  decimal.Decimal
	NewQuantity int64
	Record      models.TradeRecord
}

// Store is the durable system of record. The engine calls it; it never calls
// back into the engine.
type Store interface {
	// CreateUser fails with ErrRecordExists when the username is taken.
	CreateUser(ctx context.Context, username, passwordHash string, balance decimal.Decimal) (*models.User, error)
	// GetUserByUsername fails with ErrRecordNotFound.
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	ListInstruments(ctx context.Context) ([]models.Instrument, error)
	// CreateInstrument fails with ErrRecordExists when the code is taken.
	CreateInstrument(ctx context.Context, inst models.Instrument) error
	// DeleteInstrument fails with ErrRecordReferenced when a holding still
	// references code and ErrRecordNotFound when code is absent.
	DeleteInstrument(ctx context.Context, code string) error
	// UpdateInstrumentPrice fails with ErrRecordNotFound.
	UpdateInstrumentPrice(ctx context.Context, code string, price, changePct decimal.Decimal) error

	ListHoldings(ctx context.Context) ([]models.Holding, error)

	// ApplyTrade writes balance, holding and trade record atomically and
	// returns the stored record.
	ApplyTrade(ctx context.Context, w TradeWrite) (*models.TradeRecord, error)
	ListTrades(ctx context.Context, userID int) ([]models.TradeRecord, error)
}
