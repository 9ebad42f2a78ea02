package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/stocksim/internal/models"
	"go.uber.org/zap"
)

// DefaultInitialBalance is the cash a new user starts with
var DefaultInitialBalance = decimal.NewFromInt(20000)

const (
	maxUsernameLen = 50
	maxPasswordLen = 100
	maxCodeLen     = 16
)

// Authenticator hashes and checks credentials and issues session tokens
type Authenticator interface {
	HashPassword(password string) (string, error)
	CheckPassword(hash, password string) error
	IssueToken(userID int, username string) (string, error)
}

// LoginResult is returned by a successful login
type LoginResult struct {
	UserID  int
	Balance decimal.Decimal
	Token   string
}

// Position is one valued holding of a portfolio
type Position struct {
	Code     string          `json:"stock_code"`
	Name     string          `json:"company_name"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"current_price"`
	Value    decimal.Decimal `json:"value"`
}

// Portfolio is a user's cash and holdings valued at live prices
type Portfolio struct {
	Balance  decimal.Decimal `json:"balance"`
	Holdings []Position      `json:"holdings"`
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithInitialBalance sets the cash granted on registration
func WithInitialBalance(balance decimal.Decimal) Option {
	return func(e *Engine) { e.initialBalance = balance }
}

// WithTradeListener registers a callback invoked after every durable trade
func WithTradeListener(fn func(models.TradeRecord)) Option {
	return func(e *Engine) { e.tradeListeners = append(e.tradeListeners, fn) }
}

// Engine executes client operations against the price book and ledger. It is
// safe for concurrent use by every connection and the market simulator.
type Engine struct {
	prices *PriceBook
	ledger *Ledger
	store  Store
	auth   Authenticator
	log    *zap.Logger

	// catalog is held shared by trades and exclusively while an instrument
	// is removed, so no buy can open a holding on an instrument mid-delete.
	catalog sync.RWMutex

	initialBalance decimal.Decimal
	tradeListeners []func(models.TradeRecord)
}

// NewEngine creates an engine backed by store. Call Load before serving.
func NewEngine(store Store, auth Authenticator, opts ...Option) *Engine {
	prices := NewPriceBook()
	e := &Engine{
		prices:         prices,
		ledger:         NewLedger(prices, store),
		store:          store,
		auth:           auth,
		log:            zap.NewNop(),
		initialBalance: DefaultInitialBalance,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Prices returns the engine's price book
func (e *Engine) Prices() *PriceBook { return e.prices }

// Ledger returns the engine's ledger
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Load rebuilds the price book and ledger from the store
func (e *Engine) Load(ctx context.Context) error {
	instruments, err := e.store.ListInstruments(ctx)
	if err != nil {
		return persistErr("list instruments", err)
	}
	for _, inst := range instruments {
		e.prices.load(inst)
	}

	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return persistErr("list users", err)
	}
	for _, u := range users {
		e.ledger.open(u)
	}

	holdings, err := e.store.ListHoldings(ctx)
	if err != nil {
		return persistErr("list holdings", err)
	}
	for _, h := range holdings {
		if _, err := e.prices.Get(h.Code); err != nil {
			e.log.Warn("holding references unknown stock", zap.Int("user_id", h.UserID), zap.String("stock_code", h.Code))
		}
		e.ledger.loadHolding(h)
	}

	e.log.Info("engine state loaded",
		zap.Int("instruments", len(instruments)),
		zap.Int("users", len(users)),
		zap.Int("holdings", len(holdings)))
	return nil
}

// Register creates a user with the initial balance
func (e *Engine) Register(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password required", ErrInvalidInput)
	}
	if len(username) > maxUsernameLen {
		return nil, fmt.Errorf("%w: username too long (max %d characters)", ErrInvalidInput, maxUsernameLen)
	}
	if len(password) > maxPasswordLen {
		return nil, fmt.Errorf("%w: password too long (max %d characters)", ErrInvalidInput, maxPasswordLen)
	}

	hash, err := e.auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := e.store.CreateUser(ctx, username, hash, e.initialBalance)
	if errors.Is(err, ErrRecordExists) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, persistErr("create user", err)
	}

	e.ledger.open(*user)
	e.log.Info("user registered", zap.Int("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

// Login checks credentials and returns the user's id, balance and a session
// token
func (e *Engine) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := e.store.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, persistErr("get user", err)
	}
	if err := e.auth.CheckPassword(user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}

	// The ledger is authoritative for the balance.
	balance, err := e.ledger.Balance(user.ID)
	if err != nil {
		e.ledger.open(*user)
		balance = user.Balance
	}

	token, err := e.auth.IssueToken(user.ID, user.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}
	return &LoginResult{UserID: user.ID, Balance: balance, Token: token}, nil
}

// Quotes returns the current quote of every listed instrument
func (e *Engine) Quotes() map[string]models.Quote {
	return e.prices.Snapshot()
}

// Portfolio returns a user's balance and holdings valued at live prices
func (e *Engine) Portfolio(userID int) (*Portfolio, error) {
	balance, err := e.ledger.Balance(userID)
	if err != nil {
		return nil, err
	}
	holdings, err := e.ledger.Holdings(userID)
	if err != nil {
		return nil, err
	}

	p := &Portfolio{Balance: balance, Holdings: make([]Position, 0, len(holdings))}
	for _, h := range holdings {
		q, err := e.prices.Get(h.Code)
		if err != nil {
			continue
		}
		p.Holdings = append(p.Holdings, Position{
			Code:     h.Code,
			Name:     q.Name,
			Quantity: h.Quantity,
			Price:    q.Price,
			Value:    q.Price.Mul(decimal.NewFromInt(h.Quantity)),
		})
	}
	return p, nil
}

// Buy purchases qty shares of code for a user and returns the new balance
func (e *Engine) Buy(ctx context.Context, userID int, code string, qty int64) (decimal.Decimal, error) {
	return e.trade(ctx, userID, code, models.SideBuy, qty)
}

// Sell sells qty shares of code for a user and returns the new balance
func (e *Engine) Sell(ctx context.Context, userID int, code string, qty int64) (decimal.Decimal, error) {
	return e.trade(ctx, userID, code, models.SideSell, qty)
}

func (e *Engine) trade(ctx context.Context, userID int, code string, side models.Side, qty int64) (decimal.Decimal, error) {
	e.catalog.RLock()
	balance, rec, err := e.ledger.ApplyTrade(ctx, userID, code, side, qty)
	e.catalog.RUnlock()
	if err != nil {
		if KindOf(err) == KindPersistence {
			e.log.Error("trade not persisted",
				zap.Int("user_id", userID),
				zap.String("stock_code", code),
				zap.String("side", string(side)),
				zap.Error(err))
		}
		return decimal.Zero, err
	}

	e.log.Info("trade executed",
		zap.Int("user_id", userID),
		zap.String("stock_code", code),
		zap.String("side", string(side)),
		zap.Int64("quantity", qty),
		zap.String("price", rec.Price.StringFixed(2)),
		zap.String("balance", balance.StringFixed(2)))
	for _, fn := range e.tradeListeners {
		fn(*rec)
	}
	return balance, nil
}

// AddInstrument lists a new instrument
func (e *Engine) AddInstrument(ctx context.Context, code, name string, price decimal.Decimal) error {
	code = strings.TrimSpace(code)
	if code == "" || len(code) > maxCodeLen {
		return fmt.Errorf("%w: stock code must be 1-%d characters", ErrInvalidInput, maxCodeLen)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	price = price.Round(2)
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be at least 0.01", ErrInvalidInput)
	}

	e.catalog.Lock()
	defer e.catalog.Unlock()

	if _, err := e.prices.Get(code); err == nil {
		return ErrInstrumentExists
	}
	err := e.store.CreateInstrument(ctx, models.Instrument{Code: code, Name: name, Price: price, ChangePct: decimal.Zero})
	if errors.Is(err, ErrRecordExists) {
		return ErrInstrumentExists
	}
	if err != nil {
		return persistErr("create instrument", err)
	}
	if err := e.prices.Add(code, name, price); err != nil {
		return err
	}
	e.log.Info("stock added", zap.String("stock_code", code), zap.String("price", price.StringFixed(2)))
	return nil
}

// RemoveInstrument delists an instrument nobody holds
func (e *Engine) RemoveInstrument(ctx context.Context, code string) error {
	e.catalog.Lock()
	defer e.catalog.Unlock()

	if _, err := e.prices.Get(code); err != nil {
		return err
	}
	if e.ledger.IsHeld(code) {
		return ErrHasHoldings
	}

	err := e.store.DeleteInstrument(ctx, code)
	switch {
	case errors.Is(err, ErrRecordReferenced):
		return ErrHasHoldings
	case errors.Is(err, ErrRecordNotFound):
		// Already gone from the store; keep the book in agreement.
		_ = e.prices.Remove(code)
		return ErrInstrumentNotFound
	case err != nil:
		return persistErr("delete instrument", err)
	}

	if err := e.prices.Remove(code); err != nil {
		return err
	}
	e.log.Info("stock deleted", zap.String("stock_code", code))
	return nil
}

// UpdatePrice persists a new price for code and then publishes it to the
// price book, so clients never observe a price the store has not accepted.
// The catalog is held shared so a delete and re-add cannot land between the
// two writes.
func (e *Engine) UpdatePrice(ctx context.Context, code string, price, changePct decimal.Decimal) error {
	e.catalog.RLock()
	defer e.catalog.RUnlock()

	if err := e.store.UpdateInstrumentPrice(ctx, code, price, changePct); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return ErrInstrumentNotFound
		}
		return persistErr("update price", err)
	}
	return e.prices.Set(code, price, changePct)
}

// ListUsers returns every user with their current balance
func (e *Engine) ListUsers() []models.User {
	return e.ledger.Users()
}

// History returns a user's trade records, oldest first
func (e *Engine) History(ctx context.Context, userID int) ([]models.TradeRecord, error) {
	if _, err := e.ledger.Balance(userID); err != nil {
		return nil, err
	}
	trades, err := e.store.ListTrades(ctx, userID)
	if err != nil {
		return nil, persistErr("list trades", err)
	}
	return trades, nil
}
