package exchange

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/stocksim/internal/models"
)

type holdingKey struct {
	userID int
	code   string
}

// MemStore is a Store kept in process memory. It backs tests and the
// "memory" storage driver; nothing survives a restart.
type MemStore struct {
	mu          sync.Mutex
	users       map[int]models.User
	byName      map[string]int
	instruments map[string]models.Instrument
	holdings    map[holdingKey]int64
	trades      []models.TradeRecord
	nextUserID  int
	nextTradeID int
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[int]models.User),
		byName:      make(map[string]int),
		instruments: make(map[string]models.Instrument),
		holdings:    make(map[holdingKey]int64),
		nextUserID:  1,
		nextTradeID: 1,
	}
}

func (s *MemStore) CreateUser(ctx context.Context, username, passwordHash string, balance decimal.Decimal) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[username]; ok {
		return nil, ErrRecordExists
	}
	u := models.User{ID: s.nextUserID, Username: username, PasswordHash: passwordHash, Balance: balance}
	s.nextUserID++
	s.users[u.ID] = u
	s.byName[username] = u.ID
	return &u, nil
}

func (s *MemStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[username]
	if !ok {
		return nil, ErrRecordNotFound
	}
	u := s.users[id]
	return &u, nil
}

func (s *MemStore) ListUsers(ctx context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *MemStore) CreateInstrument(ctx context.Context, inst models.Instrument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instruments[inst.Code]; ok {
		return ErrRecordExists
	}
	s.instruments[inst.Code] = inst
	return nil
}

func (s *MemStore) DeleteInstrument(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.holdings {
		if k.code == code {
			return ErrRecordReferenced
		}
	}
	if _, ok := s.instruments[code]; !ok {
		return ErrRecordNotFound
	}
	delete(s.instruments, code)
	return nil
}

func (s *MemStore) UpdateInstrumentPrice(ctx context.Context, code string, price, changePct decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[code]
	if !ok {
		return ErrRecordNotFound
	}
	inst.Price = price
	inst.ChangePct = changePct
	s.instruments[code] = inst
	return nil
}

func (s *MemStore) ListHoldings(ctx context.Context) ([]models.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Holding, 0, len(s.holdings))
	for k, qty := range s.holdings {
		out = append(out, models.Holding{UserID: k.userID, Code: k.code, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID == out[j].UserID {
			return out[i].Code < out[j].Code
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *MemStore) ApplyTrade(ctx context.Context, w TradeWrite) (*models.TradeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[w.UserID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if _, ok := s.instruments[w.Code]; !ok {
		return nil, ErrRecordNotFound
	}

	u.Balance = w.NewBalance
	s.users[w.UserID] = u
	key := holdingKey{userID: w.UserID, code: w.Code}
	if w.NewQuantity > 0 {
		s.holdings[key] = w.NewQuantity
	} else {
		delete(s.holdings, key)
	}

	rec := w.Record
	rec.ID = s.nextTradeID
	s.nextTradeID++
	s.trades = append(s.trades, rec)
	return &rec, nil
}

func (s *MemStore) ListTrades(ctx context.Context, userID int) ([]models.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TradeRecord
	for _, t := range s.trades {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Balance returns the stored balance of a user
func (s *MemStore) Balance(userID int) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	return u.Balance, ok
}

// Price returns the stored price and change percentage of an instrument
func (s *MemStore) Price(code string) (decimal.Decimal, decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instruments[code]
	return inst.Price, inst.ChangePct, ok
}
