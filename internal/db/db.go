package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/stocksim/internal/exchange"
	"github.com/xtrntr/stocksim/internal/models"
)

//go:embed migrations/001_init.sql
var initSchema string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

var _ exchange.Store = (*DB)(nil)

// NewDB initializes a new database connection pool and checks it is reachable
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, initSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string, balance decimal.Decimal) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, balance) VALUES ($1, $2, $3) RETURNING id, username, password_hash, balance, created_at",
		username, passwordHash, balance).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Balance, &user.CreatedAt)
	if pgCode(err) == pgUniqueViolation {
		return nil, exchange.ErrRecordExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, balance, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Balance, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, exchange.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// ListUsers retrieves all users ordered by id
func (db *DB) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, username, password_hash, balance, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Balance, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ListInstruments retrieves all stocks ordered by code
func (db *DB) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT stock_code, company_name, price, change FROM stocks ORDER BY stock_code")
	if err != nil {
		return nil, fmt.Errorf("failed to list stocks: %w", err)
	}
	defer rows.Close()

	var instruments []models.Instrument
	for rows.Next() {
		var inst models.Instrument
		if err := rows.Scan(&inst.Code, &inst.Name, &inst.Price, &inst.ChangePct); err != nil {
			return nil, fmt.Errorf("failed to scan stock: %w", err)
		}
		instruments = append(instruments, inst)
	}
	return instruments, rows.Err()
}

// CreateInstrument inserts a new stock
func (db *DB) CreateInstrument(ctx context.Context, inst models.Instrument) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO stocks (stock_code, company_name, price, change) VALUES ($1, $2, $3, $4)",
		inst.Code, inst.Name, inst.Price, inst.ChangePct)
	if pgCode(err) == pgUniqueViolation {
		return exchange.ErrRecordExists
	}
	if err != nil {
		return fmt.Errorf("failed to create stock: %w", err)
	}
	return nil
}

// DeleteInstrument removes a stock no holding references
func (db *DB) DeleteInstrument(ctx context.Context, code string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the stock row so no holding can be opened against it concurrently
	var locked string
	err = tx.QueryRow(ctx, "SELECT stock_code FROM stocks WHERE stock_code = $1 FOR UPDATE", code).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return exchange.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock stock: %w", err)
	}

	var held int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM holdings WHERE stock_code = $1", code).Scan(&held); err != nil {
		return fmt.Errorf("failed to count holdings: %w", err)
	}
	if held > 0 {
		return exchange.ErrRecordReferenced
	}

	tag, err := tx.Exec(ctx, "DELETE FROM stocks WHERE stock_code = $1", code)
	if pgCode(err) == pgForeignKeyViolation {
		return exchange.ErrRecordReferenced
	}
	if err != nil {
		return fmt.Errorf("failed to delete stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return exchange.ErrRecordNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateInstrumentPrice stores a new price and change percentage
func (db *DB) UpdateInstrumentPrice(ctx context.Context, code string, price, changePct decimal.Decimal) error {
	tag, err := db.Pool.Exec(ctx,
		"UPDATE stocks SET price = $1, change = $2 WHERE stock_code = $3",
		price, changePct, code)
	if err != nil {
		return fmt.Errorf("failed to update stock price: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return exchange.ErrRecordNotFound
	}
	return nil
}

// ListHoldings retrieves every holding
func (db *DB) ListHoldings(ctx context.Context) ([]models.Holding, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT user_id, stock_code, quantity FROM holdings ORDER BY user_id, stock_code")
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	var holdings []models.Holding
	for rows.Next() {
		var h models.Holding
		if err := rows.Scan(&h.UserID, &h.Code, &h.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// ApplyTrade writes the balance, holding and trade record of one trade in a
// single transaction
func (db *DB) ApplyTrade(ctx context.Context, w exchange.TradeWrite) (*models.TradeRecord, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "UPDATE users SET balance = $1 WHERE id = $2", w.NewBalance, w.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, exchange.ErrRecordNotFound
	}

	if w.NewQuantity > 0 {
		_, err = tx.Exec(ctx,
			"INSERT INTO holdings (user_id, stock_code, quantity) VALUES ($1, $2, $3) "+
				"ON CONFLICT (user_id, stock_code) DO UPDATE SET quantity = EXCLUDED.quantity",
			w.UserID, w.Code, w.NewQuantity)
	} else {
		_, err = tx.Exec(ctx, "DELETE FROM holdings WHERE user_id = $1 AND stock_code = $2", w.UserID, w.Code)
	}
	if pgCode(err) == pgForeignKeyViolation {
		return nil, exchange.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update holding: %w", err)
	}

	rec := w.Record
	err = tx.QueryRow(ctx,
		"INSERT INTO transactions (user_id, stock_code, type, price, quantity, executed_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id",
		rec.UserID, rec.Code, string(rec.Side), rec.Price, rec.Quantity, rec.ExecutedAt).Scan(&rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to record trade: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &rec, nil
}

// ListTrades retrieves a user's trade records, oldest first
func (db *DB) ListTrades(ctx context.Context, userID int) ([]models.TradeRecord, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, stock_code, type, price, quantity, executed_at FROM transactions WHERE user_id = $1 ORDER BY id",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var tr models.TradeRecord
		var side string
		if err := rows.Scan(&tr.ID, &tr.UserID, &tr.Code, &side, &tr.Price, &tr.Quantity, &tr.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		tr.Side = models.Side(side)
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}
