package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/stocksim/internal/auth"
	"github.com/xtrntr/stocksim/internal/config"
	"github.com/xtrntr/stocksim/internal/db"
	"github.com/xtrntr/stocksim/internal/exchange"
	"github.com/xtrntr/stocksim/internal/logging"
	"go.uber.org/zap"
)

type seedStock struct {
	code  string
	name  string
	price string
}

var defaultStocks = []seedStock{
	{"AAPL", "Apple Inc.", "189.50"},
	{"MSFT", "Microsoft Corp.", "415.20"},
	{"GOOG", "Alphabet Inc.", "172.35"},
	{"AMZN", "Amazon.com Inc.", "183.10"},
	{"TSLA", "Tesla Inc.", "176.75"},
	{"NVDA", "NVIDIA Corp.", "903.60"},
}

var demoUsers = []string{"trader1", "trader2"}

// Seed the database with the default stock list and demo users. Safe to run
// repeatedly: existing rows are left untouched.
func main() {
	confPath := flag.String("config", config.DefaultPath(), "path to the YAML config file")
	withUsers := flag.Bool("users", false, "also create demo users with password \"password\"")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Storage.Driver != "postgres" {
		log.Fatal("seeding needs the postgres storage driver", zap.String("driver", cfg.Storage.Driver))
	}

	ctx := context.Background()

	// Connect to database
	database, err := db.NewDB(ctx, cfg.Storage.DSN)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)
	if err := database.Migrate(ctx); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	initialBalance, err := cfg.InitialBalance()
	if err != nil {
		log.Fatal("invalid initial balance", zap.Error(err))
	}
	engine := exchange.NewEngine(database, auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		exchange.WithLogger(log),
		exchange.WithInitialBalance(initialBalance))
	if err := engine.Load(ctx); err != nil {
		log.Fatal("failed to load state", zap.Error(err))
	}

	added := 0
	for _, s := range defaultStocks {
		err := engine.AddInstrument(ctx, s.code, s.name, decimal.RequireFromString(s.price))
		switch {
		case errors.Is(err, exchange.ErrInstrumentExists):
			log.Info("stock already listed", zap.String("stock_code", s.code))
		case err != nil:
			log.Fatal("failed to add stock", zap.String("stock_code", s.code), zap.Error(err))
		default:
			added++
		}
	}

	created := 0
	if *withUsers {
		for _, name := range demoUsers {
			_, err := engine.Register(ctx, name, "password")
			switch {
			case errors.Is(err, exchange.ErrUsernameTaken):
				log.Info("user already exists", zap.String("username", name))
			case err != nil:
				log.Fatal("failed to create user", zap.String("username", name), zap.Error(err))
			default:
				created++
			}
		}
	}

	log.Info("seed complete", zap.Int("stocks_added", added), zap.Int("users_created", created))
}
