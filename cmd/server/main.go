package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/stocksim/internal/api"
	"github.com/xtrntr/stocksim/internal/auth"
	"github.com/xtrntr/stocksim/internal/config"
	"github.com/xtrntr/stocksim/internal/db"
	"github.com/xtrntr/stocksim/internal/events"
	"github.com/xtrntr/stocksim/internal/exchange"
	"github.com/xtrntr/stocksim/internal/logging"
	"github.com/xtrntr/stocksim/internal/market"
	"github.com/xtrntr/stocksim/internal/server"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Main entry point: loads config, restores state from storage and serves the
// trading protocol, the quote feed and the market simulation
func main() {
	confPath := flag.String("config", config.DefaultPath(), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		// No logger yet
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()
	log.Debug("configuration loaded", zap.String("env", cfg.Env), zap.String("config", cfg.String()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var store exchange.Store
	switch cfg.Storage.Driver {
	case "postgres":
		database, err := db.NewDB(ctx, cfg.Storage.DSN)
		if err != nil {
			log.Fatal("failed to connect to database", zap.Error(err))
		}
		defer database.Close(context.Background())
		if err := database.Migrate(ctx); err != nil {
			log.Fatal("failed to migrate database", zap.Error(err))
		}
		store = database
	default:
		log.Warn("using in-memory storage, state is lost on exit")
		store = exchange.NewMemStore()
	}

	// Initialize auth service
	var authOpts []auth.Option
	if cfg.Auth.BcryptCost > 0 {
		authOpts = append(authOpts, auth.WithCost(cfg.Auth.BcryptCost))
	}
	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, authOpts...)

	initialBalance, err := cfg.InitialBalance()
	if err != nil {
		log.Fatal("invalid initial balance", zap.Error(err))
	}
	engineOpts := []exchange.Option{
		exchange.WithLogger(log.Named("engine")),
		exchange.WithInitialBalance(initialBalance),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		trades := events.NewTradePublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log.Named("kafka"))
		defer trades.Close()
		engineOpts = append(engineOpts, exchange.WithTradeListener(trades.Publish))
	}

	// Initialize the engine from durable state
	engine := exchange.NewEngine(store, authService, engineOpts...)
	if err := engine.Load(ctx); err != nil {
		log.Fatal("failed to load state", zap.Error(err))
	}

	router := api.NewRouter(engine, authService, cfg.Auth.AdminPassword, log.Named("router"))

	var tickListeners []market.Option
	if cfg.HTTP.Address != "" {
		hub := api.NewQuoteHub(engine.Quotes, log.Named("ws"))
		tickListeners = append(tickListeners, market.WithTickListener(hub.Broadcast))

		handler := api.NewHTTPHandler(hub, api.NewGateway(router))
		httpServer := &http.Server{Addr: cfg.HTTP.Address, Handler: handler}
		go func() {
			log.Info("quote feed listening", zap.String("address", cfg.HTTP.Address))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("quote feed failed", zap.Error(err))
			}
		}()
		defer shutdownHTTP(httpServer, log)
	}
	if cfg.Redis.Address != "" {
		client, err := events.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer client.Close()
		quotes := events.NewQuotePublisher(client, cfg.Redis.QuoteKey, cfg.Redis.Channel, log.Named("redis"))
		quotes.Publish(engine.Quotes())
		tickListeners = append(tickListeners, market.WithTickListener(quotes.Publish))
	}

	// Start the market simulation
	sim := market.New(engine, log.Named("market"), append([]market.Option{
		market.WithInterval(cfg.Market.Interval),
		market.WithBand(cfg.Market.Band),
	}, tickListeners...)...)
	simDone := make(chan struct{})
	go func() {
		defer close(simDone)
		sim.Run(ctx)
	}()

	// Start the trading server
	srv, err := server.New(router,
		server.WithLogger(log.Named("server")),
		server.WithPoolSize(cfg.Server.WorkerPoolSize),
		server.WithMaxLineBytes(cfg.Server.MaxLineBytes),
		server.WithIdleTimeout(cfg.Server.IdleTimeout),
	)
	if err != nil {
		log.Fatal("failed to create server", zap.Error(err))
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(cfg.Server.Address) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, server.ErrServerClosed) {
			log.Error("trading server failed", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("trading server did not stop cleanly", zap.Error(err))
	}
	<-simDone

	log.Info("server stopped", zap.Int("users", len(engine.ListUsers())), zap.Int("stocks", len(engine.Quotes())))
}

func shutdownHTTP(srv *http.Server, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("quote feed did not stop cleanly", zap.Error(err))
	}
}
