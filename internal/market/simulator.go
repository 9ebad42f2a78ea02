// Package market runs the background price simulation.
package market

import (
	"context"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/stocksim/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultBand     = 0.05
)

var minPrice = decimal.New(1, -2)

// PriceUpdater is the price state the simulator moves
type PriceUpdater interface {
	Quotes() map[string]models.Quote
	UpdatePrice(ctx context.Context, code string, price, changePct decimal.Decimal) error
}

// State of the simulator
type State int32

const (
	StateIdle State = iota
	StateTicking
)

func (s State) String() string {
	if s == StateTicking {
		return "ticking"
	}
	return "idle"
}

// TickReport summarizes one round of price updates
type TickReport struct {
	Updated int
	Failed  int
}

// Option configures a Simulator
type Option func(*Simulator)

// WithInterval sets the time between ticks
func WithInterval(d time.Duration) Option {
	return func(s *Simulator) { s.interval = d }
}

// WithBand sets the maximum relative price move per tick
func WithBand(band float64) Option {
	return func(s *Simulator) { s.band = band }
}

// WithRand sets the random source, for reproducible runs
func WithRand(src rand.Source) Option {
	return func(s *Simulator) { s.rng = rand.New(src) }
}

// WithTickListener registers a callback receiving the quotes after each tick
func WithTickListener(fn func(map[string]models.Quote)) Option {
	return func(s *Simulator) { s.listeners = append(s.listeners, fn) }
}

// Simulator perturbs every listed price on a fixed interval. It never touches
// balances or holdings.
type Simulator struct {
	prices    PriceUpdater
	log       *zap.Logger
	interval  time.Duration
	band      float64
	rng       *rand.Rand
	listeners []func(map[string]models.Quote)
	state     atomic.Int32
}

// New creates a simulator moving the prices of p
func New(p PriceUpdater, log *zap.Logger, opts ...Option) *Simulator {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Simulator{
		prices:   p,
		log:      log,
		interval: DefaultInterval,
		band:     DefaultBand,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports whether a tick is in progress
func (s *Simulator) State() State {
	return State(s.state.Load())
}

// Run ticks every interval until ctx is cancelled. A tick in progress when
// ctx is cancelled stops before its next instrument.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("market simulator started", zap.Duration("interval", s.interval), zap.Float64("band", s.band))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("market simulator stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick applies one round of price moves. Instruments whose update fails are
// logged and skipped; the rest of the round still runs.
func (s *Simulator) Tick(ctx context.Context) TickReport {
	s.state.Store(int32(StateTicking))
	defer s.state.Store(int32(StateIdle))

	quotes := s.prices.Quotes()
	codes := make([]string, 0, len(quotes))
	for code := range quotes {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var report TickReport
	for _, code := range codes {
		if ctx.Err() != nil {
			break
		}
		change := s.rng.Float64()*2*s.band - s.band
		price, changePct := Move(quotes[code].Price, change)
		if err := s.prices.UpdatePrice(ctx, code, price, changePct); err != nil {
			report.Failed++
			s.log.Warn("price update failed", zap.String("stock_code", code), zap.Error(err))
			continue
		}
		report.Updated++
	}

	s.log.Debug("market tick", zap.Int("updated", report.Updated), zap.Int("failed", report.Failed))
	if len(s.listeners) > 0 {
		snapshot := s.prices.Quotes()
		for _, fn := range s.listeners {
			fn(snapshot)
		}
	}
	return report
}

// Move applies a relative change to old and returns the new price and change
// percentage, both rounded to two decimals. The price never drops below 0.01.
func Move(old decimal.Decimal, change float64) (decimal.Decimal, decimal.Decimal) {
	c := decimal.NewFromFloat(change)
	price := old.Mul(decimal.NewFromInt(1).Add(c)).Round(2)
	if price.LessThan(minPrice) {
		price = minPrice
	}
	return price, c.Mul(decimal.NewFromInt(100)).Round(2)
}
