// Package settlement closes expired futures and options positions on a
// schedule. Only one replica sweeps at a time when a distributed Locker is
// configured.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
	"github.com/atmx/trading-engine/internal/trade"
)

const lockKey = "settlement:sweep"

// ExpiredFinder lists open derivative positions past their expiry.
type ExpiredFinder interface {
	ExpiredPositions(ctx context.Context, before time.Time) ([]model.PositionRef, error)
}

// Settler closes one expired position at a settlement price.
type Settler interface {
	SettleExpired(ctx context.Context, owner, positionID string, settlement decimal.Decimal) (*trade.Result, error)
}

// PriceSource supplies official settlement prices. ok is false when the
// source has no price for symbol.
type PriceSource interface {
	SettlementPrice(ctx context.Context, symbol string) (price decimal.Decimal, ok bool, err error)
}

// MarkPrices is the last-known mark fallback.
type MarkPrices interface {
	Price(symbol string) (decimal.Decimal, bool)
}

// Config tunes a Sweeper.
type Config struct {
	Interval time.Duration // default 1m
	LockTTL  time.Duration // default 2 * Interval
}

// Sweeper runs expiry settlement.
type Sweeper struct {
	positions ExpiredFinder
	settler   Settler
	external  PriceSource
	marks     MarkPrices
	locker    store.Locker
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithPriceSource sets the external settlement price source, consulted
// before the mark cache.
func WithPriceSource(p PriceSource) Option { return func(s *Sweeper) { s.external = p } }

// WithLocker guards each sweep with a distributed lock.
func WithLocker(l store.Locker) Option { return func(s *Sweeper) { s.locker = l } }

// WithClock overrides the clock deciding what has expired.
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// NewSweeper creates a sweeper.
func NewSweeper(positions ExpiredFinder, settler Settler, marks MarkPrices, cfg Config, logger *slog.Logger, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		positions: positions,
		settler:   settler,
		marks:     marks,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With("component", "settlement"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps immediately and then every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("settlement sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep settles every expired position that has a price and returns how
// many were closed. Positions without any price are left for the next
// sweep. Failures on one position do not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, lockKey, s.cfg.LockTTL)
		if errors.Is(err, store.ErrLockHeld) {
			s.logger.Debug("settlement sweep skipped, lock held elsewhere")
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		defer release()
	}

	refs, err := s.positions.ExpiredPositions(ctx, s.now())
	if err != nil {
		return 0, err
	}

	// A started settlement runs to commit even if ctx is cancelled; the
	// sweep stops between positions.
	settleCtx := context.WithoutCancel(ctx)
	settled := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		price, ok := s.price(ctx, ref.AssetSymbol)
		if !ok {
			s.logger.Warn("no settlement price, retrying next sweep", "position", ref.PositionID, "symbol", ref.AssetSymbol)
			continue
		}
		res, err := s.settler.SettleExpired(settleCtx, ref.OwnerID, ref.PositionID, price)
		if err != nil {
			s.logger.Error("settlement failed", "owner", ref.OwnerID, "position", ref.PositionID, "err", err)
			continue
		}
		if res != nil {
			settled++
		}
	}
	if len(refs) > 0 {
		s.logger.Info("settlement sweep done", "expired", len(refs), "settled", settled)
	}
	return settled, nil
}

func (s *Sweeper) price(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	if s.external != nil {
		p, ok, err := s.external.SettlementPrice(ctx, symbol)
		if err != nil {
			s.logger.Warn("settlement price source failed, using last mark", "symbol", symbol, "err", err)
		} else if ok && p.IsPositive() {
			return p, true
		}
	}
	if s.marks == nil {
		return decimal.Zero, false
	}
	p, ok := s.marks.Price(symbol)
	return p, ok && p.IsPositive()
}
