package mtm

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

// Marker revalues one owner's positions on a symbol.
type Marker interface {
	MarkToMarket(ctx context.Context, owner, symbol string, mark decimal.Decimal) error
}

// OwnerIndex finds owners holding open positions on a symbol.
type OwnerIndex interface {
	OwnersWithOpenPositions(ctx context.Context, symbol string) ([]string, error)
}

// MarkCache is the latest-mark cache updated on every tick.
type MarkCache interface {
	Set(symbol string, price decimal.Decimal) model.Mark
}

// Engine applies ticks: it refreshes the mark cache, records the tick in
// the price log and marks every affected owner to market.
type Engine struct {
	marks  MarkCache
	owners OwnerIndex
	prices store.PriceLog
	marker Marker
	logger *slog.Logger
}

// NewEngine creates an engine. prices may be nil.
func NewEngine(marks MarkCache, owners OwnerIndex, prices store.PriceLog, marker Marker, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		marks:  marks,
		owners: owners,
		prices: prices,
		marker: marker,
		logger: logger.With("component", "mtm_engine"),
	}
}

// OnTick applies one tick. Failures for one owner are logged and do not
// stop the others.
func (e *Engine) OnTick(ctx context.Context, tick model.Tick) {
	e.marks.Set(tick.Symbol, tick.MarkPrice)

	if e.prices != nil {
		if err := e.prices.AppendPrice(ctx, tick); err != nil {
			e.logger.Warn("price log append failed", "symbol", tick.Symbol, "err", err)
		}
	}

	owners, err := e.owners.OwnersWithOpenPositions(ctx, tick.Symbol)
	if err != nil {
		e.logger.Error("owner lookup failed", "symbol", tick.Symbol, "err", err)
		return
	}
	for _, owner := range owners {
		if err := e.marker.MarkToMarket(ctx, owner, tick.Symbol, tick.MarkPrice); err != nil {
			e.logger.Error("mark to market failed",
				"owner", owner,
				"symbol", tick.Symbol,
				"mark", tick.MarkPrice.String(),
				"err", err,
			)
		}
	}
}
