package trade

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/instrument"
	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

// MarkToMarket revalues the owner's open positions on symbol at mark.
//
// Futures whose remaining margin (margin locked + unrealized pnl) falls to
// or below LiquidationRatio of the margin requirement are force-closed at
// mark through the cover routine and tagged LIQUIDATION. A repeated tick for
// a position that is already closed finds nothing to do. Options are valued
// at the intrinsic value of the underlying mark.
func (s *Service) MarkToMarket(ctx context.Context, owner, symbol string, mark decimal.Decimal) error {
	if !mark.IsPositive() {
		return fmt.Errorf("trade: non-positive mark %s for %s", mark, symbol)
	}

	var events []model.Event
	err := s.store.WithAccount(ctx, owner, func(tx store.Tx) error {
		u, err := s.begin(ctx, tx)
		if err != nil {
			return err
		}
		open, err := tx.OpenPositionsBySymbol(ctx, symbol)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}

		liquidated := false
		for _, p := range open {
			p.UnrealizedPnL = unrealizedPnL(p, mark)

			f := p.Futures()
			if f == nil {
				if err := tx.UpdatePosition(ctx, p); err != nil {
					return err
				}
				continue
			}

			remaining := f.MarginLocked.Add(p.UnrealizedPnL)
			// TotalCommitted of a futures position is its margin requirement
			// for the remaining quantity.
			threshold := p.TotalCommitted.Mul(s.liquidationRatio)
			if remaining.GreaterThan(threshold) && remaining.IsPositive() {
				if err := tx.UpdatePosition(ctx, p); err != nil {
					return err
				}
				continue
			}

			u.events = append(u.events, model.Event{
				Type:            model.EventMarginCall,
				OwnerID:         owner,
				PositionID:      p.ID,
				Symbol:          symbol,
				ClosePrice:      mark,
				RealizedPnL:     decimal.Zero,
				RemainingMargin: remaining,
				Message:         fmt.Sprintf("remaining margin %s at or below threshold %s", remaining, threshold),
				Timestamp:       u.now,
			})
			pnl, err := s.cover(u, p, p.RemainingQuantity, mark, model.ActionLiquidation)
			if err != nil {
				return err
			}
			u.events = append(u.events, model.Event{
				Type:            model.EventLiquidation,
				OwnerID:         owner,
				PositionID:      p.ID,
				Symbol:          symbol,
				ClosePrice:      mark,
				RealizedPnL:     pnl,
				RemainingMargin: remaining,
				Timestamp:       u.now,
			})
			liquidated = true
		}

		events = u.events
		return u.commit(liquidated)
	})
	if err != nil {
		s.fail(ctx, owner, "mark to market", err)
		return err
	}

	for _, e := range events {
		switch e.Type {
		case model.EventMarginCall:
			metrics.MarginCalls.Inc()
		case model.EventLiquidation:
			metrics.Liquidations.Inc()
			s.logger.Warn("position liquidated",
				"owner", owner,
				"position", e.PositionID,
				"symbol", symbol,
				"mark", mark.String(),
				"realized_pnl", e.RealizedPnL.String(),
				"remaining_margin", e.RemainingMargin.String(),
			)
		}
		s.publisher.Publish(ctx, e)
	}
	return nil
}

// unrealizedPnL values the remaining quantity of p at mark.
func unrealizedPnL(p *model.Position, mark decimal.Decimal) decimal.Decimal {
	switch d := p.Detail.(type) {
	case *model.FuturesDetail:
		diff := mark.Sub(p.AverageEntryPrice)
		if p.Direction == model.Sell {
			diff = diff.Neg()
		}
		return diff.Mul(p.RemainingQuantity).Mul(d.ContractSize)
	case *model.OptionsDetail:
		value := instrument.IntrinsicValue(d.OptionType, d.StrikePrice, mark)
		if d.PositionSide == model.Short {
			// The premium is already realized; what is left is the liability.
			return value.Mul(p.RemainingQuantity).Neg()
		}
		return value.Sub(p.AverageEntryPrice).Mul(p.RemainingQuantity)
	default:
		diff := mark.Sub(p.AverageEntryPrice)
		if p.Direction == model.Sell {
			diff = diff.Neg()
		}
		return diff.Mul(p.RemainingQuantity)
	}
}

// SettleExpired closes one expired futures or options position at the
// settlement price. Futures close at settlement; options close at intrinsic
// value, tagged EXERCISE when a LONG option finishes in the money and EXPIRY
// otherwise. A position that is already closed, or not yet past its expiry
// day, is left alone and a nil result is returned.
func (s *Service) SettleExpired(ctx context.Context, owner, positionID string, settlement decimal.Decimal) (*Result, error) {
	var res *Result
	var event model.Event
	err := s.store.WithAccount(ctx, owner, func(tx store.Tx) error {
		u, err := s.begin(ctx, tx)
		if err != nil {
			return err
		}
		p, err := tx.Position(ctx, positionID)
		if err != nil {
			return err
		}
		expiry, ok := p.ExpiryDate()
		if !p.IsOpen() || !ok || !expiry.Before(instrument.TruncateDay(u.now)) {
			return nil
		}

		exit, action := settlement, model.ActionExpiry
		if o := p.Options(); o != nil {
			exit = instrument.IntrinsicValue(o.OptionType, o.StrikePrice, settlement)
			if o.PositionSide == model.Long && instrument.InTheMoney(o.OptionType, o.StrikePrice, settlement) {
				action = model.ActionExercise
			}
		}

		pnl, err := s.cover(u, p, p.RemainingQuantity, exit, action)
		if err != nil {
			return err
		}
		res = &Result{Outcome: model.OutcomeClose, Position: p, Covered: []model.Position{*p.Clone()}, RealizedPnL: pnl}
		event = model.Event{
			Type:        model.EventSettlement,
			OwnerID:     owner,
			PositionID:  p.ID,
			Symbol:      p.AssetSymbol,
			ClosePrice:  exit,
			RealizedPnL: pnl,
			Message:     string(action),
			Timestamp:   u.now,
		}
		return u.commit(true)
	})
	if err != nil {
		s.fail(ctx, owner, "settle expired", err)
		return nil, err
	}
	if res == nil {
		return nil, nil
	}

	metrics.Settlements.WithLabelValues(event.Message).Inc()
	s.logger.Info("position settled",
		"owner", owner,
		"position", positionID,
		"action", event.Message,
		"settlement", settlement.String(),
		"realized_pnl", res.RealizedPnL.String(),
	)
	s.publisher.Publish(ctx, event)
	return res, nil
}
