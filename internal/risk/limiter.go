// Package risk implements the pre-trade checks every order passes before the
// ledger is touched: the capital an opening leg requires, and the limits that
// capital is held to relative to the account's initial balance.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/wallet"
)

var (
	// ErrInsufficientFunds is returned when the available balance cannot
	// cover the required capital.
	ErrInsufficientFunds = wallet.ErrInsufficientFunds

	// ErrAllocationLimitExceeded is returned when a single trade would
	// commit more than PerTradePct of the initial balance.
	ErrAllocationLimitExceeded = errors.New("risk: per-trade allocation limit exceeded")

	// ErrTotalLockLimitExceeded is returned when the locked balance after
	// the trade would exceed TotalLockPct of the initial balance.
	ErrTotalLockLimitExceeded = errors.New("risk: total locked balance limit exceeded")

	// ErrNoPositionToSell is returned for spot sells without enough bought
	// quantity to cover. Spot cannot be shorted.
	ErrNoPositionToSell = errors.New("risk: no position to sell")
)

// Limiter enforces capital limits. A zero percentage disables that limit.
type Limiter struct {
	// PerTradePct caps the capital one trade may commit, as a fraction of
	// the initial balance.
	PerTradePct decimal.Decimal

	// TotalLockPct caps the wallet's locked balance after the trade, as a
	// fraction of the initial balance.
	TotalLockPct decimal.Decimal

	// OptionShortMarginRate is the fraction of strike*quantity locked as
	// margin when writing options.
	OptionShortMarginRate decimal.Decimal
}

// NewLimiter creates a limiter with the given limits.
func NewLimiter(perTradePct, totalLockPct, optionShortMarginRate decimal.Decimal) *Limiter {
	return &Limiter{
		PerTradePct:           perTradePct,
		TotalLockPct:          totalLockPct,
		OptionShortMarginRate: optionShortMarginRate,
	}
}

// DefaultLimiter returns the standard 30% / 75% / 20% limits.
func DefaultLimiter() *Limiter {
	return NewLimiter(
		decimal.NewFromFloat(0.30),
		decimal.NewFromFloat(0.75),
		decimal.NewFromFloat(0.20),
	)
}

// RequiredCapital is the amount an opening leg of qty must lock:
//   - Spot BUY: qty * price
//   - Futures: qty * price * contract_size / leverage
//   - Options BUY: qty * premium
//   - Options SELL: OptionShortMarginRate * strike * qty
//
// Spot SELL never opens a leg and requires nothing.
func (l *Limiter) RequiredCapital(intent model.OrderIntent, qty decimal.Decimal) decimal.Decimal {
	switch intent.Class {
	case model.Spot:
		if intent.Direction == model.Sell {
			return decimal.Zero
		}
		return qty.Mul(intent.Price)
	case model.Futures:
		return qty.Mul(intent.Price).Mul(intent.ContractSize).Div(intent.Leverage)
	case model.Options:
		if intent.Direction == model.Buy {
			return qty.Mul(intent.Premium)
		}
		return l.OptionShortMarginRate.Mul(intent.StrikePrice).Mul(qty)
	default:
		return decimal.Zero
	}
}

// Check validates whether w can commit required capital.
//
// Checks, in order:
//  1. required <= PerTradePct * initial
//  2. locked + required <= TotalLockPct * initial
//  3. required <= available
//
// The limits come first so an order over the allocation limit is always
// reported as such, whatever the available balance.
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *Limiter) Check(w *model.WalletAccount, required decimal.Decimal) error {
	if !required.IsPositive() {
		return nil
	}

	// 1. Per-trade allocation.
	if l.PerTradePct.IsPositive() {
		maxAlloc := w.InitialBalance.Mul(l.PerTradePct)
		if required.GreaterThan(maxAlloc) {
			return fmt.Errorf("%w: %s > %s", ErrAllocationLimitExceeded, required, maxAlloc)
		}
	}

	// 2. Total lock after the trade.
	if l.TotalLockPct.IsPositive() {
		maxLocked := w.InitialBalance.Mul(l.TotalLockPct)
		if w.LockedBalance.Add(required).GreaterThan(maxLocked) {
			return fmt.Errorf("%w: %s + %s > %s", ErrTotalLockLimitExceeded, w.LockedBalance, required, maxLocked)
		}
	}

	// 3. Funds.
	if required.GreaterThan(w.AvailableBalance) {
		return fmt.Errorf("%w: need %s, available %s", ErrInsufficientFunds, required, w.AvailableBalance)
	}

	return nil
}

// IsRiskError reports whether err is one of this package's rejections.
func IsRiskError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAllocationLimitExceeded) ||
		errors.Is(err, ErrTotalLockLimitExceeded) ||
		errors.Is(err, ErrNoPositionToSell)
}

// Reason returns a short metrics label for a risk error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrAllocationLimitExceeded):
		return "allocation_limit"
	case errors.Is(err, ErrTotalLockLimitExceeded):
		return "total_lock_limit"
	case errors.Is(err, ErrNoPositionToSell):
		return "no_position_to_sell"
	default:
		return "other"
	}
}
