// Package wallet implements the virtual wallet ledger: lock, unlock,
// credit-profit and debit-loss over a WalletAccount, each producing an
// append-only WalletTransaction.
//
// The ledger never persists anything itself. Callers mutate a wallet loaded
// inside a store unit of work and write the account and the returned
// transactions in the same commit.
package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned when a lock exceeds the available balance.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")

	// ErrLedgerInvariant marks internal-consistency bugs: a balance that
	// would go negative or an unlock of money that was never locked.
	ErrLedgerInvariant = errors.New("wallet: ledger invariant violated")

	// ErrOverUnlock is returned when an unlock exceeds the locked balance.
	ErrOverUnlock = fmt.Errorf("%w: unlock exceeds locked balance", ErrLedgerInvariant)

	// ErrNegativeAmount is returned for amounts below zero.
	ErrNegativeAmount = errors.New("wallet: amount must not be negative")

	// ErrInactive is returned when a deactivated wallet is mutated.
	ErrInactive = errors.New("wallet: account is inactive")
)

// Ledger applies balance operations. The zero value is usable.
type Ledger struct {
	// Now is the clock used for transaction timestamps.
	Now func() time.Time
}

// New creates a ledger with the wall clock.
func New() *Ledger {
	return &Ledger{Now: func() time.Time { return time.Now().UTC() }}
}

// Entry is the context recorded with a ledger operation.
type Entry struct {
	PositionID string
	Note       string
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(w *model.WalletAccount, amount decimal.Decimal, e Entry) (*model.WalletTransaction, error) {
	if err := l.check(w, amount); err != nil {
		return nil, err
	}
	if amount.GreaterThan(w.AvailableBalance) {
		return nil, fmt.Errorf("%w: need %s, available %s", ErrInsufficientFunds, amount, w.AvailableBalance)
	}
	before := w.Total()
	w.AvailableBalance = w.AvailableBalance.Sub(amount)
	w.LockedBalance = w.LockedBalance.Add(amount)
	return l.record(w, model.TxLock, amount, before, e), nil
}

// Unlock moves amount from locked back to available.
func (l *Ledger) Unlock(w *model.WalletAccount, amount decimal.Decimal, e Entry) (*model.WalletTransaction, error) {
	if err := l.check(w, amount); err != nil {
		return nil, err
	}
	if amount.GreaterThan(w.LockedBalance) {
		return nil, fmt.Errorf("%w: unlock %s, locked %s (wallet %s)", ErrOverUnlock, amount, w.LockedBalance, w.ID)
	}
	before := w.Total()
	w.LockedBalance = w.LockedBalance.Sub(amount)
	w.AvailableBalance = w.AvailableBalance.Add(amount)
	return l.record(w, model.TxUnlock, amount, before, e), nil
}

// CreditProfit adds a realized gain to earned and makes it spendable.
func (l *Ledger) CreditProfit(w *model.WalletAccount, amount decimal.Decimal, e Entry) (*model.WalletTransaction, error) {
	if err := l.check(w, amount); err != nil {
		return nil, err
	}
	before := w.Total()
	w.EarnedBalance = w.EarnedBalance.Add(amount)
	w.AvailableBalance = w.AvailableBalance.Add(amount)
	return l.record(w, model.TxProfit, amount, before, e), nil
}

// DebitLoss subtracts a realized loss from earned. Earned may go negative.
func (l *Ledger) DebitLoss(w *model.WalletAccount, amount decimal.Decimal, e Entry) (*model.WalletTransaction, error) {
	if err := l.check(w, amount); err != nil {
		return nil, err
	}
	before := w.Total()
	w.EarnedBalance = w.EarnedBalance.Sub(amount)
	return l.record(w, model.TxLoss, amount, before, e), nil
}

// ApplyPnL credits a positive pnl or debits a negative one. A zero pnl
// records nothing and returns nil.
func (l *Ledger) ApplyPnL(w *model.WalletAccount, pnl decimal.Decimal, e Entry) (*model.WalletTransaction, error) {
	switch {
	case pnl.IsPositive():
		return l.CreditProfit(w, pnl, e)
	case pnl.IsNegative():
		return l.DebitLoss(w, pnl.Neg(), e)
	default:
		return nil, nil
	}
}

// Verify reports ErrLedgerInvariant if available or locked is negative.
func Verify(w *model.WalletAccount) error {
	if w.AvailableBalance.IsNegative() {
		return fmt.Errorf("%w: available balance %s (wallet %s)", ErrLedgerInvariant, w.AvailableBalance, w.ID)
	}
	if w.LockedBalance.IsNegative() {
		return fmt.Errorf("%w: locked balance %s (wallet %s)", ErrLedgerInvariant, w.LockedBalance, w.ID)
	}
	return nil
}

// NewAccount creates an active wallet funded with the initial balance.
func NewAccount(owner string, initial decimal.Decimal, now time.Time) (*model.WalletAccount, error) {
	if initial.IsNegative() {
		return nil, ErrNegativeAmount
	}
	return &model.WalletAccount{
		ID:               uuid.New().String(),
		OwnerID:          owner,
		InitialBalance:   initial,
		AvailableBalance: initial,
		LockedBalance:    decimal.Zero,
		EarnedBalance:    decimal.Zero,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (l *Ledger) check(w *model.WalletAccount, amount decimal.Decimal) error {
	if !w.Active {
		return fmt.Errorf("%w: %s", ErrInactive, w.ID)
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	return nil
}

func (l *Ledger) record(w *model.WalletAccount, kind model.TxKind, amount, before decimal.Decimal, e Entry) *model.WalletTransaction {
	now := l.now()
	w.UpdatedAt = now
	return &model.WalletTransaction{
		ID:                uuid.New().String(),
		WalletID:          w.ID,
		OwnerID:           w.OwnerID,
		Kind:              kind,
		Amount:            amount,
		BalanceBefore:     before,
		BalanceAfter:      w.Total(),
		RelatedPositionID: e.PositionID,
		Note:              e.Note,
		Timestamp:         now,
	}
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now()
}
