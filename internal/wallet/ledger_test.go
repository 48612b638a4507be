package wallet

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newWallet(t *testing.T, balance float64) *model.WalletAccount {
	t.Helper()
	w, err := NewAccount("user1", d(balance), time.Now().UTC())
	if err != nil {
		t.Fatalf("new account: %v", err)
	}
	return w
}

func assertInvariant(t *testing.T, w *model.WalletAccount) {
	t.Helper()
	if err := Verify(w); err != nil {
		t.Fatalf("invariant broken: %v", err)
	}
}

func TestLock_MovesAvailableToLocked(t *testing.T) {
	l := New()
	w := newWallet(t, 1000)

	tx, err := l.Lock(w, d(300), Entry{PositionID: "p1", Note: "open"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.AvailableBalance.Equal(d(700)) || !w.LockedBalance.Equal(d(300)) {
		t.Errorf("expected available=700 locked=300, got %s %s", w.AvailableBalance, w.LockedBalance)
	}
	if tx.Kind != model.TxLock || tx.RelatedPositionID != "p1" {
		t.Errorf("unexpected transaction: %+v", tx)
	}
	// Lock moves money between buckets; the total is unchanged.
	if !tx.BalanceBefore.Equal(tx.BalanceAfter) {
		t.Errorf("lock should not change total, before=%s after=%s", tx.BalanceBefore, tx.BalanceAfter)
	}
	assertInvariant(t, w)
}

func TestLock_InsufficientFunds(t *testing.T) {
	l := New()
	w := newWallet(t, 100)

	_, err := l.Lock(w, d(100.01), Entry{})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if !w.AvailableBalance.Equal(d(100)) || !w.LockedBalance.IsZero() {
		t.Errorf("failed lock must not mutate wallet, got %s %s", w.AvailableBalance, w.LockedBalance)
	}
}

func TestUnlock_OverUnlockIsInvariantViolation(t *testing.T) {
	l := New()
	w := newWallet(t, 100)
	if _, err := l.Lock(w, d(50), Entry{}); err != nil {
		t.Fatal(err)
	}

	_, err := l.Unlock(w, d(60), Entry{})
	if !errors.Is(err, ErrOverUnlock) {
		t.Fatalf("expected ErrOverUnlock, got %v", err)
	}
	if !errors.Is(err, ErrLedgerInvariant) {
		t.Error("ErrOverUnlock should be an ErrLedgerInvariant")
	}
	if !w.LockedBalance.Equal(d(50)) {
		t.Errorf("failed unlock must not mutate wallet, locked=%s", w.LockedBalance)
	}
}

func TestCreditProfit_IsSpendable(t *testing.T) {
	l := New()
	w := newWallet(t, 100)

	tx, err := l.CreditProfit(w, d(25), Entry{})
	if err != nil {
		t.Fatal(err)
	}
	if !w.EarnedBalance.Equal(d(25)) || !w.AvailableBalance.Equal(d(125)) {
		t.Errorf("expected earned=25 available=125, got %s %s", w.EarnedBalance, w.AvailableBalance)
	}
	if !tx.BalanceAfter.Sub(tx.BalanceBefore).Equal(d(25)) {
		t.Errorf("total should grow by 25, before=%s after=%s", tx.BalanceBefore, tx.BalanceAfter)
	}
}

func TestDebitLoss_EarnedMayGoNegative(t *testing.T) {
	l := New()
	w := newWallet(t, 100)

	if _, err := l.DebitLoss(w, d(40), Entry{}); err != nil {
		t.Fatal(err)
	}
	if !w.EarnedBalance.Equal(d(-40)) {
		t.Errorf("expected earned=-40, got %s", w.EarnedBalance)
	}
	if !w.AvailableBalance.Equal(d(100)) {
		t.Errorf("debit loss must not touch available, got %s", w.AvailableBalance)
	}
	assertInvariant(t, w)
}

func TestApplyPnL(t *testing.T) {
	l := New()
	w := newWallet(t, 100)

	tx, err := l.ApplyPnL(w, decimal.Zero, Entry{})
	if err != nil || tx != nil {
		t.Fatalf("zero pnl should record nothing, got %v %v", tx, err)
	}
	tx, _ = l.ApplyPnL(w, d(-5), Entry{})
	if tx.Kind != model.TxLoss || !tx.Amount.Equal(d(5)) {
		t.Errorf("expected LOSS of 5, got %s %s", tx.Kind, tx.Amount)
	}
	tx, _ = l.ApplyPnL(w, d(7), Entry{})
	if tx.Kind != model.TxProfit || !tx.Amount.Equal(d(7)) {
		t.Errorf("expected PROFIT of 7, got %s %s", tx.Kind, tx.Amount)
	}
}

func TestRejectsNegativeAndInactive(t *testing.T) {
	l := New()
	w := newWallet(t, 100)

	if _, err := l.Lock(w, d(-1), Entry{}); !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("expected ErrNegativeAmount, got %v", err)
	}
	w.Active = false
	if _, err := l.CreditProfit(w, d(1), Entry{}); !errors.Is(err, ErrInactive) {
		t.Errorf("expected ErrInactive, got %v", err)
	}
}

func TestInvariant_HoldsAcrossSequence(t *testing.T) {
	l := New()
	w := newWallet(t, 10000)
	initialTotal := w.Total()

	steps := []func() error{
		func() error { _, err := l.Lock(w, d(3000), Entry{}); return err },
		func() error { _, err := l.Lock(w, d(2500), Entry{}); return err },
		func() error { _, err := l.Unlock(w, d(3000), Entry{}); return err },
		func() error { _, err := l.CreditProfit(w, d(120.5), Entry{}); return err },
		func() error { _, err := l.Unlock(w, d(2500), Entry{}); return err },
		func() error { _, err := l.DebitLoss(w, d(300), Entry{}); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		assertInvariant(t, w)
	}
	if !w.LockedBalance.IsZero() {
		t.Errorf("expected nothing locked, got %s", w.LockedBalance)
	}
	if !w.Total().Equal(initialTotal.Add(d(120.5)).Sub(d(300))) {
		t.Errorf("total should reflect net pnl, got %s", w.Total())
	}
}
