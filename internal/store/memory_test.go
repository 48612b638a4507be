package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/instrument"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedWallet(t *testing.T, ms *store.MemoryStore, owner string, balance float64) {
	t.Helper()
	now := time.Now().UTC()
	w := &model.WalletAccount{
		ID:               "w-" + owner,
		OwnerID:          owner,
		InitialBalance:   d(balance),
		AvailableBalance: d(balance),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := ms.CreateWallet(context.Background(), w); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

func futuresPosition(id, owner string, expiry time.Time, opened time.Time) *model.Position {
	return &model.Position{
		ID:                id,
		OwnerID:           owner,
		AssetSymbol:       "BTCUSDT",
		Class:             model.Futures,
		Direction:         model.Buy,
		Status:            model.StatusOpen,
		TotalQuantity:     d(1),
		RemainingQuantity: d(1),
		AverageEntryPrice: d(100),
		TotalCommitted:    d(10),
		OpenedAt:          opened,
		Detail: &model.FuturesDetail{
			Leverage:     d(10),
			MarginLocked: d(10),
			ExpiryDate:   expiry,
			ContractSize: d(1),
		},
	}
}

func TestCreateWallet_OnePerOwner(t *testing.T) {
	ms := store.NewMemoryStore()
	seedWallet(t, ms, "user1", 1000)

	err := ms.CreateWallet(context.Background(), &model.WalletAccount{OwnerID: "user1"})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := ms.GetWallet(context.Background(), "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWithAccount_CommitsOnSuccess(t *testing.T) {
	ms := store.NewMemoryStore()
	seedWallet(t, ms, "user1", 1000)
	ctx := context.Background()
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	err := ms.WithAccount(ctx, "user1", func(tx store.Tx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		w.AvailableBalance = d(990)
		w.LockedBalance = d(10)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.InsertPosition(ctx, futuresPosition("p1", "user1", expiry, time.Now())); err != nil {
			return err
		}
		// Reads observe the unit's own writes.
		open, err := tx.OpenPositionsBySymbol(ctx, "BTCUSDT")
		if err != nil || len(open) != 1 {
			t.Errorf("expected staged position to be visible, got %d %v", len(open), err)
		}
		return tx.AppendHistory(ctx, &model.PositionHistoryEntry{ID: "h1", PositionID: "p1", OwnerID: "user1"})
	})
	if err != nil {
		t.Fatalf("unit of work: %v", err)
	}

	w, _ := ms.GetWallet(ctx, "user1")
	if !w.LockedBalance.Equal(d(10)) {
		t.Errorf("expected locked=10, got %s", w.LockedBalance)
	}
	p, err := ms.GetPosition(ctx, "p1")
	if err != nil || p.Futures() == nil {
		t.Fatalf("expected committed futures position, got %v %v", p, err)
	}
	hist, _ := ms.GetPositionHistory(ctx, "p1")
	if len(hist) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(hist))
	}
}

func TestWithAccount_RollsBackOnError(t *testing.T) {
	ms := store.NewMemoryStore()
	seedWallet(t, ms, "user1", 1000)
	ctx := context.Background()
	boom := errors.New("boom")

	err := ms.WithAccount(ctx, "user1", func(tx store.Tx) error {
		w, _ := tx.Wallet(ctx)
		w.AvailableBalance = decimal.Zero
		_ = tx.SaveWallet(ctx, w)
		_ = tx.InsertPosition(ctx, futuresPosition("p1", "user1", time.Now(), time.Now()))
		_ = tx.AppendWalletTx(ctx, &model.WalletTransaction{ID: "t1", OwnerID: "user1"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	w, _ := ms.GetWallet(ctx, "user1")
	if !w.AvailableBalance.Equal(d(1000)) {
		t.Errorf("rolled back unit must not change wallet, got %s", w.AvailableBalance)
	}
	if _, err := ms.GetPosition(ctx, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rolled back position must not exist, got %v", err)
	}
	if txs, _ := ms.GetWalletTransactions(ctx, "user1"); len(txs) != 0 {
		t.Errorf("rolled back ledger records must not exist, got %d", len(txs))
	}
}

func TestWithAccount_SerializesOwner(t *testing.T) {
	ms := store.NewMemoryStore()
	seedWallet(t, ms, "user1", 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ms.WithAccount(ctx, "user1", func(tx store.Tx) error {
				w, err := tx.Wallet(ctx)
				if err != nil {
					return err
				}
				w.AvailableBalance = w.AvailableBalance.Add(decimal.NewFromInt(1))
				return tx.SaveWallet(ctx, w)
			})
		}()
	}
	wg.Wait()

	w, _ := ms.GetWallet(ctx, "user1")
	if !w.AvailableBalance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("lost updates: expected 50, got %s", w.AvailableBalance)
	}
}

func TestWithAccount_RespectsContext(t *testing.T) {
	ms := store.NewMemoryStore()
	seedWallet(t, ms, "user1", 0)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = ms.WithAccount(context.Background(), "user1", func(tx store.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ms.WithAccount(ctx, "user1", func(tx store.Tx) error { return nil })
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while owner is locked, got %v", err)
	}
}

func TestOpenPositions_FIFOWithinLineage(t *testing.T) {
	ms := store.NewMemoryStore()
	seedWallet(t, ms, "user1", 0)
	ctx := context.Background()
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	other := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = ms.WithAccount(ctx, "user1", func(tx store.Tx) error {
		_ = tx.InsertPosition(ctx, futuresPosition("late", "user1", expiry, t0.Add(time.Hour)))
		_ = tx.InsertPosition(ctx, futuresPosition("early", "user1", expiry, t0))
		return tx.InsertPosition(ctx, futuresPosition("other-expiry", "user1", other, t0))
	})

	lineage := instrument.Lineage{OwnerID: "user1", AssetSymbol: "BTCUSDT", Class: model.Futures, ExpiryDate: expiry}
	_ = ms.WithAccount(ctx, "user1", func(tx store.Tx) error {
		open, err := tx.OpenPositions(ctx, lineage)
		if err != nil {
			return err
		}
		if len(open) != 2 || open[0].ID != "early" || open[1].ID != "late" {
			ids := make([]string, len(open))
			for i, p := range open {
				ids[i] = p.ID
			}
			t.Errorf("expected [early late], got %v", ids)
		}
		return nil
	})
}

func TestSweepQueries(t *testing.T) {
	ms := store.NewMemoryStore()
	seedWallet(t, ms, "user1", 0)
	seedWallet(t, ms, "user2", 0)
	ctx := context.Background()
	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = ms.WithAccount(ctx, "user1", func(tx store.Tx) error {
		return tx.InsertPosition(ctx, futuresPosition("expired", "user1", past, past))
	})
	_ = ms.WithAccount(ctx, "user2", func(tx store.Tx) error {
		return tx.InsertPosition(ctx, futuresPosition("live", "user2", future, past))
	})

	symbols, _ := ms.ActiveSymbols(ctx)
	if len(symbols) != 1 || symbols[0] != "BTCUSDT" {
		t.Errorf("expected [BTCUSDT], got %v", symbols)
	}
	owners, _ := ms.OwnersWithOpenPositions(ctx, "BTCUSDT")
	if len(owners) != 2 {
		t.Errorf("expected 2 owners, got %v", owners)
	}

	// Expiry is compared by day: a position expiring today is not yet due.
	refs, _ := ms.ExpiredPositions(ctx, past.Add(12*time.Hour))
	if len(refs) != 0 {
		t.Errorf("same-day expiry must not be swept, got %v", refs)
	}
	refs, _ = ms.ExpiredPositions(ctx, past.AddDate(0, 0, 1))
	if len(refs) != 1 || refs[0].PositionID != "expired" || refs[0].OwnerID != "user1" {
		t.Errorf("expected the expired position, got %v", refs)
	}
}

func TestPriceLog_FiltersBySymbol(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = ms.AppendPrice(ctx, model.Tick{Symbol: "ETHUSDT", MarkPrice: decimal.NewFromInt(int64(i))})
	}
	_ = ms.AppendPrice(ctx, model.Tick{Symbol: "BTCUSDT", MarkPrice: d(1)})

	if got := ms.Prices("ETHUSDT"); len(got) != 3 || !got[2].MarkPrice.Equal(decimal.NewFromInt(2)) {
		t.Errorf("unexpected ETH price log: %v", got)
	}
}
