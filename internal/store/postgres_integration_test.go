//go:build integration

package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atmx/trading-engine/internal/instrument"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

var (
	testPool *pgxpool.Pool
	setupErr error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "engine"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	setupErr = setupDatabase(ctx, container)
	code := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func setupDatabase(ctx context.Context, c testcontainers.Container) error {
	host, err := c.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/engine?sslmode=disable", host, port.Port())

	if err := store.Migrate(ctx, dsn, nil); err != nil {
		return err
	}
	// A second run finds nothing to do.
	if err := store.Migrate(ctx, dsn, nil); err != nil {
		return err
	}
	testPool, err = pgxpool.New(ctx, dsn)
	return err
}

func TestPostgresStore_UnitOfWork(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	ps := store.NewPostgresStore(testPool)
	now := time.Now().UTC().Truncate(time.Microsecond)
	expiry := time.Date(2030, 3, 27, 0, 0, 0, 0, time.UTC)

	require.NoError(t, ps.CreateWallet(ctx, &model.WalletAccount{
		ID: "w-pg", OwnerID: "pg-user", InitialBalance: d(1000), AvailableBalance: d(1000),
		Active: true, CreatedAt: now, UpdatedAt: now,
	}))
	require.ErrorIs(t, ps.CreateWallet(ctx, &model.WalletAccount{
		ID: "w-pg-2", OwnerID: "pg-user", Active: true, CreatedAt: now, UpdatedAt: now,
	}), store.ErrAlreadyExists)

	err := ps.WithAccount(ctx, "pg-user", func(tx store.Tx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		w.AvailableBalance = d(990)
		w.LockedBalance = d(10)
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.InsertPosition(ctx, futuresPosition("pg-p1", "pg-user", expiry, now)); err != nil {
			return err
		}
		if err := tx.AppendWalletTx(ctx, &model.WalletTransaction{
			ID: "pg-t1", WalletID: "w-pg", OwnerID: "pg-user", Kind: model.TxLock, Amount: d(10),
			BalanceBefore: d(1000), BalanceAfter: d(1000), RelatedPositionID: "pg-p1", Timestamp: now,
		}); err != nil {
			return err
		}
		return tx.SaveTradeCounters(ctx, &model.TradeCounters{OwnerID: "pg-user", FuturesTrades: 1, OpenTrades: 1, TotalTrades: 1, UpdatedAt: now})
	})
	require.NoError(t, err)

	w, err := ps.GetWallet(ctx, "pg-user")
	require.NoError(t, err)
	require.True(t, w.LockedBalance.Equal(d(10)), "locked=%s", w.LockedBalance)

	p, err := ps.GetPosition(ctx, "pg-p1")
	require.NoError(t, err)
	require.NotNil(t, p.Futures())
	require.True(t, p.Futures().ExpiryDate.Equal(expiry))
	require.True(t, p.Futures().Leverage.Equal(d(10)))

	lineage := instrument.LineageOfPosition(p)
	err = ps.WithAccount(ctx, "pg-user", func(tx store.Tx) error {
		open, err := tx.OpenPositions(ctx, lineage)
		require.NoError(t, err)
		require.Len(t, open, 1)
		return errors.New("roll back")
	})
	require.Error(t, err)

	txs, err := ps.GetWalletTransactions(ctx, "pg-user")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "pg-p1", txs[0].RelatedPositionID)

	counters, err := ps.GetTradeCounters(ctx, "pg-user")
	require.NoError(t, err)
	require.Equal(t, 1, counters.FuturesTrades)

	symbols, err := ps.ActiveSymbols(ctx)
	require.NoError(t, err)
	require.Contains(t, symbols, "BTCUSDT")

	refs, err := ps.ExpiredPositions(ctx, expiry.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "pg-p1", refs[0].PositionID)

	require.NoError(t, ps.AppendPrice(ctx, model.Tick{Symbol: "BTCUSDT", MarkPrice: d(100), High: d(101), Low: d(99), Volume: d(5), Timestamp: now}))
}

func TestPostgresStore_WithAccountUnknownOwner(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres setup unavailable: %v", setupErr)
	}
	ps := store.NewPostgresStore(testPool)
	err := ps.WithAccount(context.Background(), "ghost", func(tx store.Tx) error { return nil })
	require.ErrorIs(t, err, store.ErrNotFound)
}
