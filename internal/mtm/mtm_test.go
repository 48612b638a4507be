package mtm_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trading-engine/internal/marks"
	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/mtm"
	"github.com/atmx/trading-engine/internal/store"
	"github.com/atmx/trading-engine/internal/trade"
)

func tick(symbol string, price int64) model.Tick {
	return model.Tick{Symbol: symbol, MarkPrice: decimal.NewFromInt(price), Timestamp: time.Now().UTC()}
}

func TestDispatcher_PreservesPerSymbolOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]int64{}
	var wg sync.WaitGroup

	d := mtm.NewDispatcher(4, 512, func(_ context.Context, tk model.Tick) {
		defer wg.Done()
		mu.Lock()
		seen[tk.Symbol] = append(seen[tk.Symbol], tk.MarkPrice.IntPart())
		mu.Unlock()
	}, nil)
	d.Start(context.Background())
	defer d.Stop()

	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	for i := int64(1); i <= 100; i++ {
		for _, s := range symbols {
			wg.Add(1)
			require.True(t, d.Submit(tick(s, i)))
		}
	}
	wg.Wait()

	for _, s := range symbols {
		require.Len(t, seen[s], 100, s)
		for i, p := range seen[s] {
			require.Equal(t, int64(i+1), p, "%s tick %d out of order", s, i)
		}
	}
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	d := mtm.NewDispatcher(1, 1, func(context.Context, model.Tick) {
		started <- struct{}{}
		<-release
	}, nil)
	d.Start(context.Background())

	dropped := testutil.ToFloat64(metrics.TicksDropped)
	require.True(t, d.Submit(tick("BTCUSDT", 1)))
	<-started // worker is busy with the first tick

	require.True(t, d.Submit(tick("BTCUSDT", 2)))
	require.False(t, d.Submit(tick("BTCUSDT", 3)))
	require.Equal(t, dropped+1, testutil.ToFloat64(metrics.TicksDropped))

	close(release)
	d.Stop()
	require.False(t, d.Submit(tick("BTCUSDT", 4)), "submit after stop")
}

func TestDispatcher_StopFinishesInFlightTick(t *testing.T) {
	started := make(chan struct{})
	var finished bool
	d := mtm.NewDispatcher(1, 4, func(context.Context, model.Tick) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished = true
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Run starts the workers asynchronously; retry until the tick is queued.
	require.Eventually(t, func() bool { return d.Submit(tick("BTCUSDT", 1)) }, time.Second, time.Millisecond)
	<-started
	cancel()
	require.NoError(t, <-done)
	require.True(t, finished)
}

// fakeMarker records MarkToMarket calls.
type fakeMarker struct {
	mu    sync.Mutex
	calls []string
	fail  string
}

func (m *fakeMarker) MarkToMarket(_ context.Context, owner, symbol string, mark decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("%s/%s@%s", owner, symbol, mark))
	if owner == m.fail {
		return fmt.Errorf("boom")
	}
	return nil
}

type staticOwners map[string][]string

func (s staticOwners) OwnersWithOpenPositions(_ context.Context, symbol string) ([]string, error) {
	return s[symbol], nil
}

func TestEngine_MarksEveryOwner(t *testing.T) {
	cache := marks.NewCache()
	ms := store.NewMemoryStore()
	marker := &fakeMarker{fail: "alice"}
	e := mtm.NewEngine(cache, staticOwners{"BTCUSDT": {"alice", "bob"}}, ms, marker, nil)

	e.OnTick(context.Background(), tick("BTCUSDT", 65000))

	require.Equal(t, []string{"alice/BTCUSDT@65000", "bob/BTCUSDT@65000"}, marker.calls)
	price, ok := cache.Price("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, "65000", price.String())
	require.Len(t, ms.Prices("BTCUSDT"), 1)
}

func TestEngine_LiquidatesThroughService(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	cache := marks.NewCache()
	svc := trade.NewService(ms, nil, nil, trade.Options{Marks: cache})

	_, err := svc.OpenAccount(ctx, "trader", decimal.NewFromInt(100000))
	require.NoError(t, err)
	res, err := svc.PlaceOrder(ctx, "trader", model.OrderIntent{
		AssetSymbol: "BTCUSDT",
		Class:       model.Futures,
		Direction:   model.Buy,
		Quantity:    decimal.NewFromInt(1),
		Price:       decimal.NewFromInt(10000),
		Leverage:    decimal.NewFromInt(10),
		ExpiryDate:  time.Now().UTC().AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	e := mtm.NewEngine(cache, ms, ms, svc, nil)
	e.OnTick(ctx, tick("BTCUSDT", 9100))

	p, err := ms.GetPosition(ctx, res.Position.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusClosed, p.Status)
	require.Equal(t, "-900", p.RealizedPnL.String())

	owners, err := ms.OwnersWithOpenPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Empty(t, owners)
}
