package marks

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCache_SetGet(t *testing.T) {
	c := NewCache()
	fixed := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	if _, ok := c.Get("BTCUSDT"); ok {
		t.Fatal("empty cache should miss")
	}
	c.Set("BTCUSDT", decimal.NewFromInt(100))
	c.Set("BTCUSDT", decimal.NewFromInt(101))

	m, ok := c.Get("BTCUSDT")
	if !ok || !m.MarkPrice.Equal(decimal.NewFromInt(101)) || !m.ReceivedAt.Equal(fixed) {
		t.Errorf("expected latest mark 101 at %v, got %+v", fixed, m)
	}
}

func TestCache_Snapshot(t *testing.T) {
	c := NewCache()
	c.Set("ETHUSDT", decimal.NewFromInt(2))
	c.Set("BTCUSDT", decimal.NewFromInt(1))

	snap := c.Snapshot()
	if len(snap) != 2 || snap[0].Symbol != "BTCUSDT" || snap[1].Symbol != "ETHUSDT" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("BTCUSDT", decimal.NewFromInt(int64(i*100+j)))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Price("BTCUSDT")
				c.Snapshot()
			}
		}()
	}
	wg.Wait()
	if _, ok := c.Price("BTCUSDT"); !ok {
		t.Error("expected a mark after concurrent writes")
	}
}
