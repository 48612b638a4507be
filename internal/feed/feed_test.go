package feed_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trading-engine/internal/feed"
	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
)

type control struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// upstream is a fake price stream. Each accepted connection is handed to
// the test, which is its only writer; control messages are collected from
// every connection in order.
type upstream struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	controls chan control
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{
		conns:    make(chan *websocket.Conn, 4),
		controls: make(chan control, 16),
	}
	upgrader := websocket.Upgrader{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var c control
			if json.Unmarshal(data, &c) == nil {
				u.controls <- c
			}
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) url() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http")
}

func (u *upstream) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-u.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no connection from feed")
		return nil
	}
}

func (u *upstream) nextControl(t *testing.T) control {
	t.Helper()
	select {
	case c := <-u.controls:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no control message from feed")
		return control{}
	}
}

// symbolSet is a mutable SymbolSource.
type symbolSet struct {
	mu      sync.Mutex
	symbols []string
}

func (s *symbolSet) set(symbols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = symbols
}

func (s *symbolSet) ActiveSymbols(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.symbols...), nil
}

func startFeed(t *testing.T, cfg feed.Config, src feed.SymbolSource, h feed.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f := feed.New(cfg, src, h, nil)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("feed did not stop")
		}
	})
}

func TestFeed_SubscribesAndDeliversTicks(t *testing.T) {
	up := newUpstream(t)
	src := &symbolSet{}
	src.set("ETHUSDT", "BTCUSDT")

	ticks := make(chan model.Tick, 4)
	malformedBefore := testutil.ToFloat64(metrics.TicksMalformed)
	startFeed(t, feed.Config{URL: up.url(), ControlRate: 100}, src, func(_ context.Context, tick model.Tick) {
		ticks <- tick
	})

	conn := up.nextConn(t)
	c := up.nextControl(t)
	require.Equal(t, "subscribe", c.Action)
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, c.Symbols)

	for _, msg := range []string{
		`not json`,
		`{"type":"ack","symbols":["BTCUSDT"]}`,
		`{"symbol":"BTCUSDT","mark_price":"0"}`,
		`{"type":"tick","symbol":"ETHUSDT","mark_price":"3000","timestamp":"yesterday"}`,
		`{"type":"tick","symbol":"btcusdt","mark_price":"65000.5","high":65100,"low":"64000","volume":"12","timestamp":1760000000000}`,
		`{"type":"tick","symbol":"ETHUSDT","mark_price":"3100","ts":"2026-10-14T12:00:00Z"}`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	next := func() model.Tick {
		t.Helper()
		select {
		case tick := <-ticks:
			return tick
		case <-time.After(3 * time.Second):
			t.Fatal("no tick delivered")
			return model.Tick{}
		}
	}

	tick := next()
	require.Equal(t, "BTCUSDT", tick.Symbol)
	require.Equal(t, "65000.5", tick.MarkPrice.String())
	require.Equal(t, "65100", tick.High.String())
	require.Equal(t, time.UnixMilli(1760000000000).UTC(), tick.Timestamp)

	tick = next()
	require.Equal(t, "ETHUSDT", tick.Symbol)
	require.Equal(t, time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC), tick.Timestamp)

	require.Empty(t, ticks)
	require.Equal(t, malformedBefore+3, testutil.ToFloat64(metrics.TicksMalformed))
}

func TestFeed_ResyncSendsDifference(t *testing.T) {
	up := newUpstream(t)
	src := &symbolSet{}
	src.set("BTCUSDT")

	startFeed(t, feed.Config{URL: up.url(), ResyncInterval: 20 * time.Millisecond, ControlRate: 100}, src, func(context.Context, model.Tick) {})

	up.nextConn(t)
	require.Equal(t, control{Action: "subscribe", Symbols: []string{"BTCUSDT"}}, up.nextControl(t))

	src.set("ETHUSDT")
	require.Equal(t, control{Action: "subscribe", Symbols: []string{"ETHUSDT"}}, up.nextControl(t))
	require.Equal(t, control{Action: "unsubscribe", Symbols: []string{"BTCUSDT"}}, up.nextControl(t))
}

func TestFeed_ReplaysSubscriptionsAfterReconnect(t *testing.T) {
	up := newUpstream(t)
	src := &symbolSet{}
	src.set("BTCUSDT", "SOLUSDT")
	reconnectsBefore := testutil.ToFloat64(metrics.FeedReconnects)

	startFeed(t, feed.Config{
		URL:            up.url(),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		ControlRate:    100,
	}, src, func(context.Context, model.Tick) {})

	first := up.nextConn(t)
	require.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, up.nextControl(t).Symbols)
	first.Close()

	up.nextConn(t)
	c := up.nextControl(t)
	require.Equal(t, "subscribe", c.Action)
	require.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, c.Symbols)
	require.GreaterOrEqual(t, testutil.ToFloat64(metrics.FeedReconnects), reconnectsBefore+1)
}

func TestFeed_LivenessTimeoutForcesReconnect(t *testing.T) {
	up := newUpstream(t)
	src := &symbolSet{}
	src.set("BTCUSDT")

	startFeed(t, feed.Config{
		URL:             up.url(),
		InitialBackoff:  10 * time.Millisecond,
		MaxBackoff:      20 * time.Millisecond,
		LivenessTimeout: 50 * time.Millisecond,
		ControlRate:     100,
	}, src, func(context.Context, model.Tick) {})

	// The upstream stays silent; the feed must give up on it and redial.
	up.nextConn(t)
	up.nextControl(t)
	up.nextConn(t)
	require.Equal(t, []string{"BTCUSDT"}, up.nextControl(t).Symbols)
}

func TestFeed_ReconnectBackoffStaysWithinBounds(t *testing.T) {
	const (
		initial = 100 * time.Millisecond
		ceiling = 200 * time.Millisecond
	)

	var mu sync.Mutex
	var attempts []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		http.Error(w, "upgrade refused", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	startFeed(t, feed.Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		InitialBackoff: initial,
		MaxBackoff:     ceiling,
		ControlRate:    100,
	}, &symbolSet{}, func(context.Context, model.Tick) {})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 8
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(attempts); i++ {
		gap := attempts[i].Sub(attempts[i-1])
		require.GreaterOrEqual(t, gap, initial-10*time.Millisecond, "gap %d below initial backoff", i)
		require.LessOrEqual(t, gap, ceiling+40*time.Millisecond, "gap %d above backoff cap", i)
	}
}
