// Package feed maintains the streaming mark price subscription. The
// subscribed symbol set tracks the assets of open derivative positions; it
// is resynchronized on an interval and replayed in full after every
// reconnect.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
)

var (
	// ErrFeedDisconnected reports a lost or failed connection. It never
	// leaves Run; the feed reconnects with backoff.
	ErrFeedDisconnected = errors.New("feed: disconnected")

	// ErrMalformedTick reports a message that is not a valid tick. Such
	// messages are logged and dropped.
	ErrMalformedTick = errors.New("feed: malformed tick")
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// SymbolSource yields the symbols the feed must be subscribed to.
type SymbolSource interface {
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// Handler receives every well-formed tick, in arrival order. It runs on the
// read loop and must not block.
type Handler func(ctx context.Context, tick model.Tick)

// Config tunes the feed. Zero durations select the defaults.
type Config struct {
	URL             string
	InitialBackoff  time.Duration // default 5s
	MaxBackoff      time.Duration // default 60s
	LivenessTimeout time.Duration // default 60s
	ResyncInterval  time.Duration // default 30s
	ControlRate     float64       // control messages per second, default 5
}

// controlMessage is the subscribe/unsubscribe request sent upstream.
type controlMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// wireTick is an upstream tick. Prices may be JSON numbers or strings.
type wireTick struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	MarkPrice decimal.Decimal `json:"mark_price"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp wireTime        `json:"timestamp"`
	TS        wireTime        `json:"ts"` // older upstreams
}

// wireTime is a tick time given as unix milliseconds, either as a JSON
// number or a numeric string, or as an RFC 3339 string.
type wireTime struct {
	time.Time
}

func (t *wireTime) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if raw == "null" || raw == `""` {
		return nil
	}
	raw = strings.Trim(raw, `"`)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms > 0 {
			t.Time = time.UnixMilli(ms).UTC()
		}
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", raw, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// Feed is the single long-lived connection to the upstream price stream.
type Feed struct {
	cfg     Config
	symbols SymbolSource
	handler Handler
	limiter *rate.Limiter
	dialer  websocket.Dialer
	logger  *slog.Logger
	now     func() time.Time

	// subscribed is what the current connection has been told. Only the
	// session goroutine that owns the connection touches it.
	subscribed map[string]struct{}

	snapMu sync.Mutex
	snap   []string
}

// New creates a feed. Call Run to start it.
func New(cfg Config, symbols SymbolSource, handler Handler, logger *slog.Logger) *Feed {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 60 * time.Second
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 30 * time.Second
	}
	if cfg.ControlRate <= 0 {
		cfg.ControlRate = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		cfg:        cfg,
		symbols:    symbols,
		handler:    handler,
		limiter:    rate.NewLimiter(rate.Limit(cfg.ControlRate), 1),
		dialer:     websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger:     logger.With("component", "feed"),
		now:        func() time.Time { return time.Now().UTC() },
		subscribed: make(map[string]struct{}),
	}
}

// Run connects and keeps the feed connected until ctx is cancelled.
// Disconnects are retried with exponential backoff; Run only returns nil.
func (f *Feed) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.InitialBackoff
	b.MaxInterval = f.cfg.MaxBackoff
	b.RandomizationFactor = 0

	for {
		err := f.session(ctx, b.Reset)
		if ctx.Err() != nil {
			f.logger.Info("feed stopped")
			return nil
		}

		sleep := min(max(b.NextBackOff(), f.cfg.InitialBackoff), f.cfg.MaxBackoff)
		metrics.FeedReconnects.Inc()
		f.logger.Warn("feed disconnected, reconnecting", "err", err, "backoff", sleep.String())
		select {
		case <-ctx.Done():
			f.logger.Info("feed stopped")
			return nil
		case <-time.After(sleep):
		}
	}
}

// Subscribed returns the symbols the last resync left subscribed.
func (f *Feed) Subscribed() []string {
	f.snapMu.Lock()
	defer f.snapMu.Unlock()
	return append([]string(nil), f.snap...)
}

// session runs one connection until it fails. healthy is called once the
// connection is up and the subscription set has been replayed.
func (f *Feed) session(ctx context.Context, healthy func()) error {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrFeedDisconnected, f.cfg.URL, err)
	}
	defer conn.Close()

	// A new connection starts with nothing subscribed.
	f.subscribed = make(map[string]struct{})
	if err := f.resync(ctx, conn); err != nil {
		return err
	}
	healthy()
	f.logger.Info("feed connected", "url", f.cfg.URL, "symbols", len(f.subscribed))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	g.Go(func() error { return f.writeLoop(gctx, conn) })
	g.Go(func() error { return f.readLoop(gctx, conn) })
	return g.Wait()
}

// writeLoop is the only writer of conn after the initial replay: periodic
// resyncs and keepalive pings.
func (f *Feed) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	resync := time.NewTicker(f.cfg.ResyncInterval)
	defer resync.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-resync.C:
			if err := f.resync(ctx, conn); err != nil {
				return err
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("%w: ping: %v", ErrFeedDisconnected, err)
			}
		}
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.LivenessTimeout))
	})
	for {
		// Any message, including pongs, proves liveness.
		conn.SetReadDeadline(time.Now().Add(f.cfg.LivenessTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read: %v", ErrFeedDisconnected, err)
		}

		tick, ok, err := f.decode(data)
		if err != nil {
			metrics.TicksMalformed.Inc()
			f.logger.Warn("dropping malformed tick", "err", err, "len", len(data))
			continue
		}
		if !ok {
			continue
		}
		metrics.TicksReceived.Inc()
		f.handler(ctx, tick)
	}
}

// decode parses one upstream message. ok is false for non-tick messages
// such as subscription acknowledgements.
func (f *Feed) decode(data []byte) (model.Tick, bool, error) {
	var w wireTick
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Tick{}, false, fmt.Errorf("%w: %v", ErrMalformedTick, err)
	}
	if w.Type != "" && w.Type != "tick" {
		return model.Tick{}, false, nil
	}
	symbol := strings.ToUpper(strings.TrimSpace(w.Symbol))
	if symbol == "" {
		return model.Tick{}, false, fmt.Errorf("%w: missing symbol", ErrMalformedTick)
	}
	if !w.MarkPrice.IsPositive() {
		return model.Tick{}, false, fmt.Errorf("%w: %s mark_price %s", ErrMalformedTick, symbol, w.MarkPrice)
	}
	ts := w.Timestamp.Time
	if ts.IsZero() {
		ts = w.TS.Time
	}
	if ts.IsZero() {
		ts = f.now()
	}
	return model.Tick{
		Symbol:    symbol,
		MarkPrice: w.MarkPrice,
		High:      w.High,
		Low:       w.Low,
		Volume:    w.Volume,
		Timestamp: ts,
	}, true, nil
}

// resync diffs the desired symbol set against the subscribed one and sends
// the difference. A failing symbol source keeps the current set.
func (f *Feed) resync(ctx context.Context, conn *websocket.Conn) error {
	desired, err := f.symbols.ActiveSymbols(ctx)
	if err != nil {
		f.logger.Warn("symbol resync skipped", "err", err)
		return nil
	}

	want := make(map[string]struct{}, len(desired))
	var add []string
	for _, s := range desired {
		want[s] = struct{}{}
		if _, ok := f.subscribed[s]; !ok {
			add = append(add, s)
		}
	}
	var remove []string
	for s := range f.subscribed {
		if _, ok := want[s]; !ok {
			remove = append(remove, s)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)

	if err := f.send(ctx, conn, "subscribe", add); err != nil {
		return err
	}
	for _, s := range add {
		f.subscribed[s] = struct{}{}
	}
	if err := f.send(ctx, conn, "unsubscribe", remove); err != nil {
		return err
	}
	for _, s := range remove {
		delete(f.subscribed, s)
	}

	if len(add) > 0 || len(remove) > 0 {
		f.logger.Info("feed subscriptions updated", "added", add, "removed", remove, "total", len(f.subscribed))
	}
	metrics.SubscribedSymbols.Set(float64(len(f.subscribed)))

	current := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		current = append(current, s)
	}
	sort.Strings(current)
	f.snapMu.Lock()
	f.snap = current
	f.snapMu.Unlock()
	return nil
}

func (f *Feed) send(ctx context.Context, conn *websocket.Conn, action string, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(controlMessage{Action: action, Symbols: symbols})
	if err != nil {
		return fmt.Errorf("feed: marshal %s: %w", action, err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrFeedDisconnected, action, err)
	}
	return nil
}
