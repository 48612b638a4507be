// Package mtm dispatches mark price ticks to the mark-to-market engine.
//
// Ticks are routed to a fixed number of shards by symbol hash. Each shard
// has one worker and a bounded FIFO queue, so ticks of one symbol are
// applied in arrival order while different symbols proceed in parallel.
package mtm

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
)

// TickHandler applies one tick.
type TickHandler func(ctx context.Context, tick model.Tick)

// Dispatcher fans ticks out to sharded workers.
type Dispatcher struct {
	shards  []chan model.Tick
	handler TickHandler
	logger  *slog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	quit    chan struct{}
	wg      conc.WaitGroup
}

// NewDispatcher creates a dispatcher with n shards of queueSize ticks each.
func NewDispatcher(n, queueSize int, handler TickHandler, logger *slog.Logger) *Dispatcher {
	if n <= 0 {
		n = 8
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		shards:  make([]chan model.Tick, n),
		handler: handler,
		logger:  logger.With("component", "mtm_dispatcher"),
		quit:    make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i] = make(chan model.Tick, queueSize)
	}
	return d
}

// Start launches one worker per shard. Handlers run with a context that is
// not cancelled by ctx, so a tick that has started is always finished.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	hctx := context.WithoutCancel(ctx)
	for i, q := range d.shards {
		d.wg.Go(func() { d.work(hctx, i, q) })
	}
	d.logger.Info("mtm dispatcher started", "shards", len(d.shards), "queue_size", cap(d.shards[0]))
}

// Run starts the workers and stops them when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.Start(ctx)
	<-ctx.Done()
	d.Stop()
	return nil
}

// Submit queues tick on its symbol's shard. It never blocks: a full queue
// drops the tick and counts it. It reports whether the tick was queued.
func (d *Dispatcher) Submit(tick model.Tick) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false
	}
	select {
	case d.shards[d.shardOf(tick.Symbol)] <- tick:
		return true
	default:
		metrics.TicksDropped.Inc()
		d.logger.Warn("mtm queue full, tick dropped", "symbol", tick.Symbol)
		return false
	}
}

// Stop lets every worker finish its in-flight tick and waits for them to
// exit. Queued ticks that have not started are discarded.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.quit)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("mtm dispatcher stopped")
}

func (d *Dispatcher) shardOf(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) work(ctx context.Context, shard int, q <-chan model.Tick) {
	for {
		// Prefer quitting over starting another tick.
		select {
		case <-d.quit:
			return
		default:
		}
		select {
		case <-d.quit:
			return
		case tick := <-q:
			d.apply(ctx, shard, tick)
		}
	}
}

func (d *Dispatcher) apply(ctx context.Context, shard int, tick model.Tick) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("mtm handler panic", "shard", shard, "symbol", tick.Symbol, "panic", r)
		}
	}()
	d.handler(ctx, tick)
}
