// Package notify delivers outbound engine events. Events are published
// after the unit of work that produced them commits, and are dispatched to
// registered senders (operator webhook, log) filtered by event type.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
)

// Publisher receives committed engine events. Publish must not block.
type Publisher interface {
	Publish(ctx context.Context, e model.Event)
}

// Sender is one notification channel.
type Sender interface {
	// Send delivers one event.
	Send(ctx context.Context, e model.Event) error
	// Name returns a short identifier for logs and metrics (e.g. "webhook").
	Name() string
}

// Notifier queues events and dispatches them to its senders from Run.
// Only events whose type appears in the allowed set are forwarded; an empty
// set allows every type.
type Notifier struct {
	senders []Sender
	events  map[model.EventType]bool
	queue   chan model.Event
	logger  *slog.Logger
}

// NewNotifier creates a Notifier with a queue of queueSize events.
func NewNotifier(senders []Sender, events []string, queueSize int, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	allowed := make(map[model.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[model.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan model.Event, queueSize),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Publish enqueues e. When the queue is full the event is logged and dropped.
func (n *Notifier) Publish(ctx context.Context, e model.Event) {
	if len(n.events) > 0 && !n.events[e.Type] {
		return
	}
	select {
	case n.queue <- e:
	default:
		n.logger.WarnContext(ctx, "notification queue full, event dropped",
			slog.String("event", string(e.Type)),
			slog.String("owner", e.OwnerID),
			slog.String("position", e.PositionID),
		)
		metrics.NotificationFailures.WithLabelValues("queue").Inc()
	}
}

// Run dispatches queued events until ctx is cancelled, then flushes what is
// already queued.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case e := <-n.queue:
			_ = n.Dispatch(ctx, e)
		case <-ctx.Done():
			n.flush()
			return nil
		}
	}
}

func (n *Notifier) flush() {
	// Senders get a fresh context; the run context is already done.
	ctx := context.Background()
	for {
		select {
		case e := <-n.queue:
			_ = n.Dispatch(ctx, e)
		default:
			return
		}
	}
}

// Dispatch sends e to every sender. A single sender failure does not
// prevent delivery to the rest; failures are combined into one error.
func (n *Notifier) Dispatch(ctx context.Context, e model.Event) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, e); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", string(e.Type)),
				slog.String("error", err.Error()),
			)
			metrics.NotificationFailures.WithLabelValues(s.Name()).Inc()
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Multi publishes to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e model.Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, model.Event) {}
