package notify_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/notify"
)

type recordingSender struct {
	mu     sync.Mutex
	name   string
	err    error
	events []model.Event
}

func (s *recordingSender) Send(_ context.Context, e model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestNotifier_FiltersByEventType(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := notify.NewNotifier([]notify.Sender{rec}, []string{"liquidation"}, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())

	n.Publish(ctx, model.Event{Type: model.EventMarginCall, OwnerID: "u1"})
	n.Publish(ctx, model.Event{Type: model.EventLiquidation, OwnerID: "u1"})

	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.Equal(t, model.EventLiquidation, rec.events[0].Type)
}

func TestNotifier_DispatchContinuesPastFailures(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := notify.NewNotifier([]notify.Sender{bad, good}, nil, 1, nil)

	err := n.Dispatch(context.Background(), model.Event{Type: model.EventLedgerInvariant})
	require.ErrorContains(t, err, "bad: down")
	require.Equal(t, 1, good.count())
}

func TestNotifier_FlushesOnStop(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := notify.NewNotifier([]notify.Sender{rec}, nil, 8, nil)
	for i := 0; i < 3; i++ {
		n.Publish(context.Background(), model.Event{Type: model.EventSettlement})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.Run(ctx))
	require.Equal(t, 3, rec.count())
}

func TestNotifier_PublishNeverBlocks(t *testing.T) {
	n := notify.NewNotifier(nil, nil, 1, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.Publish(context.Background(), model.Event{Type: model.EventMarginCall})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestWebhookSender(t *testing.T) {
	var got model.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := notify.NewWebhookSender(srv.URL)
	err := s.Send(context.Background(), model.Event{
		Type:        model.EventLiquidation,
		OwnerID:     "u1",
		PositionID:  "p1",
		ClosePrice:  decimal.NewFromInt(150),
		RealizedPnL: decimal.NewFromInt(-850),
	})
	require.NoError(t, err)
	require.Equal(t, "p1", got.PositionID)
	require.True(t, got.RealizedPnL.Equal(decimal.NewFromInt(-850)))
}

func TestWebhookSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := notify.NewWebhookSender(srv.URL).Send(context.Background(), model.Event{Type: model.EventMarginCall})
	require.ErrorContains(t, err, "unexpected status 502")
}

type capture struct{ events []model.Event }

func (c *capture) Publish(_ context.Context, e model.Event) { c.events = append(c.events, e) }

func TestMulti(t *testing.T) {
	a, b := &capture{}, &capture{}
	notify.Multi{a, nil, b}.Publish(context.Background(), model.Event{Type: model.EventMarginCall})
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
}
