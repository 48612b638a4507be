// Package trade is the position execution engine: it classifies each order
// intent as a new position, an average into an existing one, or a cover of
// an opposing one (flipping any excess into a new position), and applies the
// paired wallet ledger, position and history writes in one unit of work per
// owner. Manual closes, liquidations and expiry settlement share the same
// cover routine.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/instrument"
	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/notify"
	"github.com/atmx/trading-engine/internal/risk"
	"github.com/atmx/trading-engine/internal/store"
	"github.com/atmx/trading-engine/internal/wallet"
)

var (
	// ErrPositionClosed is returned when closing a position that is already closed.
	ErrPositionClosed = errors.New("trade: position already closed")

	// ErrNoPrice is returned when a close has no price and no mark is known.
	ErrNoPrice = errors.New("trade: no price available")

	// ErrExpiredIntent is returned for derivative intents whose expiry has passed.
	ErrExpiredIntent = fmt.Errorf("%w: expiry_date is in the past", instrument.ErrInvalidIntent)
)

// MarkSource supplies the latest mark of a symbol.
type MarkSource interface {
	Get(symbol string) (model.Mark, bool)
}

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	// LiquidationRatio is the fraction of the margin requirement at or
	// below which a futures position is liquidated. Default 0.2.
	LiquidationRatio decimal.Decimal

	// Marks is consulted for closes that carry no price.
	Marks MarkSource

	// Now is the engine clock. Default time.Now in UTC.
	Now func() time.Time

	Logger *slog.Logger
}

// Service routes orders and applies every position-changing operation.
// Mutations for one owner are serialized by store.WithAccount; different
// owners proceed in parallel.
type Service struct {
	store            store.Store
	limiter          *risk.Limiter
	ledger           *wallet.Ledger
	publisher        notify.Publisher
	marks            MarkSource
	liquidationRatio decimal.Decimal
	now              func() time.Time
	logger           *slog.Logger
}

// NewService creates a new trade service.
// Pass nil for pub if events are not needed.
func NewService(st store.Store, limiter *risk.Limiter, pub notify.Publisher, opts Options) *Service {
	if pub == nil {
		pub = notify.Discard{}
	}
	if limiter == nil {
		limiter = risk.DefaultLimiter()
	}
	s := &Service{
		store:            st,
		limiter:          limiter,
		publisher:        pub,
		marks:            opts.Marks,
		liquidationRatio: opts.LiquidationRatio,
		now:              opts.Now,
		logger:           opts.Logger,
	}
	if !s.liquidationRatio.IsPositive() {
		s.liquidationRatio = decimal.NewFromFloat(0.2)
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.ledger = &wallet.Ledger{Now: s.now}
	return s
}

// Result is the outcome of an order or close.
type Result struct {
	Outcome model.Outcome `json:"outcome"`
	// Position is the position the caller now holds in the lineage: the
	// new or averaged position, the flipped position, or the last covered one.
	Position *model.Position `json:"position"`
	// Covered lists the opposing positions consumed, in FIFO order.
	Covered []model.Position `json:"covered,omitempty"`
	// Opened is the position created by a flip.
	Opened      *model.Position `json:"opened,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// OpenAccount creates the wallet of a new trading account.
func (s *Service) OpenAccount(ctx context.Context, owner string, initial decimal.Decimal) (*model.WalletAccount, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner_id is required", instrument.ErrInvalidIntent)
	}
	w, err := wallet.NewAccount(owner, initial, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info("account opened", "owner", owner, "wallet", w.ID, "initial_balance", initial.String())
	return w, nil
}

// PlaceOrder classifies intent against the owner's open positions in its
// lineage and applies it. Risk failures abort the whole order with nothing
// written.
func (s *Service) PlaceOrder(ctx context.Context, owner string, intent model.OrderIntent) (*Result, error) {
	start := time.Now()
	instrument.Normalize(&intent)
	if err := instrument.Validate(intent); err != nil {
		return nil, err
	}
	if expiry := intent.ExpiryDate; intent.Class != model.Spot && expiry.Before(instrument.TruncateDay(s.now())) {
		return nil, fmt.Errorf("%w (%s)", ErrExpiredIntent, expiry.Format("2006-01-02"))
	}

	var res *Result
	err := s.store.WithAccount(ctx, owner, func(tx store.Tx) error {
		u, err := s.begin(ctx, tx)
		if err != nil {
			return err
		}
		if res, err = s.route(u, owner, intent); err != nil {
			return err
		}
		return u.commit(true)
	})
	metrics.OrderLatency.WithLabelValues(string(intent.Class)).Observe(time.Since(start).Seconds())
	if err != nil {
		s.fail(ctx, owner, "place order", err)
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(intent.Class), string(res.Outcome)).Inc()
	s.logger.Info("order placed",
		"owner", owner,
		"symbol", intent.AssetSymbol,
		"class", intent.Class,
		"direction", intent.Direction,
		"qty", intent.Quantity.String(),
		"price", intent.Price.String(),
		"outcome", res.Outcome,
		"position", res.Position.ID,
		"realized_pnl", res.RealizedPnL.String(),
	)
	return res, nil
}

func (s *Service) route(u *unit, owner string, intent model.OrderIntent) (*Result, error) {
	open, err := u.tx.OpenPositions(u.ctx, instrument.LineageOf(owner, intent))
	if err != nil {
		return nil, err
	}
	var same, opposing []*model.Position
	for _, p := range open {
		if p.Direction == intent.Direction {
			same = append(same, p)
		} else {
			opposing = append(opposing, p)
		}
	}

	switch {
	case len(opposing) > 0:
		return s.coverOrder(u, owner, intent, opposing)
	case len(same) > 0:
		p, err := s.average(u, same[0], intent)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: model.OutcomeAverage, Position: p, RealizedPnL: decimal.Zero}, nil
	case intent.Class == model.Spot && intent.Direction == model.Sell:
		return nil, fmt.Errorf("%w: %s", risk.ErrNoPositionToSell, intent.AssetSymbol)
	default:
		p, err := s.open(u, owner, intent, intent.Quantity)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: model.OutcomeNew, Position: p, RealizedPnL: p.RealizedPnL}, nil
	}
}

// coverOrder consumes opposing positions oldest first and flips any excess.
func (s *Service) coverOrder(u *unit, owner string, intent model.OrderIntent, opposing []*model.Position) (*Result, error) {
	available := decimal.Zero
	for _, p := range opposing {
		available = available.Add(p.RemainingQuantity)
	}
	if intent.Class == model.Spot && intent.Quantity.GreaterThan(available) {
		return nil, fmt.Errorf("%w: sell %s %s, holding %s",
			risk.ErrNoPositionToSell, intent.Quantity, intent.AssetSymbol, available)
	}

	exit := intent.Price
	if intent.Class == model.Options {
		exit = intent.Premium
	}
	action := actionOf(intent.Direction)

	res := &Result{Outcome: model.OutcomeClose, RealizedPnL: decimal.Zero}
	left := intent.Quantity
	for _, p := range opposing {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(left, p.RemainingQuantity)
		pnl, err := s.cover(u, p, take, exit, action)
		if err != nil {
			return nil, err
		}
		left = left.Sub(take)
		res.RealizedPnL = res.RealizedPnL.Add(pnl)
		res.Covered = append(res.Covered, *p.Clone())
		res.Position = p
		if p.IsOpen() {
			res.Outcome = model.OutcomeCover
		}
	}

	if left.IsPositive() {
		flipped, err := s.open(u, owner, intent, left)
		if err != nil {
			return nil, err
		}
		res.Outcome = model.OutcomeFlip
		res.Opened = flipped
		res.Position = flipped
		res.RealizedPnL = res.RealizedPnL.Add(flipped.RealizedPnL)
	}
	return res, nil
}

// ClosePosition fully closes one position at price (premium for options).
// A zero price falls back to the latest mark; options without a premium
// close at the intrinsic value of that price.
func (s *Service) ClosePosition(ctx context.Context, owner, positionID string, price, premium decimal.Decimal) (*Result, error) {
	var res *Result
	err := s.store.WithAccount(ctx, owner, func(tx store.Tx) error {
		u, err := s.begin(ctx, tx)
		if err != nil {
			return err
		}
		p, err := tx.Position(ctx, positionID)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
		}

		exit, err := s.closePrice(p, price, premium)
		if err != nil {
			return err
		}
		pnl, err := s.cover(u, p, p.RemainingQuantity, exit, model.ActionClose)
		if err != nil {
			return err
		}
		res = &Result{Outcome: model.OutcomeClose, Position: p, Covered: []model.Position{*p.Clone()}, RealizedPnL: pnl}
		return u.commit(true)
	})
	if err != nil {
		s.fail(ctx, owner, "close position", err)
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(res.Position.Class), string(model.OutcomeClose)).Inc()
	s.logger.Info("position closed",
		"owner", owner,
		"position", positionID,
		"realized_pnl", res.RealizedPnL.String(),
	)
	return res, nil
}

func (s *Service) closePrice(p *model.Position, price, premium decimal.Decimal) (decimal.Decimal, error) {
	if o := p.Options(); o != nil && premium.IsPositive() {
		return premium, nil
	}
	if !price.IsPositive() {
		mark, ok := s.mark(p.AssetSymbol)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, p.AssetSymbol)
		}
		price = mark
	}
	if o := p.Options(); o != nil {
		return instrument.IntrinsicValue(o.OptionType, o.StrikePrice, price), nil
	}
	return price, nil
}

func (s *Service) mark(symbol string) (decimal.Decimal, bool) {
	if s.marks == nil {
		return decimal.Zero, false
	}
	m, ok := s.marks.Get(symbol)
	return m.MarkPrice, ok
}

// Mark returns the latest mark of symbol, if a mark source is configured.
func (s *Service) Mark(symbol string) (model.Mark, bool) {
	if s.marks == nil {
		return model.Mark{}, false
	}
	return s.marks.Get(symbol)
}

// fail records a failed unit of work. Risk rejections are counted; ledger
// invariant violations are escalated to the operator channel.
func (s *Service) fail(ctx context.Context, owner, op string, err error) {
	switch {
	case risk.IsRiskError(err):
		metrics.RiskRejections.WithLabelValues(risk.Reason(err)).Inc()
		s.logger.Info(op+" rejected", "owner", owner, "reason", risk.Reason(err), "err", err)
	case errors.Is(err, wallet.ErrLedgerInvariant):
		metrics.LedgerViolations.Inc()
		s.logger.Error("ledger invariant violated", "owner", owner, "op", op, "err", err)
		s.publisher.Publish(ctx, model.Event{
			Type:      model.EventLedgerInvariant,
			OwnerID:   owner,
			Message:   err.Error(),
			Timestamp: s.now(),
		})
	}
}

// --- Queries ---

func (s *Service) Wallet(ctx context.Context, owner string) (*model.WalletAccount, error) {
	return s.store.GetWallet(ctx, owner)
}

func (s *Service) Positions(ctx context.Context, owner string) ([]model.Position, error) {
	return s.store.ListPositions(ctx, owner)
}

func (s *Service) PositionHistory(ctx context.Context, positionID string) ([]model.PositionHistoryEntry, error) {
	return s.store.GetPositionHistory(ctx, positionID)
}

func (s *Service) WalletTransactions(ctx context.Context, owner string) ([]model.WalletTransaction, error) {
	return s.store.GetWalletTransactions(ctx, owner)
}

func (s *Service) TradeCounters(ctx context.Context, owner string) (*model.TradeCounters, error) {
	return s.store.GetTradeCounters(ctx, owner)
}
