package trade

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
	"github.com/atmx/trading-engine/internal/wallet"
)

// unlockPlaces is the rounding of proportional unlocks on partial covers.
const unlockPlaces = 8

// unit is one owner's unit of work: the wallet loaded under the owner lock
// plus the ledger records and events it produces.
type unit struct {
	ctx    context.Context
	tx     store.Tx
	acct   *model.WalletAccount
	ledger *wallet.Ledger
	now    time.Time
	events []model.Event
}

func (s *Service) begin(ctx context.Context, tx store.Tx) (*unit, error) {
	w, err := tx.Wallet(ctx)
	if err != nil {
		return nil, err
	}
	return &unit{ctx: ctx, tx: tx, acct: w, ledger: s.ledger, now: s.now()}, nil
}

// commit verifies and saves the wallet and, when positions changed,
// recomputes the owner's trade counters.
func (u *unit) commit(positionsChanged bool) error {
	if err := wallet.Verify(u.acct); err != nil {
		return err
	}
	if err := u.tx.SaveWallet(u.ctx, u.acct); err != nil {
		return err
	}
	if !positionsChanged {
		return nil
	}
	return u.recount()
}

func (u *unit) recount() error {
	all, err := u.tx.AllPositions(u.ctx)
	if err != nil {
		return err
	}
	c := &model.TradeCounters{OwnerID: u.acct.OwnerID, TotalTrades: len(all), UpdatedAt: u.now}
	for _, p := range all {
		switch p.Class {
		case model.Spot:
			c.SpotTrades++
		case model.Futures:
			c.FuturesTrades++
		case model.Options:
			c.OptionsTrades++
		}
		if p.IsOpen() {
			c.OpenTrades++
		}
	}
	return u.tx.SaveTradeCounters(u.ctx, c)
}

func (u *unit) record(wt *model.WalletTransaction, err error) error {
	if err != nil || wt == nil {
		return err
	}
	return u.tx.AppendWalletTx(u.ctx, wt)
}

func (u *unit) lock(amount decimal.Decimal, positionID, note string) error {
	if amount.IsZero() {
		return nil
	}
	return u.record(u.ledger.Lock(u.acct, amount, wallet.Entry{PositionID: positionID, Note: note}))
}

func (u *unit) unlock(amount decimal.Decimal, positionID, note string) error {
	if amount.IsZero() {
		return nil
	}
	return u.record(u.ledger.Unlock(u.acct, amount, wallet.Entry{PositionID: positionID, Note: note}))
}

func (u *unit) applyPnL(pnl decimal.Decimal, positionID, note string) error {
	return u.record(u.ledger.ApplyPnL(u.acct, pnl, wallet.Entry{PositionID: positionID, Note: note}))
}

func (u *unit) history(p *model.Position, action model.Action, qty, price, amount, pnl decimal.Decimal) error {
	return u.tx.AppendHistory(u.ctx, &model.PositionHistoryEntry{
		ID:               uuid.New().String(),
		PositionID:       p.ID,
		OwnerID:          p.OwnerID,
		Action:           action,
		Quantity:         qty,
		Price:            price,
		Amount:           amount,
		RealizedPnLDelta: pnl,
		Timestamp:        u.now,
	})
}

// entryPrice is the per-unit price a leg enters at: the premium for options.
func entryPrice(intent model.OrderIntent) decimal.Decimal {
	if intent.Class == model.Options {
		return intent.Premium
	}
	return intent.Price
}

// notional is the traded value of qty at price.
func notional(p *model.Position, qty, price decimal.Decimal) decimal.Decimal {
	v := qty.Mul(price)
	if f := p.Futures(); f != nil {
		v = v.Mul(f.ContractSize)
	}
	return v
}

// writesOption reports whether the position is a written (short) option.
func writesOption(p *model.Position) bool {
	o := p.Options()
	return o != nil && o.PositionSide == model.Short
}

// open creates a position of qty in the intent's direction and locks its
// capital. Written options also credit the premium.
func (s *Service) open(u *unit, owner string, intent model.OrderIntent, qty decimal.Decimal) (*model.Position, error) {
	required := s.limiter.RequiredCapital(intent, qty)
	if err := s.limiter.Check(u.acct, required); err != nil {
		return nil, err
	}

	p := &model.Position{
		ID:                uuid.New().String(),
		OwnerID:           owner,
		AssetSymbol:       intent.AssetSymbol,
		Class:             intent.Class,
		Direction:         intent.Direction,
		Status:            model.StatusOpen,
		TotalQuantity:     qty,
		RemainingQuantity: qty,
		AverageEntryPrice: entryPrice(intent),
		TotalCommitted:    required,
		RealizedPnL:       decimal.Zero,
		UnrealizedPnL:     decimal.Zero,
		OpenedAt:          u.now,
	}
	switch intent.Class {
	case model.Futures:
		p.Detail = &model.FuturesDetail{
			Leverage:     intent.Leverage,
			MarginLocked: required,
			ExpiryDate:   intent.ExpiryDate,
			ContractSize: intent.ContractSize,
		}
	case model.Options:
		side := model.Long
		if intent.Direction == model.Sell {
			side = model.Short
		}
		p.Detail = &model.OptionsDetail{
			OptionType:   intent.OptionType,
			PositionSide: side,
			StrikePrice:  intent.StrikePrice,
			ExpiryDate:   intent.ExpiryDate,
			Premium:      intent.Premium,
		}
	default:
		p.Detail = model.SpotDetail{}
	}

	if err := u.lock(required, p.ID, "open "+p.AssetSymbol); err != nil {
		return nil, err
	}
	credit := decimal.Zero
	if writesOption(p) {
		credit = qty.Mul(intent.Premium)
		if err := u.applyPnL(credit, p.ID, "premium received"); err != nil {
			return nil, err
		}
		p.RealizedPnL = credit
	}

	if err := u.tx.InsertPosition(u.ctx, p); err != nil {
		return nil, err
	}
	if err := u.history(p, actionOf(intent.Direction), qty, p.AverageEntryPrice, notional(p, qty, p.AverageEntryPrice), credit); err != nil {
		return nil, err
	}
	return p, nil
}

// average adds the intent's quantity to a same-direction position at the
// quantity-weighted average entry price.
func (s *Service) average(u *unit, p *model.Position, intent model.OrderIntent) (*model.Position, error) {
	qty := intent.Quantity
	required := s.limiter.RequiredCapital(intent, qty)
	if err := s.limiter.Check(u.acct, required); err != nil {
		return nil, err
	}

	entry := entryPrice(intent)
	newRemaining := p.RemainingQuantity.Add(qty)
	p.AverageEntryPrice = p.AverageEntryPrice.Mul(p.RemainingQuantity).Add(entry.Mul(qty)).Div(newRemaining)
	p.TotalQuantity = p.TotalQuantity.Add(qty)
	p.RemainingQuantity = newRemaining
	p.TotalCommitted = p.TotalCommitted.Add(required)
	switch d := p.Detail.(type) {
	case *model.FuturesDetail:
		d.MarginLocked = d.MarginLocked.Add(required)
	case *model.OptionsDetail:
		d.Premium = p.AverageEntryPrice
	}

	if err := u.lock(required, p.ID, "average "+p.AssetSymbol); err != nil {
		return nil, err
	}
	credit := decimal.Zero
	if writesOption(p) {
		credit = qty.Mul(intent.Premium)
		if err := u.applyPnL(credit, p.ID, "premium received"); err != nil {
			return nil, err
		}
		p.RealizedPnL = p.RealizedPnL.Add(credit)
	}

	if err := u.tx.UpdatePosition(u.ctx, p); err != nil {
		return nil, err
	}
	if err := u.history(p, actionOf(intent.Direction), qty, entry, notional(p, qty, entry), credit); err != nil {
		return nil, err
	}
	return p, nil
}

// cover closes qty of p at exit: it realizes pnl, unlocks the proportional
// committed capital (the whole residual on the final close) and records the
// leg under action. p is updated in place and persisted.
func (s *Service) cover(u *unit, p *model.Position, qty, exit decimal.Decimal, action model.Action) (decimal.Decimal, error) {
	pnl := coverPnL(p, qty, exit)

	release := p.TotalCommitted
	if qty.LessThan(p.RemainingQuantity) {
		release = decimal.Min(p.TotalCommitted.Mul(qty).Div(p.RemainingQuantity).Round(unlockPlaces), p.TotalCommitted)
	}
	if err := u.unlock(release, p.ID, string(action)+" "+p.AssetSymbol); err != nil {
		return decimal.Zero, err
	}
	if err := u.applyPnL(pnl, p.ID, string(action)+" "+p.AssetSymbol); err != nil {
		return decimal.Zero, err
	}

	before := p.RemainingQuantity
	p.RemainingQuantity = p.RemainingQuantity.Sub(qty)
	p.TotalCommitted = p.TotalCommitted.Sub(release)
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	if f := p.Futures(); f != nil {
		f.MarginLocked = p.TotalCommitted
	}
	if p.RemainingQuantity.IsZero() {
		closedAt := u.now
		p.Status = model.StatusClosed
		p.ClosedAt = &closedAt
		p.UnrealizedPnL = decimal.Zero
	} else {
		p.Status = model.StatusPartiallyClosed
		p.UnrealizedPnL = p.UnrealizedPnL.Mul(p.RemainingQuantity).Div(before).Round(unlockPlaces)
	}

	if err := u.tx.UpdatePosition(u.ctx, p); err != nil {
		return decimal.Zero, err
	}
	if err := u.history(p, action, qty, exit, notional(p, qty, exit), pnl); err != nil {
		return decimal.Zero, err
	}
	return pnl, nil
}

// coverPnL is the realized pnl of closing qty at exit:
//   - BUY closed by SELL: (exit - entry) * qty
//   - SELL closed by BUY: (entry - exit) * qty
//
// Futures scale by contract size. Written options already realized the
// premium at open, so covering them realizes -exit * qty.
func coverPnL(p *model.Position, qty, exit decimal.Decimal) decimal.Decimal {
	if writesOption(p) {
		return exit.Mul(qty).Neg()
	}
	var pnl decimal.Decimal
	if p.Direction == model.Buy {
		pnl = exit.Sub(p.AverageEntryPrice).Mul(qty)
	} else {
		pnl = p.AverageEntryPrice.Sub(exit).Mul(qty)
	}
	if f := p.Futures(); f != nil {
		pnl = pnl.Mul(f.ContractSize)
	}
	return pnl
}

func actionOf(d model.Direction) model.Action {
	if d == model.Sell {
		return model.ActionSell
	}
	return model.ActionBuy
}
