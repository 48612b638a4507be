// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentClass tags which detail, if any, a Position carries.
type InstrumentClass string

const (
	Spot    InstrumentClass = "SPOT"
	Futures InstrumentClass = "FUTURES"
	Options InstrumentClass = "OPTIONS"
)

// Direction is the side of a position lineage.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// PositionStatus is OPEN until any quantity is covered, CLOSED at zero remaining.
type PositionStatus string

const (
	StatusOpen            PositionStatus = "OPEN"
	StatusPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
	StatusClosed          PositionStatus = "CLOSED"
)

// OptionType is CALL or PUT.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// PositionSide is LONG for bought options, SHORT for written ones.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Action labels a position history entry.
type Action string

const (
	ActionBuy         Action = "BUY"
	ActionSell        Action = "SELL"
	ActionClose       Action = "CLOSE"
	ActionLiquidation Action = "LIQUIDATION"
	ActionExpiry      Action = "EXPIRY"
	ActionExercise    Action = "EXERCISE"
)

// TxKind is the kind of a wallet transaction.
type TxKind string

const (
	TxLock   TxKind = "LOCK"
	TxUnlock TxKind = "UNLOCK"
	TxProfit TxKind = "PROFIT"
	TxLoss   TxKind = "LOSS"
)

// Outcome classifies what an order did.
type Outcome string

const (
	OutcomeNew     Outcome = "NEW"
	OutcomeAverage Outcome = "AVERAGE"
	OutcomeCover   Outcome = "COVER"
	OutcomeFlip    Outcome = "FLIP"
	OutcomeClose   Outcome = "CLOSE"
)

// WalletAccount is the virtual balance of one trading account.
// total = available + locked + earned.
type WalletAccount struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	InitialBalance   decimal.Decimal `json:"initial_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	LockedBalance    decimal.Decimal `json:"locked_balance"`
	EarnedBalance    decimal.Decimal `json:"earned_balance"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Total returns available + locked + earned.
func (w *WalletAccount) Total() decimal.Decimal {
	return w.AvailableBalance.Add(w.LockedBalance).Add(w.EarnedBalance)
}

// WalletTransaction is an immutable audit record of one ledger operation.
type WalletTransaction struct {
	ID                string          `json:"id"`
	WalletID          string          `json:"wallet_id"`
	OwnerID           string          `json:"owner_id"`
	Kind              TxKind          `json:"kind"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceBefore     decimal.Decimal `json:"balance_before"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	RelatedPositionID string          `json:"related_position_id,omitempty"`
	Note              string          `json:"note,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// FuturesDetail is attached to FUTURES positions only.
type FuturesDetail struct {
	Leverage     decimal.Decimal `json:"leverage"`
	MarginLocked decimal.Decimal `json:"margin_locked"`
	ExpiryDate   time.Time       `json:"expiry_date"`
	ContractSize decimal.Decimal `json:"contract_size"`
}

// OptionsDetail is attached to OPTIONS positions only.
type OptionsDetail struct {
	OptionType   OptionType      `json:"option_type"`
	PositionSide PositionSide    `json:"position_side"`
	StrikePrice  decimal.Decimal `json:"strike_price"`
	ExpiryDate   time.Time       `json:"expiry_date"`
	Premium      decimal.Decimal `json:"premium"`
}

// Detail is the instrument-specific part of a Position. The concrete type
// always matches the position's InstrumentClass.
type Detail interface {
	Class() InstrumentClass
}

// SpotDetail carries nothing; it exists so every position has a Detail.
type SpotDetail struct{}

func (SpotDetail) Class() InstrumentClass     { return Spot }
func (*FuturesDetail) Class() InstrumentClass { return Futures }
func (*OptionsDetail) Class() InstrumentClass { return Options }

// Position is one asset/instrument/direction lineage of an owner.
type Position struct {
	ID                string          `json:"id"`
	OwnerID           string          `json:"owner_id"`
	AssetSymbol       string          `json:"asset_symbol"`
	Class             InstrumentClass `json:"instrument_class"`
	Direction         Direction       `json:"direction"`
	Status            PositionStatus  `json:"status"`
	TotalQuantity     decimal.Decimal `json:"total_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	TotalCommitted    decimal.Decimal `json:"total_committed"` // capital still locked
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	OpenedAt          time.Time       `json:"opened_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	Detail            Detail          `json:"-"`
}

// positionJSON carries the detail under a class-specific key so that
// encoded positions can be decoded back into the right variant.
type positionJSON struct {
	positionAlias
	FuturesDetail *FuturesDetail `json:"futures_detail,omitempty"`
	OptionsDetail *OptionsDetail `json:"options_detail,omitempty"`
}

type positionAlias Position

// MarshalJSON implements json.Marshaler.
func (p Position) MarshalJSON() ([]byte, error) {
	out := positionJSON{positionAlias: positionAlias(p)}
	out.FuturesDetail = p.Futures()
	out.OptionsDetail = p.Options()
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Position) UnmarshalJSON(data []byte) error {
	var in positionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*p = Position(in.positionAlias)
	switch p.Class {
	case Futures:
		if in.FuturesDetail == nil {
			return fmt.Errorf("model: futures position %s without futures_detail", p.ID)
		}
		p.Detail = in.FuturesDetail
	case Options:
		if in.OptionsDetail == nil {
			return fmt.Errorf("model: options position %s without options_detail", p.ID)
		}
		p.Detail = in.OptionsDetail
	default:
		p.Detail = SpotDetail{}
	}
	return nil
}

// Futures returns the futures detail, or nil for other classes.
func (p *Position) Futures() *FuturesDetail {
	if f, ok := p.Detail.(*FuturesDetail); ok {
		return f
	}
	return nil
}

// Options returns the options detail, or nil for other classes.
func (p *Position) Options() *OptionsDetail {
	if o, ok := p.Detail.(*OptionsDetail); ok {
		return o
	}
	return nil
}

// IsOpen reports whether the position still has remaining quantity.
func (p *Position) IsOpen() bool {
	return p.Status != StatusClosed
}

// ExpiryDate returns the expiry of derivative positions; ok is false for spot.
func (p *Position) ExpiryDate() (time.Time, bool) {
	switch d := p.Detail.(type) {
	case *FuturesDetail:
		return d.ExpiryDate, true
	case *OptionsDetail:
		return d.ExpiryDate, true
	default:
		return time.Time{}, false
	}
}

// Clone returns a deep copy so stores never share detail pointers with callers.
func (p *Position) Clone() *Position {
	cp := *p
	switch d := p.Detail.(type) {
	case *FuturesDetail:
		fd := *d
		cp.Detail = &fd
	case *OptionsDetail:
		od := *d
		cp.Detail = &od
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

// PositionHistoryEntry is an immutable record of one leg applied to a position.
type PositionHistoryEntry struct {
	ID               string          `json:"id"`
	PositionID       string          `json:"position_id"`
	OwnerID          string          `json:"owner_id"`
	Action           Action          `json:"action"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	Amount           decimal.Decimal `json:"amount"`
	RealizedPnLDelta decimal.Decimal `json:"realized_pnl_delta"`
	Timestamp        time.Time       `json:"timestamp"`
}

// OrderIntent is an inbound trade request.
type OrderIntent struct {
	AssetSymbol  string          `json:"asset_symbol"`
	Class        InstrumentClass `json:"instrument_class"`
	Direction    Direction       `json:"direction"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	ExpiryDate   time.Time       `json:"expiry_date,omitempty"`
	Leverage     decimal.Decimal `json:"leverage,omitempty"`
	ContractSize decimal.Decimal `json:"contract_size,omitempty"`
	StrikePrice  decimal.Decimal `json:"strike_price,omitempty"`
	OptionType   OptionType      `json:"option_type,omitempty"`
	Premium      decimal.Decimal `json:"premium,omitempty"`
}

// TradeCounters are aggregate position counts per instrument class.
type TradeCounters struct {
	OwnerID       string    `json:"owner_id"`
	SpotTrades    int       `json:"spot_trades"`
	FuturesTrades int       `json:"futures_trades"`
	OptionsTrades int       `json:"options_trades"`
	OpenTrades    int       `json:"open_trades"`
	TotalTrades   int       `json:"total_trades"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Mark is the latest mark price of a symbol.
type Mark struct {
	Symbol     string          `json:"symbol"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Tick is a normalized price feed message.
type Tick struct {
	Symbol    string          `json:"symbol"`
	MarkPrice decimal.Decimal `json:"mark_price"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// PositionRef locates a position for background sweeps.
type PositionRef struct {
	OwnerID     string `json:"owner_id"`
	PositionID  string `json:"position_id"`
	AssetSymbol string `json:"asset_symbol"`
}

// EventType names outbound notifications.
type EventType string

const (
	EventMarginCall      EventType = "margin_call"
	EventLiquidation     EventType = "liquidation"
	EventSettlement      EventType = "settlement"
	EventLedgerInvariant EventType = "ledger_invariant"
)

// Event is an outbound notification keyed by owner.
type Event struct {
	Type            EventType       `json:"type"`
	OwnerID         string          `json:"owner_id"`
	PositionID      string          `json:"position_id,omitempty"`
	Symbol          string          `json:"symbol,omitempty"`
	ClosePrice      decimal.Decimal `json:"close_price"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	RemainingMargin decimal.Decimal `json:"remaining_margin"`
	Message         string          `json:"message,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}
