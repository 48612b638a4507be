// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation of an owner's wallet and positions happens inside
// WithAccount, which holds an exclusive owner-scoped lock from the first read
// until the paired ledger, position and history writes are committed.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/trading-engine/internal/instrument"
	"github.com/atmx/trading-engine/internal/model"
)

var (
	// ErrNotFound is returned when a wallet or position does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a second wallet for an owner.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Tx is the view of one owner's state inside a unit of work. Reads observe
// the unit's own uncommitted writes.
type Tx interface {
	// --- Wallet ---

	// Wallet returns the owner's wallet.
	Wallet(ctx context.Context) (*model.WalletAccount, error)

	// SaveWallet writes the wallet balances.
	SaveWallet(ctx context.Context, w *model.WalletAccount) error

	// AppendWalletTx appends an immutable ledger record.
	AppendWalletTx(ctx context.Context, tx *model.WalletTransaction) error

	// --- Positions ---

	// OpenPositions returns open/partially-closed positions in the lineage,
	// oldest first (FIFO).
	OpenPositions(ctx context.Context, lineage instrument.Lineage) ([]*model.Position, error)

	// Position returns one of the owner's positions.
	Position(ctx context.Context, id string) (*model.Position, error)

	// OpenPositionsBySymbol returns the owner's open positions on symbol.
	OpenPositionsBySymbol(ctx context.Context, symbol string) ([]*model.Position, error)

	// InsertPosition persists a new position and its instrument detail.
	InsertPosition(ctx context.Context, p *model.Position) error

	// UpdatePosition writes quantities, prices, pnl, status and detail.
	UpdatePosition(ctx context.Context, p *model.Position) error

	// AppendHistory appends an immutable position history entry.
	AppendHistory(ctx context.Context, e *model.PositionHistoryEntry) error

	// --- Counters ---

	// AllPositions returns every position of the owner, open and closed.
	AllPositions(ctx context.Context) ([]*model.Position, error)

	// SaveTradeCounters replaces the owner's aggregate counters.
	SaveTradeCounters(ctx context.Context, c *model.TradeCounters) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// WithAccount runs fn under the owner's exclusive lock. Writes made
	// through tx are committed iff fn returns nil.
	WithAccount(ctx context.Context, ownerID string, fn func(tx Tx) error) error

	// CreateWallet persists a new wallet. One per owner.
	CreateWallet(ctx context.Context, w *model.WalletAccount) error

	// GetWallet returns the latest committed wallet of an owner.
	GetWallet(ctx context.Context, ownerID string) (*model.WalletAccount, error)

	// GetPosition returns a position by id.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns all positions of an owner, newest first.
	ListPositions(ctx context.Context, ownerID string) ([]model.Position, error)

	// GetPositionHistory returns a position's history, oldest first.
	GetPositionHistory(ctx context.Context, positionID string) ([]model.PositionHistoryEntry, error)

	// GetWalletTransactions returns an owner's ledger records, oldest first.
	GetWalletTransactions(ctx context.Context, ownerID string) ([]model.WalletTransaction, error)

	// GetTradeCounters returns an owner's aggregate counters.
	GetTradeCounters(ctx context.Context, ownerID string) (*model.TradeCounters, error)

	// --- Background sweeps ---

	// ActiveSymbols returns distinct asset symbols over open or partially
	// closed FUTURES/OPTIONS positions.
	ActiveSymbols(ctx context.Context) ([]string, error)

	// OwnersWithOpenPositions returns owners holding open positions on symbol.
	OwnersWithOpenPositions(ctx context.Context, symbol string) ([]string, error)

	// ExpiredPositions returns open FUTURES/OPTIONS positions whose expiry
	// date is strictly before the given day.
	ExpiredPositions(ctx context.Context, before time.Time) ([]model.PositionRef, error)
}

// PriceLog receives analytical copies of mark ticks. It is never read back
// as a source of truth.
type PriceLog interface {
	AppendPrice(ctx context.Context, tick model.Tick) error
}
