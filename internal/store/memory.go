package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/trading-engine/internal/instrument"
	"github.com/atmx/trading-engine/internal/model"
)

// maxPriceLog bounds the in-memory price history.
const maxPriceLog = 10000

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Units of work stage their writes and apply them in one step on commit, so
// a failing unit leaves nothing behind.
type MemoryStore struct {
	mu        sync.RWMutex
	wallets   map[string]*model.WalletAccount // owner → wallet
	positions map[string]*model.Position      // id → position
	walletTxs []model.WalletTransaction
	history   []model.PositionHistoryEntry
	counters  map[string]*model.TradeCounters
	prices    []model.Tick

	locksMu sync.Mutex
	locks   map[string]chan struct{} // owner → binary semaphore
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*model.WalletAccount),
		positions: make(map[string]*model.Position),
		counters:  make(map[string]*model.TradeCounters),
		locks:     make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) ownerLock(owner string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[owner]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[owner] = l
	}
	return l
}

func (s *MemoryStore) WithAccount(ctx context.Context, ownerID string, fn func(tx Tx) error) error {
	lock := s.ownerLock(ownerID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()

	tx := &memTx{
		s:         s,
		owner:     ownerID,
		positions: make(map[string]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.wallet != nil {
		s.wallets[tx.owner] = tx.wallet
	}
	for id, p := range tx.positions {
		s.positions[id] = p
	}
	s.walletTxs = append(s.walletTxs, tx.walletTxs...)
	s.history = append(s.history, tx.history...)
	if tx.counters != nil {
		s.counters[tx.owner] = tx.counters
	}
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.WalletAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.wallets[w.OwnerID]; exists {
		return fmt.Errorf("%w: wallet for owner %s", ErrAlreadyExists, w.OwnerID)
	}
	// Store a copy to avoid external mutation.
	copy := *w
	s.wallets[w.OwnerID] = &copy
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, ownerID string) (*model.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[ownerID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet for owner %s", ErrNotFound, ownerID)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPositions(_ context.Context, ownerID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.OwnerID == ownerID {
			result = append(result, *p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].OpenedAt.After(result[j].OpenedAt)
	})
	return result, nil
}

func (s *MemoryStore) GetPositionHistory(_ context.Context, positionID string) ([]model.PositionHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PositionHistoryEntry
	for _, e := range s.history {
		if e.PositionID == positionID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetWalletTransactions(_ context.Context, ownerID string) ([]model.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WalletTransaction
	for _, e := range s.walletTxs {
		if e.OwnerID == ownerID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTradeCounters(_ context.Context, ownerID string) (*model.TradeCounters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.counters[ownerID]
	if !ok {
		return &model.TradeCounters{OwnerID: ownerID}, nil
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ActiveSymbols(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, p := range s.positions {
		if p.IsOpen() && p.Class != model.Spot {
			seen[p.AssetSymbol] = true
		}
	}
	symbols := make([]string, 0, len(seen))
	for sym := range seen {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (s *MemoryStore) OwnersWithOpenPositions(_ context.Context, symbol string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, p := range s.positions {
		if p.IsOpen() && p.AssetSymbol == symbol {
			seen[p.OwnerID] = true
		}
	}
	owners := make([]string, 0, len(seen))
	for o := range seen {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners, nil
}

func (s *MemoryStore) ExpiredPositions(_ context.Context, before time.Time) ([]model.PositionRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := instrument.TruncateDay(before)
	var refs []model.PositionRef
	for _, p := range s.positions {
		if !p.IsOpen() {
			continue
		}
		expiry, ok := p.ExpiryDate()
		if !ok || !expiry.Before(cutoff) {
			continue
		}
		refs = append(refs, model.PositionRef{OwnerID: p.OwnerID, PositionID: p.ID, AssetSymbol: p.AssetSymbol})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].PositionID < refs[j].PositionID })
	return refs, nil
}

// AppendPrice implements PriceLog, keeping the most recent ticks.
func (s *MemoryStore) AppendPrice(_ context.Context, tick model.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices = append(s.prices, tick)
	if len(s.prices) > maxPriceLog {
		s.prices = s.prices[len(s.prices)-maxPriceLog:]
	}
	return nil
}

// Prices returns the logged ticks for symbol.
func (s *MemoryStore) Prices(symbol string) []model.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Tick
	for _, t := range s.prices {
		if t.Symbol == symbol {
			result = append(result, t)
		}
	}
	return result
}

// memTx stages one owner's writes until commit.
type memTx struct {
	s         *MemoryStore
	owner     string
	wallet    *model.WalletAccount
	positions map[string]*model.Position
	walletTxs []model.WalletTransaction
	history   []model.PositionHistoryEntry
	counters  *model.TradeCounters
}

func (t *memTx) Wallet(_ context.Context) (*model.WalletAccount, error) {
	if t.wallet != nil {
		copy := *t.wallet
		return &copy, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	w, ok := t.s.wallets[t.owner]
	if !ok {
		return nil, fmt.Errorf("%w: wallet for owner %s", ErrNotFound, t.owner)
	}
	copy := *w
	return &copy, nil
}

func (t *memTx) SaveWallet(_ context.Context, w *model.WalletAccount) error {
	if w.OwnerID != t.owner {
		return fmt.Errorf("store: wallet of %s saved in unit of %s", w.OwnerID, t.owner)
	}
	copy := *w
	t.wallet = &copy
	return nil
}

func (t *memTx) AppendWalletTx(_ context.Context, tx *model.WalletTransaction) error {
	t.walletTxs = append(t.walletTxs, *tx)
	return nil
}

// ownerPositions merges committed and staged positions of the owner.
func (t *memTx) ownerPositions() []*model.Position {
	t.s.mu.RLock()
	merged := make(map[string]*model.Position)
	for id, p := range t.s.positions {
		if p.OwnerID == t.owner {
			merged[id] = p
		}
	}
	t.s.mu.RUnlock()
	for id, p := range t.positions {
		merged[id] = p
	}

	result := make([]*model.Position, 0, len(merged))
	for _, p := range merged {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return result
}

func (t *memTx) OpenPositions(_ context.Context, lineage instrument.Lineage) ([]*model.Position, error) {
	var result []*model.Position
	for _, p := range t.ownerPositions() {
		if p.IsOpen() && lineage.Matches(p) {
			result = append(result, p)
		}
	}
	return result, nil
}

func (t *memTx) OpenPositionsBySymbol(_ context.Context, symbol string) ([]*model.Position, error) {
	var result []*model.Position
	for _, p := range t.ownerPositions() {
		if p.IsOpen() && p.AssetSymbol == symbol {
			result = append(result, p)
		}
	}
	return result, nil
}

func (t *memTx) Position(_ context.Context, id string) (*model.Position, error) {
	if p, ok := t.positions[id]; ok {
		return p.Clone(), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	p, ok := t.s.positions[id]
	if !ok || p.OwnerID != t.owner {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (t *memTx) InsertPosition(_ context.Context, p *model.Position) error {
	if p.OwnerID != t.owner {
		return fmt.Errorf("store: position of %s inserted in unit of %s", p.OwnerID, t.owner)
	}
	if _, ok := t.positions[p.ID]; ok {
		return fmt.Errorf("%w: position %s", ErrAlreadyExists, p.ID)
	}
	t.positions[p.ID] = p.Clone()
	return nil
}

func (t *memTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	if _, err := t.Position(ctx, p.ID); err != nil {
		return err
	}
	t.positions[p.ID] = p.Clone()
	return nil
}

func (t *memTx) AppendHistory(_ context.Context, e *model.PositionHistoryEntry) error {
	t.history = append(t.history, *e)
	return nil
}

func (t *memTx) AllPositions(_ context.Context) ([]*model.Position, error) {
	return t.ownerPositions(), nil
}

func (t *memTx) SaveTradeCounters(_ context.Context, c *model.TradeCounters) error {
	copy := *c
	t.counters = &copy
	return nil
}
