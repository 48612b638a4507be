package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for wallets and positions. Units of work go to the primary store and
// invalidate the owner's keys after commit; reads check Redis first then fall
// back to the primary.
//
// Every cached key has a generation counter that a committed unit of work
// bumps before deleting the key. A read fill only lands if the generation is
// unchanged since before its primary load, so a load that raced a commit
// cannot repopulate the cache with the pre-commit value.
//
// The cache is never read inside a unit of work.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (primary, then invalidate) ---

func (s *CachedStore) WithAccount(ctx context.Context, ownerID string, fn func(tx Tx) error) error {
	rec := &recordingTx{}
	err := s.primary.WithAccount(ctx, ownerID, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}

	keys := []string{walletKey(ownerID), positionsKey(ownerID), countersKey(ownerID)}
	for _, id := range rec.touched {
		keys = append(keys, positionKey(id))
	}
	s.invalidate(ctx, keys...)
	return nil
}

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.WalletAccount) error {
	if err := s.primary.CreateWallet(ctx, w); err != nil {
		return err
	}
	s.invalidate(ctx, walletKey(w.OwnerID))
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetWallet(ctx context.Context, ownerID string) (*model.WalletAccount, error) {
	var w model.WalletAccount
	if s.get(ctx, walletKey(ownerID), &w) {
		return &w, nil
	}

	gen := s.generation(ctx, walletKey(ownerID))
	fresh, err := s.primary.GetWallet(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.put(ctx, walletKey(ownerID), gen, fresh)
	return fresh, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	var p model.Position
	if s.get(ctx, positionKey(id), &p) {
		return &p, nil
	}

	gen := s.generation(ctx, positionKey(id))
	fresh, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, positionKey(id), gen, fresh)
	return fresh, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, ownerID string) ([]model.Position, error) {
	var positions []model.Position
	if s.get(ctx, positionsKey(ownerID), &positions) {
		return positions, nil
	}

	gen := s.generation(ctx, positionsKey(ownerID))
	fresh, err := s.primary.ListPositions(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.put(ctx, positionsKey(ownerID), gen, fresh)
	return fresh, nil
}

func (s *CachedStore) GetTradeCounters(ctx context.Context, ownerID string) (*model.TradeCounters, error) {
	var c model.TradeCounters
	if s.get(ctx, countersKey(ownerID), &c) {
		return &c, nil
	}

	gen := s.generation(ctx, countersKey(ownerID))
	fresh, err := s.primary.GetTradeCounters(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.put(ctx, countersKey(ownerID), gen, fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPositionHistory(ctx context.Context, positionID string) ([]model.PositionHistoryEntry, error) {
	return s.primary.GetPositionHistory(ctx, positionID)
}

func (s *CachedStore) GetWalletTransactions(ctx context.Context, ownerID string) ([]model.WalletTransaction, error) {
	return s.primary.GetWalletTransactions(ctx, ownerID)
}

func (s *CachedStore) ActiveSymbols(ctx context.Context) ([]string, error) {
	return s.primary.ActiveSymbols(ctx)
}

func (s *CachedStore) OwnersWithOpenPositions(ctx context.Context, symbol string) ([]string, error) {
	return s.primary.OwnersWithOpenPositions(ctx, symbol)
}

func (s *CachedStore) ExpiredPositions(ctx context.Context, before time.Time) ([]model.PositionRef, error) {
	return s.primary.ExpiredPositions(ctx, before)
}

// AppendPrice forwards to the primary's PriceLog, if it has one.
func (s *CachedStore) AppendPrice(ctx context.Context, tick model.Tick) error {
	if log, ok := s.primary.(PriceLog); ok {
		return log.AppendPrice(ctx, tick)
	}
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// fillScript sets KEYS[1] only when its generation KEYS[2] still equals the
// generation read before the primary load.
var fillScript = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen == ARGV[2] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
	return 1
end
return 0
`)

func (s *CachedStore) generation(ctx context.Context, key string) string {
	gen, err := s.rdb.Get(ctx, genKey(key)).Result()
	if err != nil {
		return "0"
	}
	return gen
}

func (s *CachedStore) put(ctx context.Context, key, gen string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = fillScript.Run(ctx, s.rdb, []string{key, genKey(key)}, data, gen, s.ttl.Milliseconds()).Err()
	if err != nil {
		slog.Debug("cache set failed", "key", key, "error", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Incr(ctx, genKey(k))
			pipe.Expire(ctx, genKey(k), 24*time.Hour)
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		// A stale entry lives at most one TTL.
		slog.Warn("cache invalidation failed", "keys", keys, "error", err)
	}
}

func walletKey(owner string) string    { return fmt.Sprintf("wallet:%s", owner) }
func positionsKey(owner string) string { return fmt.Sprintf("positions:%s", owner) }
func countersKey(owner string) string  { return fmt.Sprintf("counters:%s", owner) }
func positionKey(id string) string     { return fmt.Sprintf("position:%s", id) }
func genKey(key string) string         { return "gen:" + key }

// recordingTx remembers which positions a unit of work wrote.
type recordingTx struct {
	Tx
	touched []string
}

func (r *recordingTx) InsertPosition(ctx context.Context, p *model.Position) error {
	if err := r.Tx.InsertPosition(ctx, p); err != nil {
		return err
	}
	r.touched = append(r.touched, p.ID)
	return nil
}

func (r *recordingTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	if err := r.Tx.UpdatePosition(ctx, p); err != nil {
		return err
	}
	r.touched = append(r.touched, p.ID)
	return nil
}
