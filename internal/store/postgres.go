package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/instrument"
	"github.com/atmx/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// WithAccount runs inside one pgx transaction and serializes owners by
// locking their wallet row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) WithAccount(ctx context.Context, ownerID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin unit of work for %s: %w", ownerID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var walletID string
	err = tx.QueryRow(ctx,
		`SELECT id FROM wallets WHERE owner_id = $1 FOR UPDATE`, ownerID).Scan(&walletID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: wallet for owner %s", ErrNotFound, ownerID)
	}
	if err != nil {
		return fmt.Errorf("lock wallet of %s: %w", ownerID, err)
	}

	if err := fn(&pgTx{q: tx, owner: ownerID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit unit of work for %s: %w", ownerID, err)
	}
	return nil
}

// --- Wallets ---

const walletColumns = `id, owner_id, initial_balance::TEXT, available_balance::TEXT,
	locked_balance::TEXT, earned_balance::TEXT, active, created_at, updated_at`

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.WalletAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (id, owner_id, initial_balance, available_balance, locked_balance,
		                      earned_balance, active, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		w.ID, w.OwnerID,
		w.InitialBalance.String(), w.AvailableBalance.String(),
		w.LockedBalance.String(), w.EarnedBalance.String(),
		w.Active, w.CreatedAt, w.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: wallet for owner %s", ErrAlreadyExists, w.OwnerID)
	}
	return err
}

func (s *PostgresStore) GetWallet(ctx context.Context, ownerID string) (*model.WalletAccount, error) {
	return getWallet(ctx, s.pool, ownerID)
}

func getWallet(ctx context.Context, q querier, ownerID string) (*model.WalletAccount, error) {
	var w model.WalletAccount
	var initial, available, locked, earned string

	err := q.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, ownerID).
		Scan(&w.ID, &w.OwnerID, &initial, &available, &locked, &earned,
			&w.Active, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: wallet for owner %s", ErrNotFound, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", ownerID, err)
	}

	w.InitialBalance, _ = decimal.NewFromString(initial)
	w.AvailableBalance, _ = decimal.NewFromString(available)
	w.LockedBalance, _ = decimal.NewFromString(locked)
	w.EarnedBalance, _ = decimal.NewFromString(earned)
	return &w, nil
}

func (s *PostgresStore) GetWalletTransactions(ctx context.Context, ownerID string) ([]model.WalletTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, wallet_id, owner_id, kind, amount::TEXT, balance_before::TEXT,
		        balance_after::TEXT, COALESCE(related_position_id, ''), note, timestamp
		 FROM wallet_transactions WHERE owner_id = $1 ORDER BY timestamp, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.WalletTransaction
	for rows.Next() {
		var t model.WalletTransaction
		var amount, before, after string
		if err := rows.Scan(&t.ID, &t.WalletID, &t.OwnerID, &t.Kind,
			&amount, &before, &after, &t.RelatedPositionID, &t.Note, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		t.BalanceBefore, _ = decimal.NewFromString(before)
		t.BalanceAfter, _ = decimal.NewFromString(after)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// --- Positions ---

const positionSelect = `SELECT p.id, p.owner_id, p.asset_symbol, p.instrument_class, p.direction, p.status,
	p.total_quantity::TEXT, p.remaining_quantity::TEXT, p.average_entry_price::TEXT,
	p.total_committed::TEXT, p.realized_pnl::TEXT, p.unrealized_pnl::TEXT,
	p.opened_at, p.closed_at,
	f.leverage::TEXT, f.margin_locked::TEXT, f.expiry_date, f.contract_size::TEXT,
	o.option_type, o.position_side, o.strike_price::TEXT, o.expiry_date, o.premium::TEXT
	FROM positions p
	LEFT JOIN futures_details f ON f.position_id = p.id
	LEFT JOIN options_details o ON o.position_id = p.id`

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return getPosition(ctx, s.pool, `WHERE p.id = $1`, id)
}

func (s *PostgresStore) ListPositions(ctx context.Context, ownerID string) ([]model.Position, error) {
	ps, err := queryPositions(ctx, s.pool,
		`WHERE p.owner_id = $1 ORDER BY p.opened_at DESC, p.id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	result := make([]model.Position, len(ps))
	for i, p := range ps {
		result[i] = *p
	}
	return result, nil
}

func (s *PostgresStore) GetPositionHistory(ctx context.Context, positionID string) ([]model.PositionHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, owner_id, action, quantity::TEXT, price::TEXT,
		        amount::TEXT, realized_pnl_delta::TEXT, timestamp
		 FROM position_history WHERE position_id = $1 ORDER BY timestamp, id`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.PositionHistoryEntry
	for rows.Next() {
		var e model.PositionHistoryEntry
		var qty, price, amount, pnl string
		if err := rows.Scan(&e.ID, &e.PositionID, &e.OwnerID, &e.Action,
			&qty, &price, &amount, &pnl, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Quantity, _ = decimal.NewFromString(qty)
		e.Price, _ = decimal.NewFromString(price)
		e.Amount, _ = decimal.NewFromString(amount)
		e.RealizedPnLDelta, _ = decimal.NewFromString(pnl)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetTradeCounters(ctx context.Context, ownerID string) (*model.TradeCounters, error) {
	c := model.TradeCounters{OwnerID: ownerID}
	err := s.pool.QueryRow(ctx,
		`SELECT spot_trades, futures_trades, options_trades, open_trades, total_trades, updated_at
		 FROM trade_counters WHERE owner_id = $1`, ownerID).
		Scan(&c.SpotTrades, &c.FuturesTrades, &c.OptionsTrades, &c.OpenTrades, &c.TotalTrades, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trade counters %s: %w", ownerID, err)
	}
	return &c, nil
}

// --- Background sweeps ---

func (s *PostgresStore) ActiveSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT asset_symbol FROM positions
		 WHERE status <> 'CLOSED' AND instrument_class IN ('FUTURES', 'OPTIONS')
		 ORDER BY asset_symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *PostgresStore) OwnersWithOpenPositions(ctx context.Context, symbol string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT owner_id FROM positions
		 WHERE status <> 'CLOSED' AND asset_symbol = $1
		 ORDER BY owner_id`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *PostgresStore) ExpiredPositions(ctx context.Context, before time.Time) ([]model.PositionRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.owner_id, p.id, p.asset_symbol
		 FROM positions p
		 LEFT JOIN futures_details f ON f.position_id = p.id
		 LEFT JOIN options_details o ON o.position_id = p.id
		 WHERE p.status <> 'CLOSED'
		   AND COALESCE(f.expiry_date, o.expiry_date) < $1::DATE
		 ORDER BY p.id`, instrument.TruncateDay(before))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []model.PositionRef
	for rows.Next() {
		var r model.PositionRef
		if err := rows.Scan(&r.OwnerID, &r.PositionID, &r.AssetSymbol); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// AppendPrice implements PriceLog.
func (s *PostgresStore) AppendPrice(ctx context.Context, t model.Tick) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_history (symbol, mark_price, high, low, volume, ts)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)`,
		t.Symbol, t.MarkPrice.String(), t.High.String(), t.Low.String(), t.Volume.String(), t.Timestamp,
	)
	return err
}

// --- Unit of work ---

// pgTx is the Tx of one owner over a pgx transaction.
type pgTx struct {
	q     querier
	owner string
}

func (t *pgTx) Wallet(ctx context.Context) (*model.WalletAccount, error) {
	return getWallet(ctx, t.q, t.owner)
}

func (t *pgTx) SaveWallet(ctx context.Context, w *model.WalletAccount) error {
	if w.OwnerID != t.owner {
		return fmt.Errorf("store: wallet of %s saved in unit of %s", w.OwnerID, t.owner)
	}
	_, err := t.q.Exec(ctx,
		`UPDATE wallets
		 SET available_balance = $2::NUMERIC, locked_balance = $3::NUMERIC,
		     earned_balance = $4::NUMERIC, active = $5, updated_at = $6
		 WHERE owner_id = $1`,
		w.OwnerID, w.AvailableBalance.String(), w.LockedBalance.String(),
		w.EarnedBalance.String(), w.Active, w.UpdatedAt,
	)
	return err
}

func (t *pgTx) AppendWalletTx(ctx context.Context, wt *model.WalletTransaction) error {
	var related *string
	if wt.RelatedPositionID != "" {
		related = &wt.RelatedPositionID
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO wallet_transactions (id, wallet_id, owner_id, kind, amount, balance_before,
		                                  balance_after, related_position_id, note, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		wt.ID, wt.WalletID, wt.OwnerID, wt.Kind,
		wt.Amount.String(), wt.BalanceBefore.String(), wt.BalanceAfter.String(),
		related, wt.Note, wt.Timestamp,
	)
	return err
}

func (t *pgTx) OpenPositions(ctx context.Context, lineage instrument.Lineage) ([]*model.Position, error) {
	candidates, err := queryPositions(ctx, t.q,
		`WHERE p.owner_id = $1 AND p.asset_symbol = $2 AND p.instrument_class = $3
		   AND p.status <> 'CLOSED'
		 ORDER BY p.opened_at, p.id`,
		t.owner, lineage.AssetSymbol, lineage.Class)
	if err != nil {
		return nil, err
	}
	var result []*model.Position
	for _, p := range candidates {
		if lineage.Matches(p) {
			result = append(result, p)
		}
	}
	return result, nil
}

func (t *pgTx) Position(ctx context.Context, id string) (*model.Position, error) {
	return getPosition(ctx, t.q, `WHERE p.id = $1 AND p.owner_id = $2`, id, t.owner)
}

func (t *pgTx) OpenPositionsBySymbol(ctx context.Context, symbol string) ([]*model.Position, error) {
	return queryPositions(ctx, t.q,
		`WHERE p.owner_id = $1 AND p.asset_symbol = $2 AND p.status <> 'CLOSED'
		 ORDER BY p.opened_at, p.id`, t.owner, symbol)
}

func (t *pgTx) AllPositions(ctx context.Context) ([]*model.Position, error) {
	return queryPositions(ctx, t.q, `WHERE p.owner_id = $1 ORDER BY p.opened_at, p.id`, t.owner)
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	if p.OwnerID != t.owner {
		return fmt.Errorf("store: position of %s inserted in unit of %s", p.OwnerID, t.owner)
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (id, owner_id, asset_symbol, instrument_class, direction, status,
		                        total_quantity, remaining_quantity, average_entry_price,
		                        total_committed, realized_pnl, unrealized_pnl, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14)`,
		p.ID, p.OwnerID, p.AssetSymbol, p.Class, p.Direction, p.Status,
		p.TotalQuantity.String(), p.RemainingQuantity.String(), p.AverageEntryPrice.String(),
		p.TotalCommitted.String(), p.RealizedPnL.String(), p.UnrealizedPnL.String(),
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: position %s", ErrAlreadyExists, p.ID)
		}
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}

	switch d := p.Detail.(type) {
	case *model.FuturesDetail:
		_, err = t.q.Exec(ctx,
			`INSERT INTO futures_details (position_id, leverage, margin_locked, expiry_date, contract_size)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5::NUMERIC)`,
			p.ID, d.Leverage.String(), d.MarginLocked.String(), d.ExpiryDate, d.ContractSize.String())
	case *model.OptionsDetail:
		_, err = t.q.Exec(ctx,
			`INSERT INTO options_details (position_id, option_type, position_side, strike_price, expiry_date, premium)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC)`,
			p.ID, d.OptionType, d.PositionSide, d.StrikePrice.String(), d.ExpiryDate, d.Premium.String())
	}
	if err != nil {
		return fmt.Errorf("insert detail of %s: %w", p.ID, err)
	}
	return nil
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE positions
		 SET status = $3, total_quantity = $4::NUMERIC, remaining_quantity = $5::NUMERIC,
		     average_entry_price = $6::NUMERIC, total_committed = $7::NUMERIC,
		     realized_pnl = $8::NUMERIC, unrealized_pnl = $9::NUMERIC, closed_at = $10
		 WHERE id = $1 AND owner_id = $2`,
		p.ID, t.owner, p.Status,
		p.TotalQuantity.String(), p.RemainingQuantity.String(), p.AverageEntryPrice.String(),
		p.TotalCommitted.String(), p.RealizedPnL.String(), p.UnrealizedPnL.String(), p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: position %s", ErrNotFound, p.ID)
	}

	switch d := p.Detail.(type) {
	case *model.FuturesDetail:
		_, err = t.q.Exec(ctx,
			`UPDATE futures_details SET margin_locked = $2::NUMERIC WHERE position_id = $1`,
			p.ID, d.MarginLocked.String())
	case *model.OptionsDetail:
		_, err = t.q.Exec(ctx,
			`UPDATE options_details SET premium = $2::NUMERIC WHERE position_id = $1`,
			p.ID, d.Premium.String())
	}
	return err
}

func (t *pgTx) AppendHistory(ctx context.Context, e *model.PositionHistoryEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO position_history (id, position_id, owner_id, action, quantity, price,
		                               amount, realized_pnl_delta, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, e.PositionID, e.OwnerID, e.Action,
		e.Quantity.String(), e.Price.String(), e.Amount.String(), e.RealizedPnLDelta.String(),
		e.Timestamp,
	)
	return err
}

func (t *pgTx) SaveTradeCounters(ctx context.Context, c *model.TradeCounters) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trade_counters (owner_id, spot_trades, futures_trades, options_trades,
		                             open_trades, total_trades, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (owner_id) DO UPDATE
		 SET spot_trades = EXCLUDED.spot_trades, futures_trades = EXCLUDED.futures_trades,
		     options_trades = EXCLUDED.options_trades, open_trades = EXCLUDED.open_trades,
		     total_trades = EXCLUDED.total_trades, updated_at = EXCLUDED.updated_at`,
		t.owner, c.SpotTrades, c.FuturesTrades, c.OptionsTrades, c.OpenTrades, c.TotalTrades, c.UpdatedAt,
	)
	return err
}

// --- Scan helpers ---

func getPosition(ctx context.Context, q querier, where string, args ...any) (*model.Position, error) {
	ps, err := queryPositions(ctx, q, where, args...)
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: position %v", ErrNotFound, args[0])
	}
	return ps[0], nil
}

func queryPositions(ctx context.Context, q querier, where string, args ...any) ([]*model.Position, error) {
	rows, err := q.Query(ctx, positionSelect+" "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var totalQty, remainingQty, avgEntry, committed, realized, unrealized string
	var leverage, marginLocked, contractSize *string
	var futuresExpiry, optionsExpiry *time.Time
	var optionType, positionSide, strike, premium *string

	if err := row.Scan(&p.ID, &p.OwnerID, &p.AssetSymbol, &p.Class, &p.Direction, &p.Status,
		&totalQty, &remainingQty, &avgEntry, &committed, &realized, &unrealized,
		&p.OpenedAt, &p.ClosedAt,
		&leverage, &marginLocked, &futuresExpiry, &contractSize,
		&optionType, &positionSide, &strike, &optionsExpiry, &premium); err != nil {
		return nil, err
	}

	p.TotalQuantity, _ = decimal.NewFromString(totalQty)
	p.RemainingQuantity, _ = decimal.NewFromString(remainingQty)
	p.AverageEntryPrice, _ = decimal.NewFromString(avgEntry)
	p.TotalCommitted, _ = decimal.NewFromString(committed)
	p.RealizedPnL, _ = decimal.NewFromString(realized)
	p.UnrealizedPnL, _ = decimal.NewFromString(unrealized)

	switch p.Class {
	case model.Futures:
		if leverage == nil || futuresExpiry == nil {
			return nil, fmt.Errorf("store: futures position %s has no detail", p.ID)
		}
		fd := &model.FuturesDetail{ExpiryDate: futuresExpiry.UTC()}
		fd.Leverage, _ = decimal.NewFromString(*leverage)
		fd.MarginLocked, _ = decimal.NewFromString(deref(marginLocked))
		fd.ContractSize, _ = decimal.NewFromString(deref(contractSize))
		p.Detail = fd
	case model.Options:
		if optionType == nil || optionsExpiry == nil {
			return nil, fmt.Errorf("store: options position %s has no detail", p.ID)
		}
		od := &model.OptionsDetail{
			OptionType:   model.OptionType(*optionType),
			PositionSide: model.PositionSide(deref(positionSide)),
			ExpiryDate:   optionsExpiry.UTC(),
		}
		od.StrikePrice, _ = decimal.NewFromString(deref(strike))
		od.Premium, _ = decimal.NewFromString(deref(premium))
		p.Detail = od
	default:
		p.Detail = model.SpotDetail{}
	}
	return &p, nil
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return "0"
	}
	return *s
}
