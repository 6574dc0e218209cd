package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/market-sync/internal/model"
)

// Schema creates the archive tables. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS markets (
	id                 BIGINT PRIMARY KEY,
	asset              TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	direction          TEXT NOT NULL DEFAULT '',
	start_tick         BIGINT NOT NULL DEFAULT 0,
	end_tick           BIGINT NOT NULL DEFAULT 0,
	oracle_start_price NUMERIC NOT NULL DEFAULT 0,
	oracle_end_price   NUMERIC NOT NULL DEFAULT 0,
	winning_outcome    TEXT NOT NULL DEFAULT '',
	paired_market_id   BIGINT,
	last_price_up      BIGINT,
	last_price_down    BIGINT,
	last_trade_at_up   TIMESTAMPTZ,
	last_trade_at_down TIMESTAMPTZ,
	volume             NUMERIC NOT NULL DEFAULT 0
);
ALTER TABLE markets ADD COLUMN IF NOT EXISTS last_trade_at_up TIMESTAMPTZ;
ALTER TABLE markets ADD COLUMN IF NOT EXISTS last_trade_at_down TIMESTAMPTZ;

CREATE TABLE IF NOT EXISTS orders (
	id            TEXT NOT NULL,
	market_id     BIGINT NOT NULL,
	player_a      TEXT NOT NULL,
	player_b      TEXT NOT NULL,
	direction     TEXT NOT NULL DEFAULT '',
	type          TEXT NOT NULL,
	status        TEXT NOT NULL,
	price         BIGINT NOT NULL,
	total_amount  NUMERIC NOT NULL,
	filled_amount NUMERIC NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (market_id, id)
);

CREATE TABLE IF NOT EXISTS trades (
	id            TEXT PRIMARY KEY,
	market_id     BIGINT NOT NULL,
	buy_order_id  TEXT NOT NULL,
	sell_order_id TEXT NOT NULL,
	price         BIGINT NOT NULL,
	amount        NUMERIC NOT NULL,
	direction     TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_market_created ON trades (market_id, created_at DESC);

CREATE TABLE IF NOT EXISTS global_state (
	id       SMALLINT PRIMARY KEY DEFAULT 1,
	tick     BIGINT NOT NULL,
	fee_pool NUMERIC NOT NULL
);
`

// PostgresStore implements Store on PostgreSQL. It archives the trade tape
// durably. All monetary values are stored as NUMERIC for exact precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

const marketColumns = `id, asset, status, direction, start_tick, end_tick,
	oracle_start_price::TEXT, oracle_end_price::TEXT, winning_outcome,
	paired_market_id, last_price_up, last_price_down, volume::TEXT`

func (s *PostgresStore) UpsertMarket(ctx context.Context, m model.MarketSummary) error {
	var up, down *int64
	if p, ok := m.LastPrice[model.Up]; ok {
		v := int64(p)
		up = &v
	}
	if p, ok := m.LastPrice[model.Down]; ok {
		v := int64(p)
		down = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, asset, status, direction, start_tick, end_tick,
		                      oracle_start_price, oracle_end_price, winning_outcome,
		                      paired_market_id, last_price_up, last_price_down, volume)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		     asset = EXCLUDED.asset,
		     status = EXCLUDED.status,
		     direction = EXCLUDED.direction,
		     start_tick = EXCLUDED.start_tick,
		     end_tick = EXCLUDED.end_tick,
		     oracle_start_price = EXCLUDED.oracle_start_price,
		     oracle_end_price = EXCLUDED.oracle_end_price,
		     winning_outcome = EXCLUDED.winning_outcome,
		     paired_market_id = EXCLUDED.paired_market_id,
		     last_price_up = COALESCE(EXCLUDED.last_price_up, markets.last_price_up),
		     last_price_down = COALESCE(EXCLUDED.last_price_down, markets.last_price_down),
		     volume = CASE WHEN EXCLUDED.volume = 0 THEN markets.volume ELSE EXCLUDED.volume END`,
		m.ID, m.Asset, m.Status, m.Direction, m.StartTick, m.EndTick,
		m.OracleStartPrice.String(), m.OracleEndPrice.String(), m.WinningOutcome,
		m.PairedMarketID, up, down, m.Volume.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert market %d: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id int64) (*model.MarketSummary, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %d: %w", id, err)
	}
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.MarketSummary, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.MarketSummary
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) SetLastPrice(ctx context.Context, marketID int64, d model.Direction, p model.Price) error {
	column := "last_price_up"
	if d == model.Down {
		column = "last_price_down"
	}
	tag, err := s.pool.Exec(ctx, `UPDATE markets SET `+column+` = $2 WHERE id = $1`, marketID, int64(p))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %d: %w", marketID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ReplaceOrders(ctx context.Context, marketID int64, orders []model.Order) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM orders WHERE market_id = $1`, marketID); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, o := range orders {
		batch.Queue(
			`INSERT INTO orders (id, market_id, player_a, player_b, direction, type, status,
			                     price, total_amount, filled_amount, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11)
			 ON CONFLICT (market_id, id) DO NOTHING`,
			o.ID, marketID, o.PlayerID.A, o.PlayerID.B, o.Direction, o.Type, o.Status,
			int64(o.Price), o.TotalAmount.String(), o.FilledAmount.String(), o.CreatedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("replace orders for market %d: %w", marketID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListOrders(ctx context.Context, marketID int64) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, player_a, player_b, direction, type, status,
		        price, total_amount::TEXT, filled_amount::TEXT, created_at
		 FROM orders WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var price int64
		var total, filled string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.PlayerID.A, &o.PlayerID.B, &o.Direction,
			&o.Type, &o.Status, &price, &total, &filled, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Price = model.Price(price)
		o.TotalAmount, _ = decimal.NewFromString(total)
		o.FilledAmount, _ = decimal.NewFromString(filled)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO trades (id, market_id, buy_order_id, sell_order_id, price, amount, direction, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.MarketID, t.BuyOrderID, t.SellOrderID, int64(t.Price),
		t.Amount.String(), t.Direction, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	switch t.Direction {
	case model.Up:
		_, err = tx.Exec(ctx, lastTradeUpdate("up"),
			t.MarketID, t.Amount.String(), int64(t.Price), t.CreatedAt)
	case model.Down:
		_, err = tx.Exec(ctx, lastTradeUpdate("down"),
			t.MarketID, t.Amount.String(), int64(t.Price), t.CreatedAt)
	default:
		_, err = tx.Exec(ctx,
			`UPDATE markets SET volume = volume + $2::NUMERIC WHERE id = $1`,
			t.MarketID, t.Amount.String())
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// lastTradeUpdate adds volume and moves the side's last price only when the
// trade is not older than the newest one already applied.
func lastTradeUpdate(side string) string {
	return fmt.Sprintf(`UPDATE markets SET
		     volume = volume + $2::NUMERIC,
		     last_price_%[1]s = CASE
		         WHEN last_trade_at_%[1]s IS NULL OR $4::TIMESTAMPTZ >= last_trade_at_%[1]s THEN $3
		         ELSE last_price_%[1]s END,
		     last_trade_at_%[1]s = GREATEST(last_trade_at_%[1]s, $4::TIMESTAMPTZ)
		 WHERE id = $1`, side)
}

func (s *PostgresStore) ListTrades(ctx context.Context, marketID int64, limit int) ([]model.Trade, error) {
	query := `SELECT id, market_id, buy_order_id, sell_order_id, price, amount::TEXT, direction, created_at
		 FROM trades WHERE market_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{marketID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price int64
		var amount string
		if err := rows.Scan(&t.ID, &t.MarketID, &t.BuyOrderID, &t.SellOrderID,
			&price, &amount, &t.Direction, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Price = model.Price(price)
		t.Amount, _ = decimal.NewFromString(amount)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) SetGlobal(ctx context.Context, g model.GlobalState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO global_state (id, tick, fee_pool) VALUES (1, $1, $2::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET tick = EXCLUDED.tick, fee_pool = EXCLUDED.fee_pool`,
		g.Tick, g.FeePool.String())
	return err
}

func (s *PostgresStore) GetGlobal(ctx context.Context) (model.GlobalState, error) {
	var g model.GlobalState
	var feePool string
	err := s.pool.QueryRow(ctx, `SELECT tick, fee_pool::TEXT FROM global_state WHERE id = 1`).Scan(&g.Tick, &feePool)
	if errors.Is(err, pgx.ErrNoRows) {
		return g, fmt.Errorf("global state: %w", ErrNotFound)
	}
	if err != nil {
		return g, err
	}
	g.FeePool, _ = decimal.NewFromString(feePool)
	return g, nil
}

// scanMarket reads one markets row. pgx.Row and pgx.Rows both satisfy it.
func scanMarket(row pgx.Row) (model.MarketSummary, error) {
	var m model.MarketSummary
	var startPrice, endPrice, volume string
	var up, down *int64
	if err := row.Scan(&m.ID, &m.Asset, &m.Status, &m.Direction, &m.StartTick, &m.EndTick,
		&startPrice, &endPrice, &m.WinningOutcome,
		&m.PairedMarketID, &up, &down, &volume); err != nil {
		return m, err
	}
	m.OracleStartPrice, _ = decimal.NewFromString(startPrice)
	m.OracleEndPrice, _ = decimal.NewFromString(endPrice)
	m.Volume, _ = decimal.NewFromString(volume)
	if up != nil || down != nil {
		m.LastPrice = make(map[model.Direction]model.Price, 2)
		if up != nil {
			m.LastPrice[model.Up] = model.Price(*up)
		}
		if down != nil {
			m.LastPrice[model.Down] = model.Price(*down)
		}
	}
	return m, nil
}
