package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const tradesSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	pair        TEXT NOT NULL,
	side        TEXT NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price  DOUBLE PRECISION NOT NULL,
	volume      DOUBLE PRECISION NOT NULL,
	pnl         DOUBLE PRECISION NOT NULL,
	entry_time  TIMESTAMPTZ NOT NULL,
	exit_time   TIMESTAMPTZ,
	strategy    TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	simulated   BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_trades_pair ON trades (pair, entry_time);
`

// Postgres is the SQL-backed TradeStore.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the connection pool and bootstraps the schema.
func NewPostgres(connStr string, maxOpen, maxIdle int) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := db.Exec(tradesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrapping trades schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) SaveTrade(ctx context.Context, t Trade) error {
	var exitTime any
	if !t.ExitTime.IsZero() {
		exitTime = t.ExitTime
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (id, pair, side, entry_price, exit_price, volume, pnl, entry_time, exit_time, strategy, reason, simulated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			exit_price=EXCLUDED.exit_price, pnl=EXCLUDED.pnl,
			exit_time=EXCLUDED.exit_time, reason=EXCLUDED.reason`,
		t.ID, t.Pair, t.Side, t.EntryPrice, t.ExitPrice, t.Volume, t.PnL,
		t.EntryTime, exitTime, t.Strategy, t.Reason, t.Simulated)
	if err != nil {
		return fmt.Errorf("saving trade %s: %w", t.ID, err)
	}
	return nil
}

func (p *Postgres) LoadTrades(ctx context.Context, pair string) ([]Trade, error) {
	query := `
		SELECT id, pair, side, entry_price, exit_price, volume, pnl, entry_time, exit_time, strategy, reason, simulated
		FROM trades`
	args := []any{}
	if pair != "" {
		query += ` WHERE pair = $1`
		args = append(args, pair)
	}
	query += ` ORDER BY entry_time`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading trades: %w", err)
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var exitTime sql.NullTime
		if err := rows.Scan(&t.ID, &t.Pair, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.Volume, &t.PnL, &t.EntryTime, &exitTime, &t.Strategy, &t.Reason, &t.Simulated); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		if exitTime.Valid {
			t.ExitTime = exitTime.Time.UTC()
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
