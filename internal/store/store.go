// Package store persists player state in Postgres. Positions,
// subscriptions and daily windows are written with upsert-on-conflict;
// per-player flushes reconcile the whole snapshot inside one transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stockd/internal/ledger"
)

type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Store{pool: pool, log: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			player_id     UUID             NOT NULL,
			instrument_id TEXT             NOT NULL,
			amount        BIGINT           NOT NULL,
			cost_basis    DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (player_id, instrument_id)
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			player_id     UUID NOT NULL,
			instrument_id TEXT NOT NULL,
			PRIMARY KEY (player_id, instrument_id)
		)`,
		`CREATE TABLE IF NOT EXISTS daily_windows (
			player_id  UUID        NOT NULL PRIMARY KEY,
			buy_count  INT         NOT NULL DEFAULT 0,
			sell_count INT         NOT NULL DEFAULT 0,
			reset_at   TIMESTAMPTZ NOT NULL DEFAULT to_timestamp(0)
		)`,
		`CREATE TABLE IF NOT EXISTS limit_overrides (
			player_id  UUID NOT NULL PRIMARY KEY,
			buy_limit  INT,
			sell_limit INT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// LoadPlayer reads one player's full snapshot. Missing rows are not an
// error; a player who has never traded gets an empty state.
func (s *Store) LoadPlayer(ctx context.Context, playerID uuid.UUID) (ledger.PlayerState, error) {
	state := ledger.PlayerState{PlayerID: playerID}

	rows, err := s.pool.Query(ctx, `
		SELECT instrument_id, amount, cost_basis
		FROM positions
		WHERE player_id = $1 AND amount > 0
		ORDER BY instrument_id
	`, playerID)
	if err != nil {
		return state, fmt.Errorf("load positions: %w", err)
	}
	for rows.Next() {
		pos := ledger.Position{PlayerID: playerID}
		if err := rows.Scan(&pos.InstrumentID, &pos.Amount, &pos.CostBasis); err != nil {
			rows.Close()
			return state, fmt.Errorf("scan position: %w", err)
		}
		state.Positions = append(state.Positions, pos)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return state, fmt.Errorf("load positions: %w", err)
	}

	subRows, err := s.pool.Query(ctx, `
		SELECT instrument_id
		FROM subscriptions
		WHERE player_id = $1
		ORDER BY instrument_id
	`, playerID)
	if err != nil {
		return state, fmt.Errorf("load subscriptions: %w", err)
	}
	for subRows.Next() {
		var id string
		if err := subRows.Scan(&id); err != nil {
			subRows.Close()
			return state, fmt.Errorf("scan subscription: %w", err)
		}
		state.Subscriptions = append(state.Subscriptions, id)
	}
	subRows.Close()
	if err := subRows.Err(); err != nil {
		return state, fmt.Errorf("load subscriptions: %w", err)
	}

	var w ledger.Window
	err = s.pool.QueryRow(ctx, `
		SELECT buy_count, sell_count, reset_at
		FROM daily_windows
		WHERE player_id = $1
	`, playerID).Scan(&w.BuyCount, &w.SellCount, &w.ResetAt)
	switch {
	case err == nil:
		state.Window = &w
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return state, fmt.Errorf("load daily window: %w", err)
	}

	return state, nil
}

// SavePlayer flushes a snapshot in one transaction: positions are batch
// upserted and rows absent from the snapshot deleted, subscriptions are
// replaced wholesale, and the window upserted when present.
func (s *Store) SavePlayer(ctx context.Context, state ledger.PlayerState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	held := make([]string, 0, len(state.Positions))
	for _, pos := range state.Positions {
		held = append(held, pos.InstrumentID)
		batch.Queue(`
			INSERT INTO positions (player_id, instrument_id, amount, cost_basis)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (player_id, instrument_id)
			DO UPDATE SET amount = excluded.amount, cost_basis = excluded.cost_basis
		`, state.PlayerID, pos.InstrumentID, pos.Amount, pos.CostBasis)
	}
	batch.Queue(`
		DELETE FROM positions
		WHERE player_id = $1 AND NOT (instrument_id = ANY($2))
	`, state.PlayerID, held)

	batch.Queue(`DELETE FROM subscriptions WHERE player_id = $1`, state.PlayerID)
	for _, id := range state.Subscriptions {
		batch.Queue(`
			INSERT INTO subscriptions (player_id, instrument_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, state.PlayerID, id)
	}

	if state.Window != nil {
		batch.Queue(`
			INSERT INTO daily_windows (player_id, buy_count, sell_count, reset_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (player_id)
			DO UPDATE SET buy_count = excluded.buy_count,
			              sell_count = excluded.sell_count,
			              reset_at = excluded.reset_at
		`, state.PlayerID, state.Window.BuyCount, state.Window.SellCount, state.Window.ResetAt)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("flush player %s: %w", state.PlayerID, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) LimitOverride(ctx context.Context, playerID uuid.UUID) (ledger.Override, error) {
	var ov ledger.Override
	err := s.pool.QueryRow(ctx, `
		SELECT buy_limit, sell_limit
		FROM limit_overrides
		WHERE player_id = $1
	`, playerID).Scan(&ov.BuyLimit, &ov.SellLimit)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Override{}, nil
	}
	if err != nil {
		return ledger.Override{}, fmt.Errorf("load limit override: %w", err)
	}
	return ov, nil
}

// SetLimitOverride upserts one side of a player's limit override.
func (s *Store) SetLimitOverride(ctx context.Context, playerID uuid.UUID, isBuy bool, limit int) error {
	column := "sell_limit"
	if isBuy {
		column = "buy_limit"
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO limit_overrides (player_id, %[1]s)
		VALUES ($1, $2)
		ON CONFLICT (player_id) DO UPDATE SET %[1]s = excluded.%[1]s
	`, column), playerID, limit)
	if err != nil {
		return fmt.Errorf("set limit override: %w", err)
	}
	return nil
}

// DeleteWindow clears a player's counters; the next trade starts a fresh
// window.
func (s *Store) DeleteWindow(ctx context.Context, playerID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM daily_windows WHERE player_id = $1`, playerID); err != nil {
		return fmt.Errorf("delete daily window: %w", err)
	}
	return nil
}

// ActivePositions scans every held position for the ranking aggregator.
// Full scan; callers run it off the authoritative loop.
func (s *Store) ActivePositions(ctx context.Context) ([]ledger.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT player_id, instrument_id, amount, cost_basis
		FROM positions
		WHERE amount > 0
	`)
	if err != nil {
		return nil, fmt.Errorf("scan positions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Position
	for rows.Next() {
		var pos ledger.Position
		if err := rows.Scan(&pos.PlayerID, &pos.InstrumentID, &pos.Amount, &pos.CostBasis); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// UpsertPosition writes a single position row directly, bypassing the
// session cache. Admin use for offline players only.
func (s *Store) UpsertPosition(ctx context.Context, pos ledger.Position) error {
	if pos.Amount <= 0 {
		_, err := s.pool.Exec(ctx, `
			DELETE FROM positions WHERE player_id = $1 AND instrument_id = $2
		`, pos.PlayerID, pos.InstrumentID)
		if err != nil {
			return fmt.Errorf("delete position: %w", err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (player_id, instrument_id, amount, cost_basis)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (player_id, instrument_id)
		DO UPDATE SET amount = excluded.amount, cost_basis = excluded.cost_basis
	`, pos.PlayerID, pos.InstrumentID, pos.Amount, pos.CostBasis)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}
