// Package history persists the trade ledger's output to Postgres so PnL
// survives dashboard restarts. Inserts are fire-and-forget: the reducers never
// wait on the database.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"taderjoe-dash/internal/ledger"
)

const insertTimeout = 3 * time.Second

// Store wraps a pgx pool and provides trade/session writers and bounded
// queries for the API.
type Store struct {
	pool *pgxpool.Pool
	log  *log.Entry
}

// NewStore creates a connection pool and ensures tables exist.
func NewStore(dsn string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	s := &Store{pool: pool, log: log.WithField("component", "history")}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`create table if not exists completed_trades (
			id bigserial primary key,
			recorded_at timestamptz not null default now(),
			session_id text,
			trade_id text not null,
			symbol text not null,
			interval text,
			strategy_mode text,
			entry_time bigint not null,
			entry_price numeric not null,
			exit_time bigint not null,
			exit_price numeric not null,
			exit_reason text,
			pnl numeric not null,
			pnl_percent numeric not null,
			duration_ms bigint not null
		)`,
		`create index if not exists idx_completed_trades_symbol on completed_trades(symbol, exit_time desc)`,
		`create table if not exists session_events (
			id bigserial primary key,
			ts timestamptz not null default now(),
			session_id text,
			state text not null
		)`,
		`create index if not exists idx_session_events_session on session_events(session_id, ts desc)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensureSchema: %w", err)
		}
	}
	return nil
}

// RecordCompletedTrade writes one matched trade. Implements ledger.Recorder;
// the insert runs on its own goroutine and failures are only logged.
func (s *Store) RecordCompletedTrade(sessionID string, trade ledger.CompletedTrade) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()
		_, err := s.pool.Exec(ctx,
			`insert into completed_trades(session_id, trade_id, symbol, interval,
				strategy_mode, entry_time, entry_price, exit_time, exit_price,
				exit_reason, pnl, pnl_percent, duration_ms)
			 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			sessionID, trade.ID, trade.Symbol, trade.Interval, trade.StrategyMode,
			trade.EntryTime, trade.EntryPrice, trade.ExitTime, trade.ExitPrice,
			trade.ExitReason, trade.Pnl, trade.PnlPercent, trade.Duration,
		)
		if err != nil {
			s.log.WithError(err).Warn("completed trade insert failed")
		}
	}()
}

// RecordSessionTransition writes one session state change.
func (s *Store) RecordSessionTransition(sessionID, state string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()
		_, err := s.pool.Exec(ctx,
			`insert into session_events(session_id, state) values($1,$2)`,
			sessionID, state,
		)
		if err != nil {
			s.log.WithError(err).Warn("session event insert failed")
		}
	}()
}

// QueryCompletedTrades returns the most recent persisted trades, newest first.
// symbol and sessionID filter when non-empty; limit is clamped to [1,500].
func (s *Store) QueryCompletedTrades(ctx context.Context, symbol, sessionID string, limit int) ([]ledger.CompletedTrade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`select trade_id, symbol, coalesce(interval,''), coalesce(strategy_mode,''),
			entry_time, entry_price, exit_time, exit_price, coalesce(exit_reason,''),
			pnl, pnl_percent, duration_ms
		 from completed_trades
		 where ($1='' or symbol=$1) and ($2='' or session_id=$2)
		 order by exit_time desc limit $3`,
		symbol, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := []ledger.CompletedTrade{}
	for rows.Next() {
		var t ledger.CompletedTrade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Interval, &t.StrategyMode,
			&t.EntryTime, &t.EntryPrice, &t.ExitTime, &t.ExitPrice, &t.ExitReason,
			&t.Pnl, &t.PnlPercent, &t.Duration); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
