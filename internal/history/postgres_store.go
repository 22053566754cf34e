package history

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists run records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS operation_runs (
    run_id TEXT PRIMARY KEY,
    operation TEXT NOT NULL,
    phase TEXT NOT NULL,
    tx_hash TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    account TEXT NOT NULL,
    chain_id BIGINT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ
);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, runID string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT run_id, operation, phase, tx_hash, reason, account, chain_id, started_at, finished_at, expires_at
FROM operation_runs
WHERE run_id = $1
`, runID)

	var (
		rec     Record
		chainID int64
		expires *time.Time
	)
	err := row.Scan(&rec.RunID, &rec.Operation, &rec.Phase, &rec.TxHash, &rec.Reason,
		&rec.Account, &chainID, &rec.StartedAt, &rec.FinishedAt, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec.ChainID = uint64(chainID)
	if expires != nil {
		rec.ExpiresAt = *expires
	}

	if rec.expired(time.Now()) {
		go p.deleteRun(context.Background(), runID)
		return nil, nil
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, rec Record) error {
	if rec.RunID == "" {
		return errRunIDRequired
	}
	var expires *time.Time
	if !rec.ExpiresAt.IsZero() {
		expires = &rec.ExpiresAt
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO operation_runs (run_id, operation, phase, tx_hash, reason, account, chain_id, started_at, finished_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (run_id) DO UPDATE
SET phase = EXCLUDED.phase,
    tx_hash = EXCLUDED.tx_hash,
    reason = EXCLUDED.reason,
    finished_at = EXCLUDED.finished_at,
    expires_at = EXCLUDED.expires_at
`, rec.RunID, rec.Operation, rec.Phase, rec.TxHash, rec.Reason, rec.Account,
		int64(rec.ChainID), rec.StartedAt, rec.FinishedAt, expires)
	return err
}

func (p *PostgresStore) deleteRun(ctx context.Context, runID string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM operation_runs WHERE run_id = $1`, runID)
}
