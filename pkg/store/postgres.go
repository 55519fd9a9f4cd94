package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"settlement-bridge/pkg/events"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS settlement_records (
    id TEXT PRIMARY KEY,
    ledger_position BIGINT NOT NULL,
    account TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL DEFAULT '0',
    state TEXT NOT NULL,
    mint_reference TEXT NOT NULL DEFAULT '',
    bank_reference TEXT NOT NULL DEFAULT '',
    attempts INT NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS settlement_records_state_idx ON settlement_records (state);
`

const recordColumns = `id, ledger_position, account, amount, state, mint_reference, bank_reference, attempts, last_error, updated_at`

// PostgresStore persists settlement records in a PostgreSQL table. The
// process must not run without durable state, so construction fails fast
// when the database is unreachable.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pg pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("settlement store unavailable: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create settlement table: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*SettlementRecord, error) {
	row := p.pool.QueryRow(ctx, `
SELECT `+recordColumns+`
FROM settlement_records
WHERE id = $1
`, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) CreateIfAbsent(ctx context.Context, rec SettlementRecord) (*SettlementRecord, error) {
	_, err := p.pool.Exec(ctx, `
INSERT INTO settlement_records (id, ledger_position, account, amount, state, mint_reference, bank_reference, attempts, last_error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING
`, rec.ID, int64(rec.Position), rec.Account, rec.Amount, string(rec.State),
		rec.MintReference, rec.BankReference, rec.Attempts, rec.LastError, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to create settlement record: %w", err)
	}

	// Whether this call won the race or not, the persisted row is the one
	// every caller must observe.
	winner, err := p.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, ErrNotFound
	}
	return winner, nil
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, id string, expected State, mut Mutation) (*SettlementRecord, error) {
	if !expected.CanTransition(mut.State) {
		return nil, fmt.Errorf("illegal transition %s -> %s: %w", expected, mut.State, ErrStale)
	}

	row := p.pool.QueryRow(ctx, `
UPDATE settlement_records
SET state = $3,
    mint_reference = COALESCE(NULLIF($4, ''), mint_reference),
    bank_reference = COALESCE(NULLIF($5, ''), bank_reference),
    attempts = $6,
    last_error = $7,
    updated_at = $8
WHERE id = $1 AND state = $2
RETURNING `+recordColumns+`
`, id, string(expected), string(mut.State), mut.MintReference, mut.BankReference,
		mut.Attempts, mut.LastError, time.Now().UTC())

	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to update settlement record: %w", err)
	}

	current, getErr := p.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if current == nil {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("expected state %s, have %s: %w", expected, current.State, ErrStale)
}

func (p *PostgresStore) ListNonTerminal(ctx context.Context) ([]SettlementRecord, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+recordColumns+`
FROM settlement_records
WHERE state NOT IN ($1, $2, $3)
ORDER BY ledger_position ASC
`, string(StateBankConfirmed), string(StateRefunded), string(StateFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal records: %w", err)
	}
	defer rows.Close()

	var toReturn []SettlementRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		toReturn = append(toReturn, *rec)
	}
	return toReturn, rows.Err()
}

func (p *PostgresStore) Latest(ctx context.Context) (*SettlementRecord, error) {
	row := p.pool.QueryRow(ctx, `
SELECT `+recordColumns+`
FROM settlement_records
ORDER BY ledger_position DESC
LIMIT 1
`)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (*SettlementRecord, error) {
	var rec SettlementRecord
	var position int64
	var state string
	if err := row.Scan(&rec.ID, &position, &rec.Account, &rec.Amount, &state,
		&rec.MintReference, &rec.BankReference, &rec.Attempts, &rec.LastError, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Position = events.LedgerPosition(position)
	rec.State = State(state)
	return &rec, nil
}
