// ABOUTME: Account directory backed by a PostgreSQL table through a pgx pool
// ABOUTME: Shares the registry of accounts between several gateway deployments

package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pingTimeout = 3 * time.Second

const accountsSchema = `
CREATE TABLE IF NOT EXISTS relay_accounts (
	id            TEXT PRIMARY KEY,
	label         TEXT NOT NULL DEFAULT '',
	homeserver    TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	session_token TEXT NOT NULL DEFAULT '',
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const accountColumns = `id, label, homeserver, user_id, session_token, is_active, created_at`

// PostgresDirectory reads accounts from the relay_accounts table.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	sealer *Sealer
}

// NewPostgresDirectory connects to url, checks connectivity and creates the
// table when missing. sealer may be nil when tokens are stored in plain text.
func NewPostgresDirectory(ctx context.Context, url string, sealer *Sealer) (*PostgresDirectory, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, accountsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating relay_accounts: %w", err)
	}
	return &PostgresDirectory{pool: pool, sealer: sealer}, nil
}

func (d *PostgresDirectory) query(ctx context.Context, where string, args ...any) ([]*Account, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+accountColumns+` FROM relay_accounts `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	accounts, err := pgx.CollectRows(rows, d.scan)
	if err != nil {
		return nil, fmt.Errorf("scanning accounts: %w", err)
	}
	return accounts, nil
}

func (d *PostgresDirectory) scan(row pgx.CollectableRow) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.Label, &a.Homeserver, &a.UserID, &a.SessionToken, &a.IsActive, &a.CreatedAt); err != nil {
		return nil, err
	}
	token, err := unseal(d.sealer, a.SessionToken)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", a.ID, err)
	}
	a.SessionToken = token
	return &a, nil
}

// ListAccounts returns every account, oldest first.
func (d *PostgresDirectory) ListAccounts(ctx context.Context) ([]*Account, error) {
	return d.query(ctx, "")
}

// ListActiveAccounts returns the accounts marked active.
func (d *PostgresDirectory) ListActiveAccounts(ctx context.Context) ([]*Account, error) {
	return d.query(ctx, "WHERE is_active")
}

// GetAccount returns one account or ErrNotFound.
func (d *PostgresDirectory) GetAccount(ctx context.Context, id string) (*Account, error) {
	accounts, err := d.query(ctx, "WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, ErrNotFound
	}
	return accounts[0], nil
}

// SetActive updates the active flag and returns the account.
func (d *PostgresDirectory) SetActive(ctx context.Context, id string, active bool) (*Account, error) {
	return d.updateReturning(ctx, id, `is_active = $2`, active)
}

// SetLabel renames the account and returns it.
func (d *PostgresDirectory) SetLabel(ctx context.Context, id, label string) (*Account, error) {
	return d.updateReturning(ctx, id, `label = $2`, label)
}

func (d *PostgresDirectory) updateReturning(ctx context.Context, id, set string, value any) (*Account, error) {
	row, err := d.pool.Query(ctx,
		`UPDATE relay_accounts SET `+set+` WHERE id = $1 RETURNING `+accountColumns,
		id, value,
	)
	if err != nil {
		return nil, fmt.Errorf("updating account %s: %w", id, err)
	}
	a, err := pgx.CollectOneRow(row, d.scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating account %s: %w", id, err)
	}
	return a, nil
}

// DeleteAccount removes the account row.
func (d *PostgresDirectory) DeleteAccount(ctx context.Context, id string) error {
	tag, err := d.pool.Exec(ctx, `DELETE FROM relay_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the pool.
func (d *PostgresDirectory) Close() error {
	d.pool.Close()
	return nil
}
