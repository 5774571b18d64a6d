package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	interfaces "github.com/settleq/settleq/internal/interfaces"
	"github.com/settleq/settleq/internal/models"
	"github.com/shopspring/decimal"
)

type PostgresLedgerStore struct {
	db *sql.DB
}

// Open connects to postgres and verifies the connection.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db: db,
	}
}

func (p *PostgresLedgerStore) Account(ctx context.Context, id string) (models.Account, error) {
	const query = `SELECT id, owner, balance FROM accounts WHERE id = $1`

	var account models.Account
	err := p.db.QueryRowContext(ctx, query, id).Scan(&account.ID, &account.Owner, &account.Balance)
	if err == sql.ErrNoRows {
		return models.Account{}, interfaces.ErrAccountNotFound
	}
	if err != nil {
		return models.Account{}, err
	}
	return account, nil
}

func (p *PostgresLedgerStore) CreateAccount(ctx context.Context, account models.Account) error {
	const query = `INSERT INTO accounts (id, owner, balance) VALUES ($1, $2, $3)`

	_, err := p.db.ExecContext(ctx, query, account.ID, account.Owner, account.Balance)
	return err
}

func (p *PostgresLedgerStore) TransactionsByAccount(ctx context.Context, accountID string) ([]models.Transaction, error) {
	const query = `SELECT id, from_account, to_account, amount, status, idempotency_key, created_at
	FROM transactions
	WHERE from_account = $1 OR to_account = $1
	ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var transactions []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		err := rows.Scan(
			&tx.ID,
			&tx.FromAccount,
			&tx.ToAccount,
			&tx.Amount,
			&tx.Status,
			&tx.IdempotencyKey,
			&tx.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}

func (p *PostgresLedgerStore) Begin(ctx context.Context) (interfaces.SettlementTx, error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: dbTx}, nil
}

// postgresTx wraps one database transaction; FOR UPDATE row locks are held
// until Commit or Rollback.
type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) AccountForUpdate(ctx context.Context, id string) (models.Account, error) {
	const query = `SELECT id, owner, balance FROM accounts WHERE id = $1 FOR UPDATE`

	var account models.Account
	err := t.tx.QueryRowContext(ctx, query, id).Scan(&account.ID, &account.Owner, &account.Balance)
	if err == sql.ErrNoRows {
		return models.Account{}, interfaces.ErrAccountNotFound
	}
	if err != nil {
		return models.Account{}, err
	}
	return account, nil
}

func (t *postgresTx) UpdateBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	const query = `UPDATE accounts SET balance = $1 WHERE id = $2`

	_, err := t.tx.ExecContext(ctx, query, balance, accountID)
	return err
}

func (t *postgresTx) InsertTransaction(ctx context.Context, tx models.Transaction) error {
	const query = `INSERT INTO transactions (id, from_account, to_account, amount, status, idempotency_key, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := t.tx.ExecContext(ctx, query, tx.ID, tx.FromAccount, tx.ToAccount, tx.Amount, tx.Status, tx.IdempotencyKey, tx.CreatedAt)
	return err
}

func (t *postgresTx) AlreadySettled(ctx context.Context, idempotencyKey string) (bool, error) {
	const query = `SELECT 1 FROM transactions WHERE idempotency_key = $1 LIMIT 1`

	var exists int
	err := t.tx.QueryRowContext(ctx, query, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit()
}

func (t *postgresTx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

var _ interfaces.LedgerStore = (*PostgresLedgerStore)(nil)
