package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements Store on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// BalanceForUpdate creates the balance row if absent, then locks it for the
// duration of the transaction.
func (r *Repository) BalanceForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (*Balance, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, err
	}
	var b Balance
	row := tx.QueryRow(ctx, `
		SELECT user_id, available, reserved, updated_at
		FROM balances WHERE user_id = $1 FOR UPDATE
	`, userID)
	if err := row.Scan(&b.UserID, &b.Available, &b.Reserved, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) UpdateBalance(ctx context.Context, tx pgx.Tx, userID int64, available, reserved int) error {
	_, err := tx.Exec(ctx, `
		UPDATE balances SET available = $1, reserved = $2, updated_at = now()
		WHERE user_id = $3
	`, available, reserved, userID)
	return err
}

func (r *Repository) FindTransaction(ctx context.Context, tx pgx.Tx, kind Kind, referenceID uuid.UUID) (*Transaction, error) {
	var t Transaction
	row := tx.QueryRow(ctx, `
		SELECT id, user_id, kind, amount, balance_before, balance_after, reference_id, created_at
		FROM transactions WHERE kind = $1 AND reference_id = $2
	`, kind, referenceID)
	err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.ReferenceID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) CreateTransaction(ctx context.Context, tx pgx.Tx, t *Transaction) error {
	row := tx.QueryRow(ctx, `
		INSERT INTO transactions (user_id, kind, amount, balance_before, balance_after, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, t.UserID, t.Kind, t.Amount, t.BalanceBefore, t.BalanceAfter, t.ReferenceID)
	return row.Scan(&t.ID, &t.CreatedAt)
}

func (r *Repository) Balance(ctx context.Context, userID int64) (*Balance, error) {
	var b Balance
	row := r.pool.QueryRow(ctx, `
		SELECT user_id, available, reserved, updated_at FROM balances WHERE user_id = $1
	`, userID)
	err := row.Scan(&b.UserID, &b.Available, &b.Reserved, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) Transactions(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, kind, amount, balance_before, balance_after, reference_id, created_at
		FROM transactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
