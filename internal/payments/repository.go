package payments

import (
	"context"
	"errors"
	"time"

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

func (r *Repository) CreateTopup(ctx context.Context, t *Topup) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO topups (id, user_id, rub_amount, credits, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, t.ID, t.UserID, t.RubAmount, t.Credits, t.Status)
	return row.Scan(&t.CreatedAt)
}

func (r *Repository) CreatePaymentRecord(ctx context.Context, p *PaymentRecord) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO payment_records (payment_id, topup_id, user_id, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, p.PaymentID, p.TopupID, p.UserID, p.Amount, p.Status)
	return row.Scan(&p.ID, &p.CreatedAt)
}

// PaymentForUpdate locks the mirror row so concurrent deliveries of the same
// provider event serialize. Returns nil when the payment is unknown.
func (r *Repository) PaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (*PaymentRecord, error) {
	var p PaymentRecord
	row := tx.QueryRow(ctx, `
		SELECT id, payment_id, topup_id, user_id, amount, status, processed_at, created_at
		FROM payment_records WHERE payment_id = $1 FOR UPDATE
	`, paymentID)
	err := row.Scan(&p.ID, &p.PaymentID, &p.TopupID, &p.UserID, &p.Amount, &p.Status, &p.ProcessedAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) TopupForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Topup, error) {
	var t Topup
	row := tx.QueryRow(ctx, `
		SELECT id, user_id, rub_amount, credits, status, created_at, paid_at
		FROM topups WHERE id = $1 FOR UPDATE
	`, id)
	err := row.Scan(&t.ID, &t.UserID, &t.RubAmount, &t.Credits, &t.Status, &t.CreatedAt, &t.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) MarkPaymentProcessed(ctx context.Context, tx pgx.Tx, paymentID, status string, raw []byte) error {
	_, err := tx.Exec(ctx, `
		UPDATE payment_records SET status = $1, raw_payload = $2, processed_at = now()
		WHERE payment_id = $3
	`, status, raw, paymentID)
	return err
}

// MarkTopupPaid also accepts an expired topup: a success webhook that lands
// after the expiry sweep still means the user paid.
func (r *Repository) MarkTopupPaid(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE topups SET status = 'paid', paid_at = now()
		WHERE id = $1 AND status IN ('created', 'expired')
	`, id)
	return err
}

func (r *Repository) MarkTopupFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE topups SET status = 'failed' WHERE id = $1 AND status = 'created'
	`, id)
	return err
}

// ExpireStale marks created topups older than cutoff as expired. Returns the
// number of topups expired.
func (r *Repository) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE topups SET status = 'expired'
		WHERE status = 'created' AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
