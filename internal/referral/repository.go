package referral

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

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

// CreateTx inserts the referral link. A user who already has one keeps it:
// the first registration wins and replays are no-ops.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, ref *Referral) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO referrals (referred_user_id, referrer_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (referred_user_id) DO NOTHING
	`, ref.ReferredUserID, ref.ReferrerID, ref.Status)
	return err
}

func (r *Repository) FindForUpdate(ctx context.Context, tx pgx.Tx, referredUserID int64) (*Referral, error) {
	var ref Referral
	row := tx.QueryRow(ctx, `
		SELECT id, referred_user_id, referrer_id, status, registered_at, activated_at, rewarded_at
		FROM referrals WHERE referred_user_id = $1 FOR UPDATE
	`, referredUserID)
	err := row.Scan(&ref.ID, &ref.ReferredUserID, &ref.ReferrerID, &ref.Status,
		&ref.RegisteredAt, &ref.ActivatedAt, &ref.RewardedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *Repository) MarkActivatedTx(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE referrals SET status = 'activated', activated_at = now()
		WHERE id = $1 AND status = 'registered'
	`, id)
	return err
}

func (r *Repository) MarkRewardedTx(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE referrals SET status = 'rewarded', rewarded_at = now()
		WHERE id = $1
	`, id)
	return err
}

func (r *Repository) CountRewardedSince(ctx context.Context, tx pgx.Tx, referrerID int64, since time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM referrals
		WHERE referrer_id = $1 AND status = 'rewarded' AND rewarded_at >= $2
	`, referrerID, since).Scan(&n)
	return n, err
}
