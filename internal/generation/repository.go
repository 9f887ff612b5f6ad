package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
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

const generationColumns = `id, user_id, prompt, reference_images, settings, status, cost,
	error, image_url, seed, created_at, started_at, completed_at`

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, g *Generation) error {
	return tx.QueryRow(ctx, `
		INSERT INTO generations (id, user_id, prompt, reference_images, settings, status, cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		g.ID, g.UserID, g.Prompt, g.ReferenceImages, g.Settings, g.Status, g.Cost,
	).Scan(&g.CreatedAt)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Generation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = $1`, id)
	return scanGeneration(row)
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Generation, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = $1 FOR UPDATE`, id)
	return scanGeneration(row)
}

func (r *Repository) ListByUser(ctx context.Context, userID int64, limit int) ([]*Generation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+generationColumns+`
		 FROM generations WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *Repository) CountActiveByUser(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM generations
		WHERE user_id = $1 AND status IN ('reserved', 'processing')`, userID).Scan(&n)
	return n, err
}

func (r *Repository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM generations
		WHERE status IN ('reserved', 'processing')`).Scan(&n)
	return n, err
}

// MarkProcessing is a conditional transition: a reserved generation moves to
// processing, and a generation already processing stays there with a fresh
// started_at so a redelivered attempt can resume with a full sweeper window.
// Reports whether the caller holds the generation.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE generations
		SET status = 'processing', started_at = now()
		WHERE id = $1 AND status IN ('reserved', 'processing')`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) MarkCompletedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, imageURL string, seed int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE generations
		SET status = 'completed', image_url = $2, seed = $3, completed_at = now()
		WHERE id = $1`, id, imageURL, seed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("generation %s not found for completion", id)
	}
	return nil
}

func (r *Repository) MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE generations
		SET status = 'failed', error = $2, completed_at = now()
		WHERE id = $1`, id, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("generation %s not found for failure", id)
	}
	return nil
}

// ListStuck returns generations that entered a non-terminal state before the
// cutoff: processing jobs whose worker went away, and reserved jobs the queue
// never dispatched.
func (r *Repository) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM generations
		WHERE (status = 'processing' AND started_at < $1)
		   OR (status = 'reserved' AND created_at < $1)
		ORDER BY created_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanGeneration(row pgx.Row) (*Generation, error) {
	var g Generation
	err := row.Scan(
		&g.ID, &g.UserID, &g.Prompt, &g.ReferenceImages, &g.Settings, &g.Status, &g.Cost,
		&g.Error, &g.ImageURL, &g.Seed, &g.CreatedAt, &g.StartedAt, &g.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}
