package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nanobanana/backend/internal/config"
	"github.com/nanobanana/backend/internal/imagegen"
	"github.com/nanobanana/backend/internal/ledger"
	"github.com/nanobanana/backend/internal/notify"
)

// Store is the storage contract for generations.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, g *Generation) error
	Get(ctx context.Context, id uuid.UUID) (*Generation, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Generation, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Generation, error)
	CountActiveByUser(ctx context.Context, userID int64) (int, error)
	CountActive(ctx context.Context) (int, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	MarkCompletedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, imageURL string, seed int64) error
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

// CreditLedger is the slice of the ledger the coordinator needs.
type CreditLedger interface {
	ReserveTx(ctx context.Context, tx pgx.Tx, userID int64, amount int, referenceID uuid.UUID) (*ledger.Transaction, error)
	CommitTx(ctx context.Context, tx pgx.Tx, userID int64, amount int, referenceID uuid.UUID) (*ledger.Transaction, error)
	ReleaseTx(ctx context.Context, tx pgx.Tx, userID int64, amount int, referenceID uuid.UUID) (*ledger.Transaction, error)
}

// RateLimiter bounds generations per user per window. Record is called only
// after a generation is durably created.
type RateLimiter interface {
	Allow(ctx context.Context, userID int64) (bool, error)
	Record(ctx context.Context, userID int64) error
}

// EnqueueFunc inserts a generate job within the given transaction. Provided
// by main as a closure over river.Client.InsertTx.
type EnqueueFunc func(ctx context.Context, tx pgx.Tx, args imagegen.GenerateArgs) error

// ReferralActivator marks a referred user's referral activated on their
// first completed generation. Optional; nil disables referral activation.
type ReferralActivator interface {
	Activate(ctx context.Context, userID int64) (bool, error)
}

type Service struct {
	store     Store
	ledger    CreditLedger
	limiter   RateLimiter
	enqueue   EnqueueFunc
	notifier  notify.Notifier
	referrals ReferralActivator
	cfg       *config.Config
	log       *slog.Logger
}

func NewService(store Store, cl CreditLedger, limiter RateLimiter, enqueue EnqueueFunc, notifier notify.Notifier, referrals ReferralActivator, cfg *config.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		ledger:    cl,
		limiter:   limiter,
		enqueue:   enqueue,
		notifier:  notifier,
		referrals: referrals,
		cfg:       cfg,
		log:       log,
	}
}

// CreateJob reserves credits, persists the generation and enqueues the work,
// all in one storage transaction. On any failure nothing is persisted and
// nothing is reserved.
func (s *Service) CreateJob(ctx context.Context, userID int64, prompt string, referenceImages []string, settings []byte) (*Generation, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	allowed, err := s.limiter.Allow(ctx, userID)
	if err != nil {
		// Limiter outage must not take generations down with it.
		s.log.Warn("rate limiter unavailable, allowing request", "user_id", userID, "error", err)
	} else if !allowed {
		return nil, ErrRateLimited
	}

	// Advisory caps, checked outside the transaction. A race past them costs
	// one extra queued job, never an overdraft.
	active, err := s.store.CountActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count active generations: %w", err)
	}
	if active >= s.cfg.MaxActiveGenerations {
		return nil, ErrTooManyActive
	}
	total, err := s.store.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("count queue depth: %w", err)
	}
	if total >= s.cfg.MaxQueueDepth {
		return nil, ErrQueueFull
	}

	gen := &Generation{
		ID:              uuid.New(),
		UserID:          userID,
		Prompt:          prompt,
		ReferenceImages: referenceImages,
		Settings:        settings,
		Status:          StatusReserved,
		Cost:            s.cfg.GenerationCost,
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := s.ledger.ReserveTx(ctx, tx, userID, gen.Cost, gen.ID); err != nil {
		return nil, err
	}
	if err := s.store.CreateTx(ctx, tx, gen); err != nil {
		return nil, fmt.Errorf("create generation: %w", err)
	}
	if err := s.enqueue(ctx, tx, imagegen.GenerateArgs{
		GenerationID:    gen.ID,
		UserID:          userID,
		Prompt:          prompt,
		ReferenceImages: referenceImages,
		Settings:        settings,
	}); err != nil {
		return nil, fmt.Errorf("enqueue generation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if err := s.limiter.Record(ctx, userID); err != nil {
		s.log.Warn("rate limiter record failed", "user_id", userID, "error", err)
	}
	s.log.Info("generation created",
		"generation_id", gen.ID, "user_id", userID, "cost", gen.Cost)
	return gen, nil
}

// MarkProcessing claims the generation for a worker attempt: reserved moves
// to processing, and an attempt redelivered mid-processing resumes with a
// fresh started_at. Returns false once the generation is settled, which
// callers treat as "skip".
func (s *Service) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.store.MarkProcessing(ctx, id)
}

// Complete commits the reservation and records the result in one transaction.
// Only a processing generation can complete: a worker claims the job via
// MarkProcessing before reporting a result. A generation already in a
// terminal state is left untouched.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, imageURL string, seed int64) error {
	gen, err := s.settle(ctx, id, func(ctx context.Context, tx pgx.Tx, gen *Generation) error {
		if gen.Status != StatusProcessing {
			return fmt.Errorf("%w: cannot complete a %s generation", ErrInvalidTransition, gen.Status)
		}
		if _, err := s.ledger.CommitTx(ctx, tx, gen.UserID, gen.Cost, gen.ID); err != nil {
			return fmt.Errorf("commit reservation: %w", err)
		}
		return s.store.MarkCompletedTx(ctx, tx, gen.ID, imageURL, seed)
	})
	if err != nil || gen == nil {
		return err
	}
	s.log.Info("generation completed", "generation_id", id, "user_id", gen.UserID)
	if s.referrals != nil {
		// The settlement is already committed; an activation error only
		// costs the referrer their reward for this event.
		if _, err := s.referrals.Activate(ctx, gen.UserID); err != nil {
			s.log.Warn("referral activation failed", "user_id", gen.UserID, "error", err)
		}
	}
	go s.notifier.GenerationCompleted(context.WithoutCancel(ctx), gen.UserID, imageURL, seed)
	return nil
}

// Fail releases the reservation and records the failure reason in one
// transaction. A generation already in a terminal state is left untouched.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	gen, err := s.settle(ctx, id, func(ctx context.Context, tx pgx.Tx, gen *Generation) error {
		if _, err := s.ledger.ReleaseTx(ctx, tx, gen.UserID, gen.Cost, gen.ID); err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
		return s.store.MarkFailedTx(ctx, tx, gen.ID, reason)
	})
	if err != nil || gen == nil {
		return err
	}
	s.log.Info("generation failed", "generation_id", id, "user_id", gen.UserID, "reason", reason)
	go s.notifier.GenerationFailed(context.WithoutCancel(ctx), gen.UserID, reason)
	return nil
}

// settle locks the generation and applies a terminal transition. Returns
// (nil, nil) when the generation was already terminal.
func (s *Service) settle(ctx context.Context, id uuid.UUID, apply func(context.Context, pgx.Tx, *Generation) error) (*Generation, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	gen, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if gen == nil {
		return nil, ErrNotFound
	}
	if gen.Status.Terminal() {
		s.log.Info("duplicate terminal report ignored",
			"generation_id", id, "status", gen.Status)
		return nil, nil
	}
	if err := apply(ctx, tx, gen); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return gen, nil
}

// GetGeneration returns one generation by id.
func (s *Service) GetGeneration(ctx context.Context, id uuid.UUID) (*Generation, error) {
	gen, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if gen == nil {
		return nil, ErrNotFound
	}
	return gen, nil
}

// ListByUser returns the user's most recent generations.
func (s *Service) ListByUser(ctx context.Context, userID int64, limit int) ([]*Generation, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// SweepStuck fails every generation stuck in a non-terminal state past the
// timeout, releasing its credits. Returns the number swept.
func (s *Service) SweepStuck(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.GenerationTimeout)
	ids, err := s.store.ListStuck(ctx, cutoff, 100)
	if err != nil {
		return 0, fmt.Errorf("list stuck generations: %w", err)
	}
	swept := 0
	for _, id := range ids {
		if err := s.Fail(ctx, id, imagegen.CodeTimeout+": generation timed out"); err != nil {
			s.log.Error("sweep failed for generation", "generation_id", id, "error", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		s.log.Warn("swept stuck generations", "count", swept)
	}
	return swept, nil
}

// RunSweeper runs SweepStuck on a ticker until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepStuck(ctx); err != nil {
				s.log.Error("sweep pass failed", "error", err)
			}
		}
	}
}
