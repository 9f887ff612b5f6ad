package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store is the storage contract the ledger runs on. The ForUpdate and Tx
// methods run inside the caller's transaction; BalanceForUpdate must take a
// row-level lock so per-user mutations are totally ordered.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BalanceForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (*Balance, error)
	UpdateBalance(ctx context.Context, tx pgx.Tx, userID int64, available, reserved int) error
	FindTransaction(ctx context.Context, tx pgx.Tx, kind Kind, referenceID uuid.UUID) (*Transaction, error)
	CreateTransaction(ctx context.Context, tx pgx.Tx, t *Transaction) error
	Balance(ctx context.Context, userID int64) (*Balance, error)
	Transactions(ctx context.Context, userID int64, limit int) ([]*Transaction, error)
}

// Service is the only mutation path to balances. Callers never write Balance
// rows directly.
type Service struct {
	store Store
	log   *slog.Logger
}

func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log}
}

// Grant adds purchased credits to available. Idempotent per referenceID.
func (s *Service) Grant(ctx context.Context, userID int64, amount int, referenceID uuid.UUID) (*Transaction, error) {
	return s.run(ctx, KindGrant, userID, amount, referenceID)
}

// Reserve moves credits from available to reserved for an in-flight job.
// Fails with ErrInsufficientCredits without mutating when available < amount.
func (s *Service) Reserve(ctx context.Context, userID int64, amount int, referenceID uuid.UUID) (*Transaction, error) {
	return s.run(ctx, KindReserve, userID, amount, referenceID)
}

// Commit finalizes a reservation as spent.
func (s *Service) Commit(ctx context.Context, userID int64, amount int, referenceID uuid.UUID) (*Transaction, error) {
	return s.run(ctx, KindCommit, userID, amount, referenceID)
}

// Release returns a reservation to available.
func (s *Service) Release(ctx context.Context, userID int64, amount int, referenceID uuid.UUID) (*Transaction, error) {
	return s.run(ctx, KindRelease, userID, amount, referenceID)
}

// GrantTx is Grant running inside the caller's transaction.
func (s *Service) GrantTx(ctx context.Context, tx pgx.Tx, userID int64, amount int, referenceID uuid.UUID) (*Transaction, error) {
	return s.apply(ctx, tx, KindGrant, userID, amount, referenceID)
}

// ReserveTx is Reserve running inside the caller's transaction.
func (s *Service) ReserveTx(ctx context.Context, tx pgx.Tx, userID int64, amount int, referenceID uuid.UUID) (*Transaction, error) {
	return s.apply(ctx, tx, KindReserve, userID, amount, referenceID)
}

// CommitTx is Commit running inside the caller's transaction.
func (s *Service) CommitTx(ctx context.Context, tx pgx.Tx, userID int64, amount int, referenceID uuid.UUID) (*Transaction, error) {
	return s.apply(ctx, tx, KindCommit, userID, amount, referenceID)
}

// ReleaseTx is Release running inside the caller's transaction.
func (s *Service) ReleaseTx(ctx context.Context, tx pgx.Tx, userID int64, amount int, referenceID uuid.UUID) (*Transaction, error) {
	return s.apply(ctx, tx, KindRelease, userID, amount, referenceID)
}

// GetBalance returns the user's current position. Users without a balance row
// read as zero.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	return s.store.Balance(ctx, userID)
}

// History returns the newest ledger transactions for a user.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	return s.store.Transactions(ctx, userID, limit)
}

func (s *Service) run(ctx context.Context, kind Kind, userID int64, amount int, referenceID uuid.UUID) (*Transaction, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	t, err := s.apply(ctx, tx, kind, userID, amount, referenceID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// apply performs one ledger mutation: lock the balance row, short-circuit on
// a replayed reference_id, mutate, append the audit transaction.
func (s *Service) apply(ctx context.Context, tx pgx.Tx, kind Kind, userID int64, amount int, referenceID uuid.UUID) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	bal, err := s.store.BalanceForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	// The row lock above serializes per-user callers, so one lookup under the
	// lock is enough. The unique index on (kind, reference_id) backstops it.
	if prior, err := s.store.FindTransaction(ctx, tx, kind, referenceID); err != nil {
		return nil, err
	} else if prior != nil {
		s.log.Info("duplicate ledger operation, returning prior result",
			"kind", kind, "user_id", userID, "reference_id", referenceID)
		return prior, nil
	}

	available, reserved := bal.Available, bal.Reserved
	before := available
	var signed int

	switch kind {
	case KindGrant:
		available += amount
		signed = amount
	case KindReserve:
		if available < amount {
			return nil, ErrInsufficientCredits
		}
		available -= amount
		reserved += amount
		signed = -amount
	case KindCommit:
		if reserved < amount {
			s.log.Error("commit would drive reserved negative, manual reconciliation required",
				"user_id", userID, "reserved", reserved, "amount", amount, "reference_id", referenceID)
			return nil, ErrInvariantViolation
		}
		reserved -= amount
		signed = -amount
	case KindRelease:
		if reserved < amount {
			s.log.Error("release would drive reserved negative, manual reconciliation required",
				"user_id", userID, "reserved", reserved, "amount", amount, "reference_id", referenceID)
			return nil, ErrInvariantViolation
		}
		reserved -= amount
		available += amount
		signed = amount
	default:
		return nil, fmt.Errorf("unknown ledger kind %q", kind)
	}

	if err := s.store.UpdateBalance(ctx, tx, userID, available, reserved); err != nil {
		return nil, err
	}
	t := &Transaction{
		UserID:        userID,
		Kind:          kind,
		Amount:        signed,
		BalanceBefore: before,
		BalanceAfter:  available,
		ReferenceID:   referenceID,
	}
	if err := s.store.CreateTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}
