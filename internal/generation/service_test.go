package generation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nanobanana/backend/internal/config"
	"github.com/nanobanana/backend/internal/imagegen"
	"github.com/nanobanana/backend/internal/ledger"
	"github.com/nanobanana/backend/internal/notify"
)

type fakeTx struct {
	pgx.Tx
}

func (t *fakeTx) Commit(context.Context) error   { return nil }
func (t *fakeTx) Rollback(context.Context) error { return nil }

type memStore struct {
	mu   sync.Mutex
	gens map[uuid.UUID]*Generation
}

func newMemStore() *memStore {
	return &memStore{gens: make(map[uuid.UUID]*Generation)}
}

func (m *memStore) Begin(context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }

func (m *memStore) CreateTx(_ context.Context, _ pgx.Tx, g *Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.CreatedAt = time.Now()
	cp := *g
	m.gens[g.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (m *memStore) GetForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*Generation, error) {
	return m.Get(ctx, id)
}

func (m *memStore) ListByUser(_ context.Context, userID int64, limit int) ([]*Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Generation
	for _, g := range m.gens {
		if g.UserID == userID && len(out) < limit {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) CountActiveByUser(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.gens {
		if g.UserID == userID && !g.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountActive(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.gens {
		if !g.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *memStore) MarkProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok || (g.Status != StatusReserved && g.Status != StatusProcessing) {
		return false, nil
	}
	now := time.Now()
	g.Status = StatusProcessing
	g.StartedAt = &now
	return true, nil
}

func (m *memStore) MarkCompletedTx(_ context.Context, _ pgx.Tx, id uuid.UUID, imageURL string, seed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok {
		return errors.New("not found")
	}
	now := time.Now()
	g.Status = StatusCompleted
	g.ImageURL = &imageURL
	g.Seed = &seed
	g.CompletedAt = &now
	return nil
}

func (m *memStore) MarkFailedTx(_ context.Context, _ pgx.Tx, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok {
		return errors.New("not found")
	}
	now := time.Now()
	g.Status = StatusFailed
	g.Error = &reason
	g.CompletedAt = &now
	return nil
}

func (m *memStore) ListStuck(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, g := range m.gens {
		if len(ids) >= limit {
			break
		}
		switch g.Status {
		case StatusProcessing:
			if g.StartedAt != nil && g.StartedAt.Before(cutoff) {
				ids = append(ids, g.ID)
			}
		case StatusReserved:
			if g.CreatedAt.Before(cutoff) {
				ids = append(ids, g.ID)
			}
		}
	}
	return ids, nil
}

// ---

type ledgerCall struct {
	op     string
	userID int64
	amount int
	ref    uuid.UUID
}

type mockLedger struct {
	mu         sync.Mutex
	calls      []ledgerCall
	reserveErr error
}

func (l *mockLedger) record(op string, userID int64, amount int, ref uuid.UUID) *ledger.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, ledgerCall{op, userID, amount, ref})
	return &ledger.Transaction{UserID: userID, Amount: amount, ReferenceID: ref}
}

func (l *mockLedger) ReserveTx(_ context.Context, _ pgx.Tx, userID int64, amount int, ref uuid.UUID) (*ledger.Transaction, error) {
	if l.reserveErr != nil {
		return nil, l.reserveErr
	}
	return l.record("reserve", userID, amount, ref), nil
}

func (l *mockLedger) CommitTx(_ context.Context, _ pgx.Tx, userID int64, amount int, ref uuid.UUID) (*ledger.Transaction, error) {
	return l.record("commit", userID, amount, ref), nil
}

func (l *mockLedger) ReleaseTx(_ context.Context, _ pgx.Tx, userID int64, amount int, ref uuid.UUID) (*ledger.Transaction, error) {
	return l.record("release", userID, amount, ref), nil
}

func (l *mockLedger) countOp(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

type mockLimiter struct {
	mu       sync.Mutex
	allow    bool
	allowErr error
	recorded []int64
}

func (m *mockLimiter) Allow(context.Context, int64) (bool, error) { return m.allow, m.allowErr }

func (m *mockLimiter) Record(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, userID)
	return nil
}

type enqueueRecorder struct {
	mu   sync.Mutex
	args []imagegen.GenerateArgs
	err  error
}

func (e *enqueueRecorder) enqueue(_ context.Context, _ pgx.Tx, args imagegen.GenerateArgs) error {
	if e.err != nil {
		return e.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.args = append(e.args, args)
	return nil
}

// ---

func testConfig() *config.Config {
	return &config.Config{
		GenerationCost:       10,
		MaxActiveGenerations: 1,
		MaxQueueDepth:        100,
		GenerationTimeout:    10 * time.Minute,
		SweepInterval:        time.Minute,
	}
}

type mockActivator struct {
	mu        sync.Mutex
	activated []int64
}

func (a *mockActivator) Activate(_ context.Context, userID int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activated = append(a.activated, userID)
	return true, nil
}

type fixture struct {
	store     *memStore
	ledger    *mockLedger
	limiter   *mockLimiter
	queue     *enqueueRecorder
	referrals *mockActivator
	svc       *Service
}

func newFixture(cfg *config.Config) *fixture {
	f := &fixture{
		store:     newMemStore(),
		ledger:    &mockLedger{},
		limiter:   &mockLimiter{allow: true},
		queue:     &enqueueRecorder{},
		referrals: &mockActivator{},
	}
	f.svc = NewService(f.store, f.ledger, f.limiter, f.queue.enqueue, notify.Nop{}, f.referrals, cfg, nil)
	return f
}

func (f *fixture) seed(t *testing.T, userID int64, status Status, age time.Duration) *Generation {
	t.Helper()
	g := &Generation{
		ID:     uuid.New(),
		UserID: userID,
		Prompt: "a capacious test prompt",
		Status: status,
		Cost:   10,
	}
	if err := f.store.CreateTx(context.Background(), nil, g); err != nil {
		t.Fatalf("seed generation: %v", err)
	}
	f.store.mu.Lock()
	stored := f.store.gens[g.ID]
	stored.CreatedAt = time.Now().Add(-age)
	if status == StatusProcessing {
		started := stored.CreatedAt
		stored.StartedAt = &started
	}
	f.store.mu.Unlock()
	return g
}

// ---------------------------------------------------------------------------

func TestCreateJobReservesAndEnqueues(t *testing.T) {
	f := newFixture(testConfig())

	gen, err := f.svc.CreateJob(context.Background(), 42, "sunset over mountains", []string{"ref1.png"}, nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if gen.Status != StatusReserved || gen.Cost != 10 {
		t.Errorf("generation = status %s cost %d, want reserved cost 10", gen.Status, gen.Cost)
	}

	if n := f.ledger.countOp("reserve"); n != 1 {
		t.Fatalf("reserves: got %d, want 1", n)
	}
	call := f.ledger.calls[0]
	if call.userID != 42 || call.amount != 10 || call.ref != gen.ID {
		t.Errorf("reserve call = %+v, want user 42, amount 10, ref %s", call, gen.ID)
	}
	if len(f.queue.args) != 1 || f.queue.args[0].GenerationID != gen.ID {
		t.Errorf("enqueue args = %+v, want one job for %s", f.queue.args, gen.ID)
	}
	if len(f.limiter.recorded) != 1 || f.limiter.recorded[0] != 42 {
		t.Errorf("rate limit recorded = %v, want [42]", f.limiter.recorded)
	}

	stored, _ := f.store.Get(context.Background(), gen.ID)
	if stored == nil || stored.Status != StatusReserved {
		t.Errorf("stored generation = %+v, want reserved row", stored)
	}
}

func TestCreateJobInsufficientCredits(t *testing.T) {
	f := newFixture(testConfig())
	f.ledger.reserveErr = ledger.ErrInsufficientCredits

	_, err := f.svc.CreateJob(context.Background(), 42, "prompt", nil, nil)
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if n, _ := f.store.CountActive(context.Background()); n != 0 {
		t.Errorf("generation row persisted despite failed reserve")
	}
	if len(f.queue.args) != 0 {
		t.Errorf("job enqueued despite failed reserve")
	}
	if len(f.limiter.recorded) != 0 {
		t.Errorf("rate limit recorded despite failed reserve")
	}
}

func TestCreateJobLimits(t *testing.T) {
	t.Run("empty prompt", func(t *testing.T) {
		f := newFixture(testConfig())
		if _, err := f.svc.CreateJob(context.Background(), 42, "   ", nil, nil); !errors.Is(err, ErrEmptyPrompt) {
			t.Errorf("expected ErrEmptyPrompt, got %v", err)
		}
	})

	t.Run("active cap per user", func(t *testing.T) {
		f := newFixture(testConfig())
		f.seed(t, 42, StatusProcessing, time.Minute)
		if _, err := f.svc.CreateJob(context.Background(), 42, "prompt", nil, nil); !errors.Is(err, ErrTooManyActive) {
			t.Errorf("expected ErrTooManyActive, got %v", err)
		}
		// A different user is unaffected by 42's active job.
		if _, err := f.svc.CreateJob(context.Background(), 43, "prompt", nil, nil); err != nil {
			t.Errorf("other user blocked: %v", err)
		}
	})

	t.Run("global queue depth", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxQueueDepth = 2
		f := newFixture(cfg)
		f.seed(t, 1, StatusReserved, time.Minute)
		f.seed(t, 2, StatusProcessing, time.Minute)
		if _, err := f.svc.CreateJob(context.Background(), 3, "prompt", nil, nil); !errors.Is(err, ErrQueueFull) {
			t.Errorf("expected ErrQueueFull, got %v", err)
		}
	})

	t.Run("hourly rate limit", func(t *testing.T) {
		f := newFixture(testConfig())
		f.limiter.allow = false
		if _, err := f.svc.CreateJob(context.Background(), 42, "prompt", nil, nil); !errors.Is(err, ErrRateLimited) {
			t.Errorf("expected ErrRateLimited, got %v", err)
		}
	})

	t.Run("limiter outage fails open", func(t *testing.T) {
		f := newFixture(testConfig())
		f.limiter.allow = false
		f.limiter.allowErr = errors.New("redis down")
		if _, err := f.svc.CreateJob(context.Background(), 42, "prompt", nil, nil); err != nil {
			t.Errorf("limiter outage should not block creation: %v", err)
		}
	})
}

func TestCompleteCommitsExactlyOnce(t *testing.T) {
	f := newFixture(testConfig())
	g := f.seed(t, 42, StatusProcessing, time.Minute)

	if err := f.svc.Complete(context.Background(), g.ID, "https://img/1.png", 777); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// Redelivered terminal report is a no-op.
	if err := f.svc.Complete(context.Background(), g.ID, "https://img/other.png", 1); err != nil {
		t.Fatalf("duplicate Complete: %v", err)
	}

	if n := f.ledger.countOp("commit"); n != 1 {
		t.Errorf("commits: got %d, want 1", n)
	}
	stored, _ := f.store.Get(context.Background(), g.ID)
	if stored.Status != StatusCompleted || stored.ImageURL == nil || *stored.ImageURL != "https://img/1.png" {
		t.Errorf("stored = %+v, want completed with first image url", stored)
	}
	if stored.Seed == nil || *stored.Seed != 777 {
		t.Errorf("seed = %v, want 777", stored.Seed)
	}
}

func TestFailReleasesExactlyOnce(t *testing.T) {
	f := newFixture(testConfig())
	g := f.seed(t, 42, StatusProcessing, time.Minute)

	if err := f.svc.Fail(context.Background(), g.ID, "SAFETY: blocked"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := f.svc.Fail(context.Background(), g.ID, "SAFETY: blocked"); err != nil {
		t.Fatalf("duplicate Fail: %v", err)
	}

	if n := f.ledger.countOp("release"); n != 1 {
		t.Errorf("releases: got %d, want 1", n)
	}
	stored, _ := f.store.Get(context.Background(), g.ID)
	if stored.Status != StatusFailed || stored.Error == nil || *stored.Error != "SAFETY: blocked" {
		t.Errorf("stored = %+v, want failed with reason", stored)
	}
}

func TestFailAfterCompleteIsNoOp(t *testing.T) {
	f := newFixture(testConfig())
	g := f.seed(t, 42, StatusProcessing, time.Minute)

	if err := f.svc.Complete(context.Background(), g.ID, "https://img/1.png", 1); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := f.svc.Fail(context.Background(), g.ID, "late timeout"); err != nil {
		t.Fatalf("Fail after Complete: %v", err)
	}
	if n := f.ledger.countOp("release"); n != 0 {
		t.Errorf("release issued for a completed generation")
	}
	stored, _ := f.store.Get(context.Background(), g.ID)
	if stored.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
}

func TestSweepStuckReleasesCredits(t *testing.T) {
	f := newFixture(testConfig())
	stuckProcessing := f.seed(t, 1, StatusProcessing, time.Hour)
	stuckReserved := f.seed(t, 2, StatusReserved, time.Hour)
	fresh := f.seed(t, 3, StatusProcessing, time.Minute)

	swept, err := f.svc.SweepStuck(context.Background())
	if err != nil {
		t.Fatalf("SweepStuck: %v", err)
	}
	if swept != 2 {
		t.Fatalf("swept: got %d, want 2", swept)
	}
	if n := f.ledger.countOp("release"); n != 2 {
		t.Errorf("releases: got %d, want 2", n)
	}
	for _, id := range []uuid.UUID{stuckProcessing.ID, stuckReserved.ID} {
		g, _ := f.store.Get(context.Background(), id)
		if g.Status != StatusFailed {
			t.Errorf("generation %s status = %s, want failed", id, g.Status)
		}
		if g.Error == nil || !strings.HasPrefix(*g.Error, imagegen.CodeTimeout) {
			t.Errorf("generation %s error = %v, want TIMEOUT reason", id, g.Error)
		}
	}
	g, _ := f.store.Get(context.Background(), fresh.ID)
	if g.Status != StatusProcessing {
		t.Errorf("fresh generation swept: status %s", g.Status)
	}
}

func TestMarkProcessingResumesRedeliveredAttempt(t *testing.T) {
	f := newFixture(testConfig())
	g := f.seed(t, 42, StatusReserved, time.Minute)

	for attempt := 1; attempt <= 2; attempt++ {
		ok, err := f.svc.MarkProcessing(context.Background(), g.ID)
		if err != nil {
			t.Fatalf("MarkProcessing attempt %d: %v", attempt, err)
		}
		if !ok {
			t.Fatalf("MarkProcessing attempt %d: got false, want the attempt to hold the generation", attempt)
		}
	}
	stored, _ := f.store.Get(context.Background(), g.ID)
	if stored.Status != StatusProcessing {
		t.Errorf("status = %s, want processing", stored.Status)
	}

	// A settled generation is not claimable.
	if err := f.svc.Complete(context.Background(), g.ID, "https://img/1.png", 1); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	ok, err := f.svc.MarkProcessing(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("MarkProcessing after Complete: %v", err)
	}
	if ok {
		t.Error("MarkProcessing claimed a completed generation")
	}
}

func TestCompleteRequiresProcessing(t *testing.T) {
	f := newFixture(testConfig())
	g := f.seed(t, 42, StatusReserved, time.Minute)

	err := f.svc.Complete(context.Background(), g.ID, "https://img/1.png", 1)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Complete on reserved: err = %v, want ErrInvalidTransition", err)
	}
	if n := f.ledger.countOp("commit"); n != 0 {
		t.Errorf("commits: got %d, want 0", n)
	}
	stored, _ := f.store.Get(context.Background(), g.ID)
	if stored.Status != StatusReserved {
		t.Errorf("status = %s, want reserved", stored.Status)
	}

	// Fail still works from reserved: the sweeper settles abandoned jobs.
	if err := f.svc.Fail(context.Background(), g.ID, "TIMEOUT: generation timed out"); err != nil {
		t.Fatalf("Fail on reserved: %v", err)
	}
	if n := f.ledger.countOp("release"); n != 1 {
		t.Errorf("releases: got %d, want 1", n)
	}
}

func TestCompleteActivatesReferral(t *testing.T) {
	f := newFixture(testConfig())
	g := f.seed(t, 42, StatusProcessing, time.Minute)

	if err := f.svc.Complete(context.Background(), g.ID, "https://img/1.png", 1); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(f.referrals.activated) != 1 || f.referrals.activated[0] != 42 {
		t.Errorf("activations = %v, want [42]", f.referrals.activated)
	}
}
