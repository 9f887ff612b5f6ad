package imagegen

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type mockCoordinator struct {
	processing  bool
	completed   []uuid.UUID
	failed      map[uuid.UUID]string
	completeErr error
}

func newMockCoordinator(processing bool) *mockCoordinator {
	return &mockCoordinator{processing: processing, failed: make(map[uuid.UUID]string)}
}

func (m *mockCoordinator) MarkProcessing(context.Context, uuid.UUID) (bool, error) {
	return m.processing, nil
}

func (m *mockCoordinator) Complete(_ context.Context, id uuid.UUID, _ string, _ int64) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	m.completed = append(m.completed, id)
	return nil
}

func (m *mockCoordinator) Fail(_ context.Context, id uuid.UUID, reason string) error {
	m.failed[id] = reason
	return nil
}

type mockClient struct {
	result *Result
	err    error
	calls  int
}

func (m *mockClient) Generate(context.Context, GenerateArgs) (*Result, error) {
	m.calls++
	return m.result, m.err
}

func riverJob(args GenerateArgs) *river.Job[GenerateArgs] {
	return &river.Job[GenerateArgs]{Args: args}
}

func TestWorkCompletesOnSuccess(t *testing.T) {
	coord := newMockCoordinator(true)
	client := &mockClient{result: &Result{ImageURL: "https://img/1.png", Seed: 9}}
	w := NewGenerateWorker(coord, client, nil)
	id := uuid.New()

	if err := w.Work(context.Background(), riverJob(GenerateArgs{GenerationID: id, Prompt: "p"})); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(coord.completed) != 1 || coord.completed[0] != id {
		t.Errorf("completed = %v, want [%s]", coord.completed, id)
	}
	if len(coord.failed) != 0 {
		t.Errorf("unexpected failures: %v", coord.failed)
	}
}

func TestWorkPermanentFailureDoesNotRetry(t *testing.T) {
	coord := newMockCoordinator(true)
	client := &mockClient{err: &GenerationError{Code: CodeSafety, Message: "prompt blocked"}}
	w := NewGenerateWorker(coord, client, nil)
	id := uuid.New()

	// nil return keeps the job out of the retry queue.
	if err := w.Work(context.Background(), riverJob(GenerateArgs{GenerationID: id})); err != nil {
		t.Fatalf("Work should swallow permanent failures, got %v", err)
	}
	if reason, ok := coord.failed[id]; !ok || reason != "SAFETY: prompt blocked" {
		t.Errorf("failed[%s] = %q, want classified reason", id, reason)
	}
	if len(coord.completed) != 0 {
		t.Errorf("completed a failed generation")
	}
}

func TestWorkTransientFailureIsRetried(t *testing.T) {
	coord := newMockCoordinator(true)
	client := &mockClient{err: errors.New("connection reset")}
	w := NewGenerateWorker(coord, client, nil)
	id := uuid.New()

	if err := w.Work(context.Background(), riverJob(GenerateArgs{GenerationID: id})); err == nil {
		t.Fatal("transient failure must be returned for retry")
	}
	if len(coord.failed) != 0 {
		t.Errorf("transient failure marked permanent: %v", coord.failed)
	}
}

func TestWorkSkipsSettledGeneration(t *testing.T) {
	coord := newMockCoordinator(false)
	client := &mockClient{result: &Result{ImageURL: "https://img/1.png"}}
	w := NewGenerateWorker(coord, client, nil)

	if err := w.Work(context.Background(), riverJob(GenerateArgs{GenerationID: uuid.New()})); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if client.calls != 0 {
		t.Errorf("image client called for a settled generation")
	}
}

// statusCoordinator mimics the real coordinator's state machine so a job can
// be worked more than once, the way the queue redelivers after a returned
// error.
type statusCoordinator struct {
	status    string
	completed int
}

func (c *statusCoordinator) MarkProcessing(context.Context, uuid.UUID) (bool, error) {
	if c.status == "completed" || c.status == "failed" {
		return false, nil
	}
	c.status = "processing"
	return true, nil
}

func (c *statusCoordinator) Complete(context.Context, uuid.UUID, string, int64) error {
	c.status = "completed"
	c.completed++
	return nil
}

func (c *statusCoordinator) Fail(_ context.Context, _ uuid.UUID, _ string) error {
	c.status = "failed"
	return nil
}

func TestWorkRedeliveryResumesAfterTransientFailure(t *testing.T) {
	coord := &statusCoordinator{status: "reserved"}
	client := &mockClient{err: errors.New("connection reset")}
	w := NewGenerateWorker(coord, client, nil)
	job := riverJob(GenerateArgs{GenerationID: uuid.New(), Prompt: "p"})

	if err := w.Work(context.Background(), job); err == nil {
		t.Fatal("transient failure must be returned for retry")
	}

	// The redelivered attempt must reach the image client again, not skip
	// out because the first attempt left the row in processing.
	client.err = nil
	client.result = &Result{ImageURL: "https://img/1.png", Seed: 3}
	if err := w.Work(context.Background(), job); err != nil {
		t.Fatalf("Work on redelivery: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("image client calls: got %d, want 2", client.calls)
	}
	if coord.completed != 1 || coord.status != "completed" {
		t.Errorf("coordinator = %+v, want one completion", coord)
	}
}
