package imagegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// Coordinator defines the contract the worker needs to report lifecycle
// transitions back to the generation service.
type Coordinator interface {
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, imageURL string, seed int64) error
	Fail(ctx context.Context, id uuid.UUID, reason string) error
}

type GenerateWorker struct {
	river.WorkerDefaults[GenerateArgs]
	coord  Coordinator
	client ImageClient
	log    *slog.Logger
}

func NewGenerateWorker(coord Coordinator, client ImageClient, log *slog.Logger) *GenerateWorker {
	if log == nil {
		log = slog.Default()
	}
	return &GenerateWorker{coord: coord, client: client, log: log}
}

func (w *GenerateWorker) Timeout(*river.Job[GenerateArgs]) time.Duration {
	return 5 * time.Minute
}

func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateArgs]) error {
	args := job.Args

	ok, err := w.coord.MarkProcessing(ctx, args.GenerationID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if !ok {
		// Already settled: a redelivery of a finished job, or the sweeper
		// got there first. Nothing to do.
		w.log.Info("skipping settled generation", "generation_id", args.GenerationID)
		return nil
	}

	res, err := w.client.Generate(ctx, args)
	if err != nil {
		var genErr *GenerationError
		if errors.As(err, &genErr) {
			w.log.Warn("generation failed permanently",
				"generation_id", args.GenerationID, "code", genErr.Code, "error", genErr.Message)
			return w.failJob(ctx, args.GenerationID, genErr.Error())
		}
		// Transient: hand back to the queue for retry.
		return fmt.Errorf("generate image: %w", err)
	}

	if err := w.coord.Complete(ctx, args.GenerationID, res.ImageURL, res.Seed); err != nil {
		return fmt.Errorf("complete generation: %w", err)
	}
	return nil
}

func (w *GenerateWorker) failJob(ctx context.Context, id uuid.UUID, reason string) error {
	if err := w.coord.Fail(ctx, id, reason); err != nil {
		return fmt.Errorf("generation failed (%s) and marking it failed also failed: %w", reason, err)
	}
	return nil
}
