package storage

import (
	"context"

	"dartsearch/internal/model"
)

// Store defines the persistence operations of a search run. Lookups return
// ok=false when nothing has been saved under the key.
type Store interface {
	Init(ctx context.Context) error
	// Reset discards every stored record.
	Reset(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID, path string) (model.Checkpoint, bool, error)
	ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error)
	SaveGenotype(ctx context.Context, genotype model.Genotype) error
	GetGenotypes(ctx context.Context, runID string) ([]model.Genotype, bool, error)
	SaveEpochHistory(ctx context.Context, runID string, history []model.EpochRecord) error
	GetEpochHistory(ctx context.Context, runID string) ([]model.EpochRecord, bool, error)
	SaveRunSummary(ctx context.Context, summary model.RunSummary) error
	GetRunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error)
}
