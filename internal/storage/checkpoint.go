package storage

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"dartsearch/internal/model"
)

// CheckpointSaver writes parameter sets of one run under dir/<postfix>.
type CheckpointSaver struct {
	store Store
	runID string
	dir   string
	now   func() time.Time
}

func NewCheckpointSaver(store Store, runID, dir string) (*CheckpointSaver, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	return &CheckpointSaver{store: store, runID: runID, dir: dir, now: time.Now}, nil
}

// Path is the address a postfix is saved under.
func (c *CheckpointSaver) Path(postfix string) string {
	return filepath.ToSlash(filepath.Join(c.dir, postfix))
}

// Save overwrites the checkpoint at postfix with tensors.
func (c *CheckpointSaver) Save(ctx context.Context, postfix string, epoch int, tensors []model.NamedTensor) error {
	if postfix == "" {
		return errors.New("checkpoint postfix is required")
	}
	return c.store.SaveCheckpoint(ctx, model.Checkpoint{
		VersionedRecord: CurrentVersion(),
		ID:              uuid.NewString(),
		RunID:           c.runID,
		Path:            c.Path(postfix),
		Epoch:           epoch,
		Tensors:         tensors,
		CreatedAtUTC:    c.now().UTC().Format(time.RFC3339Nano),
	})
}

func (c *CheckpointSaver) Load(ctx context.Context, postfix string) (model.Checkpoint, bool, error) {
	return c.store.GetCheckpoint(ctx, c.runID, c.Path(postfix))
}
