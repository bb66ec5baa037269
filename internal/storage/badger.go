package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"dartsearch/internal/model"
)

const (
	checkpointPrefix = "ckpt/"
	genotypePrefix   = "geno/"
	historyPrefix    = "hist/"
	summaryPrefix    = "sum/"
)

// BadgerStore keeps records in an embedded BadgerDB directory. An empty dir
// opens an in-memory database.
type BadgerStore struct {
	dir string

	mu sync.RWMutex
	db *badger.DB
}

func NewBadgerStore(dir string) *BadgerStore {
	return &BadgerStore{dir: dir}
}

func (s *BadgerStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	opts := badger.DefaultOptions(s.dir).WithLogger(nil)
	if s.dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger %q: %w", s.dir, err)
	}
	s.db = db
	return nil
}

func (s *BadgerStore) Reset(_ context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.DropAll()
}

func (s *BadgerStore) SaveCheckpoint(_ context.Context, checkpoint model.Checkpoint) error {
	payload, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	return s.put(checkpointKey(checkpoint.RunID, checkpoint.Path), payload)
}

func (s *BadgerStore) GetCheckpoint(_ context.Context, runID, path string) (model.Checkpoint, bool, error) {
	payload, ok, err := s.get(checkpointKey(runID, path))
	if err != nil || !ok {
		return model.Checkpoint{}, false, err
	}
	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s/%s: %w", runID, path, err)
	}
	return checkpoint, true, nil
}

// ListCheckpoints returns the run's checkpoints ordered by path, without tensors.
func (s *BadgerStore) ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error) {
	out := make([]model.Checkpoint, 0, 2)
	err := s.scan(ctx, checkpointPrefix+runID+"/", func(payload []byte) error {
		checkpoint, err := DecodeCheckpoint(payload)
		if err != nil {
			return fmt.Errorf("decode checkpoint of run %s: %w", runID, err)
		}
		checkpoint.Tensors = nil
		out = append(out, checkpoint)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) SaveGenotype(_ context.Context, genotype model.Genotype) error {
	if genotype.Epoch < 0 {
		return fmt.Errorf("genotype epoch must be >= 0, got %d", genotype.Epoch)
	}
	payload, err := EncodeGenotype(genotype)
	if err != nil {
		return err
	}
	return s.put(genotypeKey(genotype.RunID, genotype.Epoch), payload)
}

// GetGenotypes returns the run's genotypes ordered by epoch.
func (s *BadgerStore) GetGenotypes(ctx context.Context, runID string) ([]model.Genotype, bool, error) {
	var out []model.Genotype
	err := s.scan(ctx, genotypePrefix+runID+"/", func(payload []byte) error {
		genotype, err := DecodeGenotype(payload)
		if err != nil {
			return fmt.Errorf("decode genotype of run %s: %w", runID, err)
		}
		out = append(out, genotype)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, len(out) > 0, nil
}

func (s *BadgerStore) SaveEpochHistory(_ context.Context, runID string, history []model.EpochRecord) error {
	payload, err := EncodeEpochHistory(history)
	if err != nil {
		return err
	}
	return s.put(historyPrefix+runID, payload)
}

func (s *BadgerStore) GetEpochHistory(_ context.Context, runID string) ([]model.EpochRecord, bool, error) {
	payload, ok, err := s.get(historyPrefix + runID)
	if err != nil || !ok {
		return nil, false, err
	}
	history, err := DecodeEpochHistory(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decode history of run %s: %w", runID, err)
	}
	return history, true, nil
}

func (s *BadgerStore) SaveRunSummary(_ context.Context, summary model.RunSummary) error {
	payload, err := EncodeRunSummary(summary)
	if err != nil {
		return err
	}
	return s.put(summaryPrefix+summary.RunID, payload)
}

func (s *BadgerStore) GetRunSummary(_ context.Context, runID string) (model.RunSummary, bool, error) {
	payload, ok, err := s.get(summaryPrefix + runID)
	if err != nil || !ok {
		return model.RunSummary{}, false, err
	}
	summary, err := DecodeRunSummary(payload)
	if err != nil {
		return model.RunSummary{}, false, fmt.Errorf("decode summary of run %s: %w", runID, err)
	}
	return summary, true, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func (s *BadgerStore) put(key string, value []byte) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *BadgerStore) get(key string) ([]byte, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	var payload []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

// scan visits every value under prefix in key order.
func (s *BadgerStore) scan(ctx context.Context, prefix string, visit func(payload []byte) error) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(visit)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func checkpointKey(runID, path string) string {
	return checkpointPrefix + runID + "/" + path
}

// genotypeKey zero-pads the epoch so key order matches epoch order.
func genotypeKey(runID string, epoch int) string {
	return fmt.Sprintf("%s%s/%08d", genotypePrefix, runID, epoch)
}
