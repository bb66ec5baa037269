package storage

import (
	"context"
	"sort"
	"sync"

	"dartsearch/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	checkpoints map[string]map[string]model.Checkpoint
	genotypes   map[string]map[int]model.Genotype
	history     map[string][]model.EpochRecord
	summaries   map[string]model.RunSummary
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.checkpoints = make(map[string]map[string]model.Checkpoint)
	s.genotypes = make(map[string]map[int]model.Genotype)
	s.history = make(map[string][]model.EpochRecord)
	s.summaries = make(map[string]model.RunSummary)
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	return s.Init(ctx)
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPath, ok := s.checkpoints[checkpoint.RunID]
	if !ok {
		byPath = make(map[string]model.Checkpoint)
		s.checkpoints[checkpoint.RunID] = byPath
	}
	byPath[checkpoint.Path] = cloneCheckpoint(checkpoint)
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, runID, path string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.checkpoints[runID][path]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	return cloneCheckpoint(checkpoint), true, nil
}

// ListCheckpoints returns the run's checkpoints ordered by path, without
// tensor payloads.
func (s *MemoryStore) ListCheckpoints(_ context.Context, runID string) ([]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Checkpoint, 0, len(s.checkpoints[runID]))
	for _, checkpoint := range s.checkpoints[runID] {
		checkpoint.Tensors = nil
		out = append(out, checkpoint)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemoryStore) SaveGenotype(_ context.Context, genotype model.Genotype) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byEpoch, ok := s.genotypes[genotype.RunID]
	if !ok {
		byEpoch = make(map[int]model.Genotype)
		s.genotypes[genotype.RunID] = byEpoch
	}
	byEpoch[genotype.Epoch] = genotype
	return nil
}

// GetGenotypes returns the run's genotypes ordered by epoch.
func (s *MemoryStore) GetGenotypes(_ context.Context, runID string) ([]model.Genotype, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byEpoch, ok := s.genotypes[runID]
	if !ok {
		return nil, false, nil
	}
	out := make([]model.Genotype, 0, len(byEpoch))
	for _, genotype := range byEpoch {
		out = append(out, genotype)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, true, nil
}

func (s *MemoryStore) SaveEpochHistory(_ context.Context, runID string, history []model.EpochRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]model.EpochRecord, len(history))
	copy(copied, history)
	s.history[runID] = copied
	return nil
}

func (s *MemoryStore) GetEpochHistory(_ context.Context, runID string) ([]model.EpochRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.history[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.EpochRecord, len(history))
	copy(copied, history)
	return copied, true, nil
}

func (s *MemoryStore) SaveRunSummary(_ context.Context, summary model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summaries[summary.RunID] = summary
	return nil
}

func (s *MemoryStore) GetRunSummary(_ context.Context, runID string) (model.RunSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[runID]
	return summary, ok, nil
}

func cloneCheckpoint(c model.Checkpoint) model.Checkpoint {
	tensors := make([]model.NamedTensor, len(c.Tensors))
	for i, tensor := range c.Tensors {
		tensors[i] = model.NamedTensor{Name: tensor.Name, Values: append([]float64(nil), tensor.Values...)}
	}
	c.Tensors = tensors
	return c
}
