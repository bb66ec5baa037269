package search

import (
	"context"
	"math/rand"
	"testing"

	"dartsearch/internal/architect"
	"dartsearch/internal/dataset"
	"dartsearch/internal/genotype"
	"dartsearch/internal/model"
	"dartsearch/internal/optim"
	"dartsearch/internal/schedule"
	"dartsearch/internal/supernet"
)

func TestSearchEndToEnd(t *testing.T) {
	ds, err := dataset.Synthetic(dataset.SyntheticConfig{Samples: 16, FeatureDim: 3, Classes: 3, Spread: 0.3, Seed: 7})
	if err != nil {
		t.Fatalf("synthetic: %v", err)
	}
	trainSet, validSet, err := dataset.Split(ds, 0.5, 7)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	trainLoader, err := dataset.NewLoader(trainSet, dataset.LoaderConfig{BatchSize: 4, Workers: 2, Shuffle: true, CutoutLength: 1, Seed: 1})
	if err != nil {
		t.Fatalf("train loader: %v", err)
	}
	validLoader, err := dataset.NewLoader(validSet, dataset.LoaderConfig{BatchSize: 4, Workers: 2, Seed: 2})
	if err != nil {
		t.Fatalf("valid loader: %v", err)
	}

	net, err := supernet.New(supernet.Config{FeatureDim: 3, InitChannels: 2, ClassNum: 3, Layers: 3, Steps: 1})
	if err != nil {
		t.Fatalf("supernet: %v", err)
	}
	rng := rand.New(rand.NewSource(3))
	state := TrainState{Arch: net.InitArchitecture(rng), Weights: net.InitWeights(rng)}
	initialArch := state.Arch.Clone()
	initialWeights := state.Weights.Clone()

	arch, err := architect.New(net, architect.Config{LearningRate: 3e-3, WeightDecay: 1e-3, NetworkWeightDecay: 3e-4, Replicas: 2})
	if err != nil {
		t.Fatalf("architect: %v", err)
	}
	cosine, err := schedule.NewCosine(0.05, 0.001, 4*trainLoader.Len())
	if err != nil {
		t.Fatalf("cosine: %v", err)
	}
	executor, err := NewExecutor(ExecutorConfig{
		Model:     net,
		Architect: arch,
		Optimizer: optim.NewMomentum(0.9, 3e-4, 5),
		Clock:     schedule.NewClock(cosine),
		State:     state,
		Replicas:  2,
	})
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	evaluator, err := NewEvaluator(net, state, 2, nil)
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}
	extractor, err := genotype.NewExtractor(net.Primitives())
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	persister := &fakePersister{}
	o, err := NewOrchestrator(Config{
		RunID: "e2e", Epochs: 2,
		Model: net, Executor: executor, Evaluator: evaluator, Extractor: extractor, State: state,
		Train: trainLoader, Valid: validLoader,
		Persister: &tensorCounter{}, Genotypes: persister,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	result, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.History) != 2 || result.Steps != 4 {
		t.Fatalf("unexpected result: steps=%d epochs=%d", result.Steps, len(result.History))
	}
	if state.Arch.Equal(initialArch) {
		t.Fatal("architecture did not move")
	}
	if state.Weights.Equal(initialWeights) {
		t.Fatal("weights did not move")
	}
	if !state.Arch.Finite() || !state.Weights.Finite() {
		t.Fatal("state diverged")
	}
	for _, record := range result.History {
		if record.ValidTop1 < 0 || record.ValidTop1 > 1 || record.TrainTop5 != 1 {
			t.Fatalf("unexpected record: %+v", record)
		}
	}
	if len(persister.genotypes) != 2 || len(persister.genotypes[1].NormalCell.Ops) != 2 {
		t.Fatalf("unexpected genotypes: %+v", persister.genotypes)
	}
}

// tensorCounter accepts any checkpoint.
type tensorCounter struct {
	saves int
}

func (c *tensorCounter) Save(context.Context, string, int, []model.NamedTensor) error {
	c.saves++
	return nil
}
