// Package search drives the bilevel architecture search: the per-step
// executor, the validation evaluator and the epoch orchestrator.
package search

import (
	"context"
	"errors"
	"iter"

	"dartsearch/internal/model"
)

// TrainState is the long-lived search state: the architecture encoding and
// the ordinary network weights. Only the architecture sub-steps write Arch
// and only the weight sub-step writes Weights.
type TrainState struct {
	Arch    *model.Params
	Weights *model.Params
}

func (s TrainState) validate() error {
	if s.Arch == nil || s.Weights == nil {
		return errors.New("architecture and weights are required")
	}
	return nil
}

// Tensors returns both parameter sets in persisted form, architecture first.
func (s TrainState) Tensors() []model.NamedTensor {
	return append(s.Arch.Tensors(), s.Weights.Tensors()...)
}

// Pair is one training batch and one validation batch consumed by a single
// step.
type Pair struct {
	Train model.Batch
	Valid model.Batch
}

// Model is the network collaborator. Implementations may perturb the
// differentiated parameter set during Gradients but must restore it.
type Model interface {
	InputDim() int
	Metrics(ctx context.Context, arch, weights *model.Params, batch model.Batch) (model.Metrics, error)
	Gradients(ctx context.Context, arch, weights *model.Params, batch model.Batch, kind model.ParamKind) (model.Metrics, [][]float64, error)
}

// Architect performs the two architecture update procedures. Both write arch
// and only read weights.
type Architect interface {
	StepA(ctx context.Context, arch, weights *model.Params, train, valid model.Batch, lr float64) (model.Metrics, error)
	StepB(ctx context.Context, arch, weights *model.Params, train, valid model.Batch, lr float64) (model.Metrics, error)
}

// WeightOptimizer applies reduced gradients to the network weights.
type WeightOptimizer interface {
	Step(params *model.Params, grads [][]float64, lr float64) error
}

// Source produces one epoch of batches per call.
type Source interface {
	Batches(ctx context.Context) iter.Seq2[model.Batch, error]
}

// Persister saves a parameter set under a postfix such as "best".
type Persister interface {
	Save(ctx context.Context, postfix string, epoch int, tensors []model.NamedTensor) error
}

// GenotypeSink receives the genotype decoded at the start of every epoch.
type GenotypeSink interface {
	SaveGenotype(ctx context.Context, genotype model.Genotype) error
}
