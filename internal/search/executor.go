package search

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dartsearch/internal/metrics"
	"dartsearch/internal/model"
	"dartsearch/internal/parallel"
	"dartsearch/internal/schedule"
)

const tracerName = "dartsearch/search"

// StepResult is what one bilevel step reports: the learning rate it used and
// the training-batch metrics of the weight sub-step.
type StepResult struct {
	LR        float64
	Metrics   model.Metrics
	BatchSize int
}

// Executor runs architecture sub-step A, architecture sub-step B and the
// weight sub-step, in that order, for one pair of batches. Each sub-step
// completes on every replica before the next one starts.
type Executor struct {
	model     Model
	architect Architect
	optimizer WeightOptimizer
	clock     *schedule.Clock
	state     TrainState
	replicas  int
	recorder  *metrics.Recorder
}

type ExecutorConfig struct {
	Model     Model
	Architect Architect
	Optimizer WeightOptimizer
	Clock     *schedule.Clock
	State     TrainState
	Replicas  int
	Recorder  *metrics.Recorder
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Model == nil || cfg.Architect == nil || cfg.Optimizer == nil {
		return nil, errors.New("model, architect and optimizer are required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("learning rate clock is required")
	}
	if err := cfg.State.validate(); err != nil {
		return nil, err
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	return &Executor{
		model:     cfg.Model,
		architect: cfg.Architect,
		optimizer: cfg.Optimizer,
		clock:     cfg.Clock,
		state:     cfg.State,
		replicas:  cfg.Replicas,
		recorder:  cfg.Recorder,
	}, nil
}

// Step consumes pair and advances the global step once the weights have
// been updated.
func (e *Executor) Step(ctx context.Context, pair Pair) (StepResult, error) {
	lr := e.clock.Current()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "search.Step",
		trace.WithAttributes(
			attribute.Int("global_step", e.clock.Step()),
			attribute.Float64("lr", lr),
			attribute.Int("train_batch", pair.Train.Len()),
			attribute.Int("valid_batch", pair.Valid.Len()),
		),
	)
	defer span.End()

	if err := e.archStepA(ctx, pair, lr); err != nil {
		return StepResult{}, failSpan(span, fmt.Errorf("architecture step A: %w", err))
	}
	if err := e.archStepB(ctx, pair, lr); err != nil {
		return StepResult{}, failSpan(span, fmt.Errorf("architecture step B: %w", err))
	}
	m, err := e.weightStep(ctx, pair.Train, lr)
	if err != nil {
		return StepResult{}, failSpan(span, fmt.Errorf("weight step: %w", err))
	}

	e.clock.Advance()
	e.recorder.SetLearningRate(lr)
	span.SetAttributes(attribute.Float64("train_loss", m.Loss))
	return StepResult{LR: lr, Metrics: m, BatchSize: pair.Train.Len()}, nil
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "step failed")
	return err
}

// subStep opens a child span and a timer for one sub-step.
func (e *Executor) subStep(ctx context.Context, name string) (context.Context, func(error)) {
	stop := e.recorder.Time(name)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "search."+name)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, name+" failed")
		}
		span.End()
		stop()
	}
}

func (e *Executor) archStepA(ctx context.Context, pair Pair, lr float64) (err error) {
	ctx, done := e.subStep(ctx, "arch_a")
	defer func() { done(err) }()
	_, err = e.architect.StepA(ctx, e.state.Arch, e.state.Weights, pair.Train, pair.Valid, lr)
	return err
}

func (e *Executor) archStepB(ctx context.Context, pair Pair, lr float64) (err error) {
	ctx, done := e.subStep(ctx, "arch_b")
	defer func() { done(err) }()
	_, err = e.architect.StepB(ctx, e.state.Arch, e.state.Weights, pair.Train, pair.Valid, lr)
	return err
}

// weightStep differentiates the training loss on every replica against
// private copies of the state, reduces the gradients and applies them once.
// The architecture is only read.
func (e *Executor) weightStep(ctx context.Context, train model.Batch, lr float64) (_ model.Metrics, err error) {
	ctx, done := e.subStep(ctx, "weight")
	defer func() { done(err) }()
	reduced, err := parallel.ReplicateBatch(ctx, e.replicas, train, func(ctx context.Context, _ int, shard model.Batch) (parallel.Partial, error) {
		m, grads, err := e.model.Gradients(ctx, e.state.Arch.Clone(), e.state.Weights.Clone(), shard, model.KindWeight)
		if err != nil {
			return parallel.Partial{}, err
		}
		return parallel.Partial{Grads: grads, Metrics: m}, nil
	})
	if err != nil {
		return model.Metrics{}, err
	}
	if err := e.optimizer.Step(e.state.Weights, reduced.Grads, lr); err != nil {
		return model.Metrics{}, err
	}
	return reduced.Metrics, nil
}

// Evaluator computes validation metrics with a pure forward pass.
type Evaluator struct {
	model    Model
	state    TrainState
	replicas int
	recorder *metrics.Recorder
}

func NewEvaluator(m Model, state TrainState, replicas int, recorder *metrics.Recorder) (*Evaluator, error) {
	if m == nil {
		return nil, errors.New("model is required")
	}
	if err := state.validate(); err != nil {
		return nil, err
	}
	return &Evaluator{model: m, state: state, replicas: max(replicas, 1), recorder: recorder}, nil
}

// Evaluate returns loss, top-1 and top-5 for batch without changing any
// parameter.
func (e *Evaluator) Evaluate(ctx context.Context, batch model.Batch) (model.Metrics, error) {
	defer e.recorder.Time("eval")()
	reduced, err := parallel.ReplicateBatch(ctx, e.replicas, batch, func(ctx context.Context, _ int, shard model.Batch) (parallel.Partial, error) {
		m, err := e.model.Metrics(ctx, e.state.Arch, e.state.Weights, shard)
		if err != nil {
			return parallel.Partial{}, err
		}
		return parallel.Partial{Metrics: m}, nil
	})
	if err != nil {
		return model.Metrics{}, err
	}
	return reduced.Metrics, nil
}
