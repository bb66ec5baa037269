// Package architect updates the architecture parameters with the one-step
// unrolled approximation of the bilevel gradient.
package architect

import (
	"context"
	"errors"
	"fmt"
	"math"

	"dartsearch/internal/model"
	"dartsearch/internal/nn"
	"dartsearch/internal/optim"
	"dartsearch/internal/parallel"
)

// hessianScale sets the finite-difference radius of the Hessian-vector
// product: eps = hessianScale / ||grad||.
const hessianScale = 0.01

// Objective evaluates the loss on one batch and differentiates it with respect
// to one parameter kind. It may perturb the differentiated set while it runs
// but must restore it before returning.
type Objective interface {
	Gradients(ctx context.Context, arch, weights *model.Params, batch model.Batch, kind model.ParamKind) (model.Metrics, [][]float64, error)
}

type Config struct {
	LearningRate float64
	WeightDecay  float64
	Beta1        float64
	Beta2        float64
	// NetworkWeightDecay is the L2 term of the virtual weight step.
	NetworkWeightDecay float64
	// Replicas is the data-parallel replication factor.
	Replicas int
}

// Unrolled owns the two architecture update procedures. Procedure A follows
// the direct gradient of the validation loss at the virtual weights;
// procedure B applies the second-order correction. Each has its own Adam
// moments.
type Unrolled struct {
	obj      Objective
	cfg      Config
	direct   *optim.Adam
	implicit *optim.Adam
}

func New(obj Objective, cfg Config) (*Unrolled, error) {
	if obj == nil {
		return nil, errors.New("objective is required")
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("architecture learning rate must be > 0, got %v", cfg.LearningRate)
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = optim.DefaultArchBeta1
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = optim.DefaultArchBeta2
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	return &Unrolled{
		obj:      obj,
		cfg:      cfg,
		direct:   optim.NewAdam(cfg.LearningRate, cfg.Beta1, cfg.Beta2, cfg.WeightDecay),
		implicit: optim.NewAdam(cfg.LearningRate, cfg.Beta1, cfg.Beta2, cfg.WeightDecay),
	}, nil
}

func (u *Unrolled) Config() Config {
	return u.cfg
}

// StepA applies Adam to arch along d Lval(w', arch) / d arch, where w' is the
// virtual weight step taken with learning rate lr. weights is only read. The
// returned metrics are the validation metrics at w'.
func (u *Unrolled) StepA(ctx context.Context, arch, weights *model.Params, train, valid model.Batch, lr float64) (model.Metrics, error) {
	virtual, err := u.virtualStep(ctx, arch, weights, train, lr)
	if err != nil {
		return model.Metrics{}, fmt.Errorf("virtual step: %w", err)
	}
	reduced, err := u.gradients(ctx, arch, virtual, valid, model.KindArchitecture)
	if err != nil {
		return model.Metrics{}, fmt.Errorf("validation architecture gradient: %w", err)
	}
	if err := u.direct.Step(arch, reduced.Grads); err != nil {
		return model.Metrics{}, err
	}
	return reduced.Metrics, nil
}

// StepB applies Adam to arch along the implicit term
//
//	-lr * (d Ltrain(w+) / d arch - d Ltrain(w-) / d arch) / 2eps
//
// with w± = w ± eps * d Lval(w') / d w' and eps = 0.01 / ||d Lval(w') / d w'||.
// weights is only read.
func (u *Unrolled) StepB(ctx context.Context, arch, weights *model.Params, train, valid model.Batch, lr float64) (model.Metrics, error) {
	virtual, err := u.virtualStep(ctx, arch, weights, train, lr)
	if err != nil {
		return model.Metrics{}, fmt.Errorf("virtual step: %w", err)
	}
	outer, err := u.gradients(ctx, arch, virtual, valid, model.KindWeight)
	if err != nil {
		return model.Metrics{}, fmt.Errorf("validation weight gradient: %w", err)
	}

	correction := arch.ZeroLike()
	if norm := nn.GlobalNorm(outer.Grads); norm > 0 {
		eps := hessianScale / norm

		plus := weights.Clone()
		nn.Axpy(plus.Values, eps, outer.Grads)
		gradPlus, err := u.gradients(ctx, arch, plus, train, model.KindArchitecture)
		if err != nil {
			return model.Metrics{}, fmt.Errorf("hessian product (+): %w", err)
		}

		minus := weights.Clone()
		nn.Axpy(minus.Values, -eps, outer.Grads)
		gradMinus, err := u.gradients(ctx, arch, minus, train, model.KindArchitecture)
		if err != nil {
			return model.Metrics{}, fmt.Errorf("hessian product (-): %w", err)
		}

		scale := -lr / (2 * eps)
		for i := range correction {
			for j := range correction[i] {
				correction[i][j] = scale * (gradPlus.Grads[i][j] - gradMinus.Grads[i][j])
			}
		}
	}
	for i := range correction {
		for _, v := range correction[i] {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return model.Metrics{}, fmt.Errorf("%w: implicit architecture gradient", nn.ErrDiverged)
			}
		}
	}
	if err := u.implicit.Step(arch, correction); err != nil {
		return model.Metrics{}, err
	}
	return outer.Metrics, nil
}

// virtualStep returns w - lr * (d Ltrain / d w + lambda * w) as a new set.
func (u *Unrolled) virtualStep(ctx context.Context, arch, weights *model.Params, train model.Batch, lr float64) (*model.Params, error) {
	reduced, err := u.gradients(ctx, arch, weights, train, model.KindWeight)
	if err != nil {
		return nil, err
	}
	virtual := weights.Clone()
	for i, values := range virtual.Values {
		for j, w := range values {
			values[j] = w - lr*(reduced.Grads[i][j]+u.cfg.NetworkWeightDecay*w)
		}
	}
	if !virtual.Finite() {
		return nil, fmt.Errorf("%w: virtual weights", nn.ErrDiverged)
	}
	return virtual, nil
}

// gradients runs the objective on every replica shard against private copies
// of both parameter sets and reduces the results.
func (u *Unrolled) gradients(ctx context.Context, arch, weights *model.Params, batch model.Batch, kind model.ParamKind) (parallel.Reduced, error) {
	return parallel.ReplicateBatch(ctx, u.cfg.Replicas, batch, func(ctx context.Context, _ int, shard model.Batch) (parallel.Partial, error) {
		metrics, grads, err := u.obj.Gradients(ctx, arch.Clone(), weights.Clone(), shard, kind)
		if err != nil {
			return parallel.Partial{}, err
		}
		return parallel.Partial{Grads: grads, Metrics: metrics}, nil
	})
}
