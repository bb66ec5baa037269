package parallel

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"dartsearch/internal/model"
)

// Partial is what one replica reports for its shard. Weight is the number of
// samples the shard held and scales the replica's share of the reduction.
type Partial struct {
	Grads   [][]float64
	Metrics model.Metrics
	Weight  float64
}

// Reduced is the sample-weighted mean of all replica partials.
type Reduced struct {
	Grads    [][]float64
	Metrics  model.Metrics
	Weight   float64
	Replicas int
}

// ReplicaFn runs one replica on its shard.
type ReplicaFn func(ctx context.Context, replica int, shard model.Batch) (Partial, error)

// Shard splits batch into at most n contiguous, non-empty, near-equal parts.
func Shard(batch model.Batch, n int) []model.Batch {
	size := batch.Len()
	if n <= 0 {
		n = 1
	}
	if n > size {
		n = size
	}
	shards := make([]model.Batch, 0, n)
	lo := 0
	for i := 0; i < n; i++ {
		hi := lo + size/n
		if i < size%n {
			hi++
		}
		shards = append(shards, batch.Slice(lo, hi))
		lo = hi
	}
	return shards
}

// ReplicateBatch shards batch across replicas, runs fn on every shard
// concurrently and blocks until all replicas are done. The first error cancels
// the remaining replicas and is returned; nothing is reduced in that case.
func ReplicateBatch(ctx context.Context, replicas int, batch model.Batch, fn ReplicaFn) (Reduced, error) {
	shards := Shard(batch, replicas)
	if len(shards) == 0 {
		return Reduced{}, errors.New("cannot replicate an empty batch")
	}

	partials := make([]Partial, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		g.Go(func() error {
			partial, err := fn(gctx, i, shards[i])
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			if partial.Weight <= 0 {
				partial.Weight = float64(shards[i].Len())
			}
			partials[i] = partial
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Reduced{}, err
	}
	return Reduce(partials)
}

// Reduce combines replica partials into one sample-weighted mean.
func Reduce(partials []Partial) (Reduced, error) {
	if len(partials) == 0 {
		return Reduced{}, errors.New("nothing to reduce")
	}
	total := 0.0
	for _, p := range partials {
		total += p.Weight
	}
	if total <= 0 {
		return Reduced{}, errors.New("replica weights must be positive")
	}

	out := Reduced{Weight: total, Replicas: len(partials)}
	if partials[0].Grads != nil {
		out.Grads = make([][]float64, len(partials[0].Grads))
		for i, g := range partials[0].Grads {
			out.Grads[i] = make([]float64, len(g))
		}
	}
	for r, p := range partials {
		share := p.Weight / total
		out.Metrics.Loss += share * p.Metrics.Loss
		out.Metrics.Top1 += share * p.Metrics.Top1
		out.Metrics.Top5 += share * p.Metrics.Top5
		if out.Grads == nil {
			continue
		}
		if len(p.Grads) != len(out.Grads) {
			return Reduced{}, fmt.Errorf("replica %d gradient layout mismatch: %d tensors vs %d", r, len(p.Grads), len(out.Grads))
		}
		for i, g := range p.Grads {
			if len(g) != len(out.Grads[i]) {
				return Reduced{}, fmt.Errorf("replica %d gradient %d size mismatch", r, i)
			}
			for j, v := range g {
				out.Grads[i][j] += share * v
			}
		}
	}
	return out, nil
}
