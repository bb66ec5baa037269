package dataset

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand"
	"sync"
	"sync/atomic"

	"dartsearch/internal/model"
	"dartsearch/internal/parallel"
)

type LoaderConfig struct {
	BatchSize int
	// Workers assemble the samples of one batch concurrently.
	Workers int
	Shuffle bool
	// CutoutLength > 0 zeroes a random window of that many features in every
	// sample.
	CutoutLength int
	Seed         int64
}

// Loader batches a dataset. Every call to Batches is one epoch; the next
// batch is assembled in the background while the caller works on the
// current one, and never more than that one.
type Loader struct {
	ds    *Dataset
	cfg   LoaderConfig
	epoch atomic.Int64
}

func NewLoader(ds *Dataset, cfg LoaderConfig) (*Loader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, errors.New("loader needs a non-empty dataset")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0, got %d", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Loader{ds: ds, cfg: cfg}, nil
}

// Len is the number of batches per epoch, counting a partial last batch.
func (l *Loader) Len() int {
	return (l.ds.Len() + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

func (l *Loader) Dataset() *Dataset {
	return l.ds
}

// Batches yields one epoch of batches. Stopping early releases the prefetch
// goroutine. Cancelling ctx ends the sequence with ctx.Err().
func (l *Loader) Batches(ctx context.Context) iter.Seq2[model.Batch, error] {
	return func(yield func(model.Batch, error) bool) {
		epoch := l.epoch.Add(1) - 1
		order := l.order(epoch)

		prefetchCtx, cancel := context.WithCancel(ctx)
		// Unbuffered: the producer holds at most one assembled batch.
		ready := make(chan model.Batch)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(ready)
			for lo := 0; lo < len(order); lo += l.cfg.BatchSize {
				hi := min(lo+l.cfg.BatchSize, len(order))
				batch := l.assemble(order[lo:hi], epoch, lo)
				select {
				case ready <- batch:
				case <-prefetchCtx.Done():
					return
				}
			}
		}()
		defer func() {
			cancel()
			wg.Wait()
		}()

		for batch := range ready {
			if err := ctx.Err(); err != nil {
				yield(model.Batch{}, err)
				return
			}
			if !yield(batch, nil) {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(model.Batch{}, err)
		}
	}
}

func (l *Loader) order(epoch int64) []int {
	n := l.ds.Len()
	if !l.cfg.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	return rand.New(rand.NewSource(l.cfg.Seed + epoch)).Perm(n)
}

// assemble copies the samples at idx into a fresh batch. Sample i of the
// epoch draws its cutout from its own seeded source so the result does not
// depend on worker scheduling.
func (l *Loader) assemble(idx []int, epoch int64, offset int) model.Batch {
	batch := model.Batch{
		Features: make([][]float64, len(idx)),
		Labels:   make([]int, len(idx)),
	}
	parallel.ForEach(len(idx), l.cfg.Workers, func(i int) {
		x := append([]float64(nil), l.ds.Features[idx[i]]...)
		if l.cfg.CutoutLength > 0 {
			seed := l.cfg.Seed ^ (epoch << 32) ^ int64(offset+i)
			Cutout(x, l.cfg.CutoutLength, rand.New(rand.NewSource(seed)))
		}
		batch.Features[i] = x
		batch.Labels[i] = l.ds.Labels[idx[i]]
	})
	return batch
}

// Cutout zeroes a window of length features centered on a random position,
// clipped to the vector.
func Cutout(x []float64, length int, rng *rand.Rand) {
	if length <= 0 || len(x) == 0 {
		return
	}
	center := rng.Intn(len(x))
	lo := max(center-length/2, 0)
	hi := min(center-length/2+length, len(x))
	for i := lo; i < hi; i++ {
		x[i] = 0
	}
}
