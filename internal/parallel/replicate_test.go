package parallel

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"dartsearch/internal/model"
)

func batchOf(n int) model.Batch {
	b := model.Batch{}
	for i := 0; i < n; i++ {
		b.Features = append(b.Features, []float64{float64(i)})
		b.Labels = append(b.Labels, i)
	}
	return b
}

func TestShardCoversBatch(t *testing.T) {
	cases := []struct {
		size, replicas int
		want           []int
	}{
		{size: 10, replicas: 1, want: []int{10}},
		{size: 10, replicas: 3, want: []int{4, 3, 3}},
		{size: 2, replicas: 4, want: []int{1, 1}},
		{size: 8, replicas: 0, want: []int{8}},
	}
	for _, c := range cases {
		shards := Shard(batchOf(c.size), c.replicas)
		if len(shards) != len(c.want) {
			t.Fatalf("size=%d replicas=%d: got %d shards", c.size, c.replicas, len(shards))
		}
		next := 0
		for i, s := range shards {
			if s.Len() != c.want[i] {
				t.Fatalf("shard %d: got %d want %d", i, s.Len(), c.want[i])
			}
			for _, label := range s.Labels {
				if label != next {
					t.Fatalf("shards must be contiguous, got label %d want %d", label, next)
				}
				next++
			}
		}
	}
}

func TestReplicateBatchMatchesFullBatchMean(t *testing.T) {
	batch := batchOf(7)
	// per-sample gradient is the feature value; loss is its square
	fn := func(_ context.Context, _ int, shard model.Batch) (Partial, error) {
		g, l := 0.0, 0.0
		for _, f := range shard.Features {
			g += f[0]
			l += f[0] * f[0]
		}
		n := float64(shard.Len())
		return Partial{Grads: [][]float64{{g / n}}, Metrics: model.Metrics{Loss: l / n, Top1: 1, Top5: 1}}, nil
	}

	single, err := ReplicateBatch(context.Background(), 1, batch, fn)
	if err != nil {
		t.Fatalf("single replica: %v", err)
	}
	multi, err := ReplicateBatch(context.Background(), 3, batch, fn)
	if err != nil {
		t.Fatalf("three replicas: %v", err)
	}
	if multi.Replicas != 3 || single.Replicas != 1 {
		t.Fatalf("unexpected replica counts: %d %d", single.Replicas, multi.Replicas)
	}
	if math.Abs(single.Grads[0][0]-multi.Grads[0][0]) > 1e-12 || math.Abs(single.Grads[0][0]-3) > 1e-12 {
		t.Fatalf("gradient mismatch: single=%f multi=%f", single.Grads[0][0], multi.Grads[0][0])
	}
	if math.Abs(single.Metrics.Loss-multi.Metrics.Loss) > 1e-12 {
		t.Fatalf("loss mismatch: single=%f multi=%f", single.Metrics.Loss, multi.Metrics.Loss)
	}
	if multi.Weight != 7 {
		t.Fatalf("expected total weight 7, got %f", multi.Weight)
	}
}

func TestReplicateBatchPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	_, err := ReplicateBatch(context.Background(), 4, batchOf(8), func(_ context.Context, replica int, _ model.Batch) (Partial, error) {
		calls.Add(1)
		if replica == 2 {
			return Partial{}, boom
		}
		return Partial{}, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected replica error, got %v", err)
	}
	if calls.Load() != 4 {
		t.Fatalf("expected every replica to start, got %d", calls.Load())
	}
}

func TestReplicateBatchRejectsEmptyBatch(t *testing.T) {
	_, err := ReplicateBatch(context.Background(), 2, model.Batch{}, func(context.Context, int, model.Batch) (Partial, error) {
		return Partial{}, nil
	})
	if err == nil {
		t.Fatal("expected empty batch error")
	}
}

func TestReduceLayoutMismatch(t *testing.T) {
	_, err := Reduce([]Partial{
		{Grads: [][]float64{{1}}, Weight: 1},
		{Grads: [][]float64{{1}, {2}}, Weight: 1},
	})
	if err == nil {
		t.Fatal("expected layout mismatch")
	}
}

func TestForEachVisitsEveryIndex(t *testing.T) {
	for _, limit := range []int{0, 1, 3, 16} {
		seen := make([]int32, 10)
		ForEach(len(seen), limit, func(i int) {
			atomic.AddInt32(&seen[i], 1)
		})
		for i, v := range seen {
			if v != 1 {
				t.Fatalf("limit=%d: index %d visited %d times", limit, i, v)
			}
		}
	}
}
