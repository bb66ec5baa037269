package model

// Batch is a minibatch of feature vectors and their class labels.
type Batch struct {
	Features [][]float64
	Labels   []int
}

func (b Batch) Len() int {
	return len(b.Labels)
}

// Slice returns the samples in [lo, hi). The result shares storage with b.
func (b Batch) Slice(lo, hi int) Batch {
	return Batch{Features: b.Features[lo:hi], Labels: b.Labels[lo:hi]}
}

// Metrics are the per-batch scalars reported by a forward pass.
type Metrics struct {
	Loss float64
	Top1 float64
	Top5 float64
}
