package nn

import (
	"context"
	"fmt"
)

// DefaultStep is the central-difference step used by Gradient.
const DefaultStep = 1e-5

// LossFn evaluates a scalar objective at the current parameter values.
type LossFn func() (float64, error)

// Gradient estimates d loss / d tensors by central differences. Each scalar is
// perturbed in place and restored before the next one, so tensors must not be
// shared with concurrent readers while Gradient runs.
func Gradient(ctx context.Context, tensors [][]float64, step float64, loss LossFn) ([][]float64, error) {
	if step <= 0 {
		step = DefaultStep
	}
	grads := make([][]float64, len(tensors))
	for i, tensor := range tensors {
		grads[i] = make([]float64, len(tensor))
		for j := range tensor {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			original := tensor[j]

			tensor[j] = original + step
			plus, err := loss()
			if err != nil {
				tensor[j] = original
				return nil, err
			}
			tensor[j] = original - step
			minus, err := loss()
			tensor[j] = original
			if err != nil {
				return nil, err
			}

			g := (plus - minus) / (2 * step)
			if err := CheckFinite(fmt.Sprintf("grad[%d][%d]", i, j), g); err != nil {
				return nil, err
			}
			grads[i][j] = g
		}
	}
	return grads, nil
}

// Axpy computes dst += alpha * x tensor-wise.
func Axpy(dst [][]float64, alpha float64, x [][]float64) {
	for i := range dst {
		for j := range dst[i] {
			dst[i][j] += alpha * x[i][j]
		}
	}
}
