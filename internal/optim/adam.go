package optim

import (
	"fmt"
	"math"

	"dartsearch/internal/model"
	"dartsearch/internal/nn"
)

const (
	DefaultArchBeta1 = 0.5
	DefaultArchBeta2 = 0.999
	defaultAdamEps   = 1e-8
)

// Adam is the bias-corrected Adam optimizer with L2 regularization folded
// into the gradient.
type Adam struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	m, v [][]float64
	t    int
}

func NewAdam(lr, beta1, beta2, weightDecay float64) *Adam {
	return &Adam{LR: lr, Beta1: beta1, Beta2: beta2, Eps: defaultAdamEps, WeightDecay: weightDecay}
}

// Step applies one update to params in place.
func (a *Adam) Step(params *model.Params, grads [][]float64) error {
	if err := checkLayout(params, grads); err != nil {
		return err
	}
	if a.m == nil {
		a.m = params.ZeroLike()
		a.v = params.ZeroLike()
	}
	eps := a.Eps
	if eps <= 0 {
		eps = defaultAdamEps
	}

	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, values := range params.Values {
		for j, w := range values {
			g := grads[i][j] + a.WeightDecay*w
			a.m[i][j] = a.Beta1*a.m[i][j] + (1-a.Beta1)*g
			a.v[i][j] = a.Beta2*a.v[i][j] + (1-a.Beta2)*g*g
			mHat := a.m[i][j] / c1
			vHat := a.v[i][j] / c2
			values[j] = w - a.LR*mHat/(math.Sqrt(vHat)+eps)
		}
	}
	if !params.Finite() {
		return fmt.Errorf("%w: adam update produced non-finite values", nn.ErrDiverged)
	}
	return nil
}

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int {
	return a.t
}
