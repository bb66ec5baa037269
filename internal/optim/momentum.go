package optim

import (
	"fmt"

	"dartsearch/internal/model"
	"dartsearch/internal/nn"
)

// Momentum is SGD with heavy-ball momentum, L2 weight decay and global-norm
// gradient clipping. Clipping is applied before decay is added.
type Momentum struct {
	Mu          float64
	WeightDecay float64
	ClipNorm    float64

	velocity [][]float64
}

func NewMomentum(mu, weightDecay, clipNorm float64) *Momentum {
	return &Momentum{Mu: mu, WeightDecay: weightDecay, ClipNorm: clipNorm}
}

// Step applies one update to params in place.
func (m *Momentum) Step(params *model.Params, grads [][]float64, lr float64) error {
	if err := checkLayout(params, grads); err != nil {
		return err
	}
	if m.velocity == nil {
		m.velocity = params.ZeroLike()
	}

	scale := 1.0
	if m.ClipNorm > 0 {
		if norm := nn.GlobalNorm(grads); norm > m.ClipNorm {
			scale = m.ClipNorm / norm
		}
	}

	for i, values := range params.Values {
		velocity := m.velocity[i]
		for j, w := range values {
			g := grads[i][j]*scale + m.WeightDecay*w
			velocity[j] = m.Mu*velocity[j] + g
			values[j] = w - lr*velocity[j]
		}
	}
	if !params.Finite() {
		return fmt.Errorf("%w: momentum update produced non-finite weights", nn.ErrDiverged)
	}
	return nil
}

// Velocity exposes the momentum buffer for checkpointing. It is nil before
// the first step.
func (m *Momentum) Velocity() [][]float64 {
	return m.velocity
}

func checkLayout(params *model.Params, grads [][]float64) error {
	if len(grads) != len(params.Values) {
		return fmt.Errorf("gradient layout mismatch: %d tensors vs %d", len(grads), len(params.Values))
	}
	for i := range grads {
		if len(grads[i]) != len(params.Values[i]) {
			return fmt.Errorf("gradient %s size mismatch: %d vs %d", params.Specs[i].Name, len(grads[i]), len(params.Values[i]))
		}
	}
	return nil
}
