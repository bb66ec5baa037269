package supernet

import (
	"context"
	"errors"
	"fmt"

	"dartsearch/internal/model"
	"dartsearch/internal/nn"
)

// affine computes W·in + b into out, with W (len(out) x len(in)) stored
// row-major ahead of b.
func affine(in, weights, out []float64) {
	dim := len(in)
	bias := weights[len(out)*dim:]
	for r := range out {
		row := weights[r*dim : (r+1)*dim]
		acc := bias[r]
		for c, v := range in {
			acc += row[c] * v
		}
		out[r] = acc
	}
}

type scratch struct {
	states [][]float64
	opOut  []float64
}

func (n *Network) newScratch() *scratch {
	s := &scratch{states: make([][]float64, n.cfg.Steps+2), opOut: make([]float64, n.cfg.InitChannels)}
	for i := range s.states {
		s.states[i] = make([]float64, n.cfg.InitChannels)
	}
	return s
}

// forward writes the logits of one sample into logits.
func (n *Network) forward(mix map[model.Group][][]float64, weights *model.Params, x []float64, s *scratch, logits []float64) error {
	if len(x) != n.cfg.FeatureDim {
		return fmt.Errorf("sample has %d features, network expects %d", len(x), n.cfg.FeatureDim)
	}
	channels := n.cfg.InitChannels

	stem := make([]float64, channels)
	affine(x, weights.Values[n.stemIdx], stem)
	prevPrev := append([]float64(nil), stem...)
	prev := stem

	for _, cell := range n.cells {
		group := model.GroupNormal
		if cell.reduce {
			group = model.GroupReduce
		}
		edgeMix := mix[group]

		copy(s.states[0], prevPrev)
		copy(s.states[1], prev)
		for j := 2; j < len(s.states); j++ {
			clear(s.states[j])
		}
		for e, edge := range cell.edges {
			in := s.states[edge.from]
			node := s.states[edge.to]
			for k, op := range n.ops {
				w := edgeMix[e][k]
				if op.Name == nn.OpNone || w == 0 {
					continue
				}
				var opWeights []float64
				if idx := edge.weightIdx[k]; idx >= 0 {
					opWeights = weights.Values[idx]
				}
				op.Func(in, opWeights, s.opOut)
				for c, v := range s.opOut {
					node[c] += w * v
				}
			}
		}

		out := make([]float64, channels)
		for j := 2; j < len(s.states); j++ {
			for c, v := range s.states[j] {
				out[c] += v
			}
		}
		for c := range out {
			out[c] /= float64(n.cfg.Steps)
		}
		prevPrev, prev = prev, out
	}

	affine(prev, weights.Values[n.classIdx], logits)
	return nil
}

// Logits runs the network on one sample.
func (n *Network) Logits(arch, weights *model.Params, x []float64) ([]float64, error) {
	if err := n.checkParams(arch, weights); err != nil {
		return nil, err
	}
	logits := make([]float64, n.cfg.ClassNum)
	if err := n.forward(n.mixtures(arch), weights, x, n.newScratch(), logits); err != nil {
		return nil, err
	}
	return logits, nil
}

// Metrics returns mean cross-entropy loss and top-1/top-5 accuracy over batch.
// Neither parameter set is modified.
func (n *Network) Metrics(ctx context.Context, arch, weights *model.Params, batch model.Batch) (model.Metrics, error) {
	if err := ctx.Err(); err != nil {
		return model.Metrics{}, err
	}
	if err := n.checkParams(arch, weights); err != nil {
		return model.Metrics{}, err
	}
	if batch.Len() == 0 {
		return model.Metrics{}, errors.New("empty batch")
	}

	mix := n.mixtures(arch)
	s := n.newScratch()
	logits := make([]float64, n.cfg.ClassNum)
	k := topK
	if k > n.cfg.ClassNum {
		k = n.cfg.ClassNum
	}

	var out model.Metrics
	for i, x := range batch.Features {
		if err := n.forward(mix, weights, x, s, logits); err != nil {
			return model.Metrics{}, err
		}
		loss, err := nn.CrossEntropy(logits, batch.Labels[i])
		if err != nil {
			return model.Metrics{}, err
		}
		out.Loss += loss
		if nn.InTopK(logits, batch.Labels[i], 1) {
			out.Top1++
		}
		if nn.InTopK(logits, batch.Labels[i], k) {
			out.Top5++
		}
	}
	size := float64(batch.Len())
	out.Loss /= size
	out.Top1 /= size
	out.Top5 /= size
	if err := nn.CheckFinite("loss", out.Loss); err != nil {
		return model.Metrics{}, err
	}
	return out, nil
}

// Gradients returns the batch metrics and the gradient of the mean loss with
// respect to the parameters of the given kind. The differentiated set is
// perturbed in place while the call runs and restored before it returns, so
// callers that share parameters across goroutines must pass copies.
func (n *Network) Gradients(ctx context.Context, arch, weights *model.Params, batch model.Batch, kind model.ParamKind) (model.Metrics, [][]float64, error) {
	metrics, err := n.Metrics(ctx, arch, weights, batch)
	if err != nil {
		return model.Metrics{}, nil, err
	}

	var target *model.Params
	switch kind {
	case model.KindArchitecture:
		target = arch
	case model.KindWeight:
		target = weights
	default:
		return model.Metrics{}, nil, fmt.Errorf("unknown parameter kind %q", kind)
	}

	loss := func() (float64, error) {
		m, err := n.Metrics(ctx, arch, weights, batch)
		return m.Loss, err
	}
	grads, err := nn.Gradient(ctx, target.Values, n.cfg.GradStep, loss)
	if err != nil {
		return model.Metrics{}, nil, fmt.Errorf("%s gradients: %w", kind, err)
	}
	return metrics, grads, nil
}
