// Package supernet implements the continuous-relaxation search network: a
// stack of cells whose edges mix every candidate operation, weighted by the
// softmax of per-edge architecture parameters shared across cells of the same
// kind.
package supernet

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"dartsearch/internal/model"
	"dartsearch/internal/nn"
)

const (
	DefaultSteps   = 2
	archInitScale  = 1e-3
	stemTensor     = "stem"
	classifierName = "classifier"
	topK           = 5
)

type Config struct {
	FeatureDim   int
	InitChannels int
	ClassNum     int
	Layers       int
	// Steps is the number of intermediate nodes per cell.
	Steps      int
	Primitives []string
	// GradStep is the central-difference step used for gradients.
	GradStep float64
}

type edgeLayout struct {
	from, to int
	// weightIdx[k] is the weight tensor of primitive k in this cell, or -1.
	weightIdx []int
}

type cellLayout struct {
	reduce bool
	edges  []edgeLayout
}

// Network is the supernet. It holds layout only; parameter values live in the
// architecture and weight sets passed to every call.
type Network struct {
	cfg        Config
	ops        []nn.OpSpec
	cells      []cellLayout
	edgeCount  int
	archSpecs  []model.ParamSpec
	archIdx    map[model.Group][]int
	weightSpec []model.ParamSpec
	stemIdx    int
	classIdx   int
}

func New(cfg Config) (*Network, error) {
	if cfg.Steps <= 0 {
		cfg.Steps = DefaultSteps
	}
	if len(cfg.Primitives) == 0 {
		cfg.Primitives = append([]string(nil), nn.DefaultPrimitives...)
	}
	if cfg.FeatureDim <= 0 || cfg.InitChannels <= 0 {
		return nil, fmt.Errorf("feature dim and init channels must be > 0, got %d and %d", cfg.FeatureDim, cfg.InitChannels)
	}
	if cfg.ClassNum < 2 {
		return nil, fmt.Errorf("class count must be >= 2, got %d", cfg.ClassNum)
	}
	if cfg.Layers <= 0 {
		return nil, fmt.Errorf("layer count must be > 0, got %d", cfg.Layers)
	}
	if cfg.GradStep <= 0 {
		cfg.GradStep = nn.DefaultStep
	}

	n := &Network{cfg: cfg, archIdx: make(map[model.Group][]int)}
	for _, name := range cfg.Primitives {
		op, err := nn.GetOp(name)
		if err != nil {
			return nil, err
		}
		n.ops = append(n.ops, op)
	}

	n.weightSpec = append(n.weightSpec, model.ParamSpec{
		Name: stemTensor, Kind: model.KindWeight, Size: cfg.InitChannels*cfg.FeatureDim + cfg.InitChannels,
	})
	n.stemIdx = 0

	var endpoints [][2]int
	for j := 0; j < cfg.Steps; j++ {
		for i := 0; i < j+2; i++ {
			endpoints = append(endpoints, [2]int{i, j + 2})
		}
	}
	n.edgeCount = len(endpoints)

	for _, group := range []model.Group{model.GroupNormal, model.GroupReduce} {
		for e, ep := range endpoints {
			n.archIdx[group] = append(n.archIdx[group], len(n.archSpecs))
			n.archSpecs = append(n.archSpecs, model.ParamSpec{
				Name:  ArchParamName(e, group),
				Kind:  model.KindArchitecture,
				Group: group,
				Size:  len(n.ops),
				From:  ep[0],
				To:    ep[1],
			})
		}
	}

	for c := 0; c < cfg.Layers; c++ {
		cell := cellLayout{reduce: isReductionLayer(c, cfg.Layers)}
		for e, ep := range endpoints {
			edge := edgeLayout{from: ep[0], to: ep[1], weightIdx: make([]int, len(n.ops))}
			for k, op := range n.ops {
				size := op.ParamSize(cfg.InitChannels)
				if size == 0 {
					edge.weightIdx[k] = -1
					continue
				}
				edge.weightIdx[k] = len(n.weightSpec)
				n.weightSpec = append(n.weightSpec, model.ParamSpec{
					Name: fmt.Sprintf("cell%d.edge%d.%s", c, e, op.Name),
					Kind: model.KindWeight,
					Size: size,
				})
			}
			cell.edges = append(cell.edges, edge)
		}
		n.cells = append(n.cells, cell)
	}

	n.classIdx = len(n.weightSpec)
	n.weightSpec = append(n.weightSpec, model.ParamSpec{
		Name: classifierName, Kind: model.KindWeight, Size: cfg.ClassNum*cfg.InitChannels + cfg.ClassNum,
	})
	return n, nil
}

// ArchParamName is the identifier of an architecture edge: arch_<edge>_<group>.
func ArchParamName(edge int, group model.Group) string {
	return fmt.Sprintf("arch_%d_%s", edge, group)
}

// Reduction cells sit at one and two thirds of the depth.
func isReductionLayer(layer, layers int) bool {
	return layer == layers/3 || layer == 2*layers/3
}

func (n *Network) Config() Config {
	return n.cfg
}

func (n *Network) InputDim() int {
	return n.cfg.FeatureDim
}

func (n *Network) Primitives() []string {
	return append([]string(nil), n.cfg.Primitives...)
}

// Parameters lists every parameter tagged by kind and, for architecture
// edges, by group and endpoints.
func (n *Network) Parameters() []model.ParamSpec {
	out := make([]model.ParamSpec, 0, len(n.archSpecs)+len(n.weightSpec))
	out = append(out, n.archSpecs...)
	out = append(out, n.weightSpec...)
	return out
}

func (n *Network) ArchitectureSpecs() []model.ParamSpec {
	return append([]model.ParamSpec(nil), n.archSpecs...)
}

func (n *Network) WeightSpecs() []model.ParamSpec {
	return append([]model.ParamSpec(nil), n.weightSpec...)
}

// InitArchitecture draws small normal logits so every edge starts close to a
// uniform mixture.
func (n *Network) InitArchitecture(rng *rand.Rand) *model.Params {
	p := model.NewParams(n.archSpecs)
	for _, values := range p.Values {
		for j := range values {
			values[j] = archInitScale * rng.NormFloat64()
		}
	}
	return p
}

// InitWeights draws uniform weights scaled by 1/sqrt(fan-in); biases start at zero.
func (n *Network) InitWeights(rng *rand.Rand) *model.Params {
	p := model.NewParams(n.weightSpec)
	for i, spec := range p.Specs {
		fanIn := n.cfg.InitChannels
		rows := n.cfg.InitChannels
		switch i {
		case n.stemIdx:
			fanIn = n.cfg.FeatureDim
		case n.classIdx:
			rows = n.cfg.ClassNum
		}
		bound := 1 / math.Sqrt(float64(fanIn))
		matrix := rows * fanIn
		if matrix > spec.Size {
			matrix = spec.Size
		}
		for j := 0; j < matrix; j++ {
			p.Values[i][j] = (2*rng.Float64() - 1) * bound
		}
	}
	return p
}

// ParamBytes is the size of the ordinary weights stored as float32, the
// figure reported as the model size.
func (n *Network) ParamBytes() uint64 {
	total := 0
	for _, spec := range n.weightSpec {
		total += spec.Size
	}
	return uint64(total) * 4
}

func (n *Network) checkParams(arch, weights *model.Params) error {
	if arch == nil || weights == nil {
		return errors.New("architecture and weights are required")
	}
	if arch.Len() != len(n.archSpecs) || weights.Len() != len(n.weightSpec) {
		return fmt.Errorf("parameter layout mismatch: arch=%d/%d weights=%d/%d", arch.Len(), len(n.archSpecs), weights.Len(), len(n.weightSpec))
	}
	return nil
}

func (n *Network) mixtures(arch *model.Params) map[model.Group][][]float64 {
	out := make(map[model.Group][][]float64, 2)
	for group, indices := range n.archIdx {
		mix := make([][]float64, len(indices))
		for e, idx := range indices {
			mix[e] = nn.Softmax(arch.Values[idx])
		}
		out[group] = mix
	}
	return out
}
