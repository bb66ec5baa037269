// Package genotype decodes the continuous architecture encoding into a
// discrete genotype.
package genotype

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"dartsearch/internal/model"
	"dartsearch/internal/nn"
)

// ErrMalformedEncoding reports architecture identifiers or tensors that do not
// follow the arch_<edge>_<group> convention.
var ErrMalformedEncoding = errors.New("malformed architecture encoding")

// Source yields the raw architecture tensors from an evaluation that does not
// touch training state. specs[i] describes values[i].
type Source interface {
	ArchitectureValues(ctx context.Context) ([]model.ParamSpec, [][]float64, error)
}

type Extractor struct {
	primitives []string
	noneIdx    int
}

func NewExtractor(primitives []string) (*Extractor, error) {
	if len(primitives) == 0 {
		return nil, errors.New("candidate operations are required")
	}
	e := &Extractor{primitives: append([]string(nil), primitives...), noneIdx: -1}
	for i, name := range primitives {
		if name == nn.OpNone {
			e.noneIdx = i
		}
	}
	return e, nil
}

func (e *Extractor) Primitives() []string {
	return append([]string(nil), e.primitives...)
}

// Extract reads the architecture from src and decodes it.
func (e *Extractor) Extract(ctx context.Context, src Source) (model.Genotype, error) {
	specs, values, err := src.ArchitectureValues(ctx)
	if err != nil {
		return model.Genotype{}, fmt.Errorf("evaluate architecture: %w", err)
	}
	return e.Decode(specs, values)
}

// Decode normalizes every edge with softmax, splits edges by group, orders
// each group by edge id and derives the discrete cells. The inputs are not
// modified.
func (e *Extractor) Decode(specs []model.ParamSpec, values [][]float64) (model.Genotype, error) {
	if len(specs) != len(values) {
		return model.Genotype{}, fmt.Errorf("%w: %d identifiers for %d tensors", ErrMalformedEncoding, len(specs), len(values))
	}

	groups := map[model.Group][]model.EdgeWeights{}
	for i, spec := range specs {
		if spec.Kind != "" && spec.Kind != model.KindArchitecture {
			continue
		}
		if spec.Group != model.GroupNormal && spec.Group != model.GroupReduce {
			return model.Genotype{}, fmt.Errorf("%w: %s has unknown group %q", ErrMalformedEncoding, spec.Name, spec.Group)
		}
		id, err := ParseEdgeID(spec.Name)
		if err != nil {
			return model.Genotype{}, err
		}
		if len(values[i]) != len(e.primitives) {
			return model.Genotype{}, fmt.Errorf("%w: %s has %d weights for %d operations", ErrMalformedEncoding, spec.Name, len(values[i]), len(e.primitives))
		}

		weights := nn.Softmax(values[i])
		best := nn.Argmax(weights, e.noneIdx)
		if best < 0 {
			best = nn.Argmax(weights)
		}
		groups[spec.Group] = append(groups[spec.Group], model.EdgeWeights{
			Edge:    id,
			Name:    spec.Name,
			From:    spec.From,
			To:      spec.To,
			Op:      e.primitives[best],
			Weight:  weights[best],
			Weights: weights,
		})
	}

	g := model.Genotype{Primitives: e.Primitives()}
	for _, group := range []model.Group{model.GroupNormal, model.GroupReduce} {
		edges := groups[group]
		if len(edges) == 0 {
			return model.Genotype{}, fmt.Errorf("%w: group %s is empty", ErrMalformedEncoding, group)
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i].Edge < edges[j].Edge })
		for i, edge := range edges {
			if edge.Edge != i {
				return model.Genotype{}, fmt.Errorf("%w: group %s edge ids are not dense at %s", ErrMalformedEncoding, group, edge.Name)
			}
		}
		cell, err := e.deriveCell(edges)
		if err != nil {
			return model.Genotype{}, fmt.Errorf("group %s: %w", group, err)
		}
		switch group {
		case model.GroupNormal:
			g.Normal, g.NormalCell = edges, cell
		case model.GroupReduce:
			g.Reduce, g.ReduceCell = edges, cell
		}
	}
	g.Fingerprint = Fingerprint(g)
	return g, nil
}

// ParseEdgeID returns the integer id embedded as the second underscore
// separated field of an architecture identifier.
func ParseEdgeID(name string) (int, error) {
	parts := strings.Split(name, "_")
	if len(parts) < 2 {
		return 0, fmt.Errorf("%w: %q has no edge id", ErrMalformedEncoding, name)
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: %q has invalid edge id %q", ErrMalformedEncoding, name, parts[1])
	}
	return id, nil
}
