package model

import (
	"fmt"
	"math"
)

// Params is an ordered set of named parameter tensors. Specs[i] describes
// Values[i]; the order is fixed for the lifetime of the set.
type Params struct {
	Specs  []ParamSpec
	Values [][]float64

	index map[string]int
}

// NewParams allocates zeroed tensors for specs.
func NewParams(specs []ParamSpec) *Params {
	p := &Params{
		Specs:  append([]ParamSpec(nil), specs...),
		Values: make([][]float64, len(specs)),
	}
	for i, spec := range specs {
		p.Values[i] = make([]float64, spec.Size)
	}
	p.reindex()
	return p
}

func (p *Params) reindex() {
	p.index = make(map[string]int, len(p.Specs))
	for i, spec := range p.Specs {
		p.index[spec.Name] = i
	}
}

// Len is the number of tensors.
func (p *Params) Len() int {
	return len(p.Specs)
}

// Size is the total number of scalars across all tensors.
func (p *Params) Size() int {
	total := 0
	for _, values := range p.Values {
		total += len(values)
	}
	return total
}

// Index returns the position of the named tensor.
func (p *Params) Index(name string) (int, bool) {
	if p.index == nil {
		p.reindex()
	}
	i, ok := p.index[name]
	return i, ok
}

// Lookup returns the named tensor. The slice aliases the set.
func (p *Params) Lookup(name string) ([]float64, bool) {
	i, ok := p.Index(name)
	if !ok {
		return nil, false
	}
	return p.Values[i], true
}

// MustLookup is Lookup for names that are known to exist.
func (p *Params) MustLookup(name string) []float64 {
	values, ok := p.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("parameter %q not found", name))
	}
	return values
}

func (p *Params) Clone() *Params {
	out := &Params{
		Specs:  append([]ParamSpec(nil), p.Specs...),
		Values: make([][]float64, len(p.Values)),
	}
	for i, values := range p.Values {
		out.Values[i] = append([]float64(nil), values...)
	}
	out.reindex()
	return out
}

// CopyFrom overwrites every tensor with the values of src, which must share
// the same layout.
func (p *Params) CopyFrom(src *Params) error {
	if len(src.Values) != len(p.Values) {
		return fmt.Errorf("parameter layout mismatch: %d tensors vs %d", len(src.Values), len(p.Values))
	}
	for i := range p.Values {
		if len(src.Values[i]) != len(p.Values[i]) {
			return fmt.Errorf("parameter %s size mismatch: %d vs %d", p.Specs[i].Name, len(src.Values[i]), len(p.Values[i]))
		}
		copy(p.Values[i], src.Values[i])
	}
	return nil
}

// ZeroLike returns zeroed tensors with the layout of p.
func (p *Params) ZeroLike() [][]float64 {
	out := make([][]float64, len(p.Values))
	for i, values := range p.Values {
		out[i] = make([]float64, len(values))
	}
	return out
}

// Equal reports whether both sets hold identical values.
func (p *Params) Equal(other *Params) bool {
	if other == nil || len(p.Values) != len(other.Values) {
		return false
	}
	for i := range p.Values {
		if p.Specs[i].Name != other.Specs[i].Name || len(p.Values[i]) != len(other.Values[i]) {
			return false
		}
		for j := range p.Values[i] {
			if p.Values[i][j] != other.Values[i][j] {
				return false
			}
		}
	}
	return true
}

// Finite reports whether every scalar is a finite number.
func (p *Params) Finite() bool {
	for _, values := range p.Values {
		for _, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Tensors converts the set into its persisted form.
func (p *Params) Tensors() []NamedTensor {
	out := make([]NamedTensor, len(p.Specs))
	for i, spec := range p.Specs {
		out[i] = NamedTensor{Name: spec.Name, Values: append([]float64(nil), p.Values[i]...)}
	}
	return out
}

// Restore loads persisted tensors into p by name.
func (p *Params) Restore(tensors []NamedTensor) error {
	for _, tensor := range tensors {
		values, ok := p.Lookup(tensor.Name)
		if !ok {
			return fmt.Errorf("unknown parameter %q", tensor.Name)
		}
		if len(values) != len(tensor.Values) {
			return fmt.Errorf("parameter %s size mismatch: %d vs %d", tensor.Name, len(tensor.Values), len(values))
		}
		copy(values, tensor.Values)
	}
	return nil
}
