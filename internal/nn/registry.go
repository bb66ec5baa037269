package nn

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

const (
	SupportedSchemaVersion = 1
	SupportedCodecVersion  = 1
)

var (
	ErrOpExists   = errors.New("operation already registered")
	ErrOpNotFound = errors.New("operation not found")
	ErrOpVersion  = errors.New("operation version mismatch")
)

// OpFunc writes op(in) into out. weights holds the op's own parameters and is
// empty for parameter-free ops.
type OpFunc func(in, weights, out []float64)

// OpSpec registers one candidate operation of the search space.
type OpSpec struct {
	Name string
	Func OpFunc
	// ParamSize reports how many weights the op needs for a given feature dim.
	ParamSize     func(dim int) int
	SchemaVersion int
	CodecVersion  int
}

type registeredOp struct {
	spec  OpSpec
	order int
}

var opRegistry = struct {
	mu sync.RWMutex
	m  map[string]registeredOp
}{
	m: make(map[string]registeredOp),
}

// Built-in candidate operations.
const (
	OpNone      = "none"
	OpSkip      = "skip_connect"
	OpAvgPool   = "avg_pool_3"
	OpMaxPool   = "max_pool_3"
	OpDenseReLU = "dense_relu"
	OpDenseTanh = "dense_tanh"
)

const poolHalfSpan = 1

// DefaultPrimitives is the canonical candidate set; "none" must stay first.
var DefaultPrimitives = []string{OpNone, OpMaxPool, OpAvgPool, OpSkip, OpDenseReLU, OpDenseTanh}

func init() {
	initializeBuiltInOps()
}

func initializeBuiltInOps() {
	MustRegisterOp(OpNone, noParams, func(_, _, out []float64) {
		for i := range out {
			out[i] = 0
		}
	})
	MustRegisterOp(OpSkip, noParams, func(in, _, out []float64) {
		copy(out, in)
	})
	MustRegisterOp(OpAvgPool, noParams, func(in, _, out []float64) {
		for i := range out {
			lo, hi := poolBounds(i, len(in))
			sum := 0.0
			for j := lo; j < hi; j++ {
				sum += in[j]
			}
			out[i] = sum / float64(hi-lo)
		}
	})
	MustRegisterOp(OpMaxPool, noParams, func(in, _, out []float64) {
		for i := range out {
			lo, hi := poolBounds(i, len(in))
			best := in[lo]
			for j := lo + 1; j < hi; j++ {
				if in[j] > best {
					best = in[j]
				}
			}
			out[i] = best
		}
	})
	MustRegisterOp(OpDenseReLU, denseParams, func(in, weights, out []float64) {
		dense(in, weights, out)
		for i, v := range out {
			if v < 0 {
				out[i] = 0
			}
		}
	})
	MustRegisterOp(OpDenseTanh, denseParams, func(in, weights, out []float64) {
		dense(in, weights, out)
		for i, v := range out {
			out[i] = math.Tanh(v)
		}
	})
}

func noParams(int) int { return 0 }

func denseParams(dim int) int { return dim*dim + dim }

// dense computes W·in + b with W stored row-major ahead of b.
func dense(in, weights, out []float64) {
	dim := len(in)
	bias := weights[dim*dim:]
	for r := 0; r < dim; r++ {
		row := weights[r*dim : (r+1)*dim]
		acc := bias[r]
		for c, v := range in {
			acc += row[c] * v
		}
		out[r] = acc
	}
}

func poolBounds(i, n int) (int, int) {
	lo := i - poolHalfSpan
	if lo < 0 {
		lo = 0
	}
	hi := i + poolHalfSpan + 1
	if hi > n {
		hi = n
	}
	return lo, hi
}

func RegisterOp(name string, paramSize func(dim int) int, fn OpFunc) error {
	return RegisterOpWithSpec(OpSpec{
		Name:          name,
		Func:          fn,
		ParamSize:     paramSize,
		SchemaVersion: SupportedSchemaVersion,
		CodecVersion:  SupportedCodecVersion,
	})
}

func MustRegisterOp(name string, paramSize func(dim int) int, fn OpFunc) {
	if err := RegisterOp(name, paramSize, fn); err != nil {
		panic(err)
	}
}

func RegisterOpWithSpec(spec OpSpec) error {
	if spec.Name == "" {
		return errors.New("operation name is required")
	}
	if spec.Func == nil {
		return errors.New("operation function is required")
	}
	if spec.ParamSize == nil {
		spec.ParamSize = noParams
	}
	if spec.SchemaVersion != SupportedSchemaVersion || spec.CodecVersion != SupportedCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrOpVersion, spec.SchemaVersion, spec.CodecVersion)
	}

	opRegistry.mu.Lock()
	defer opRegistry.mu.Unlock()

	if _, exists := opRegistry.m[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrOpExists, spec.Name)
	}
	opRegistry.m[spec.Name] = registeredOp{spec: spec, order: len(opRegistry.m)}
	return nil
}

func GetOp(name string) (OpSpec, error) {
	opRegistry.mu.RLock()
	entry, ok := opRegistry.m[name]
	opRegistry.mu.RUnlock()
	if !ok {
		return OpSpec{}, fmt.Errorf("%w: %s", ErrOpNotFound, name)
	}
	if entry.spec.SchemaVersion != SupportedSchemaVersion || entry.spec.CodecVersion != SupportedCodecVersion {
		return OpSpec{}, fmt.Errorf("%w: %s", ErrOpVersion, name)
	}
	return entry.spec, nil
}

// ListOps returns registered op names in registration order.
func ListOps() []string {
	opRegistry.mu.RLock()
	defer opRegistry.mu.RUnlock()

	names := make([]string, len(opRegistry.m))
	for name, entry := range opRegistry.m {
		names[entry.order] = name
	}
	return names
}

func resetOpRegistryForTests() {
	opRegistry.mu.Lock()
	opRegistry.m = make(map[string]registeredOp)
	opRegistry.mu.Unlock()
	initializeBuiltInOps()
}
