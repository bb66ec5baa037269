package nn

import (
	"errors"
	"fmt"
	"math"
)

// ErrDiverged reports a non-finite loss or gradient.
var ErrDiverged = errors.New("numerical divergence")

// Softmax returns exp(x_i)/sum(exp(x)) computed with max subtraction.
func Softmax(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	maxValue := values[0]
	for _, v := range values[1:] {
		if v > maxValue {
			maxValue = v
		}
	}
	sum := 0.0
	for i, v := range values {
		out[i] = math.Exp(v - maxValue)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// LogSumExp is log(sum(exp(x))) without overflow.
func LogSumExp(values []float64) float64 {
	if len(values) == 0 {
		return math.Inf(-1)
	}
	maxValue := values[0]
	for _, v := range values[1:] {
		if v > maxValue {
			maxValue = v
		}
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Exp(v - maxValue)
	}
	return maxValue + math.Log(sum)
}

// CrossEntropy is the softmax cross-entropy of logits against label.
func CrossEntropy(logits []float64, label int) (float64, error) {
	if label < 0 || label >= len(logits) {
		return 0, fmt.Errorf("label %d out of range for %d classes", label, len(logits))
	}
	return LogSumExp(logits) - logits[label], nil
}

// InTopK reports whether label is among the k largest logits. Ties are broken
// against the label so a constant output never counts as a hit.
func InTopK(logits []float64, label, k int) bool {
	if label < 0 || label >= len(logits) {
		return false
	}
	target := logits[label]
	higher := 0
	for i, v := range logits {
		if i == label {
			continue
		}
		if v >= target {
			higher++
		}
	}
	return higher < k
}

// Argmax returns the index of the largest value, skipping excluded indices.
// It returns -1 when every index is excluded.
func Argmax(values []float64, exclude ...int) int {
	best := -1
	for i, v := range values {
		skip := false
		for _, e := range exclude {
			if i == e {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		if best < 0 || v > values[best] {
			best = i
		}
	}
	return best
}

// Avg returns the arithmetic mean of values.
func Avg(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("values must not be empty")
	}
	sum := 0.0
	for _, value := range values {
		sum += value
	}
	return sum / float64(len(values)), nil
}

// Std returns population standard deviation.
func Std(values []float64) (float64, error) {
	mean, err := Avg(values)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, value := range values {
		diff := mean - value
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values))), nil
}

// GlobalNorm is the L2 norm over every scalar of every tensor.
func GlobalNorm(tensors [][]float64) float64 {
	acc := 0.0
	for _, tensor := range tensors {
		for _, v := range tensor {
			acc += v * v
		}
	}
	return math.Sqrt(acc)
}

// Finite reports whether every scalar is finite.
func Finite(tensors ...[]float64) bool {
	for _, tensor := range tensors {
		for _, v := range tensor {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// CheckFinite returns ErrDiverged naming what if value is NaN or infinite.
func CheckFinite(what string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s=%v", ErrDiverged, what, value)
	}
	return nil
}
