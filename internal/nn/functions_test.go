package nn

import (
	"errors"
	"math"
	"testing"
)

func TestSoftmaxSumsToOne(t *testing.T) {
	for _, input := range [][]float64{
		{0.5, 0.5},
		{1, 2, 3},
		{-1000, 0, 1000},
		{1e-3, -4, 7, 7},
	} {
		out := Softmax(input)
		sum := 0.0
		for _, v := range out {
			if v < 0 || v > 1 {
				t.Fatalf("softmax entry out of range: %v", out)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Fatalf("softmax of %v sums to %f", input, sum)
		}
	}
	uniform := Softmax([]float64{0.5, 0.5})
	if uniform[0] != 0.5 || uniform[1] != 0.5 {
		t.Fatalf("expected uniform softmax, got %v", uniform)
	}
}

func TestCrossEntropy(t *testing.T) {
	loss, err := CrossEntropy([]float64{0, 0}, 1)
	if err != nil {
		t.Fatalf("cross entropy: %v", err)
	}
	if math.Abs(loss-math.Log(2)) > 1e-12 {
		t.Fatalf("unexpected loss: %f", loss)
	}
	if _, err := CrossEntropy([]float64{0, 0}, 2); err == nil {
		t.Fatal("expected out-of-range label error")
	}
}

func TestInTopK(t *testing.T) {
	logits := []float64{0.1, 0.9, 0.5, 0.3}
	if !InTopK(logits, 1, 1) {
		t.Fatal("expected label 1 in top-1")
	}
	if InTopK(logits, 2, 1) {
		t.Fatal("expected label 2 outside top-1")
	}
	if !InTopK(logits, 2, 2) {
		t.Fatal("expected label 2 in top-2")
	}
	if InTopK([]float64{1, 1}, 0, 1) {
		t.Fatal("expected ties to count against the label")
	}
}

func TestArgmaxExclude(t *testing.T) {
	values := []float64{0.9, 0.05, 0.05}
	if got := Argmax(values); got != 0 {
		t.Fatalf("unexpected argmax: %d", got)
	}
	if got := Argmax(values, 0); got != 1 {
		t.Fatalf("expected first remaining index on ties, got %d", got)
	}
	if got := Argmax([]float64{1}, 0); got != -1 {
		t.Fatalf("expected -1 when everything is excluded, got %d", got)
	}
}

func TestAvgAndStd(t *testing.T) {
	avg, err := Avg([]float64{1, 2, 3})
	if err != nil {
		t.Fatalf("avg failed: %v", err)
	}
	if math.Abs(avg-2) > 1e-12 {
		t.Fatalf("unexpected avg: %f", avg)
	}
	std, err := Std([]float64{1, 2, 3})
	if err != nil {
		t.Fatalf("std failed: %v", err)
	}
	if math.Abs(std-math.Sqrt(2.0/3.0)) > 1e-12 {
		t.Fatalf("unexpected std: %f", std)
	}
	if _, err := Avg(nil); err == nil {
		t.Fatal("expected avg empty error")
	}
}

func TestCheckFinite(t *testing.T) {
	if err := CheckFinite("loss", 1.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckFinite("loss", math.NaN()); !errors.Is(err, ErrDiverged) {
		t.Fatalf("expected ErrDiverged, got %v", err)
	}
	if Finite([]float64{1, math.Inf(1)}) {
		t.Fatal("expected infinite value to be rejected")
	}
	if got := GlobalNorm([][]float64{{3}, {4}}); got != 5 {
		t.Fatalf("unexpected global norm: %f", got)
	}
}
