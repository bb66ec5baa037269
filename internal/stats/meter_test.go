package stats

import (
	"errors"
	"math"
	"testing"
)

func TestAverageMeterWeightedMean(t *testing.T) {
	var m AverageMeter
	if err := m.Update(2.0, 10); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := m.Update(4.0, 10); err != nil {
		t.Fatalf("update: %v", err)
	}
	avg, err := m.Average()
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if avg != 3.0 {
		t.Fatalf("expected 3.0, got %f", avg)
	}
	if m.Sum != 6 || m.WeightedSum != 60 || m.Count != 20 {
		t.Fatalf("unexpected meter state: %+v", m)
	}
}

func TestAverageMeterMatchesWeightedMean(t *testing.T) {
	cases := []struct {
		values  []float64
		weights []float64
	}{
		{values: []float64{1}, weights: []float64{64}},
		{values: []float64{0.5, 0.25, 1}, weights: []float64{64, 64, 16}},
		{values: []float64{-3, 7, 2.5, 0}, weights: []float64{0.5, 1.5, 3, 10}},
	}
	for _, c := range cases {
		var m AverageMeter
		num, den := 0.0, 0.0
		for i := range c.values {
			if err := m.Update(c.values[i], c.weights[i]); err != nil {
				t.Fatalf("update: %v", err)
			}
			num += c.values[i] * c.weights[i]
			den += c.weights[i]
			avg, err := m.Average()
			if err != nil {
				t.Fatalf("average: %v", err)
			}
			if math.Abs(avg-num/den) > 1e-12 {
				t.Fatalf("after %d updates: got=%f want=%f", i+1, avg, num/den)
			}
		}
	}
}

func TestAverageMeterUndefinedBeforeUpdate(t *testing.T) {
	var m AverageMeter
	if _, err := m.Average(); !errors.Is(err, ErrDivisionUndefined) {
		t.Fatalf("expected ErrDivisionUndefined, got %v", err)
	}
	if err := m.Update(1, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	m.Reset()
	if _, err := m.Average(); !errors.Is(err, ErrDivisionUndefined) {
		t.Fatalf("expected ErrDivisionUndefined after reset, got %v", err)
	}
}

func TestAverageMeterRejectsNonPositiveWeight(t *testing.T) {
	var m AverageMeter
	for _, w := range []float64{0, -1, math.NaN()} {
		if err := m.Update(1, w); err == nil {
			t.Fatalf("expected error for weight %v", w)
		}
	}
	if m.Count != 0 {
		t.Fatalf("rejected updates must not change state: %+v", m)
	}
}

func TestMeterSet(t *testing.T) {
	var set MeterSet
	if _, err := set.Averages(); !errors.Is(err, ErrDivisionUndefined) {
		t.Fatalf("expected ErrDivisionUndefined, got %v", err)
	}
	if err := set.Update(2.0, 0.5, 1.0, 4); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := set.Update(1.0, 1.0, 1.0, 4); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap, err := set.Averages()
	if err != nil {
		t.Fatalf("averages: %v", err)
	}
	if snap.Loss != 1.5 || snap.Top1 != 0.75 || snap.Top5 != 1.0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	set.Reset()
	if set.Top5.Count != 0 {
		t.Fatalf("expected reset meters, got %+v", set)
	}
}
