package model

import (
	"math"
	"testing"
)

func testSpecs() []ParamSpec {
	return []ParamSpec{
		{Name: "arch_0_normal", Kind: KindArchitecture, Group: GroupNormal, Size: 2},
		{Name: "stem", Kind: KindWeight, Size: 3},
	}
}

func TestParamsLookupAndClone(t *testing.T) {
	p := NewParams(testSpecs())
	if p.Len() != 2 || p.Size() != 5 {
		t.Fatalf("unexpected layout: len=%d size=%d", p.Len(), p.Size())
	}
	stem := p.MustLookup("stem")
	stem[1] = 4

	clone := p.Clone()
	if !clone.Equal(p) {
		t.Fatal("expected clone to equal source")
	}
	clone.MustLookup("stem")[1] = 5
	if p.MustLookup("stem")[1] != 4 {
		t.Fatal("clone must not alias source")
	}
	if clone.Equal(p) {
		t.Fatal("expected modified clone to differ")
	}
	if _, ok := p.Lookup("missing"); ok {
		t.Fatal("expected missing lookup")
	}
}

func TestParamsCopyFromAndRestore(t *testing.T) {
	src := NewParams(testSpecs())
	src.Values[0][0] = 1
	src.Values[1][2] = -2

	dst := NewParams(testSpecs())
	if err := dst.CopyFrom(src); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if !dst.Equal(src) {
		t.Fatal("expected equal after copy")
	}

	restored := NewParams(testSpecs())
	if err := restored.Restore(src.Tensors()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.Equal(src) {
		t.Fatal("expected equal after restore")
	}
	if err := restored.Restore([]NamedTensor{{Name: "stem", Values: []float64{1}}}); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if err := restored.Restore([]NamedTensor{{Name: "other", Values: []float64{1}}}); err == nil {
		t.Fatal("expected unknown parameter error")
	}
	if err := restored.CopyFrom(NewParams(testSpecs()[:1])); err == nil {
		t.Fatal("expected layout mismatch error")
	}
}

func TestParamsFinite(t *testing.T) {
	p := NewParams(testSpecs())
	if !p.Finite() {
		t.Fatal("expected zero params to be finite")
	}
	p.Values[1][0] = math.NaN()
	if p.Finite() {
		t.Fatal("expected NaN to be detected")
	}
}

func TestBatchSlice(t *testing.T) {
	b := Batch{Features: [][]float64{{1}, {2}, {3}}, Labels: []int{0, 1, 2}}
	s := b.Slice(1, 3)
	if s.Len() != 2 || s.Labels[0] != 1 || s.Features[1][0] != 3 {
		t.Fatalf("unexpected slice: %+v", s)
	}
}
