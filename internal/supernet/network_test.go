package supernet

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"testing"

	"dartsearch/internal/model"
	"dartsearch/internal/nn"
)

func tinyNetwork(t *testing.T) *Network {
	t.Helper()
	n, err := New(Config{FeatureDim: 3, InitChannels: 2, ClassNum: 3, Layers: 3, Steps: 2})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	return n
}

func tinyBatch() model.Batch {
	return model.Batch{
		Features: [][]float64{{0.5, -1, 2}, {1, 0, -0.5}, {-0.3, 0.8, 0.1}},
		Labels:   []int{0, 2, 1},
	}
}

func TestNetworkLayout(t *testing.T) {
	n := tinyNetwork(t)

	arch := n.ArchitectureSpecs()
	// steps=2 -> 2 + 3 edges per group
	if len(arch) != 10 {
		t.Fatalf("expected 10 architecture tensors, got %d", len(arch))
	}
	normal, reduce := 0, 0
	for _, spec := range arch {
		if spec.Kind != model.KindArchitecture || spec.Size != len(nn.DefaultPrimitives) {
			t.Fatalf("unexpected arch spec: %+v", spec)
		}
		if !strings.HasPrefix(spec.Name, "arch_") || !strings.HasSuffix(spec.Name, string(spec.Group)) {
			t.Fatalf("unexpected arch name: %s", spec.Name)
		}
		if spec.From >= spec.To {
			t.Fatalf("edge must point forward: %+v", spec)
		}
		switch spec.Group {
		case model.GroupNormal:
			normal++
		case model.GroupReduce:
			reduce++
		}
	}
	if normal != 5 || reduce != 5 {
		t.Fatalf("unexpected group sizes normal=%d reduce=%d", normal, reduce)
	}

	for _, spec := range n.WeightSpecs() {
		if spec.Kind != model.KindWeight {
			t.Fatalf("unexpected weight kind: %+v", spec)
		}
	}
	if len(n.Parameters()) != len(arch)+len(n.WeightSpecs()) {
		t.Fatal("parameters must list architecture and weights")
	}
	// 3 cells * 5 edges * 2 dense ops + stem + classifier
	if got := len(n.WeightSpecs()); got != 32 {
		t.Fatalf("expected 32 weight tensors, got %d", got)
	}
	if n.ParamBytes() == 0 {
		t.Fatal("expected non-zero parameter size")
	}
}

func TestReductionLayers(t *testing.T) {
	cases := []struct {
		layers int
		want   []bool
	}{
		{layers: 3, want: []bool{false, true, true}},
		{layers: 6, want: []bool{false, false, true, false, true, false}},
		{layers: 8, want: []bool{false, false, true, false, false, true, false, false}},
	}
	for _, c := range cases {
		for layer, want := range c.want {
			if got := isReductionLayer(layer, c.layers); got != want {
				t.Fatalf("layers=%d layer=%d: got=%t want=%t", c.layers, layer, got, want)
			}
		}
	}
}

func TestMetricsRange(t *testing.T) {
	n := tinyNetwork(t)
	rng := rand.New(rand.NewSource(1))
	arch := n.InitArchitecture(rng)
	weights := n.InitWeights(rng)

	m, err := n.Metrics(context.Background(), arch, weights, tinyBatch())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Loss <= 0 || m.Top1 < 0 || m.Top1 > 1 || m.Top5 != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if _, err := n.Metrics(context.Background(), arch, weights, model.Batch{}); err == nil {
		t.Fatal("expected empty batch error")
	}
	bad := model.Batch{Features: [][]float64{{1}}, Labels: []int{0}}
	if _, err := n.Metrics(context.Background(), arch, weights, bad); err == nil {
		t.Fatal("expected feature dim error")
	}
}

func TestClassifierBiasGradientMatchesAnalytic(t *testing.T) {
	n := tinyNetwork(t)
	rng := rand.New(rand.NewSource(7))
	arch := n.InitArchitecture(rng)
	weights := n.InitWeights(rng)
	batch := tinyBatch()

	_, grads, err := n.Gradients(context.Background(), arch, weights, batch, model.KindWeight)
	if err != nil {
		t.Fatalf("gradients: %v", err)
	}

	// d mean CE / d bias_c = mean(softmax(logits)_c - onehot_c)
	want := make([]float64, n.cfg.ClassNum)
	for i, x := range batch.Features {
		logits, err := n.Logits(arch, weights, x)
		if err != nil {
			t.Fatalf("logits: %v", err)
		}
		probs := nn.Softmax(logits)
		for c := range want {
			target := 0.0
			if c == batch.Labels[i] {
				target = 1
			}
			want[c] += (probs[c] - target) / float64(batch.Len())
		}
	}
	classifier := grads[n.classIdx]
	bias := classifier[n.cfg.ClassNum*n.cfg.InitChannels:]
	for c := range want {
		if math.Abs(bias[c]-want[c]) > 1e-6 {
			t.Fatalf("bias grad %d: got=%f want=%f", c, bias[c], want[c])
		}
	}
}

func TestGradientsRestoreParameters(t *testing.T) {
	n := tinyNetwork(t)
	rng := rand.New(rand.NewSource(3))
	arch := n.InitArchitecture(rng)
	weights := n.InitWeights(rng)
	archBefore, weightsBefore := arch.Clone(), weights.Clone()

	for _, kind := range []model.ParamKind{model.KindArchitecture, model.KindWeight} {
		_, grads, err := n.Gradients(context.Background(), arch, weights, tinyBatch(), kind)
		if err != nil {
			t.Fatalf("%s gradients: %v", kind, err)
		}
		if !nn.Finite(grads...) {
			t.Fatalf("%s gradients not finite", kind)
		}
	}
	if !arch.Equal(archBefore) || !weights.Equal(weightsBefore) {
		t.Fatal("gradients must leave parameters unchanged")
	}
	if _, _, err := n.Gradients(context.Background(), arch, weights, tinyBatch(), "other"); err == nil {
		t.Fatal("expected unknown kind error")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cases := []Config{
		{FeatureDim: 0, InitChannels: 2, ClassNum: 3, Layers: 1},
		{FeatureDim: 2, InitChannels: 2, ClassNum: 1, Layers: 1},
		{FeatureDim: 2, InitChannels: 2, ClassNum: 3, Layers: 0},
		{FeatureDim: 2, InitChannels: 2, ClassNum: 3, Layers: 1, Primitives: []string{"missing"}},
	}
	for _, cfg := range cases {
		if _, err := New(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}
