// Package dataset provides the labelled feature datasets the search trains
// on, the train/validation split and the prefetching batch loader.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

type Dataset struct {
	Name     string
	Features [][]float64
	Labels   []int
	Classes  int
}

func (d *Dataset) Len() int {
	return len(d.Labels)
}

// Dim is the feature dimension, 0 for an empty dataset.
func (d *Dataset) Dim() int {
	if len(d.Features) == 0 {
		return 0
	}
	return len(d.Features[0])
}

func (d *Dataset) Validate() error {
	if len(d.Features) != len(d.Labels) {
		return fmt.Errorf("dataset %s has %d samples but %d labels", d.Name, len(d.Features), len(d.Labels))
	}
	if d.Len() == 0 {
		return fmt.Errorf("dataset %s is empty", d.Name)
	}
	dim := d.Dim()
	for i, x := range d.Features {
		if len(x) != dim {
			return fmt.Errorf("dataset %s sample %d has %d features, want %d", d.Name, i, len(x), dim)
		}
		if d.Labels[i] < 0 || d.Labels[i] >= d.Classes {
			return fmt.Errorf("dataset %s sample %d label %d outside [0, %d)", d.Name, i, d.Labels[i], d.Classes)
		}
	}
	return nil
}

// subset returns the samples at idx. Feature slices are shared.
func (d *Dataset) subset(name string, idx []int) *Dataset {
	out := &Dataset{
		Name:     name,
		Features: make([][]float64, len(idx)),
		Labels:   make([]int, len(idx)),
		Classes:  d.Classes,
	}
	for i, j := range idx {
		out.Features[i] = d.Features[j]
		out.Labels[i] = d.Labels[j]
	}
	return out
}

type SyntheticConfig struct {
	Samples    int
	FeatureDim int
	Classes    int
	// Spread is the per-feature standard deviation around each class center.
	Spread float64
	Seed   int64
}

// Synthetic draws Gaussian clusters, one per class, with labels assigned
// round robin so every class is equally represented.
func Synthetic(cfg SyntheticConfig) (*Dataset, error) {
	if cfg.Samples <= 0 || cfg.FeatureDim <= 0 {
		return nil, fmt.Errorf("synthetic dataset needs samples and feature dim > 0, got %d and %d", cfg.Samples, cfg.FeatureDim)
	}
	if cfg.Classes < 2 {
		return nil, fmt.Errorf("synthetic dataset needs >= 2 classes, got %d", cfg.Classes)
	}
	if cfg.Spread <= 0 {
		cfg.Spread = 1
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	centers := make([][]float64, cfg.Classes)
	for c := range centers {
		centers[c] = make([]float64, cfg.FeatureDim)
		for j := range centers[c] {
			centers[c][j] = 2 * rng.NormFloat64()
		}
	}

	ds := &Dataset{
		Name:     "synthetic",
		Features: make([][]float64, cfg.Samples),
		Labels:   make([]int, cfg.Samples),
		Classes:  cfg.Classes,
	}
	for i := range ds.Features {
		label := i % cfg.Classes
		x := make([]float64, cfg.FeatureDim)
		for j := range x {
			x[j] = centers[label][j] + cfg.Spread*rng.NormFloat64()
		}
		ds.Features[i] = x
		ds.Labels[i] = label
	}
	return ds, nil
}

// LoadCSV reads rows of feature columns followed by an integer label column.
// A leading header row is skipped. classes <= 0 infers the class count from
// the largest label.
func LoadCSV(path string, classes int) (*Dataset, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("dataset csv path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset csv %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	ds := &Dataset{Name: path}
	maxLabel := -1
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dataset csv row %d: %w", row+1, err)
		}
		row++
		if len(record) < 2 {
			return nil, fmt.Errorf("dataset csv row %d needs at least one feature and a label", row)
		}

		features := make([]float64, len(record)-1)
		parsed := true
		for j, field := range record[:len(record)-1] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				parsed = false
				break
			}
			features[j] = v
		}
		label, labelErr := strconv.Atoi(strings.TrimSpace(record[len(record)-1]))
		if !parsed || labelErr != nil {
			if row == 1 {
				continue
			}
			return nil, fmt.Errorf("parse dataset csv row %d: non-numeric field", row)
		}
		if label < 0 {
			return nil, fmt.Errorf("dataset csv row %d has negative label %d", row, label)
		}
		maxLabel = max(maxLabel, label)
		ds.Features = append(ds.Features, features)
		ds.Labels = append(ds.Labels, label)
	}

	ds.Classes = classes
	if ds.Classes <= 0 {
		ds.Classes = maxLabel + 1
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// Split shuffles ds with seed and puts the first portion of samples in train
// and the rest in valid. Both partitions must be non-empty.
func Split(ds *Dataset, portion float64, seed int64) (*Dataset, *Dataset, error) {
	if !(portion > 0 && portion < 1) {
		return nil, nil, fmt.Errorf("train portion must be within (0, 1), got %v", portion)
	}
	n := ds.Len()
	cut := int(float64(n) * portion)
	if cut == 0 || cut == n {
		return nil, nil, fmt.Errorf("train portion %v leaves an empty partition of %d samples", portion, n)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return ds.subset(ds.Name+"/train", perm[:cut]), ds.subset(ds.Name+"/valid", perm[cut:]), nil
}
