package stats

import (
	"errors"
	"fmt"
)

// ErrDivisionUndefined is returned when an average is read before any update.
var ErrDivisionUndefined = errors.New("average undefined: no samples recorded")

// AverageMeter keeps a batch-size-weighted running average of one scalar.
type AverageMeter struct {
	Sum         float64
	WeightedSum float64
	Count       float64
}

func (m *AverageMeter) Reset() {
	m.Sum = 0
	m.WeightedSum = 0
	m.Count = 0
}

// Update records value observed over weight samples. weight must be positive.
func (m *AverageMeter) Update(value, weight float64) error {
	if !(weight > 0) {
		return fmt.Errorf("meter weight must be > 0, got %v", weight)
	}
	m.Sum += value
	m.WeightedSum += value * weight
	m.Count += weight
	return nil
}

// Average returns WeightedSum / Count.
func (m *AverageMeter) Average() (float64, error) {
	if m.Count == 0 {
		return 0, ErrDivisionUndefined
	}
	return m.WeightedSum / m.Count, nil
}

// MeterSet tracks loss, top-1 and top-5 for one pass.
type MeterSet struct {
	Loss AverageMeter
	Top1 AverageMeter
	Top5 AverageMeter
}

// Snapshot holds the averages of a MeterSet.
type Snapshot struct {
	Loss float64
	Top1 float64
	Top5 float64
}

func (s *MeterSet) Reset() {
	s.Loss.Reset()
	s.Top1.Reset()
	s.Top5.Reset()
}

func (s *MeterSet) Update(loss, top1, top5, weight float64) error {
	if err := s.Loss.Update(loss, weight); err != nil {
		return fmt.Errorf("loss meter: %w", err)
	}
	if err := s.Top1.Update(top1, weight); err != nil {
		return fmt.Errorf("top1 meter: %w", err)
	}
	if err := s.Top5.Update(top5, weight); err != nil {
		return fmt.Errorf("top5 meter: %w", err)
	}
	return nil
}

func (s *MeterSet) Averages() (Snapshot, error) {
	loss, err := s.Loss.Average()
	if err != nil {
		return Snapshot{}, fmt.Errorf("loss meter: %w", err)
	}
	top1, err := s.Top1.Average()
	if err != nil {
		return Snapshot{}, fmt.Errorf("top1 meter: %w", err)
	}
	top5, err := s.Top5.Average()
	if err != nil {
		return Snapshot{}, fmt.Errorf("top5 meter: %w", err)
	}
	return Snapshot{Loss: loss, Top1: top1, Top5: top5}, nil
}
