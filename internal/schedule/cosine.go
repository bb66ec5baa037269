package schedule

import (
	"fmt"
	"math"
)

// Cosine is a cosine-annealing schedule whose floor is Min instead of zero:
//
//	cos(t) = Base * (1 + cos(pi*t/Total)) / 2
//	lr(t)  = cos(t)/Base * (Base-Min) + Min
//
// t may run past Total; the cosine keeps going into its next period.
type Cosine struct {
	Base  float64
	Min   float64
	Total int
}

func NewCosine(base, min float64, total int) (Cosine, error) {
	if base <= 0 {
		return Cosine{}, fmt.Errorf("base learning rate must be > 0, got %v", base)
	}
	if min < 0 || min > base {
		return Cosine{}, fmt.Errorf("minimum learning rate must be within [0, %v], got %v", base, min)
	}
	if total <= 0 {
		return Cosine{}, fmt.Errorf("schedule length must be > 0, got %d", total)
	}
	return Cosine{Base: base, Min: min, Total: total}, nil
}

// LR returns the learning rate at global step t.
func (c Cosine) LR(t int) float64 {
	// Endpoints are exact; the remap below can be off by one ulp.
	switch t {
	case 0:
		return c.Base
	case c.Total:
		return c.Min
	}
	decayed := c.Base * (1 + math.Cos(math.Pi*float64(t)/float64(c.Total))) / 2
	return decayed/c.Base*(c.Base-c.Min) + c.Min
}

// Clock pairs a schedule with the global step counter that advances once per
// weight update.
type Clock struct {
	schedule Cosine
	step     int
}

func NewClock(schedule Cosine) *Clock {
	return &Clock{schedule: schedule}
}

// Step is the current global step.
func (c *Clock) Step() int {
	return c.step
}

// Current is the learning rate for the current step.
func (c *Clock) Current() float64 {
	return c.schedule.LR(c.step)
}

// Advance moves to the next global step.
func (c *Clock) Advance() {
	c.step++
}

// Seek positions the clock at an absolute step, used when resuming.
func (c *Clock) Seek(step int) {
	if step < 0 {
		step = 0
	}
	c.step = step
}

func (c *Clock) Schedule() Cosine {
	return c.schedule
}
