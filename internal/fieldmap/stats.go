package fieldmap

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats summarises a set of field values in Hz.
type Stats struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	Median float64
	// P05 and P95 bound the central 90% of the values.
	P05 float64
	P95 float64
}

func (s Stats) String() string {
	return fmt.Sprintf("n=%d mean=%.2f std=%.2f min=%.2f max=%.2f median=%.2f p05=%.2f p95=%.2f",
		s.Count, s.Mean, s.StdDev, s.Min, s.Max, s.Median, s.P05, s.P95)
}

// Evaluate computes summary statistics over the defined values. It reports
// false when no value is defined.
func Evaluate(values []float64) (Stats, bool) {
	defined := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			defined = append(defined, v)
		}
	}
	if len(defined) == 0 {
		return Stats{}, false
	}
	sort.Float64s(defined)

	s := Stats{
		Count:  len(defined),
		Min:    floats.Min(defined),
		Max:    floats.Max(defined),
		Median: stat.Quantile(0.5, stat.LinInterp, defined, nil),
		P05:    stat.Quantile(0.05, stat.LinInterp, defined, nil),
		P95:    stat.Quantile(0.95, stat.LinInterp, defined, nil),
	}
	if len(defined) == 1 {
		s.Mean = defined[0]
		return s, true
	}
	s.Mean, s.StdDev = stat.MeanStdDev(defined, nil)
	return s, true
}

// EvaluateSlices evaluates v over mask one slice at a time. Slices with no
// defined value are nil.
func EvaluateSlices(v *Volume, mask *Mask) ([]*Stats, error) {
	if err := sameShape(v.Shape, mask.Shape); err != nil {
		return nil, err
	}
	out := make([]*Stats, v.Shape.Slices())
	for sl := range out {
		if s, ok := Evaluate(v.Masked(MaskOneSlice(mask, sl))); ok {
			out[sl] = &s
		}
	}
	return out, nil
}
