package fieldmap

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// DefaultMagnitudeThreshold is the fraction of the first echo's peak
// magnitude below which a voxel is treated as noise.
const DefaultMagnitudeThreshold = 0.05

// B0Options controls field-map reconstruction.
type B0Options struct {
	// DeltaTEUs is used when the series metadata does not give distinct echo
	// times.
	DeltaTEUs float64
	// MagnitudeThreshold is a fraction of the peak first-echo magnitude.
	MagnitudeThreshold float64
	// Workers bounds parallel series loading; 0 loads every series at once.
	Workers int
}

// ComputeB0Maps reads the last 2n series under sourceDir as n consecutive
// echo pairs and returns one Hz-valued volume per pair:
// angle(echo2 · conj(echo1)) / (2π·ΔTE). Voxels whose magnitude is below the
// threshold in either echo are NaN.
func ComputeB0Maps(ctx context.Context, n int, sourceDir string, opts B0Options) ([]*Volume, error) {
	if n <= 0 {
		return nil, fmt.Errorf("requested %d field maps", n)
	}
	dirs, err := ListSeries(sourceDir)
	if err != nil {
		return nil, err
	}
	if len(dirs) < 2*n {
		return nil, fmt.Errorf("%w: want %d in %s, found %d", ErrNotEnoughSeries, 2*n, sourceDir, len(dirs))
	}
	return computeB0Maps(ctx, n, dirs[len(dirs)-2*n:], opts)
}

// ComputeB0MapsAt is ComputeB0Maps for the 2n series starting at index first
// of ListSeries(sourceDir). Series acquired after those are ignored.
func ComputeB0MapsAt(ctx context.Context, first, n int, sourceDir string, opts B0Options) ([]*Volume, error) {
	if n <= 0 || first < 0 {
		return nil, fmt.Errorf("requested %d field maps from series %d", n, first)
	}
	dirs, err := ListSeries(sourceDir)
	if err != nil {
		return nil, err
	}
	if len(dirs) < first+2*n {
		return nil, fmt.Errorf("%w: want series %d..%d in %s, found %d", ErrNotEnoughSeries, first, first+2*n-1, sourceDir, len(dirs))
	}
	return computeB0Maps(ctx, n, dirs[first:first+2*n], opts)
}

func computeB0Maps(ctx context.Context, n int, dirs []string, opts B0Options) ([]*Volume, error) {
	if opts.MagnitudeThreshold <= 0 {
		opts.MagnitudeThreshold = DefaultMagnitudeThreshold
	}

	series := make([]*Series, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for i, dir := range dirs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := ReadSeries(dir)
			if err != nil {
				return err
			}
			series[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	shape := series[0].Meta.Shape
	maps := make([]*Volume, n)
	for k := 0; k < n; k++ {
		e1, e2 := series[2*k], series[2*k+1]
		if err := sameShape(shape, e1.Meta.Shape); err != nil {
			return nil, err
		}
		if err := sameShape(shape, e2.Meta.Shape); err != nil {
			return nil, err
		}

		dte := e2.Meta.EchoTimeUs - e1.Meta.EchoTimeUs
		if dte <= 0 {
			dte = opts.DeltaTEUs
		}
		if dte <= 0 {
			return nil, fmt.Errorf("series %s and %s have no echo time difference", e1.Dir, e2.Dir)
		}
		maps[k] = phaseDifferenceMap(e1, e2, dte*1e-6, opts.MagnitudeThreshold)
	}
	return maps, nil
}

func phaseDifferenceMap(e1, e2 *Series, dteSeconds, threshold float64) *Volume {
	shape := e1.Meta.Shape
	out := NewVolume(shape)

	peak := 0.0
	for i := range e1.Real {
		peak = math.Max(peak, math.Hypot(float64(e1.Real[i]), float64(e1.Imag[i])))
	}
	floor := threshold * peak
	scale := 1 / (2 * math.Pi * dteSeconds)

	for i := range out.Data {
		r1, i1 := float64(e1.Real[i]), float64(e1.Imag[i])
		r2, i2 := float64(e2.Real[i]), float64(e2.Imag[i])
		if math.Hypot(r1, i1) < floor || math.Hypot(r2, i2) < floor || floor == 0 {
			out.Data[i] = math.NaN()
			continue
		}
		// e2 · conj(e1)
		re := r2*r1 + i2*i1
		im := i2*r1 - r2*i1
		out.Data[i] = math.Atan2(im, re) * scale
	}
	return out
}

// SubtractBackground returns raw[i] - background for every raw map. NaN in
// either input gives NaN.
func SubtractBackground(background *Volume, raw []*Volume) ([]*Volume, error) {
	out := make([]*Volume, len(raw))
	for k, v := range raw {
		if v == nil {
			return nil, fmt.Errorf("raw map %d is missing", k)
		}
		if err := sameShape(background.Shape, v.Shape); err != nil {
			return nil, fmt.Errorf("raw map %d: %w", k, err)
		}
		d := NewVolume(v.Shape)
		for i := range d.Data {
			d.Data[i] = v.Data[i] - background.Data[i]
		}
		out[k] = d
	}
	return out, nil
}

// CreateMask is roi AND the voxels defined in the background and in every
// basis map. A nil roi selects the whole volume.
func CreateMask(background *Volume, basis []*Volume, roi *Mask) (*Mask, error) {
	if roi == nil {
		roi = FullMask(background.Shape)
	}
	if err := sameShape(background.Shape, roi.Shape); err != nil {
		return nil, err
	}
	for k, b := range basis {
		if b == nil {
			continue
		}
		if err := sameShape(background.Shape, b.Shape); err != nil {
			return nil, fmt.Errorf("basis map %d: %w", k, err)
		}
	}

	m := NewMask(background.Shape)
	for i := range m.Data {
		if !roi.Data[i] || math.IsNaN(background.Data[i]) {
			continue
		}
		ok := true
		for _, b := range basis {
			if b != nil && math.IsNaN(b.Data[i]) {
				ok = false
				break
			}
		}
		m.Data[i] = ok
	}
	return m, nil
}
