package orchestrator

import (
	"fmt"

	"github.com/banshee-data/shimtool/internal/errs"
	"github.com/banshee-data/shimtool/internal/fieldmap"
)

// resetPrincipalLocked seeds the principal solution from the scanner's
// prescan values with every loop at 0 A.
func (t *Tool) resetPrincipalLocked() {
	principal := make([]float64, fieldmap.SolutionLoops+t.numLoops)
	if pv, ok := t.scanner.PrescanValues(); ok {
		principal[fieldmap.SolutionCF] = float64(pv.CenterFrequency)
		principal[fieldmap.SolutionGradient] = float64(pv.X)
		principal[fieldmap.SolutionGradient+1] = float64(pv.Y)
		principal[fieldmap.SolutionGradient+2] = float64(pv.Z)
	}
	t.ex.Principal = principal
}

// resetShimSolsLocked discards every solution and everything derived from
// one.
func (t *Tool) resetShimSolsLocked() {
	t.ex.Solutions = nil
	t.ex.Applied = nil
	t.ex.Expected = nil
	t.ex.Shimmed = nil
	t.ex.Stats = [3][]*fieldmap.Stats{}
	t.ex.AppliedEval = nil
	t.ex.AppliedEvalSlice = -1
}

// ResetShimSols discards every solution, the expected and shimmed maps and
// their statistics.
func (t *Tool) ResetShimSols() {
	t.mu.Lock()
	t.resetShimSolsLocked()
	t.mu.Unlock()
}

func (t *Tool) checkBasisLen(basis []*fieldmap.Volume) error {
	if want := t.numLoops + fieldmap.NumGradients; len(basis) != want {
		return fmt.Errorf("%w: %d basis maps, want %d", fieldmap.ErrShapeMismatch, len(basis), want)
	}
	return nil
}

func complete(maps []*fieldmap.Volume) bool {
	if len(maps) == 0 {
		return false
	}
	for _, m := range maps {
		if m == nil {
			return false
		}
	}
	return true
}

// ComputeShimCurrents subtracts the background from the raw basis, builds
// the final mask and solves every slice over the union of its own and its
// neighbours' masks. Slices that cannot be solved get no solution; it fails
// only when no slice could be solved.
func (t *Tool) ComputeShimCurrents() error {
	t.mu.Lock()
	bg, raw, roi, mode := t.ex.Background, t.ex.RawBasis, t.ex.ROI, t.ex.ShimMode
	t.mu.Unlock()
	if bg == nil || !complete(raw) {
		return fmt.Errorf("compute currents: %w: background and basis maps needed", ErrNotReady)
	}

	if prev := t.State(); prev != Error {
		t.setState(Solving)
		defer t.setState(prev)
	}

	basis, err := fieldmap.SubtractBackground(bg, raw)
	if err == nil {
		err = t.checkBasisLen(basis)
	}
	if err != nil {
		return fmt.Errorf("compute currents: %w", err)
	}
	mask, err := fieldmap.CreateMask(bg, basis, roi)
	if err != nil {
		return fmt.Errorf("compute currents: %w", err)
	}

	p := t.cfg.solveParams()
	solutions := make([][]float64, bg.Shape.Slices())
	switch mode {
	case VolumeWise:
		sol, err := fieldmap.SolveCurrents(bg, basis, mask, p)
		if err != nil {
			t.Logf("compute currents: volume: %v", err)
			break
		}
		for sl := range solutions {
			solutions[sl] = sol
		}
	default:
		for sl := range solutions {
			sol, err := fieldmap.SolveCurrents(bg, basis, fieldmap.SliceUnion(mask, sl), p)
			if err != nil {
				t.Logf("compute currents: slice %d: %v", sl, err)
				continue
			}
			solutions[sl] = sol
		}
	}

	want := t.numLoops + fieldmap.SolutionLoops
	applied := make([][]float64, len(solutions))
	solved := 0
	for sl, sol := range solutions {
		if sol == nil {
			continue
		}
		if len(sol) != want {
			return fmt.Errorf("compute currents: slice %d: %w: %d values, want %d", sl, errs.ErrSolve, len(sol), want)
		}
		applied[sl] = fieldmap.ApplyScaling(sol, p)
		solved++
	}

	var expected *fieldmap.Volume
	if solved > 0 {
		if expected, err = fieldmap.ExpectedMap(bg, basis, solutions); err != nil {
			return fmt.Errorf("compute currents: %w", err)
		}
	}

	t.mu.Lock()
	t.ex.Basis = basis
	t.ex.FinalMask = mask
	t.ex.Solutions = solutions
	t.ex.Applied = applied
	t.ex.Expected = expected
	t.mu.Unlock()

	if solved == 0 {
		return fmt.Errorf("compute currents: %w: no slice could be solved", errs.ErrSolve)
	}
	t.Logf("compute currents: %d of %d slices solved (%s)", solved, len(solutions), mode)
	return nil
}

// RecomputeCurrents rebuilds the final mask and, when both background and
// basis maps exist, the solutions, then re-evaluates every map.
func (t *Tool) RecomputeCurrents() {
	t.mu.Lock()
	bg, raw, roi := t.ex.Background, t.ex.RawBasis, t.ex.ROI
	t.mu.Unlock()

	switch {
	case bg != nil && complete(raw):
		t.mu.Lock()
		t.ex.Expected = nil
		t.mu.Unlock()
		if err := t.ComputeShimCurrents(); err != nil {
			t.Logf("recompute: %v", err)
		}
	case bg != nil:
		mask, err := fieldmap.CreateMask(bg, nil, roi)
		if err != nil {
			t.Logf("recompute: mask: %v", err)
			break
		}
		t.mu.Lock()
		t.ex.FinalMask = mask
		t.mu.Unlock()
	}
	t.EvaluateShimImages()
}

// EvaluateShimImages computes per-slice statistics of the background,
// expected and shimmed maps over the final mask.
func (t *Tool) EvaluateShimImages() {
	t.mu.Lock()
	maps := [3]*fieldmap.Volume{t.ex.Background, t.ex.Expected, t.ex.Shimmed}
	mask := t.ex.FinalMask
	t.mu.Unlock()

	var stats [3][]*fieldmap.Stats
	if mask != nil {
		for i, m := range maps {
			if m == nil {
				continue
			}
			s, err := fieldmap.EvaluateSlices(m, mask)
			if err != nil {
				t.Logf("evaluate map %d: %v", i, err)
				continue
			}
			stats[i] = s
		}
	}

	t.mu.Lock()
	t.ex.Stats = stats
	t.mu.Unlock()
}

// recordShimmedSlice copies slice sl of m into the shimmed map, creating it
// as all-missing on first use.
func (t *Tool) recordShimmedSlice(m *fieldmap.Volume, sl int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ex.Background != nil && m.Shape != t.ex.Background.Shape {
		return fmt.Errorf("%w: shimmed %s, background %s", fieldmap.ErrShapeMismatch, m.Shape, t.ex.Background.Shape)
	}
	var shimmed *fieldmap.Volume
	if t.ex.Shimmed == nil {
		shimmed = fieldmap.NewNaNVolume(m.Shape)
	} else {
		shimmed = t.ex.Shimmed.Clone()
	}
	if err := shimmed.CopySlice(m, sl); err != nil {
		return err
	}
	t.ex.Shimmed = shimmed
	return nil
}

// evaluateAppliedShims compares each measured single-term map with the
// background plus that term's predicted field over slice's mask.
func (t *Tool) evaluateAppliedShims(measured []*fieldmap.Volume, slice int) error {
	t.mu.Lock()
	bg, basis, mask := t.ex.Background, t.ex.Basis, t.ex.FinalMask
	var sol []float64
	if slice < len(t.ex.Solutions) {
		sol = t.ex.Solutions[slice]
	}
	t.mu.Unlock()
	if bg == nil || sol == nil || mask == nil || len(basis) != len(sol)-1 {
		return fmt.Errorf("%w: no solution to evaluate for slice %d", ErrNotReady, slice)
	}
	if len(measured) != len(sol) {
		return fmt.Errorf("%w: %d measured maps for %d terms", fieldmap.ErrShapeMismatch, len(measured), len(sol))
	}

	sliceMask := fieldmap.MaskOneSlice(mask, slice)
	out := make([]*fieldmap.Stats, len(sol))
	for term, m := range measured {
		if m.Shape != bg.Shape {
			return fmt.Errorf("term %d: %w", term, fieldmap.ErrShapeMismatch)
		}
		expected := fieldmap.ExpectedTermMap(bg, basis, sol, slice, term)
		diff := fieldmap.NewVolume(bg.Shape)
		for i := range diff.Data {
			diff.Data[i] = m.Data[i] - expected.Data[i]
		}
		if s, ok := fieldmap.Evaluate(diff.Masked(sliceMask)); ok {
			out[term] = &s
			t.Logf("eval slice %d term %d: %s", slice, term, s)
		}
	}

	t.mu.Lock()
	t.ex.AppliedEval = out
	t.ex.AppliedEvalSlice = slice
	t.mu.Unlock()
	return nil
}

// shimmableSlices returns the slices DoAllShimmedScans visits: the
// contiguous range between the first and last slice that has both a
// solution and final-mask voxels of its own, minus unsolved slices inside
// it.
func shimmableSlices(e *Exam) []int {
	first, last := -1, -1
	for sl, sol := range e.Solutions {
		if sol == nil || e.FinalMask == nil || fieldmap.MaskOneSlice(e.FinalMask, sl).Count() == 0 {
			continue
		}
		if first < 0 {
			first = sl
		}
		last = sl
	}
	if first < 0 {
		return nil
	}
	var out []int
	for sl := first; sl <= last; sl++ {
		if e.Applied[sl] != nil {
			out = append(out, sl)
		}
	}
	return out
}
