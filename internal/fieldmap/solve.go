package fieldmap

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/shimtool/internal/errs"
)

// Solution layout: [cf, gx, gy, gz, loop_0 ... loop_{n-1}].
const (
	SolutionCF       = 0
	SolutionGradient = 1
	SolutionLoops    = 4
	// NumGradients is the number of linear gradient axes in a basis set.
	NumGradients = 3
)

// rcond is the relative singular value cut-off used to decide rank.
const rcond = 1e-10

// SolveParams carries the calibration constants the basis maps were acquired
// with and the coil current limit.
type SolveParams struct {
	GradientCalStrength float64
	LoopCalCurrent      float64
	// MaxCurrent bounds |applied loop current| in amps. Zero disables the
	// bound.
	MaxCurrent float64
}

// SolveCurrents finds the coefficients that best null background over mask:
//
//	cf + Σ coeff_k · basis_k(x) ≈ −background(x)
//
// basis holds the three gradient maps followed by one map per loop. The
// result has len(basis)+1 entries in basis units (see ApplyScaling). A
// rank-deficient system is solved in the minimum-norm sense; loop
// coefficients are held within MaxCurrent/LoopCalCurrent. An empty mask or a
// system of rank zero returns an error wrapping errs.ErrSolve.
func SolveCurrents(background *Volume, basis []*Volume, mask *Mask, p SolveParams) ([]float64, error) {
	if len(basis) < NumGradients {
		return nil, fmt.Errorf("%w: basis set has %d maps", errs.ErrSolve, len(basis))
	}
	if err := sameShape(background.Shape, mask.Shape); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrSolve, err)
	}
	for k, b := range basis {
		if b == nil {
			return nil, fmt.Errorf("%w: basis map %d is missing", errs.ErrSolve, k)
		}
		if err := sameShape(background.Shape, b.Shape); err != nil {
			return nil, fmt.Errorf("%w: basis map %d: %v", errs.ErrSolve, k, err)
		}
	}

	var rows []int
	for i, ok := range mask.Data {
		if !ok || math.IsNaN(background.Data[i]) {
			continue
		}
		defined := true
		for _, b := range basis {
			if math.IsNaN(b.Data[i]) {
				defined = false
				break
			}
		}
		if defined {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: mask is empty", errs.ErrSolve)
	}

	nUnknowns := len(basis) + 1
	column := func(j, i int) float64 {
		if j == SolutionCF {
			return 1
		}
		return basis[j-1].Data[i]
	}

	bound := math.Inf(1)
	if p.MaxCurrent > 0 && p.LoopCalCurrent > 0 {
		bound = p.MaxCurrent / p.LoopCalCurrent
	}

	// Active set: loops pinned at their bound are moved to the right-hand
	// side and the remaining unknowns are solved again.
	x := make([]float64, nUnknowns)
	pinned := make([]bool, nUnknowns)
	for {
		var free []int
		for j := 0; j < nUnknowns; j++ {
			if !pinned[j] {
				free = append(free, j)
			}
		}

		a := mat.NewDense(len(rows), len(free), nil)
		b := mat.NewVecDense(len(rows), nil)
		for r, i := range rows {
			rhs := -background.Data[i]
			for j := 0; j < nUnknowns; j++ {
				if pinned[j] {
					rhs -= x[j] * column(j, i)
				}
			}
			b.SetVec(r, rhs)
			for c, j := range free {
				a.Set(r, c, column(j, i))
			}
		}

		var svd mat.SVD
		if !svd.Factorize(a, mat.SVDThin) {
			return nil, fmt.Errorf("%w: factorisation failed", errs.ErrSolve)
		}
		rank := svd.Rank(rcond)
		if rank == 0 {
			return nil, fmt.Errorf("%w: system has rank 0", errs.ErrSolve)
		}
		var sol mat.VecDense
		svd.SolveVecTo(&sol, b, rank)
		for c, j := range free {
			x[j] = sol.AtVec(c)
		}

		worst, worstExcess := -1, 0.0
		for j := SolutionLoops; j < nUnknowns; j++ {
			if pinned[j] {
				continue
			}
			if excess := math.Abs(x[j]) - bound; excess > worstExcess {
				worst, worstExcess = j, excess
			}
		}
		if worst < 0 {
			return x, nil
		}
		x[worst] = math.Copysign(bound, x[worst])
		pinned[worst] = true
	}
}

// ApplyScaling converts a solution in basis units to physical units:
// gradients times the gradient calibration strength, loops times the loop
// calibration current. The centre frequency is already in Hz.
func ApplyScaling(solution []float64, p SolveParams) []float64 {
	if solution == nil {
		return nil
	}
	out := append([]float64(nil), solution...)
	for j := SolutionGradient; j < SolutionLoops && j < len(out); j++ {
		out[j] *= p.GradientCalStrength
	}
	for j := SolutionLoops; j < len(out); j++ {
		out[j] *= p.LoopCalCurrent
	}
	return out
}

// ExpectedMap predicts the field after shimming: for every slice with a
// solution, background plus cf plus the weighted basis maps; slices without a
// solution are NaN.
func ExpectedMap(background *Volume, basis []*Volume, solutions [][]float64) (*Volume, error) {
	if len(solutions) != background.Shape.Slices() {
		return nil, fmt.Errorf("%w: %d solutions for %d slices", ErrShapeMismatch, len(solutions), background.Shape.Slices())
	}
	out := background.Clone()
	shape := out.Shape
	for sl, sol := range solutions {
		for r := 0; r < shape[0]; r++ {
			for p := 0; p < shape[2]; p++ {
				i := shape.Index(r, sl, p)
				if sol == nil {
					out.Data[i] = math.NaN()
					continue
				}
				v := out.Data[i] + sol[SolutionCF]
				for k, b := range basis {
					if k+1 < len(sol) {
						v += sol[k+1] * b.Data[i]
					}
				}
				out.Data[i] = v
			}
		}
	}
	return out, nil
}

// ExpectedTermMap predicts the field of one slice with a single solution term
// applied: term 0 is the centre frequency, term k>0 scales basis[k-1].
func ExpectedTermMap(background *Volume, basis []*Volume, solution []float64, sl, term int) *Volume {
	out := NewNaNVolume(background.Shape)
	shape := background.Shape
	for r := 0; r < shape[0]; r++ {
		for p := 0; p < shape[2]; p++ {
			i := shape.Index(r, sl, p)
			v := background.Data[i]
			if term == SolutionCF {
				v += solution[SolutionCF]
			} else {
				v += solution[term] * basis[term-1].Data[i]
			}
			out.Data[i] = v
		}
	}
	return out
}
