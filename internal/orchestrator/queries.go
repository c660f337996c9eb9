package orchestrator

import "github.com/banshee-data/shimtool/internal/fieldmap"

// Exam returns a copy of the current exam state. The maps it references are
// never modified after being stored, so the copy may be read freely.
func (t *Tool) Exam() Exam {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.ex
	e.RawBasis = append([]*fieldmap.Volume(nil), t.ex.RawBasis...)
	e.Basis = append([]*fieldmap.Volume(nil), t.ex.Basis...)
	e.Solutions = append([][]float64(nil), t.ex.Solutions...)
	e.Applied = append([][]float64(nil), t.ex.Applied...)
	e.Principal = append([]float64(nil), t.ex.Principal...)
	e.AppliedEval = append([]*fieldmap.Stats(nil), t.ex.AppliedEval...)
	return e
}

// ObtainedBackground reports whether e has a background map.
func ObtainedBackground(e *Exam) bool { return e.Background != nil }

// ObtainedBasisMaps reports whether e has a complete raw basis set.
func ObtainedBasisMaps(e *Exam) bool { return complete(e.RawBasis) }

// ObtainedSolutions reports whether any slice of e has a solution.
func ObtainedSolutions(e *Exam) bool {
	for _, sol := range e.Solutions {
		if sol != nil {
			return true
		}
	}
	return false
}

// ObtainedShimmedB0Map reports whether e has at least one shimmed slice.
func ObtainedShimmedB0Map(e *Exam) bool { return e.Shimmed != nil }

func (t *Tool) query(f func(*Exam) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return f(&t.ex)
}

// AssetCalibrationDone reports whether asset calibration has succeeded.
func (t *Tool) AssetCalibrationDone() bool {
	return t.query(func(e *Exam) bool { return e.AssetCalibrationDone })
}

func (t *Tool) ObtainedBackground() bool   { return t.query(ObtainedBackground) }
func (t *Tool) ObtainedBasisMaps() bool    { return t.query(ObtainedBasisMaps) }
func (t *Tool) ObtainedSolutions() bool    { return t.query(ObtainedSolutions) }
func (t *Tool) ObtainedShimmedB0Map() bool { return t.query(ObtainedShimmedB0Map) }
