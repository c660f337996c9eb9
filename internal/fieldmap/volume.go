// Package fieldmap turns dual-echo image series into B0 field maps and solves
// for the shim settings that null a measured background field.
//
// Volumes are indexed (readout, slice, phase). Missing or low-SNR voxels are
// NaN and propagate through arithmetic.
package fieldmap

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when volumes of one exam disagree in shape.
var ErrShapeMismatch = errors.New("volume shape mismatch")

// Shape is the (readout, slice, phase) extent of a volume.
type Shape [3]int

// Len is the voxel count.
func (s Shape) Len() int { return s[0] * s[1] * s[2] }

// Slices is the number of slices.
func (s Shape) Slices() int { return s[1] }

func (s Shape) valid() bool { return s[0] > 0 && s[1] > 0 && s[2] > 0 }

func (s Shape) String() string { return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2]) }

// Index returns the flat offset of voxel (r, sl, p).
func (s Shape) Index(r, sl, p int) int { return (r*s[1]+sl)*s[2] + p }

// Volume is a 3-D scalar field in Hz.
type Volume struct {
	Shape Shape
	Data  []float64
}

// NewVolume returns a zero-filled volume.
func NewVolume(shape Shape) *Volume {
	return &Volume{Shape: shape, Data: make([]float64, shape.Len())}
}

// NewNaNVolume returns a volume with every voxel missing.
func NewNaNVolume(shape Shape) *Volume {
	v := NewVolume(shape)
	for i := range v.Data {
		v.Data[i] = math.NaN()
	}
	return v
}

func (v *Volume) At(r, sl, p int) float64     { return v.Data[v.Shape.Index(r, sl, p)] }
func (v *Volume) Set(r, sl, p int, x float64) { v.Data[v.Shape.Index(r, sl, p)] = x }

// Clone returns a deep copy. A nil volume clones to nil.
func (v *Volume) Clone() *Volume {
	if v == nil {
		return nil
	}
	return &Volume{Shape: v.Shape, Data: append([]float64(nil), v.Data...)}
}

// CopySlice overwrites slice sl of v with slice sl of src.
func (v *Volume) CopySlice(src *Volume, sl int) error {
	if err := sameShape(v.Shape, src.Shape); err != nil {
		return err
	}
	for r := 0; r < v.Shape[0]; r++ {
		for p := 0; p < v.Shape[2]; p++ {
			i := v.Shape.Index(r, sl, p)
			v.Data[i] = src.Data[i]
		}
	}
	return nil
}

// Masked returns the values of v at every set voxel of m.
func (v *Volume) Masked(m *Mask) []float64 {
	out := make([]float64, 0, m.Count())
	for i, ok := range m.Data {
		if ok {
			out = append(out, v.Data[i])
		}
	}
	return out
}

// Mask is a boolean volume.
type Mask struct {
	Shape Shape
	Data  []bool
}

// NewMask returns an empty mask.
func NewMask(shape Shape) *Mask {
	return &Mask{Shape: shape, Data: make([]bool, shape.Len())}
}

// FullMask returns a mask with every voxel set.
func FullMask(shape Shape) *Mask {
	m := NewMask(shape)
	for i := range m.Data {
		m.Data[i] = true
	}
	return m
}

func (m *Mask) At(r, sl, p int) bool     { return m.Data[m.Shape.Index(r, sl, p)] }
func (m *Mask) Set(r, sl, p int, x bool) { m.Data[m.Shape.Index(r, sl, p)] = x }

// Count is the number of set voxels.
func (m *Mask) Count() int {
	n := 0
	for _, ok := range m.Data {
		if ok {
			n++
		}
	}
	return n
}

// Clone returns a deep copy. A nil mask clones to nil.
func (m *Mask) Clone() *Mask {
	if m == nil {
		return nil
	}
	return &Mask{Shape: m.Shape, Data: append([]bool(nil), m.Data...)}
}

// Or returns the voxelwise union of m and o.
func (m *Mask) Or(o *Mask) (*Mask, error) {
	if err := sameShape(m.Shape, o.Shape); err != nil {
		return nil, err
	}
	out := m.Clone()
	for i, ok := range o.Data {
		out.Data[i] = out.Data[i] || ok
	}
	return out, nil
}

// MaskOneSlice keeps only slice sl of m.
func MaskOneSlice(m *Mask, sl int) *Mask {
	out := NewMask(m.Shape)
	if sl < 0 || sl >= m.Shape.Slices() {
		return out
	}
	for r := 0; r < m.Shape[0]; r++ {
		for p := 0; p < m.Shape[2]; p++ {
			i := m.Shape.Index(r, sl, p)
			out.Data[i] = m.Data[i]
		}
	}
	return out
}

// SliceUnion is the solve mask for slice sl: the union of sl and its
// neighbours, clipped at the first and last slice.
func SliceUnion(m *Mask, sl int) *Mask {
	out := MaskOneSlice(m, sl)
	for _, n := range []int{sl - 1, sl + 1} {
		if n < 0 || n >= m.Shape.Slices() {
			continue
		}
		for r := 0; r < m.Shape[0]; r++ {
			for p := 0; p < m.Shape[2]; p++ {
				i := m.Shape.Index(r, n, p)
				out.Data[i] = m.Data[i]
			}
		}
	}
	return out
}

func sameShape(a, b Shape) error {
	if a != b {
		return fmt.Errorf("%w: %s vs %s", ErrShapeMismatch, a, b)
	}
	return nil
}
