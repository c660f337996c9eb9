package orchestrator

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/shimtool/internal/db"
	"github.com/banshee-data/shimtool/internal/fieldmap"
)

// StateSchemaVersion tags saved snapshots. Bump it whenever savedState
// changes shape; older snapshots are then ignored.
const StateSchemaVersion = 1

// ErrNoStore is returned by SaveState and LoadState without a store.
var ErrNoStore = errors.New("no snapshot store configured")

// SnapshotStore persists encoded exam state. Implemented by db.DB.
type SnapshotStore interface {
	InsertSnapshot(s *db.ToolSnapshot) (int64, error)
	LatestSnapshot() (*db.ToolSnapshot, error)
}

// RunJournal records procedure runs. Implemented by db.DB.
type RunJournal interface {
	StartRun(name string, slice int, started time.Time) (string, error)
	FinishRun(runID string, runErr error, finished time.Time) error
}

// The saved forms carry an explicit Set flag because gob cannot encode nil
// elements of pointer slices.
type savedVolume struct {
	Set   bool
	Shape fieldmap.Shape
	Data  []float64
}

type savedMask struct {
	Set   bool
	Shape fieldmap.Shape
	Data  []bool
}

type savedStats struct {
	Set   bool
	Stats fieldmap.Stats
}

type savedSolution struct {
	Set    bool
	Values []float64
}

type savedState struct {
	NumLoops             int
	AssetCalibrationDone bool
	AutoPrescanDone      bool
	ShimMode             int

	Background savedVolume
	RawBasis   []savedVolume
	Basis      []savedVolume
	Expected   savedVolume
	Shimmed    savedVolume

	Solutions []savedSolution
	Applied   []savedSolution
	Principal []float64

	ROI       savedMask
	FinalMask savedMask

	Stats            [3][]savedStats
	AppliedEval      []savedStats
	AppliedEvalSlice int

	ExamNumber string
}

func saveVolume(v *fieldmap.Volume) savedVolume {
	if v == nil {
		return savedVolume{}
	}
	return savedVolume{Set: true, Shape: v.Shape, Data: v.Data}
}

func (s savedVolume) load() *fieldmap.Volume {
	if !s.Set {
		return nil
	}
	return &fieldmap.Volume{Shape: s.Shape, Data: s.Data}
}

func saveVolumes(vs []*fieldmap.Volume) []savedVolume {
	if vs == nil {
		return nil
	}
	out := make([]savedVolume, len(vs))
	for i, v := range vs {
		out[i] = saveVolume(v)
	}
	return out
}

func loadVolumes(ss []savedVolume) []*fieldmap.Volume {
	if len(ss) == 0 {
		return nil
	}
	out := make([]*fieldmap.Volume, len(ss))
	for i, s := range ss {
		out[i] = s.load()
	}
	return out
}

func saveMask(m *fieldmap.Mask) savedMask {
	if m == nil {
		return savedMask{}
	}
	return savedMask{Set: true, Shape: m.Shape, Data: m.Data}
}

func (s savedMask) load() *fieldmap.Mask {
	if !s.Set {
		return nil
	}
	return &fieldmap.Mask{Shape: s.Shape, Data: s.Data}
}

func saveStats(ss []*fieldmap.Stats) []savedStats {
	if ss == nil {
		return nil
	}
	out := make([]savedStats, len(ss))
	for i, s := range ss {
		if s != nil {
			out[i] = savedStats{Set: true, Stats: *s}
		}
	}
	return out
}

func loadStats(ss []savedStats) []*fieldmap.Stats {
	if len(ss) == 0 {
		return nil
	}
	out := make([]*fieldmap.Stats, len(ss))
	for i, s := range ss {
		if s.Set {
			st := s.Stats
			out[i] = &st
		}
	}
	return out
}

func saveSolutions(sols [][]float64) []savedSolution {
	if sols == nil {
		return nil
	}
	out := make([]savedSolution, len(sols))
	for i, s := range sols {
		if s != nil {
			out[i] = savedSolution{Set: true, Values: s}
		}
	}
	return out
}

func loadSolutions(ss []savedSolution) [][]float64 {
	if len(ss) == 0 {
		return nil
	}
	out := make([][]float64, len(ss))
	for i, s := range ss {
		if s.Set {
			out[i] = s.Values
		}
	}
	return out
}

func toSaved(e *Exam, numLoops int) *savedState {
	s := &savedState{
		NumLoops:             numLoops,
		AssetCalibrationDone: e.AssetCalibrationDone,
		AutoPrescanDone:      e.AutoPrescanDone,
		ShimMode:             int(e.ShimMode),
		Background:           saveVolume(e.Background),
		RawBasis:             saveVolumes(e.RawBasis),
		Basis:                saveVolumes(e.Basis),
		Expected:             saveVolume(e.Expected),
		Shimmed:              saveVolume(e.Shimmed),
		Solutions:            saveSolutions(e.Solutions),
		Applied:              saveSolutions(e.Applied),
		Principal:            e.Principal,
		ROI:                  saveMask(e.ROI),
		FinalMask:            saveMask(e.FinalMask),
		AppliedEval:          saveStats(e.AppliedEval),
		AppliedEvalSlice:     e.AppliedEvalSlice,
		ExamNumber:           e.ExamNumber,
	}
	for i := range e.Stats {
		s.Stats[i] = saveStats(e.Stats[i])
	}
	return s
}

func (s *savedState) toExam() Exam {
	e := Exam{
		AssetCalibrationDone: s.AssetCalibrationDone,
		AutoPrescanDone:      s.AutoPrescanDone,
		ShimMode:             ShimMode(s.ShimMode),
		Background:           s.Background.load(),
		RawBasis:             loadVolumes(s.RawBasis),
		Basis:                loadVolumes(s.Basis),
		Expected:             s.Expected.load(),
		Shimmed:              s.Shimmed.load(),
		Solutions:            loadSolutions(s.Solutions),
		Applied:              loadSolutions(s.Applied),
		Principal:            s.Principal,
		ROI:                  s.ROI.load(),
		FinalMask:            s.FinalMask.load(),
		AppliedEval:          loadStats(s.AppliedEval),
		AppliedEvalSlice:     s.AppliedEvalSlice,
		ExamNumber:           s.ExamNumber,
	}
	for i := range s.Stats {
		e.Stats[i] = loadStats(s.Stats[i])
	}
	return e
}

// validate rejects snapshots whose fields do not fit together or do not fit
// a tool with numLoops loops.
func (s *savedState) validate(numLoops int) error {
	if s.NumLoops != numLoops {
		return fmt.Errorf("saved for %d loops, tool has %d", s.NumLoops, numLoops)
	}
	if len(s.Principal) != numLoops+fieldmap.SolutionLoops {
		return fmt.Errorf("principal solution has %d values", len(s.Principal))
	}
	nBasis := numLoops + fieldmap.NumGradients
	if n := len(s.RawBasis); n != 0 && n != nBasis {
		return fmt.Errorf("raw basis has %d maps, want %d", n, nBasis)
	}
	if n := len(s.Basis); n != 0 && n != nBasis {
		return fmt.Errorf("basis has %d maps, want %d", n, nBasis)
	}
	if len(s.Solutions) != len(s.Applied) {
		return fmt.Errorf("%d solutions but %d applied solutions", len(s.Solutions), len(s.Applied))
	}
	if !s.Background.Set {
		if len(s.Solutions) != 0 {
			return fmt.Errorf("%d solutions without a background map", len(s.Solutions))
		}
		return nil
	}
	shape := s.Background.Shape
	if n := len(s.Solutions); n != 0 && n != shape.Slices() {
		return fmt.Errorf("%d solutions for %d slices", n, shape.Slices())
	}
	vols := append([]savedVolume{s.Background, s.Expected, s.Shimmed}, s.RawBasis...)
	vols = append(vols, s.Basis...)
	for _, v := range vols {
		if v.Set && (v.Shape != shape || len(v.Data) != shape.Len()) {
			return fmt.Errorf("%w: map %s, background %s", fieldmap.ErrShapeMismatch, v.Shape, shape)
		}
	}
	for _, m := range []savedMask{s.ROI, s.FinalMask} {
		if m.Set && (m.Shape != shape || len(m.Data) != shape.Len()) {
			return fmt.Errorf("%w: mask %s, background %s", fieldmap.ErrShapeMismatch, m.Shape, shape)
		}
	}
	for _, sol := range append(append([]savedSolution(nil), s.Solutions...), s.Applied...) {
		if sol.Set && len(sol.Values) != numLoops+fieldmap.SolutionLoops {
			return fmt.Errorf("solution has %d values", len(sol.Values))
		}
	}
	return nil
}

func encodeState(s *savedState) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(s); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeState(blob []byte) (*savedState, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty state blob")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var s savedState
	if err := gob.NewDecoder(gz).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	return &s, nil
}

// SaveState writes a snapshot of the exam state tagged with reason.
func (t *Tool) SaveState(reason string) error {
	if t.store == nil {
		return ErrNoStore
	}
	e := t.Exam()
	blob, err := encodeState(toSaved(&e, t.numLoops))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	id, err := t.store.InsertSnapshot(&db.ToolSnapshot{
		SchemaVersion:  StateSchemaVersion,
		TakenUnixNanos: t.clock.Now().UnixNano(),
		Reason:         reason,
		Blob:           blob,
	})
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	t.Logf("saved state snapshot %d (%s, %d bytes)", id, reason, len(blob))
	return nil
}

// LoadState restores the most recent snapshot. A missing, empty, corrupt or
// incompatible snapshot is logged and leaves the tool untouched; only a
// store failure is returned as an error.
func (t *Tool) LoadState() (bool, error) {
	if t.store == nil {
		return false, ErrNoStore
	}
	snap, err := t.store.LatestSnapshot()
	if err != nil {
		return false, fmt.Errorf("load state: %w", err)
	}
	if snap == nil {
		t.Logf("load state: no snapshot saved")
		return false, nil
	}
	if snap.SchemaVersion != StateSchemaVersion {
		t.Logf("load state: snapshot %d has schema version %d, want %d; ignored", snap.SnapshotID, snap.SchemaVersion, StateSchemaVersion)
		return false, nil
	}
	saved, err := decodeState(snap.Blob)
	if err == nil {
		err = saved.validate(t.numLoops)
	}
	if err != nil {
		t.Logf("load state: snapshot %d unusable: %v", snap.SnapshotID, err)
		return false, nil
	}

	release, err := t.beginBatch("load-state")
	if err != nil {
		return false, err
	}
	defer release()
	t.mu.Lock()
	t.ex = saved.toExam()
	t.mu.Unlock()
	t.Logf("load state: restored snapshot %d (%s)", snap.SnapshotID, snap.Reason)
	return true, nil
}
