package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/shimtool/internal/db"
	"github.com/banshee-data/shimtool/internal/errs"
	"github.com/banshee-data/shimtool/internal/fieldmap"
	"github.com/banshee-data/shimtool/internal/scanner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func countPrefix(cmds []string, prefix string) int {
	n := 0
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestGuardsRefuseWithoutMutation(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.scanner.setConnected(false)
	err := r.tool.DoAssetCalibration(ctx)
	var guard *errs.GuardError
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, "asset-calibration", guard.Procedure)
	assert.Equal(t, "scanner not connected", guard.Guard)
	assert.ErrorIs(t, err, errs.ErrGuardViolation)
	r.scanner.setConnected(true)

	err = r.tool.DoBasisCalibrationScans(ctx)
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, "asset calibration not done", guard.Guard)

	require.NoError(t, r.tool.DoAssetCalibration(ctx))
	before := r.tool.Exam()
	scans := r.scanner.scanCount()

	r.shim.mu.Lock()
	r.shim.connected = false
	r.shim.mu.Unlock()
	err = r.tool.DoFieldmapScan(ctx, 0)
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, "shim driver not connected", guard.Guard)

	assert.Equal(t, scans, r.scanner.scanCount())
	assert.Equal(t, 0, r.shim.zeroCount())
	assert.Equal(t, Idle, r.tool.State())
	assert.Empty(t, cmp.Diff(before, r.tool.Exam(), cmpopts.EquateNaNs()))
}

func TestAssetCalibrationRunsOnce(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.tool.DoAssetCalibration(ctx))
	require.NoError(t, r.tool.DoAssetCalibration(ctx))

	assert.True(t, r.tool.AssetCalibrationDone())
	assert.Equal(t, 1, r.scanner.scanCount())
	cmds := r.scanner.commands()
	require.NotEmpty(t, cmds)
	assert.Equal(t, scanner.LoadProtocol(AssetProtocol), cmds[0])
}

func TestFieldmapScanAcquiresBackground(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.tool.DoAssetCalibration(ctx))
	require.NoError(t, r.tool.DoFieldmapScan(ctx, 0))

	e := r.tool.Exam()
	require.NotNil(t, e.Background)
	assert.Equal(t, testShape, e.Background.Shape)
	assert.InDelta(t, r.phantom.background.At(1, 1, 1), e.Background.At(1, 1, 1), 0.05)
	assert.InDelta(t, r.phantom.background.At(3, 2, 2), e.Background.At(3, 2, 2), 0.05)
	assert.True(t, math.IsNaN(e.Background.At(0, 1, 0)), "voxel without signal")
	assert.True(t, e.AutoPrescanDone)
	assert.Equal(t, testExam, e.ExamNumber)
	assert.Equal(t, []float64{testCF0, 5, -3, 2, 0, 0}, e.Principal)
	require.NotNil(t, e.FinalMask)
	assert.Equal(t, testShape.Len()-testShape.Slices(), e.FinalMask.Count())
	assert.Equal(t, 1, r.shim.zeroCount())

	// Later pairs skip the prescan and land in the shimmed map.
	require.NoError(t, r.tool.DoFieldmapScan(ctx, 1))
	e = r.tool.Exam()
	cmds := r.scanner.commands()
	assert.Equal(t, 1, countPrefix(cmds, scanner.Prescan(true)))
	assert.Equal(t, 3, countPrefix(cmds, scanner.Prescan(false)))
	require.NotNil(t, e.Shimmed)
	assert.InDelta(t, r.phantom.background.At(1, 1, 1), e.Shimmed.At(1, 1, 1), 0.05)
	assert.True(t, math.IsNaN(e.Shimmed.At(1, 0, 1)), "slice 0 not acquired")
	assert.Equal(t, 5, r.scanner.scanCount())

	err := r.tool.DoFieldmapScan(ctx, testShape.Slices())
	assert.ErrorContains(t, err, "outside")
}

func TestBasisCalibrationAcquiresEveryDirection(t *testing.T) {
	r := newRig(t)
	r.calibrated(t)

	nBasis := testLoops + fieldmap.NumGradients
	e := r.tool.Exam()
	require.Len(t, e.RawBasis, nBasis)
	require.Len(t, e.Basis, nBasis)
	for k := 0; k < fieldmap.NumGradients; k++ {
		assert.InDelta(t, r.phantom.gradients[k].At(2, 1, 3), e.Basis[k].At(2, 1, 3), 0.05, "gradient %d", k)
	}
	for ch := 0; ch < testLoops; ch++ {
		assert.InDelta(t, r.phantom.loops[ch].At(2, 0, 1), e.Basis[fieldmap.NumGradients+ch].At(2, 0, 1), 0.05, "loop %d", ch)
	}

	require.Len(t, e.Solutions, testShape.Slices())
	require.Len(t, e.Applied, testShape.Slices())
	for sl := range e.Solutions {
		require.Len(t, e.Solutions[sl], testLoops+fieldmap.SolutionLoops, "slice %d", sl)
		require.Len(t, e.Applied[sl], testLoops+fieldmap.SolutionLoops, "slice %d", sl)
		for ch := 0; ch < testLoops; ch++ {
			assert.LessOrEqual(t, math.Abs(e.Applied[sl][fieldmap.SolutionLoops+ch]), 2.4+1e-9)
		}
	}
	assert.NotNil(t, e.Expected)
	assert.Len(t, e.Stats[StatsExpected], testShape.Slices())
	assert.True(t, r.tool.ObtainedBasisMaps())
	assert.True(t, r.tool.ObtainedSolutions())

	// One asset scan, one background pair, one pair per basis direction.
	assert.Equal(t, 1+2+2*nBasis, r.scanner.scanCount())
	cmds := r.scanner.commands()
	assert.Equal(t, testLoops, countPrefix(cmds, FieldmapProtocol+" |"))
	// Coils end at the principal solution.
	assert.Equal(t, []float64{0, 0}, r.scanner.loopAmps())
	assert.Equal(t, scanner.SyncedLoopCurrent(testLoops-1, 0), cmds[len(cmds)-1])
}

func TestSolveUsesNeighbouringSlices(t *testing.T) {
	r := newRig(t)
	r.calibrated(t)

	// An ROI confined to slice 1 still gives slices 0 and 2 a solution
	// through the union with their neighbour.
	roi := fieldmap.NewMask(testShape)
	for x := 0; x < testShape[0]; x++ {
		for z := 0; z < testShape[2]; z++ {
			roi.Set(x, 1, z, true)
		}
	}
	require.NoError(t, r.tool.SetROI(roi))

	e := r.tool.Exam()
	for sl := 0; sl < testShape.Slices(); sl++ {
		assert.NotNil(t, e.Solutions[sl], "slice %d", sl)
	}
	assert.Equal(t, []int{1}, shimmableSlices(&e))

	scans := r.scanner.scanCount()
	require.NoError(t, r.tool.DoAllShimmedScans(context.Background()))
	assert.Equal(t, scans+2, r.scanner.scanCount())

	e = r.tool.Exam()
	assert.False(t, math.IsNaN(e.Shimmed.At(1, 1, 1)))
	assert.True(t, math.IsNaN(e.Shimmed.At(1, 0, 1)))
	assert.True(t, math.IsNaN(e.Shimmed.At(1, 2, 1)))
}

func TestSetROIRejectsShapeMismatch(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.tool.DoAssetCalibration(ctx))
	require.NoError(t, r.tool.DoFieldmapScan(ctx, 0))

	err := r.tool.SetROI(fieldmap.NewMask(fieldmap.Shape{2, 2, 2}))
	assert.ErrorIs(t, err, fieldmap.ErrShapeMismatch)
}

func TestShimmedScansReduceField(t *testing.T) {
	r := newRig(t)
	r.calibrated(t)
	scans := r.scanner.scanCount()
	sent := len(r.scanner.commands())

	require.NoError(t, r.tool.DoAllShimmedScans(context.Background()))
	assert.Equal(t, scans+2*testShape.Slices(), r.scanner.scanCount())
	assert.True(t, r.tool.ObtainedShimmedB0Map())
	assert.Equal(t, Idle, r.tool.State())

	e := r.tool.Exam()
	require.Len(t, e.Stats[StatsShimmed], testShape.Slices())
	for sl := 0; sl < testShape.Slices(); sl++ {
		bg, shimmed := e.Stats[StatsBackground][sl], e.Stats[StatsShimmed][sl]
		require.NotNil(t, bg, "slice %d", sl)
		require.NotNil(t, shimmed, "slice %d", sl)
		assert.Less(t, shimmed.StdDev, bg.StdDev, "slice %d", sl)
		assert.InDelta(t, 0, shimmed.Mean, 3, "slice %d", sl)
	}
	assert.Equal(t, []float64{0, 0}, r.scanner.loopAmps())
	// One wait between slices and one before restoring the principal values.
	cmds := r.scanner.commands()[sent:]
	assert.Equal(t, testShape.Slices(), countPrefix(cmds, scanner.WaitForImagesCollected))
}

func TestAllShimmedScansWithoutSlices(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.tool.DoAssetCalibration(ctx))
	require.NoError(t, r.tool.DoFieldmapScan(ctx, 0))

	scans := r.scanner.scanCount()
	err := r.tool.DoAllShimmedScans(ctx)
	assert.ErrorIs(t, err, ErrNoSlices)
	assert.Equal(t, scans, r.scanner.scanCount())

	require.NoError(t, r.tool.DoBasisCalibrationScans(ctx))
	require.NoError(t, r.tool.SetROI(fieldmap.NewMask(testShape)))
	scans = r.scanner.scanCount()
	err = r.tool.DoAllShimmedScans(ctx)
	assert.ErrorIs(t, err, ErrNoSlices)
	assert.Equal(t, scans, r.scanner.scanCount())
	assert.Equal(t, Idle, r.tool.State())
}

func TestBasisTimeoutKeepsPreviousMaps(t *testing.T) {
	const timeout = 300 * time.Millisecond
	r := newRig(t, func(c *Config, _ *Deps) { c.ScanTimeout = timeout })
	r.calibrated(t)
	ctx := context.Background()

	prev := r.tool.Exam()
	zeros := r.shim.zeroCount()
	r.scanner.hangScan(r.scanner.scanCount() + 5)

	start := time.Now()
	err := r.tool.DoBasisCalibrationScans(ctx)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, errs.ErrScanTimeout)
	assert.Less(t, elapsed, 5*timeout+time.Second)

	e := r.tool.Exam()
	require.Len(t, e.RawBasis, testLoops+fieldmap.NumGradients)
	for k, m := range e.RawBasis {
		assert.Nil(t, m, "raw basis %d", k)
	}
	assert.False(t, r.tool.ObtainedBasisMaps())
	assert.Same(t, prev.Basis[0], e.Basis[0])
	assert.Equal(t, prev.Solutions, e.Solutions)
	assert.Equal(t, Error, r.tool.State())
	assert.ErrorIs(t, r.tool.LastError(), errs.ErrScanTimeout)
	// Zeroed before the batch and again on abort.
	assert.Equal(t, zeros+2, r.shim.zeroCount())
	assert.False(t, r.scanner.IsRaised(scanner.ImagesReady))

	// The error state blocks procedures until cleared.
	var guard *errs.GuardError
	require.ErrorAs(t, r.tool.DoFgreScan(ctx), &guard)
	r.tool.ClearError()
	assert.Equal(t, Idle, r.tool.State())
	assert.NoError(t, r.tool.DoFgreScan(ctx))
}

func TestScanFailureAbortsBatch(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.tool.DoAssetCalibration(ctx))
	r.scanner.failScan(3)

	err := r.tool.DoFieldmapScan(ctx, 0)
	require.ErrorIs(t, err, errs.ErrScanFailure)
	assert.Equal(t, Error, r.tool.State())
	assert.Nil(t, r.tool.Exam().Background)
	assert.False(t, r.tool.Exam().AutoPrescanDone)
	// The failure signal is re-armed for the next batch.
	assert.True(t, r.scanner.IsRaised(scanner.NoFailures))

	r.tool.ClearError()
	require.NoError(t, r.tool.DoFieldmapScan(ctx, 0))
	assert.NotNil(t, r.tool.Exam().Background)
}

func TestSendFailureReportsConnection(t *testing.T) {
	r := newRig(t)
	r.scanner.failSend(2)

	start := time.Now()
	err := r.tool.DoAssetCalibration(context.Background())
	require.ErrorIs(t, err, errs.ErrConnection)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, r.tool.AssetCalibrationDone())
	assert.Equal(t, 0, r.scanner.scanCount())
}

func TestCountScansCompleted(t *testing.T) {
	const timeout = 100 * time.Millisecond
	r := newRig(t, func(c *Config, _ *Deps) { c.ScanTimeout = timeout })
	ctx := context.Background()

	start := time.Now()
	assert.False(t, r.tool.CountScansCompleted(ctx, 3))
	// The first missing scan ends the wait.
	assert.Less(t, time.Since(start), 3*timeout+500*time.Millisecond)

	require.NoError(t, r.scanner.Send(scanner.SetCV("act_te", fgreTE)))
	require.NoError(t, r.scanner.Send(scanner.Scan()))
	require.NoError(t, r.scanner.Send(scanner.Scan()))
	assert.True(t, r.tool.CountScansCompleted(ctx, 2))
	assert.False(t, r.scanner.IsRaised(scanner.ImagesReady))

	r.scanner.failScan(3)
	require.NoError(t, r.scanner.Send(scanner.Scan()))
	assert.False(t, r.tool.CountScansCompleted(ctx, 1))
	assert.True(t, r.scanner.IsRaised(scanner.NoFailures))
}

func TestBatchInFlightRefused(t *testing.T) {
	r := newRig(t, func(c *Config, _ *Deps) { c.AssetTimeout = 400 * time.Millisecond })
	ctx := context.Background()
	require.NoError(t, r.tool.DoAssetCalibration(ctx))
	r.scanner.hangScan(2)

	done := make(chan error, 1)
	go func() { done <- r.tool.DoFgreScan(ctx) }()
	require.Eventually(t, func() bool { return r.scanner.scanCount() == 2 }, time.Second, 5*time.Millisecond)

	err := r.tool.DoFieldmapScan(ctx, 0)
	assert.ErrorIs(t, err, ErrBatchInFlight)
	assert.ErrorIs(t, <-done, errs.ErrScanTimeout)
}

func TestSetAllShimCurrents(t *testing.T) {
	r := newRig(t)
	r.calibrated(t)
	scans := r.scanner.scanCount()

	require.NoError(t, r.tool.SetAllShimCurrents(1))
	e := r.tool.Exam()
	amps := r.scanner.loopAmps()
	for ch := 0; ch < testLoops; ch++ {
		assert.InDelta(t, e.Applied[1][fieldmap.SolutionLoops+ch], amps[ch], 1e-4, "loop %d", ch)
	}
	assert.Equal(t, scans, r.scanner.scanCount())
	assert.Equal(t, Idle, r.tool.State())

	assert.ErrorIs(t, r.tool.SetAllShimCurrents(testShape.Slices()), ErrNotReady)
}

func TestEvalAppliedShims(t *testing.T) {
	r := newRig(t)
	r.calibrated(t)
	scans := r.scanner.scanCount()

	require.NoError(t, r.tool.DoEvalAppliedShims(context.Background(), 1))
	nTerms := testLoops + fieldmap.SolutionLoops
	assert.Equal(t, scans+2*nTerms, r.scanner.scanCount())

	e := r.tool.Exam()
	assert.Equal(t, 1, e.AppliedEvalSlice)
	require.Len(t, e.AppliedEval, nTerms)
	for term, s := range e.AppliedEval {
		require.NotNil(t, s, "term %d", term)
		assert.InDelta(t, 0, s.Mean, 1, "term %d", term)
	}
	assert.Equal(t, []float64{0, 0}, r.scanner.loopAmps())
}

func TestOverwriteBackground(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	assert.ErrorIs(t, r.tool.OverwriteBackground(0), ErrNotReady)

	r.calibrated(t)
	require.NoError(t, r.tool.DoAllShimmedScans(ctx))

	before := r.tool.Exam()
	require.NoError(t, r.tool.OverwriteBackground(1))
	after := r.tool.Exam()

	assert.Same(t, before.Shimmed, after.Background)
	require.Len(t, after.Principal, len(before.Principal))
	for j := range before.Principal {
		assert.InDelta(t, before.Principal[j]+before.Applied[1][j], after.Principal[j], 1e-9, "term %d", j)
	}
	assert.Nil(t, after.Shimmed)
	assert.Nil(t, after.Stats[StatsShimmed])
	// Solutions are recomputed against the new background.
	assert.True(t, ObtainedSolutions(&after))
}

func TestShimModeVolume(t *testing.T) {
	r := newRig(t)
	r.calibrated(t)

	r.tool.SetShimMode(VolumeWise)
	e := r.tool.Exam()
	assert.Equal(t, VolumeWise, e.ShimMode)
	require.NotNil(t, e.Solutions[0])
	for sl := 1; sl < testShape.Slices(); sl++ {
		assert.Equal(t, e.Solutions[0], e.Solutions[sl])
	}

	mode, err := ParseShimMode("slice-wise")
	require.NoError(t, err)
	r.tool.SetShimMode(mode)
	e = r.tool.Exam()
	assert.NotEqual(t, e.Solutions[0], e.Solutions[1])

	_, err = ParseShimMode("diagonal")
	assert.Error(t, err)
}

func TestShimmableSlices(t *testing.T) {
	shape := fieldmap.Shape{2, 5, 2}
	sol := []float64{1, 0, 0, 0, 0}
	e := &Exam{
		Solutions: [][]float64{nil, sol, nil, sol, nil},
		Applied:   [][]float64{nil, sol, nil, sol, nil},
		FinalMask: fieldmap.FullMask(shape),
	}
	assert.Equal(t, []int{1, 3}, shimmableSlices(e))

	mask := fieldmap.FullMask(shape)
	for x := 0; x < 2; x++ {
		for z := 0; z < 2; z++ {
			mask.Set(x, 3, z, false)
		}
	}
	e.FinalMask = mask
	assert.Equal(t, []int{1}, shimmableSlices(e))

	e.FinalMask = nil
	assert.Empty(t, shimmableSlices(e))
}

func TestSequenceCalibrationPair(t *testing.T) {
	s := &sequence{
		principal:   []float64{testCF0, 5, -3, 2, 0.5, 0},
		numLoops:    2,
		maxCurrent:  2.4,
		deltaTEUs:   testDeltaT,
		logf:        t.Logf,
		needPrescan: true,
	}
	s.calibrationPair(1, 1)

	echo := func(te int, prescan ...string) []string {
		out := []string{
			"SelectTask taskkey=",
			"ActivateTask",
			"SetCVs act_tr=6000",
			"SetCVs act_te=" + strconv.Itoa(te),
			"SetCVs rhrcctrl=13",
			"SetCVs rhimsize=64",
			"PatientTable advanceToScan",
		}
		out = append(out, prescan...)
		return append(out, "Scan")
	}
	want := []string{
		"ConformalShimCalibration3 | 1 1",
		"X 0 0.5000",
		"SetShimValues x=5 y=-3 z=2",
	}
	want = append(want, echo(1104, "Prescan auto", "GetPrescanValues")...)
	want = append(want, echo(4604, "Prescan skip")...)

	if diff := cmp.Diff(want, s.cmds); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, s.prescanned)
}

func TestSequenceLoopAmpsClamped(t *testing.T) {
	s := &sequence{principal: []float64{0, 0, 0, 0, 2.0}, numLoops: 1, maxCurrent: 2.4, logf: t.Logf}
	assert.Equal(t, 2.4, s.loopAmps(0, 1))
	assert.Equal(t, -2.4, s.loopAmps(0, -5))
	assert.InDelta(t, 1.5, s.loopAmps(0, -0.5), 1e-12)
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "shimtool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestSaveAndLoadState(t *testing.T) {
	database := newTestDB(t)
	withDB := func(_ *Config, d *Deps) {
		d.Store = database
		d.Journal = database
	}

	first := newRig(t, withDB)
	first.calibrated(t)
	require.NoError(t, first.tool.DoAllShimmedScans(context.Background()))
	require.NoError(t, first.tool.SaveState("test"))

	second := newRig(t, withDB)
	ok, err := second.tool.LoadState()
	require.NoError(t, err)
	require.True(t, ok)

	if diff := cmp.Diff(first.tool.Exam(), second.tool.Exam(), cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("restored exam mismatch (-saved +restored):\n%s", diff)
	}
	assert.True(t, second.tool.AssetCalibrationDone())

	runs, err := database.RecentRuns(10)
	require.NoError(t, err)
	names := map[string]string{}
	for _, run := range runs {
		names[run.Name] = run.Outcome
	}
	assert.Equal(t, db.OutcomeSucceeded, names["basis-calibration"])
	assert.Equal(t, db.OutcomeSucceeded, names["shimmed-scans"])
}

func TestLoadStateIgnoresUnusableSnapshots(t *testing.T) {
	database := newTestDB(t)
	r := newRig(t, func(_ *Config, d *Deps) { d.Store = database })

	ok, err := r.tool.LoadState()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = database.InsertSnapshot(&db.ToolSnapshot{SchemaVersion: StateSchemaVersion + 1, Reason: "future", Blob: []byte{1}})
	require.NoError(t, err)
	ok, err = r.tool.LoadState()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = database.InsertSnapshot(&db.ToolSnapshot{SchemaVersion: StateSchemaVersion, Reason: "corrupt", Blob: []byte("not gzip")})
	require.NoError(t, err)
	ok, err = r.tool.LoadState()
	require.NoError(t, err)
	assert.False(t, ok)

	// A snapshot taken for another loop count does not fit this tool.
	blob, err := encodeState(toSaved(&Exam{Principal: make([]float64, 7)}, 3))
	require.NoError(t, err)
	_, err = database.InsertSnapshot(&db.ToolSnapshot{SchemaVersion: StateSchemaVersion, Reason: "other", Blob: blob})
	require.NoError(t, err)
	ok, err = r.tool.LoadState()
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []float64{0, 0, 0, 0, 0, 0}, r.tool.Exam().Principal)
}

func TestLoadStateRejectsMismatchedSolutions(t *testing.T) {
	database := newTestDB(t)
	r := newRig(t, func(_ *Config, d *Deps) { d.Store = database })
	r.calibrated(t)
	good := r.tool.Exam()
	require.Len(t, good.Applied, testShape.Slices())

	tests := []struct {
		name   string
		modify func(e *Exam)
	}{
		{"fewer applied than slices", func(e *Exam) {
			e.Solutions = e.Solutions[:1]
			e.Applied = e.Applied[:1]
		}},
		{"applied shorter than solutions", func(e *Exam) { e.Applied = e.Applied[:1] }},
		{"more solutions than slices", func(e *Exam) {
			e.Solutions = append(e.Solutions, e.Solutions[0])
			e.Applied = append(e.Applied, e.Applied[0])
		}},
		{"solutions without background", func(e *Exam) { e.Background = nil }},
	}
	for _, tt := range tests {
		e := r.tool.Exam()
		tt.modify(&e)
		saved := toSaved(&e, testLoops)
		assert.Error(t, saved.validate(testLoops), tt.name)

		blob, err := encodeState(saved)
		require.NoError(t, err)
		_, err = database.InsertSnapshot(&db.ToolSnapshot{SchemaVersion: StateSchemaVersion, Reason: tt.name, Blob: blob})
		require.NoError(t, err)
		ok, err := r.tool.LoadState()
		require.NoError(t, err, tt.name)
		assert.False(t, ok, tt.name)
	}

	assert.Equal(t, good.Applied, r.tool.Exam().Applied)
}

func TestStateWithoutStore(t *testing.T) {
	r := newRig(t)
	assert.ErrorIs(t, r.tool.SaveState("x"), ErrNoStore)
	_, err := r.tool.LoadState()
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestSaveResults(t *testing.T) {
	r := newRig(t)
	_, err := r.tool.SaveResults()
	assert.ErrorIs(t, err, ErrNotReady)

	r.calibrated(t)
	dir, err := r.tool.SaveResults()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dir, filepath.Join(r.root, "results", testExam)))

	raw, err := os.ReadFile(filepath.Join(dir, ResultsSummaryFile))
	require.NoError(t, err)
	var summary ResultsSummary
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, testExam, summary.ExamNumber)
	assert.Equal(t, testLoops, summary.NumLoops)
	assert.Len(t, summary.Solutions, testShape.Slices())
	assert.Equal(t, "slice-wise", summary.ShimMode)

	blob, err := os.ReadFile(filepath.Join(dir, ResultsStateFile))
	require.NoError(t, err)
	saved, err := decodeState(blob)
	require.NoError(t, err)
	assert.NoError(t, saved.validate(testLoops))
}

func TestDirTransfer(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "local")
	ctx := context.Background()
	tr := DirTransfer{Root: src}

	// Nothing acquired yet.
	require.NoError(t, tr.TransferScanData(ctx, testExam, dst))

	shape := fieldmap.Shape{1, 1, 2}
	write := func(name string) {
		require.NoError(t, fieldmap.WriteSeries(filepath.Join(src, testExam, name), &fieldmap.Series{
			Meta: fieldmap.SeriesMeta{Shape: shape, EchoTimeUs: fgreTE},
			Real: []float32{1, 2},
			Imag: []float32{0, 0},
		}))
	}
	write("00001")
	write("00002")
	require.NoError(t, tr.TransferScanData(ctx, testExam, dst))

	dirs, err := fieldmap.ListSeries(dst)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dst, "00001"), filepath.Join(dst, "00002")}, dirs)

	// Already transferred series are left alone.
	s, err := fieldmap.ReadSeries(dirs[0])
	require.NoError(t, err)
	s.Real[0] = 9
	require.NoError(t, fieldmap.WriteSeries(dirs[0], s))
	write("00003")
	require.NoError(t, tr.TransferScanData(ctx, testExam, dst))
	dirs, err = fieldmap.ListSeries(dst)
	require.NoError(t, err)
	assert.Len(t, dirs, 3)
	s, err = fieldmap.ReadSeries(dirs[0])
	require.NoError(t, err)
	assert.Equal(t, float32(9), s.Real[0])

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	write("00004")
	err = tr.TransferScanData(cancelled, testExam, dst)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestTransferFailureAbortsBatch(t *testing.T) {
	r := newRig(t, func(_ *Config, d *Deps) { d.Transfer = failingTransfer{} })
	err := r.tool.DoAssetCalibration(context.Background())
	assert.ErrorContains(t, err, "mount gone")
	assert.Equal(t, 0, r.scanner.scanCount())
}

type failingTransfer struct{}

func (failingTransfer) TransferScanData(context.Context, string, string) error {
	return errors.New("mount gone")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "acquiring-basis-set", AcquiringBasisSet.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.Equal(t, "volume", VolumeWise.String())
}

func TestExamPathName(t *testing.T) {
	tests := map[string]string{
		"E4711":       "E4711",
		"":            "unknown",
		"../../etc":   "etc",
		"exam 12/3":   "exam_12_3",
		"..":          "unknown",
		"ok-name_1.2": "ok-name_1.2",
		"a\x00\x01b":  "a_b",
		"  padded  ":  "padded",
	}
	for in, want := range tests {
		assert.Equal(t, want, examPathName(in), "%q", in)
	}
	assert.Len(t, examPathName(strings.Repeat("x", 200)), 64)
}
