package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/shimtool/internal/fieldmap"
	"github.com/banshee-data/shimtool/internal/scanner"
)

var (
	// ErrNoSlices is returned by DoAllShimmedScans when no slice has a
	// solution.
	ErrNoSlices = errors.New("no slices to shim")
	// ErrNotReady is returned when a procedure needs data not yet acquired.
	ErrNotReady = errors.New("required data not acquired")
)

// DoAssetCalibration runs the one-time asset calibration scan. Once it has
// succeeded further calls do nothing.
func (t *Tool) DoAssetCalibration(ctx context.Context) (err error) {
	const name = "asset-calibration"
	if err := t.checkGuards(name, needScanner); err != nil {
		return err
	}
	if t.AssetCalibrationDone() {
		t.Logf("%s already done", name)
		return nil
	}
	release, err := t.beginBatch(name)
	if err != nil {
		return err
	}
	defer release()
	defer t.track(name, -1)(&err)

	t.setState(CalibratingAsset)
	seq := t.newSequence()
	seq.add(
		scanner.LoadProtocol(AssetProtocol),
		scanner.SelectTask(),
		scanner.ActivateTask(),
		scanner.PatientTable(),
		scanner.Scan(),
	)
	if err := t.runSingleScan(ctx, name, seq); err != nil {
		return err
	}

	t.mu.Lock()
	t.ex.AssetCalibrationDone = true
	t.mu.Unlock()
	t.setState(Idle)
	return nil
}

// DoFgreScan acquires a single localiser image.
func (t *Tool) DoFgreScan(ctx context.Context) (err error) {
	const name = "fgre-scan"
	if err := t.checkGuards(name, needScanner|needAsset); err != nil {
		return err
	}
	release, err := t.beginBatch(name)
	if err != nil {
		return err
	}
	defer release()
	defer t.track(name, -1)(&err)

	t.setState(AcquiringBackground)
	seq := t.newSequence()
	seq.add(
		scanner.LoadProtocol(FgreProtocol),
		scanner.SelectTask(),
		scanner.ActivateTask(),
		scanner.PatientTable(),
		scanner.Scan(),
	)
	if err := t.runSingleScan(ctx, name, seq); err != nil {
		return err
	}
	t.setState(Idle)
	return nil
}

func (t *Tool) runSingleScan(ctx context.Context, name string, seq *sequence) error {
	b, err := t.startBatch(ctx, name, seq, 1)
	if err != nil {
		t.fail(err)
		return err
	}
	if err := b.await(ctx, 1, t.cfg.AssetTimeout); err != nil {
		t.fail(err)
		return err
	}
	return b.finish(ctx)
}

// DoFieldmapScan acquires one field-map pair. The first one of an exam
// zeroes the shims, runs the auto prescan, seeds the principal solution
// from the scanner's prescan values and becomes the background. Once a
// background exists the pair is stored as the shimmed map of slice.
func (t *Tool) DoFieldmapScan(ctx context.Context, slice int) (err error) {
	const name = "fieldmap-scan"
	if err := t.checkGuards(name, needScanner|needShim|needAsset); err != nil {
		return err
	}
	release, err := t.beginBatch(name)
	if err != nil {
		return err
	}
	defer release()
	defer t.track(name, slice)(&err)

	t.mu.Lock()
	obtainPrincipal := !t.ex.AutoPrescanDone
	background := t.ex.Background
	t.mu.Unlock()

	if background != nil && (slice < 0 || slice >= background.Shape.Slices()) {
		return fmt.Errorf("%s: slice %d outside [0, %d)", name, slice, background.Shape.Slices())
	}
	if obtainPrincipal {
		t.mu.Lock()
		t.resetPrincipalLocked()
		t.resetShimSolsLocked()
		t.mu.Unlock()
		if err := t.shim.Zero(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if background == nil {
		t.setState(AcquiringBackground)
	} else {
		t.setState(Applying)
	}
	seq := t.newSequence()
	seq.pairScan()
	b, err := t.startBatch(ctx, name, seq, 2)
	if err != nil {
		t.fail(err)
		return err
	}
	if err := b.await(ctx, 2, t.cfg.ScanTimeout); err != nil {
		t.fail(err)
		return err
	}
	if err := b.finish(ctx); err != nil {
		t.fail(err)
		return err
	}

	maps, err := b.maps(ctx, 0, 1)
	if err != nil {
		err = fmt.Errorf("%s: %w", name, err)
		t.fail(err)
		return err
	}

	t.mu.Lock()
	if seq.prescanned {
		t.ex.AutoPrescanDone = true
	}
	if obtainPrincipal {
		t.resetPrincipalLocked()
	}
	t.mu.Unlock()

	if background == nil {
		t.mu.Lock()
		t.ex.Background = maps[0]
		t.ex.ExamNumber = t.scanner.ExamNumber()
		t.mu.Unlock()
		t.Logf("%s: background acquired (%s)", name, maps[0].Shape)
		t.RecomputeCurrents()
	} else {
		if err := t.recordShimmedSlice(maps[0], slice); err != nil {
			err = fmt.Errorf("%s: slice %d: %w", name, slice, err)
			t.fail(err)
			return err
		}
		t.EvaluateShimImages()
	}
	t.setState(Idle)
	return nil
}

// DoBasisCalibrationScans acquires one field-map pair per basis direction:
// each gradient axis at the gradient calibration strength, then each loop at
// the loop calibration current with the others at their principal values.
// The raw basis is reset at the start; on failure it stays unset and the
// previously derived maps are kept.
func (t *Tool) DoBasisCalibrationScans(ctx context.Context) (err error) {
	const name = "basis-calibration"
	if err := t.checkGuards(name, needScanner|needShim|needAsset); err != nil {
		return err
	}
	release, err := t.beginBatch(name)
	if err != nil {
		return err
	}
	defer release()
	defer t.track(name, -1)(&err)

	t.setState(AcquiringBasisSet)
	nBasis := t.numLoops + fieldmap.NumGradients

	seq := t.newSequence()
	for axis := 0; axis < fieldmap.NumGradients; axis++ {
		var lin [3]float64
		lin[axis] = t.cfg.GradientCalStrength
		seq.loadFieldmapProtocol()
		seq.linGradients(lin)
		seq.fgrePair()
	}
	for ch := 0; ch < t.numLoops; ch++ {
		seq.calibrationPair(ch, t.cfg.LoopCalCurrent)
	}
	seq.restorePrincipal()

	if err := t.shim.Zero(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	t.mu.Lock()
	t.ex.RawBasis = make([]*fieldmap.Volume, nBasis)
	t.mu.Unlock()

	b, err := t.startBatch(ctx, name, seq, 2*nBasis)
	if err != nil {
		t.fail(err)
		return err
	}
	if err := b.await(ctx, 2*nBasis, t.cfg.ScanTimeout); err != nil {
		t.fail(err)
		return err
	}
	if err := b.finish(ctx); err != nil {
		t.fail(err)
		return err
	}

	raw, err := b.maps(ctx, 0, nBasis)
	if err == nil {
		err = t.checkBasisLen(raw)
	}
	if err != nil {
		err = fmt.Errorf("%s: %w", name, err)
		t.fail(err)
		return err
	}

	t.mu.Lock()
	if seq.prescanned {
		t.ex.AutoPrescanDone = true
	}
	t.ex.RawBasis = raw
	t.ex.Expected = nil
	t.mu.Unlock()
	t.Logf("%s: %d basis maps acquired", name, len(raw))

	if t.ObtainedBackground() {
		if err := t.ComputeShimCurrents(); err != nil {
			t.Logf("%s: %v", name, err)
		}
	}
	t.EvaluateShimImages()
	t.setState(Idle)
	return nil
}

// SetAllShimCurrents queues the centre frequency, gradients and every loop
// current of slice's solution. Loop currents are the principal offset plus
// the scaled solution value.
func (t *Tool) SetAllShimCurrents(slice int) (err error) {
	const name = "set-shim-currents"
	if err := t.checkGuards(name, needScanner|needShim); err != nil {
		return err
	}
	release, err := t.beginBatch(name)
	if err != nil {
		return err
	}
	defer release()
	defer t.track(name, slice)(&err)

	applied, err := t.appliedFor(slice)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	t.setState(Applying)
	defer t.setState(Idle)

	seq := t.newSequence()
	seq.applySolution(applied)
	for _, cmd := range seq.cmds {
		if err := t.scanner.Send(cmd); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	t.Logf("%s: slice %d queued", name, slice)
	return nil
}

func (t *Tool) appliedFor(slice int) ([]float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slice < 0 || slice >= len(t.ex.Applied) || t.ex.Applied[slice] == nil {
		return nil, fmt.Errorf("%w: no solution for slice %d", ErrNotReady, slice)
	}
	return append([]float64(nil), t.ex.Applied[slice]...), nil
}

// DoAllShimmedScans applies each slice's solution in turn and acquires one
// field-map pair per slice, recording that slice of the shimmed map. Only
// the contiguous range of solved slices is scanned. A failure stops the
// remaining slices and keeps those already recorded.
func (t *Tool) DoAllShimmedScans(ctx context.Context) (err error) {
	const name = "shimmed-scans"
	if err := t.checkGuards(name, needScanner|needShim|needAsset); err != nil {
		return err
	}
	release, err := t.beginBatch(name)
	if err != nil {
		return err
	}
	defer release()
	defer t.track(name, -1)(&err)

	t.mu.Lock()
	slices := shimmableSlices(&t.ex)
	applied := t.ex.Applied
	t.mu.Unlock()
	if len(slices) == 0 {
		t.Logf("%s: %v", name, ErrNoSlices)
		return fmt.Errorf("%s: %w", name, ErrNoSlices)
	}
	t.Logf("%s: shimming slices %d..%d (%d pairs)", name, slices[0], slices[len(slices)-1], len(slices))

	t.setState(Applying)
	seq := t.newSequence()
	for i, sl := range slices {
		if i > 0 {
			seq.waitForImages()
		}
		seq.applySolution(applied[sl])
		seq.pairScan()
	}
	seq.restorePrincipal()

	b, err := t.startBatch(ctx, name, seq, 2*len(slices))
	if err != nil {
		t.fail(err)
		return err
	}
	for i, sl := range slices {
		if err := b.await(ctx, 2, t.cfg.ScanTimeout); err != nil {
			err = fmt.Errorf("slice %d: %w", sl, err)
			t.fail(err)
			return err
		}
		maps, err := b.maps(ctx, i, 1)
		if err == nil {
			err = t.recordShimmedSlice(maps[0], sl)
		}
		if err != nil {
			t.Logf("%s: slice %d not recorded: %v", name, sl, err)
			continue
		}
		t.EvaluateShimImages()
	}
	if err := b.finish(ctx); err != nil {
		t.fail(err)
		return err
	}
	if seq.prescanned {
		t.mu.Lock()
		t.ex.AutoPrescanDone = true
		t.mu.Unlock()
	}
	t.setState(Idle)
	return nil
}

// DoEvalAppliedShims checks how well each term of slice's solution is
// realised: one pair with only the centre frequency offset, then one per
// gradient axis and one per loop with only that term applied. Each measured
// map is compared with the background plus that term's predicted field.
func (t *Tool) DoEvalAppliedShims(ctx context.Context, slice int) (err error) {
	const name = "eval-applied-shims"
	if err := t.checkGuards(name, needScanner|needShim|needAsset); err != nil {
		return err
	}
	release, err := t.beginBatch(name)
	if err != nil {
		return err
	}
	defer release()
	defer t.track(name, slice)(&err)

	apply, err := t.appliedFor(slice)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	t.setState(Evaluating)
	nTerms := t.numLoops + fieldmap.SolutionLoops

	seq := t.newSequence()
	seq.loopsToPrincipal()
	seq.centerFrequency(apply[fieldmap.SolutionCF])
	seq.linGradients([3]float64{})
	seq.pairScan()
	seq.waitForImages()
	seq.centerFrequency(0)
	for axis := 0; axis < fieldmap.NumGradients; axis++ {
		var lin [3]float64
		lin[axis] = apply[fieldmap.SolutionGradient+axis]
		seq.loadFieldmapProtocol()
		seq.linGradients(lin)
		seq.fgrePair()
	}
	for ch := 0; ch < t.numLoops; ch++ {
		seq.loadFieldmapProtocol()
		seq.isolateLoop(ch, apply[fieldmap.SolutionLoops+ch])
		seq.linGradients([3]float64{})
		seq.fgrePair()
	}
	seq.restorePrincipal()

	if err := t.shim.Zero(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	b, err := t.startBatch(ctx, name, seq, 2*nTerms)
	if err != nil {
		t.fail(err)
		return err
	}
	if err := b.await(ctx, 2*nTerms, t.cfg.ScanTimeout); err != nil {
		t.fail(err)
		return err
	}
	if err := b.finish(ctx); err != nil {
		t.fail(err)
		return err
	}

	measured, err := b.maps(ctx, 0, nTerms)
	if err == nil {
		err = t.evaluateAppliedShims(measured, slice)
	}
	if err != nil {
		err = fmt.Errorf("%s: %w", name, err)
		t.fail(err)
		return err
	}
	t.setState(Idle)
	return nil
}

// OverwriteBackground adopts the shimmed map as the new background: slice's
// applied solution is folded into the principal solution, shim solutions
// are discarded and recomputed against the new background.
func (t *Tool) OverwriteBackground(slice int) (err error) {
	const name = "overwrite-background"
	release, err := t.beginBatch(name)
	if err != nil {
		return err
	}
	defer release()
	defer t.track(name, slice)(&err)

	t.mu.Lock()
	if t.ex.Shimmed == nil {
		t.mu.Unlock()
		return fmt.Errorf("%s: %w: no shimmed map", name, ErrNotReady)
	}
	if slice >= 0 && slice < len(t.ex.Applied) && t.ex.Applied[slice] != nil {
		principal := append([]float64(nil), t.ex.Principal...)
		for j, v := range t.ex.Applied[slice] {
			principal[j] += v
		}
		t.ex.Principal = principal
	} else {
		t.Logf("%s: slice %d has no applied solution, principal solution kept", name, slice)
	}
	t.ex.Background = t.ex.Shimmed
	t.resetShimSolsLocked()
	t.mu.Unlock()

	t.Logf("%s: background replaced from slice %d", name, slice)
	t.RecomputeCurrents()
	return nil
}

// track journals one procedure run when a journal is configured.
func (t *Tool) track(name string, slice int) func(*error) {
	if t.journal == nil {
		return func(*error) {}
	}
	id, err := t.journal.StartRun(name, slice, t.clock.Now())
	if err != nil {
		t.Logf("journal: %v", err)
		return func(*error) {}
	}
	return func(errp *error) {
		if err := t.journal.FinishRun(id, *errp, t.clock.Now()); err != nil {
			t.Logf("journal: %v", err)
		}
	}
}
