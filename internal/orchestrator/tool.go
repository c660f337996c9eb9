// Package orchestrator sequences the shim calibration and shimming procedures
// across the scanner and shim driver clients and the field-map engine.
//
// Every multi-scan procedure submits one kickoff task that queues its whole
// command sequence on the scanner, then blocks the caller on
// CountScansCompleted. At most one batch is in flight at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/shimtool/internal/errs"
	"github.com/banshee-data/shimtool/internal/fieldmap"
	"github.com/banshee-data/shimtool/internal/kickoff"
	"github.com/banshee-data/shimtool/internal/monitoring"
	"github.com/banshee-data/shimtool/internal/scanner"
	"github.com/banshee-data/shimtool/internal/timeutil"
)

// ErrBatchInFlight is returned when a procedure is started while another
// scan batch is still outstanding.
var ErrBatchInFlight = errors.New("scan batch already in flight")

// Scanner is the part of the scanner client the orchestrator drives.
type Scanner interface {
	Connected() bool
	Send(command string) error
	SendWaitForImagesCollected() error
	ClearQueue() int
	WaitFor(ctx context.Context, s scanner.Signal, timeout time.Duration) bool
	Raise(s scanner.Signal)
	Clear(s scanner.Signal)
	IsRaised(s scanner.Signal) bool
	ClearFailure()
	PrescanValues() (scanner.PrescanValues, bool)
	ExamNumber() string
}

// Shim is the part of the shim driver client the orchestrator drives. Loop
// currents go through the scanner queue so they stay ordered with scans.
type Shim interface {
	Connected() bool
	NumLoops() int
	Zero() error
	ClearQueue() int
}

// State is the orchestrator's procedure state.
type State int

const (
	Idle State = iota
	CalibratingAsset
	AcquiringBackground
	AcquiringBasisSet
	Solving
	Applying
	Evaluating
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CalibratingAsset:
		return "calibrating-asset"
	case AcquiringBackground:
		return "acquiring-background"
	case AcquiringBasisSet:
		return "acquiring-basis-set"
	case Solving:
		return "solving"
	case Applying:
		return "applying"
	case Evaluating:
		return "evaluating"
	case Error:
		return "error"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// ShimMode selects per-slice or whole-volume solutions.
type ShimMode int

const (
	SliceWise ShimMode = iota
	VolumeWise
)

func (m ShimMode) String() string {
	if m == VolumeWise {
		return "volume"
	}
	return "slice-wise"
}

// ParseShimMode accepts "slice-wise" or "volume".
func ParseShimMode(s string) (ShimMode, error) {
	switch s {
	case "slice-wise", "slicewise", "slice":
		return SliceWise, nil
	case "volume":
		return VolumeWise, nil
	}
	return SliceWise, fmt.Errorf("unknown shim mode %q", s)
}

// Scanner protocols loaded by the procedures.
const (
	FieldmapProtocol = "ConformalShimCalibration3"
	AssetProtocol    = "ConformalShimCalibration4"
	FgreProtocol     = "ConformalShimCalibration5"
)

// Fixed sequence parameters of the double-echo field-map acquisition.
const (
	fgreTR       = 6000
	fgreTE       = 1104
	fgreRecon    = 13
	fgreImageDim = 64
)

// Config holds the calibration constants, timeouts and filesystem roots.
type Config struct {
	RootDir             string
	DeltaTEUs           float64
	GradientCalStrength float64
	LoopCalCurrent      float64
	MaxCurrent          float64
	MagnitudeThreshold  float64
	ScanTimeout         time.Duration
	AssetTimeout        time.Duration
	Workers             int
}

func (c Config) withDefaults() Config {
	if c.RootDir == "" {
		c.RootDir = "shimtool-data"
	}
	if c.DeltaTEUs <= 0 {
		c.DeltaTEUs = 3500
	}
	if c.GradientCalStrength <= 0 {
		c.GradientCalStrength = 60
	}
	if c.LoopCalCurrent <= 0 {
		c.LoopCalCurrent = 1.0
	}
	if c.MaxCurrent <= 0 {
		c.MaxCurrent = 2.4
	}
	if c.MagnitudeThreshold <= 0 {
		c.MagnitudeThreshold = fieldmap.DefaultMagnitudeThreshold
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 90 * time.Second
	}
	if c.AssetTimeout <= 0 {
		c.AssetTimeout = 120 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = kickoff.DefaultWorkers
	}
	return c
}

func (c Config) solveParams() fieldmap.SolveParams {
	return fieldmap.SolveParams{
		GradientCalStrength: c.GradientCalStrength,
		LoopCalCurrent:      c.LoopCalCurrent,
		MaxCurrent:          c.MaxCurrent,
	}
}

// Deps are the collaborators of a Tool. Store and Journal may be nil.
type Deps struct {
	Scanner  Scanner
	Shim     Shim
	Transfer Transfer
	Store    SnapshotStore
	Journal  RunJournal
	Clock    timeutil.Clock
}

// Tool is the orchestrator.
type Tool struct {
	cfg  Config
	Logf func(format string, v ...interface{})

	scanner  Scanner
	shim     Shim
	transfer Transfer
	store    SnapshotStore
	journal  RunJournal
	clock    timeutil.Clock
	pool     *kickoff.Pool

	// batch is held for the whole of every scan batch.
	batch sync.Mutex

	mu       sync.Mutex
	state    State
	lastErr  error
	numLoops int
	ex       Exam
}

// Exam is everything derived during one exam; SaveState persists it. Maps
// and slices held by an Exam are replaced, never modified in place, so a
// copy returned by Tool.Exam stays consistent.
type Exam struct {
	AssetCalibrationDone bool
	AutoPrescanDone      bool
	ShimMode             ShimMode

	Background *fieldmap.Volume
	RawBasis   []*fieldmap.Volume
	Basis      []*fieldmap.Volume
	Expected   *fieldmap.Volume
	Shimmed    *fieldmap.Volume

	// Solutions are in basis units, Applied in physical units.
	Solutions [][]float64
	Applied   [][]float64
	Principal []float64

	ROI       *fieldmap.Mask
	FinalMask *fieldmap.Mask

	// Stats are per slice for the background, expected and shimmed maps.
	Stats [3][]*fieldmap.Stats
	// AppliedEval is the measured-minus-expected statistics per solution
	// term from the last DoEvalAppliedShims.
	AppliedEval      []*fieldmap.Stats
	AppliedEvalSlice int

	ExamNumber string
}

// Indices into Exam.Stats.
const (
	StatsBackground = 0
	StatsExpected   = 1
	StatsShimmed    = 2
)

// New builds a Tool. Scanner and Shim are required.
func New(cfg Config, deps Deps) *Tool {
	cfg = cfg.withDefaults()
	if deps.Transfer == nil {
		deps.Transfer = NopTransfer{}
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	t := &Tool{
		cfg:      cfg,
		Logf:     monitoring.Prefixed("tool"),
		scanner:  deps.Scanner,
		shim:     deps.Shim,
		transfer: deps.Transfer,
		store:    deps.Store,
		journal:  deps.Journal,
		clock:    deps.Clock,
		pool:     kickoff.NewPool(cfg.Workers),
		numLoops: deps.Shim.NumLoops(),
	}
	t.ex.AppliedEvalSlice = -1
	t.ex.Principal = make([]float64, fieldmap.SolutionLoops+t.numLoops)
	return t
}

// Close stops the kickoff pool. The device clients are owned by the caller.
func (t *Tool) Close() {
	t.pool.Close()
}

// Config returns the effective configuration.
func (t *Tool) Config() Config { return t.cfg }

// NumLoops is the shim channel count the tool was built for.
func (t *Tool) NumLoops() int { return t.numLoops }

// State returns the current procedure state.
func (t *Tool) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError is the error that moved the tool into Error, if any.
func (t *Tool) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Tool) setState(s State) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()
	if prev != s {
		t.Logf("state %s -> %s", prev, s)
	}
}

func (t *Tool) fail(err error) {
	t.mu.Lock()
	t.state = Error
	t.lastErr = err
	t.mu.Unlock()
	t.Logf("state -> error: %v", err)
}

// ClearError leaves the Error state and re-arms the scanner failure signal.
func (t *Tool) ClearError() {
	t.mu.Lock()
	if t.state == Error {
		t.state = Idle
	}
	t.lastErr = nil
	t.mu.Unlock()
	t.scanner.ClearFailure()
}

// ShimMode returns the solve mode.
func (t *Tool) ShimMode() ShimMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ex.ShimMode
}

// SetShimMode switches between per-slice and whole-volume solutions. The
// principal solution is reset to the prescan values and solutions are
// recomputed.
func (t *Tool) SetShimMode(mode ShimMode) {
	t.mu.Lock()
	t.ex.ShimMode = mode
	t.resetPrincipalLocked()
	t.mu.Unlock()
	t.Logf("shim mode %s", mode)
	t.RecomputeCurrents()
}

// SetROI replaces the region of interest. A nil roi selects everything.
func (t *Tool) SetROI(roi *fieldmap.Mask) error {
	t.mu.Lock()
	if roi != nil && t.ex.Background != nil && roi.Shape != t.ex.Background.Shape {
		t.mu.Unlock()
		return fmt.Errorf("%w: roi %s, background %s", fieldmap.ErrShapeMismatch, roi.Shape, t.ex.Background.Shape)
	}
	t.ex.ROI = roi
	t.mu.Unlock()
	t.RecomputeCurrents()
	return nil
}

// guard kinds checked at procedure entry.
type guard int

const (
	needScanner guard = 1 << iota
	needShim
	needAsset
)

// checkGuards returns a *errs.GuardError for the first unmet precondition.
// Nothing is mutated when a guard fails.
func (t *Tool) checkGuards(procedure string, g guard) error {
	var unmet string
	switch {
	case t.State() == Error:
		unmet = "tool in error state, clear it first"
	case g&needScanner != 0 && !t.scanner.Connected():
		unmet = "scanner not connected"
	case g&needShim != 0 && !t.shim.Connected():
		unmet = "shim driver not connected"
	case g&needAsset != 0 && !t.AssetCalibrationDone():
		unmet = "asset calibration not done"
	}
	if unmet == "" {
		return nil
	}
	err := &errs.GuardError{Procedure: procedure, Guard: unmet}
	t.Logf("%v", err)
	return err
}

// beginBatch takes the single-flight batch guard.
func (t *Tool) beginBatch(procedure string) (func(), error) {
	if !t.batch.TryLock() {
		t.Logf("%s refused: %v", procedure, ErrBatchInFlight)
		return nil, fmt.Errorf("%s: %w", procedure, ErrBatchInFlight)
	}
	return t.batch.Unlock, nil
}

// examDir is where series of the current exam land locally.
func (t *Tool) examDir() string {
	return filepath.Join(t.cfg.RootDir, "data", t.examNumber())
}

// examNumber is safe to use as a single path element.
func (t *Tool) examNumber() string {
	if n := t.scanner.ExamNumber(); n != "" {
		return examPathName(n)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return examPathName(t.ex.ExamNumber)
}

// examPathName keeps ASCII letters, digits, dot, underscore and dash and
// squeezes every other run of characters into one underscore.
func examPathName(s string) string {
	const maxLen = 64
	var b strings.Builder
	squeezed := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			squeezed = false
		case !squeezed:
			b.WriteByte('_')
			squeezed = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

func (t *Tool) b0Options() fieldmap.B0Options {
	return fieldmap.B0Options{
		DeltaTEUs:          t.cfg.DeltaTEUs,
		MagnitudeThreshold: t.cfg.MagnitudeThreshold,
	}
}
