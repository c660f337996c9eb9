package orchestrator

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/shimtool/internal/fieldmap"
	"github.com/banshee-data/shimtool/internal/latch"
	"github.com/banshee-data/shimtool/internal/scanner"
)

const (
	testExam   = "E4711"
	testCF0    = 127740000
	testLoops  = 2
	testDeltaT = 3500
)

var (
	testShape = fieldmap.Shape{4, 3, 4}
	testG0    = [3]int{5, -3, 2}
)

// phantom is the simulated field: a background plus the response of every
// gradient axis per GradientCalStrength and every loop per LoopCalCurrent.
// Voxel (0, sl, 0) carries no signal.
type phantom struct {
	background *fieldmap.Volume
	gradients  [3]*fieldmap.Volume
	loops      []*fieldmap.Volume
}

func newPhantom(numLoops int) *phantom {
	p := &phantom{background: fieldmap.NewVolume(testShape)}
	for k := range p.gradients {
		p.gradients[k] = fieldmap.NewVolume(testShape)
	}
	p.loops = make([]*fieldmap.Volume, numLoops)
	for ch := range p.loops {
		p.loops[ch] = fieldmap.NewVolume(testShape)
	}
	for r := 0; r < testShape[0]; r++ {
		for sl := 0; sl < testShape[1]; sl++ {
			for q := 0; q < testShape[2]; q++ {
				x, y, z := float64(r), float64(sl), float64(q)
				p.background.Set(r, sl, q, 25+3*x-2*z+4*y+5*math.Cos(x*z))
				p.gradients[0].Set(r, sl, q, 6*(x-1.5))
				p.gradients[1].Set(r, sl, q, 6*(y-1))
				p.gradients[2].Set(r, sl, q, 6*(z-1.5))
				for ch := range p.loops {
					f := float64(ch + 1)
					p.loops[ch].Set(r, sl, q, 10/f+4*math.Cos(f*x+2*z+y)+3*math.Sin(0.7*x-f*z))
				}
			}
		}
	}
	return p
}

// field is the simulated field for one set of scanner and coil settings.
func (p *phantom) field(cf int, g [3]int, loops []float64, gcs, lcc float64) *fieldmap.Volume {
	v := p.background.Clone()
	for i := range v.Data {
		v.Data[i] += float64(cf - testCF0)
		for k := range p.gradients {
			v.Data[i] += p.gradients[k].Data[i] * float64(g[k]-testG0[k]) / gcs
		}
		for ch, amps := range loops {
			v.Data[i] += p.loops[ch].Data[i] * amps / lcc
		}
	}
	return v
}

type scanJob struct {
	n     int
	field *fieldmap.Volume
	teUs  int
}

// fakeScanner implements Scanner. Commands take effect when sent; every
// Scan becomes one echo series written into the exam directory, one at a
// time, each only after the previous ImagesReady has been consumed.
type fakeScanner struct {
	t       *testing.T
	dir     string
	phantom *phantom
	gcs     float64
	lcc     float64

	signals map[scanner.Signal]*latch.Latch

	mu        sync.Mutex
	connected bool
	sent      []string
	cf        int
	g         [3]int
	loops     []float64
	teUs      int
	scans     int
	written   int
	jobs      []scanJob
	failAt    int
	hangAt    int
	sendErrAt int
	cleared   int

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func newFakeScanner(t *testing.T, root string, p *phantom, cfg Config) *fakeScanner {
	cfg = cfg.withDefaults()
	f := &fakeScanner{
		t:         t,
		dir:       filepath.Join(root, "data", testExam),
		phantom:   p,
		gcs:       cfg.GradientCalStrength,
		lcc:       cfg.LoopCalCurrent,
		signals:   map[scanner.Signal]*latch.Latch{},
		connected: true,
		cf:        testCF0,
		g:         testG0,
		loops:     make([]float64, len(p.loops)),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for _, s := range []scanner.Signal{scanner.ConnectedReady, scanner.ImagesReady, scanner.NoFailures, scanner.PrescanDone} {
		f.signals[s] = latch.New(s.String())
	}
	f.signals[scanner.ConnectedReady].Raise()
	f.signals[scanner.NoFailures].Raise()
	f.wg.Add(1)
	go f.emit()
	t.Cleanup(f.close)
	return f
}

func (f *fakeScanner) close() {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
	f.wg.Wait()
}

func (f *fakeScanner) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeScanner) Send(command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("scanner not connected")
	}
	f.sent = append(f.sent, command)
	if f.sendErrAt > 0 && len(f.sent) == f.sendErrAt {
		f.connected = false
		return fmt.Errorf("connection reset")
	}

	if _, ch, amps, ok := scanner.ParseCalibrationLoad(command); ok {
		f.loops[ch] = amps
		return nil
	}
	if ch, amps, ok := scanner.ParseSyncedLoopCurrent(command); ok {
		f.loops[ch] = amps
		return nil
	}
	fields := strings.Fields(command)
	switch fields[0] {
	case scanner.VerbSetCenterFreq:
		f.cf = intArg(fields, "value")
	case scanner.VerbSetShimValues:
		f.g = [3]int{intArg(fields, "x"), intArg(fields, "y"), intArg(fields, "z")}
	case scanner.VerbSetCVs:
		if strings.HasPrefix(fields[1], "act_te=") {
			f.teUs = intArg(fields, "act_te")
		}
	case scanner.VerbPrescan:
		if fields[1] == "auto" {
			f.signals[scanner.PrescanDone].Raise()
		}
	case scanner.VerbScan:
		f.scans++
		f.jobs = append(f.jobs, scanJob{
			n:     f.scans,
			field: f.phantom.field(f.cf, f.g, f.loops, f.gcs, f.lcc),
			teUs:  f.teUs,
		})
		select {
		case f.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func intArg(fields []string, key string) int {
	for _, kv := range fields[1:] {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			n, err := strconv.Atoi(v)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func (f *fakeScanner) emit() {
	defer f.wg.Done()
	for {
		select {
		case <-f.stop:
			return
		case <-f.wake:
		}
		for f.emitOne() {
		}
	}
}

// emitOne acquires the next queued scan. It reports whether more work
// remains.
func (f *fakeScanner) emitOne() bool {
	if f.signals[scanner.ImagesReady].IsRaised() {
		select {
		case <-f.stop:
			return false
		case <-time.After(time.Millisecond):
			return true
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return false
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	switch job.n {
	case f.failAt:
		f.jobs = nil
		f.signals[scanner.NoFailures].Clear()
		return false
	case f.hangAt:
		f.jobs = nil
		return false
	}
	f.writeSeries(job)
	f.signals[scanner.ImagesReady].Raise()
	return len(f.jobs) > 0
}

func (f *fakeScanner) writeSeries(job scanJob) {
	s := &fieldmap.Series{
		Meta: fieldmap.SeriesMeta{Shape: testShape, EchoTimeUs: float64(job.teUs)},
		Real: make([]float32, testShape.Len()),
		Imag: make([]float32, testShape.Len()),
	}
	for r := 0; r < testShape[0]; r++ {
		for sl := 0; sl < testShape[1]; sl++ {
			for q := 0; q < testShape[2]; q++ {
				if r == 0 && q == 0 {
					continue
				}
				i := testShape.Index(r, sl, q)
				phase := 0.4 + 2*math.Pi*job.field.Data[i]*float64(job.teUs)*1e-6
				s.Real[i] = float32(100 * math.Cos(phase))
				s.Imag[i] = float32(100 * math.Sin(phase))
			}
		}
	}
	if err := fieldmap.WriteSeries(filepath.Join(f.dir, fmt.Sprintf("%05d", job.n)), s); err != nil {
		f.t.Errorf("write series %d: %v", job.n, err)
		return
	}
	f.written++
}

func (f *fakeScanner) SendWaitForImagesCollected() error {
	return f.Send(scanner.WaitForImagesCollected)
}

func (f *fakeScanner) ClearQueue() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.jobs)
	f.jobs = nil
	f.cleared++
	return n
}

func (f *fakeScanner) WaitFor(ctx context.Context, s scanner.Signal, timeout time.Duration) bool {
	return f.signals[s].WaitContext(ctx, timeout)
}

func (f *fakeScanner) Raise(s scanner.Signal)         { f.signals[s].Raise() }
func (f *fakeScanner) Clear(s scanner.Signal)         { f.signals[s].Clear() }
func (f *fakeScanner) IsRaised(s scanner.Signal) bool { return f.signals[s].IsRaised() }
func (f *fakeScanner) ClearFailure()                  { f.signals[scanner.NoFailures].Raise() }

func (f *fakeScanner) PrescanValues() (scanner.PrescanValues, bool) {
	return scanner.PrescanValues{CenterFrequency: testCF0, X: testG0[0], Y: testG0[1], Z: testG0[2]}, true
}

func (f *fakeScanner) ExamNumber() string { return testExam }

func (f *fakeScanner) setConnected(ok bool) {
	f.mu.Lock()
	f.connected = ok
	f.mu.Unlock()
}

// failScan makes scan n (counted over the fake's lifetime) fail; hangScan
// makes it never deliver images.
func (f *fakeScanner) failScan(n int) {
	f.mu.Lock()
	f.failAt = n
	f.mu.Unlock()
}

func (f *fakeScanner) hangScan(n int) {
	f.mu.Lock()
	f.hangAt = n
	f.mu.Unlock()
}

func (f *fakeScanner) failSend(n int) {
	f.mu.Lock()
	f.sendErrAt = n
	f.mu.Unlock()
}

func (f *fakeScanner) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func (f *fakeScanner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeScanner) loopAmps() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.loops...)
}

func (f *fakeScanner) zeroLoops() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.loops {
		f.loops[i] = 0
	}
}

// fakeShim implements Shim; zeroing drives the simulated loops to 0 A.
type fakeShim struct {
	sc *fakeScanner

	mu        sync.Mutex
	connected bool
	numLoops  int
	zeros     int
}

func (s *fakeShim) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeShim) NumLoops() int { return s.numLoops }

func (s *fakeShim) Zero() error {
	s.mu.Lock()
	s.zeros++
	s.mu.Unlock()
	s.sc.zeroLoops()
	return nil
}

func (s *fakeShim) ClearQueue() int { return 0 }

func (s *fakeShim) zeroCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zeros
}

// rig is a tool wired to the simulated devices.
type rig struct {
	tool    *Tool
	scanner *fakeScanner
	shim    *fakeShim
	phantom *phantom
	root    string
}

func testConfig(root string) Config {
	return Config{
		RootDir:             root,
		DeltaTEUs:           testDeltaT,
		GradientCalStrength: 60,
		LoopCalCurrent:      1,
		MaxCurrent:          2.4,
		ScanTimeout:         2 * time.Second,
		AssetTimeout:        2 * time.Second,
		Workers:             2,
	}
}

func newRig(t *testing.T, mutate ...func(*Config, *Deps)) *rig {
	t.Helper()
	root := t.TempDir()
	cfg := testConfig(root)
	p := newPhantom(testLoops)
	sc := newFakeScanner(t, root, p, cfg)
	sh := &fakeShim{sc: sc, connected: true, numLoops: testLoops}
	deps := Deps{Scanner: sc, Shim: sh}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	tool := New(cfg, deps)
	tool.Logf = t.Logf
	t.Cleanup(tool.Close)
	return &rig{tool: tool, scanner: sc, shim: sh, phantom: p, root: root}
}

// calibrated runs the asset calibration, the background and the basis set.
func (r *rig) calibrated(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.tool.DoAssetCalibration(ctx))
	require.NoError(t, r.tool.DoFieldmapScan(ctx, 0))
	require.NoError(t, r.tool.DoBasisCalibrationScans(ctx))
}
