package orchestrator

import (
	"math"

	"github.com/banshee-data/shimtool/internal/fieldmap"
	"github.com/banshee-data/shimtool/internal/scanner"
)

// sequence accumulates the scanner commands of one batch. It works on copies
// of the principal and applied values taken when the batch starts, so the
// kickoff task never reads tool state.
type sequence struct {
	cmds       []string
	principal  []float64
	numLoops   int
	maxCurrent float64
	deltaTEUs  int
	logf       func(format string, v ...interface{})

	// needPrescan is true until the first pair of the batch has queued an
	// auto prescan.
	needPrescan bool
	prescanned  bool
}

func (t *Tool) newSequence() *sequence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &sequence{
		principal:   append([]float64(nil), t.ex.Principal...),
		numLoops:    t.numLoops,
		maxCurrent:  t.cfg.MaxCurrent,
		deltaTEUs:   int(math.Round(t.cfg.DeltaTEUs)),
		logf:        t.Logf,
		needPrescan: !t.ex.AutoPrescanDone,
	}
}

func (s *sequence) add(cmds ...string) { s.cmds = append(s.cmds, cmds...) }

func (s *sequence) loadFieldmapProtocol() { s.add(scanner.LoadProtocol(FieldmapProtocol)) }

// fgrePair queues the two echoes of one field map. The first pair of an
// exam runs an auto prescan and reads back the scanner's own centre
// frequency and linear shims; later pairs skip the prescan.
func (s *sequence) fgrePair() {
	for echo := 0; echo < 2; echo++ {
		s.add(scanner.SelectTask(), scanner.ActivateTask())
		s.add(
			scanner.SetCV("act_tr", fgreTR),
			scanner.SetCV("act_te", fgreTE+echo*s.deltaTEUs),
			scanner.SetCV("rhrcctrl", fgreRecon),
			scanner.SetCV("rhimsize", fgreImageDim),
		)
		s.add(scanner.PatientTable())
		if s.needPrescan {
			s.add(scanner.Prescan(true), scanner.GetPrescanValues())
			s.needPrescan = false
			s.prescanned = true
		} else {
			s.add(scanner.Prescan(false))
		}
		s.add(scanner.Scan())
	}
}

// pairScan loads the field-map protocol and queues one pair.
func (s *sequence) pairScan() {
	s.loadFieldmapProtocol()
	s.fgrePair()
}

// centerFrequency offsets the principal centre frequency by delta Hz.
func (s *sequence) centerFrequency(delta float64) {
	s.add(scanner.SetCenterFrequency(int(math.Round(s.principal[fieldmap.SolutionCF] + delta))))
}

// linGradients sets the linear shims to the principal values plus lin.
func (s *sequence) linGradients(lin [3]float64) {
	var v [3]int
	for i := range v {
		v[i] = int(math.Round(lin[i] + s.principal[fieldmap.SolutionGradient+i]))
	}
	s.add(scanner.SetShimValues(v[0], v[1], v[2]))
}

// loopAmps is the current actually driven on loop ch for a physical
// solution value: the principal offset plus the value, held within the
// driver's limit.
func (s *sequence) loopAmps(ch int, value float64) float64 {
	amps := s.principal[fieldmap.SolutionLoops+ch] + value
	if amps > s.maxCurrent || amps < -s.maxCurrent {
		clamped := math.Copysign(s.maxCurrent, amps)
		s.logf("loop %d: %.4f A outside ±%.2f A, driving %.4f A", ch, amps, s.maxCurrent, clamped)
		amps = clamped
	}
	return amps
}

// loop queues loop ch through the scanner queue.
func (s *sequence) loop(ch int, value float64) {
	s.add(scanner.SyncedLoopCurrent(ch, s.loopAmps(ch, value)))
}

// isolateLoop drives loop ch to value and every other loop to its principal
// value.
func (s *sequence) isolateLoop(ch int, value float64) {
	s.loop(ch, value)
	for i := 0; i < s.numLoops; i++ {
		if i != ch {
			s.loop(i, 0)
		}
	}
}

// calibrationPair queues the basis acquisition of loop ch at value: the
// composite load drives the loop and loads the protocol in one ordered
// command, then the other loops go to their principal values.
func (s *sequence) calibrationPair(ch int, value float64) {
	s.add(scanner.CalibrationLoad(FieldmapProtocol, ch, s.loopAmps(ch, value)))
	for i := 0; i < s.numLoops; i++ {
		if i != ch {
			s.loop(i, 0)
		}
	}
	s.linGradients([3]float64{})
	s.fgrePair()
}

// applySolution queues the centre frequency, gradients and every loop of
// one physical solution.
func (s *sequence) applySolution(applied []float64) {
	s.centerFrequency(applied[fieldmap.SolutionCF])
	s.linGradients([3]float64{
		applied[fieldmap.SolutionGradient],
		applied[fieldmap.SolutionGradient+1],
		applied[fieldmap.SolutionGradient+2],
	})
	for ch := 0; ch < s.numLoops; ch++ {
		s.loop(ch, applied[fieldmap.SolutionLoops+ch])
	}
}

func (s *sequence) waitForImages() { s.add(scanner.WaitForImagesCollected) }

// loopsToPrincipal drives every loop to its principal value.
func (s *sequence) loopsToPrincipal() {
	for ch := 0; ch < s.numLoops; ch++ {
		s.loop(ch, 0)
	}
}

// restorePrincipal waits for the batch's last images, then returns the
// centre frequency, gradients and loops to the principal solution.
func (s *sequence) restorePrincipal() {
	s.waitForImages()
	s.centerFrequency(0)
	s.linGradients([3]float64{})
	s.loopsToPrincipal()
}
