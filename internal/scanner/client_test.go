package scanner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/shimtool/internal/devmux"
	"github.com/banshee-data/shimtool/internal/errs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type bridgeCall struct {
	loop    int
	amps    float64
	written int // lines on the scanner port when the call happened
}

type fakeBridge struct {
	port *devmux.TestablePort

	mu      sync.Mutex
	calls   []bridgeCall
	cleared int
}

func (b *fakeBridge) SetLoopCurrent(loop int, amps float64) error {
	n := len(b.port.Written())
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, bridgeCall{loop: loop, amps: amps, written: n})
	return nil
}

func (b *fakeBridge) ClearQueue() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleared++
	return 0
}

func (b *fakeBridge) snapshot() ([]bridgeCall, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bridgeCall(nil), b.calls...), b.cleared
}

// simulator answers every command the way a healthy scanner would.
type simulator struct {
	port *devmux.TestablePort

	mu          sync.Mutex
	rejectLogin bool
	failScans   bool
	holdImages  bool
	silentVerbs map[string]bool
}

func (s *simulator) onLine(line string) {
	s.mu.Lock()
	rejectLogin, failScans, holdImages := s.rejectLogin, s.failScans, s.holdImages
	silent := s.silentVerbs[verb(line)]
	s.mu.Unlock()

	if silent {
		return
	}
	switch v := verb(line); v {
	case VerbLogin:
		if rejectLogin {
			s.port.Reply("ConnectToScanner failed bad password")
			return
		}
		s.port.Reply("ConnectToScanner ok")
	case VerbGetExamInfo:
		s.port.Reply("GetExamInfo ok exam=4242 patient=phantom")
	case VerbGetPrescanValues:
		s.port.Reply("GetPrescanValues ok cf=127738000 xshim=-12 yshim=7 zshim=3")
	case VerbPrescan:
		s.port.Reply("Prescan ok")
		if strings.HasSuffix(line, "auto") {
			s.port.Reply("NotifyEvent prescan-done")
		}
	case VerbScan:
		s.port.Reply("Scan ok")
		s.port.Reply("NotifyEvent acquisition-started")
		switch {
		case failScans:
			s.port.Reply("NotifyEvent scan-failed")
		case !holdImages:
			s.port.Reply("NotifyEvent images-ready")
		}
	default:
		s.port.Reply(v + " ok")
	}
}

func newTestClient(t *testing.T, sim func(*simulator)) (*Client, *devmux.TestablePort, *simulator, *fakeBridge) {
	t.Helper()
	port := devmux.NewTestablePort()
	s := &simulator{port: port, silentVerbs: map[string]bool{}}
	if sim != nil {
		sim(s)
	}
	port.OnLine = s.onLine
	bridge := &fakeBridge{port: port}

	c := New(Config{
		Product:     "MR",
		Password:    "secret",
		AckTimeout:  2 * time.Second,
		ScanTimeout: 2 * time.Second,
		DialTimeout: 2 * time.Second,
		Bridge:      bridge,
		Dial: func(context.Context) (*devmux.Mux, error) {
			return devmux.New("scanner", port), nil
		},
	})
	c.Logf = t.Logf
	return c, port, s, bridge
}

// commandsAfterLogin strips the login and exam lookup that every session
// starts with.
func commandsAfterLogin(port *devmux.TestablePort) []string {
	var out []string
	for _, l := range port.Written() {
		if verb(l) == VerbLogin || l == GetExamInfo() {
			continue
		}
		out = append(out, l)
	}
	return out
}

func TestConnect(t *testing.T) {
	c, port, _, _ := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Stop)

	assert.True(t, c.Connected())
	assert.True(t, c.IsRaised(ConnectedReady))
	assert.True(t, c.IsRaised(NoFailures))
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, "ConnectToScanner product=MR passwd=secret", port.Written()[0])
	require.Eventually(t, func() bool { return c.ExamNumber() == "4242" }, time.Second, 5*time.Millisecond)
}

func TestConnectDialFailure(t *testing.T) {
	c := New(Config{
		Dial: func(context.Context) (*devmux.Mux, error) {
			return nil, errors.New("connection refused")
		},
	})
	c.Logf = t.Logf

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConnection)
	assert.Equal(t, Disconnected, c.State())
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Send(Scan()), errs.ErrConnection)
}

func TestConnectLoginRejected(t *testing.T) {
	c, port, _, _ := newTestClient(t, func(s *simulator) { s.rejectLogin = true })

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConnection)
	assert.Contains(t, err.Error(), "bad password")
	assert.Equal(t, Disconnected, c.State())
	assert.True(t, port.Closed())
}

func TestSendPreservesOrder(t *testing.T) {
	c, port, _, _ := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Stop)

	var want []string
	for i := 0; i < 50; i++ {
		cmd := SetCV("act_tr", 6000+i)
		want = append(want, cmd)
		require.NoError(t, c.Send(cmd))
	}

	require.Eventually(t, func() bool { return len(commandsAfterLogin(port)) == len(want) }, 2*time.Second, 5*time.Millisecond)
	if diff := cmp.Diff(want, commandsAfterLogin(port)); diff != "" {
		t.Errorf("command order mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterWaitsForAcknowledgement(t *testing.T) {
	c, port, _, _ := newTestClient(t, func(s *simulator) { s.silentVerbs[VerbActivateTask] = true })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Stop)

	require.NoError(t, c.Send(ActivateTask()))
	require.NoError(t, c.Send(PatientTable()))

	require.Eventually(t, func() bool { return len(commandsAfterLogin(port)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{ActivateTask()}, commandsAfterLogin(port))

	port.Reply("ActivateTask ok")
	require.Eventually(t, func() bool { return len(commandsAfterLogin(port)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, PatientTable(), commandsAfterLogin(port)[1])
}

func TestCalibrationLoadDrivesShimFirst(t *testing.T) {
	c, port, _, bridge := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Stop)

	require.NoError(t, c.Send(SelectTask()))
	require.NoError(t, c.Send(CalibrationLoad("ConformalShimCalibration3", 5, 1.0)))

	require.Eventually(t, func() bool { return len(commandsAfterLogin(port)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{SelectTask(), LoadProtocol("ConformalShimCalibration3")}, commandsAfterLogin(port))

	calls, _ := bridge.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, 5, calls[0].loop)
	assert.InDelta(t, 1.0, calls[0].amps, 1e-9)

	// The load line had not been written yet when the shim was driven.
	loadIdx := len(port.Written()) - 1
	assert.Equal(t, loadIdx, calls[0].written)
}

func TestSyncedLoopCurrentKeepsQueueOrder(t *testing.T) {
	c, port, _, bridge := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Stop)

	require.NoError(t, c.Send(SetCenterFrequency(127738000)))
	require.NoError(t, c.Send(SyncedLoopCurrent(2, -0.25)))
	require.NoError(t, c.Send(SetShimValues(1, 2, 3)))

	require.Eventually(t, func() bool { return len(commandsAfterLogin(port)) == 2 }, time.Second, 5*time.Millisecond)
	calls, _ := bridge.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, 2, calls[0].loop)
	assert.InDelta(t, -0.25, calls[0].amps, 1e-9)

	written := port.Written()
	idx := -1
	for i, l := range written {
		if l == SetCenterFrequency(127738000) {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, idx+1, calls[0].written, "loop current must follow the centre frequency and precede the shim values")
}

func TestWaitFor(t *testing.T) {
	c, _, _, _ := newTestClient(t, nil)

	assert.True(t, c.WaitFor(context.Background(), NoFailures, time.Millisecond))
	assert.False(t, c.WaitFor(context.Background(), ImagesReady, 10*time.Millisecond))

	c.Raise(ImagesReady)
	assert.True(t, c.WaitFor(context.Background(), ImagesReady, 0))
	assert.True(t, c.IsRaised(ImagesReady), "waiting must not consume the signal")

	c.Clear(ImagesReady)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, c.WaitFor(ctx, ImagesReady, time.Hour))
}

func TestScanRaisesImagesReady(t *testing.T) {
	c, _, _, _ := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Stop)

	require.NoError(t, c.Send(Scan()))
	assert.True(t, c.WaitFor(context.Background(), ImagesReady, 2*time.Second))
	assert.True(t, c.IsRaised(NoFailures))
}

func TestAutoPrescanStoresValues(t *testing.T) {
	c, port, _, _ := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Stop)

	require.NoError(t, c.Send(Prescan(true)))
	require.NoError(t, c.Send(GetPrescanValues()))

	require.Eventually(t, func() bool {
		_, ok := c.PrescanValues()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	pv, _ := c.PrescanValues()
	assert.Equal(t, PrescanValues{CenterFrequency: 127738000, X: -12, Y: 7, Z: 3}, pv)
	assert.True(t, c.IsRaised(PrescanDone))
	assert.Equal(t, []string{"Prescan auto", "GetPrescanValues"}, commandsAfterLogin(port))
}

func TestScanFailure(t *testing.T) {
	c, port, sim, bridge := newTestClient(t, func(s *simulator) { s.failScans = true })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Stop)

	require.NoError(t, c.Send(Scan()))
	require.Eventually(t, func() bool { return c.State() == Failed }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.IsRaised(NoFailures))
	_, cleared := bridge.snapshot()
	assert.Equal(t, 1, cleared)

	// Scans are refused while the failure stands.
	sim.mu.Lock()
	sim.failScans = false
	sim.mu.Unlock()
	require.NoError(t, c.Send(Scan()))
	require.NoError(t, c.Send(SetCV("rhimsize", 64)))
	require.Eventually(t, func() bool {
		cmds := commandsAfterLogin(port)
		return len(cmds) > 0 && cmds[len(cmds)-1] == SetCV("rhimsize", 64)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{Scan(), SetCV("rhimsize", 64)}, commandsAfterLogin(port))

	c.ClearFailure()
	assert.True(t, c.IsRaised(NoFailures))
	assert.Equal(t, Idle, c.State())

	require.NoError(t, c.Send(Scan()))
	assert.True(t, c.WaitFor(context.Background(), ImagesReady, 2*time.Second))
}

func TestScanFailureClearsQueue(t *testing.T) {
	c, port, _, _ := newTestClient(t, func(s *simulator) { s.silentVerbs[VerbSelectTask] = true })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Stop)

	// SelectTask is never acknowledged, so the rest stays queued.
	require.NoError(t, c.Send(SelectTask()))
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send(SetCV("act_te", 1104+i)))
	}
	require.Eventually(t, func() bool { return len(commandsAfterLogin(port)) == 1 }, time.Second, 5*time.Millisecond)

	port.Reply("NotifyEvent scan-failed")
	require.Eventually(t, func() bool { return c.State() == Failed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Mux().Pending())
}

func TestWaitForImagesCollectedHoldsLaterCommands(t *testing.T) {
	c, port, _, _ := newTestClient(t, func(s *simulator) { s.holdImages = true })
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Stop)

	require.NoError(t, c.Send(Scan()))
	require.NoError(t, c.SendWaitForImagesCollected())
	require.NoError(t, c.Send(SetCenterFrequency(127738100)))

	require.Eventually(t, func() bool { return c.State() == ScanRunning }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{Scan()}, commandsAfterLogin(port))

	port.Reply("NotifyEvent images-ready")
	require.Eventually(t, func() bool { return len(commandsAfterLogin(port)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, SetCenterFrequency(127738100), commandsAfterLogin(port)[1])
	assert.True(t, c.IsRaised(ImagesReady))
}

func TestUnknownLinesIgnored(t *testing.T) {
	c, port, _, _ := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Stop)

	port.Reply("garbage from the scanner")
	port.Reply("NotifyEvent something-new")
	require.NoError(t, c.Send(ActivateTask()))
	require.Eventually(t, func() bool { return len(commandsAfterLogin(port)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Idle, c.State())
}

func TestStop(t *testing.T) {
	c, port, _, _ := newTestClient(t, nil)
	require.NoError(t, c.Connect(context.Background()))

	c.Stop()
	assert.Equal(t, Disconnected, c.State())
	assert.False(t, c.Connected())
	assert.True(t, port.Closed())
	assert.ErrorIs(t, c.Send(Scan()), errs.ErrConnection)

	// Stopping twice is harmless.
	c.Stop()
}
