// Package scanner is the client for the MR scanner's remote-control interface.
//
// Commands are queued without blocking and written one at a time by a single
// writer goroutine, which waits for each command's acknowledgement before
// sending the next. Asynchronous scanner events raise named signals that the
// orchestrator waits on.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/shimtool/internal/devmux"
	"github.com/banshee-data/shimtool/internal/errs"
	"github.com/banshee-data/shimtool/internal/latch"
	"github.com/banshee-data/shimtool/internal/monitoring"
	"github.com/banshee-data/shimtool/internal/timeutil"
)

// Signal names one of the client's completion signals.
type Signal int

const (
	ConnectedReady Signal = iota
	ImagesReady
	NoFailures
	PrescanDone
	numSignals
)

func (s Signal) String() string {
	switch s {
	case ConnectedReady:
		return "connected-ready"
	case ImagesReady:
		return "images-ready"
	case NoFailures:
		return "no-failures"
	case PrescanDone:
		return "prescan-done"
	default:
		return "signal(" + strconv.Itoa(int(s)) + ")"
	}
}

// State is the client connection and scan lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Idle
	ScanQueued
	ScanRunning
	ImagesCollected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Idle:
		return "idle"
	case ScanQueued:
		return "scan-queued"
	case ScanRunning:
		return "scan-running"
	case ImagesCollected:
		return "images-ready"
	case Failed:
		return "failed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// ShimBridge is the part of the shim driver the scanner client may drive.
// Loop currents routed through the scanner queue land between the scanner
// commands around them.
type ShimBridge interface {
	SetLoopCurrent(loop int, amps float64) error
	ClearQueue() int
}

// PrescanValues are the scanner's own centre frequency and linear shims as
// reported after an auto prescan.
type PrescanValues struct {
	CenterFrequency int
	X, Y, Z         int
}

// Config holds connection settings and timeouts.
type Config struct {
	Addr     string
	Product  string
	Password string

	DialTimeout time.Duration
	AckTimeout  time.Duration
	ScanTimeout time.Duration

	Clock  timeutil.Clock
	Bridge ShimBridge

	// Dial overrides the TCP dial, mainly for tests.
	Dial func(ctx context.Context) (*devmux.Mux, error)
}

const (
	DefaultDialTimeout = 10 * time.Second
	DefaultAckTimeout  = 10 * time.Second
	DefaultScanTimeout = 90 * time.Second
)

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// Client talks to one scanner.
type Client struct {
	cfg  Config
	Logf func(format string, v ...interface{})

	signals [numSignals]*latch.Latch

	mu       sync.Mutex
	state    State
	mux      *devmux.Mux
	cancel   context.CancelFunc
	prescan  PrescanValues
	havePre  bool
	exam     string
	loginRes chan error

	// scansSent and scansDone let the writer hold back commands until the
	// images of every dispatched scan have arrived.
	scansSent int
	scansDone int
	progress  chan struct{}

	acks chan reply
	wg   sync.WaitGroup
}

// New returns a disconnected client.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		Logf:     monitoring.Prefixed("scanner"),
		progress: make(chan struct{}),
	}
	for s := Signal(0); s < numSignals; s++ {
		c.signals[s] = latch.NewWithClock(s.String(), cfg.Clock)
	}
	c.signals[NoFailures].Raise()
	return c
}

// SetBridge sets the shim driver used for composite and synced loop commands.
func (c *Client) SetBridge(b ShimBridge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Bridge = b
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.Logf("state %s -> %s", prev, s)
	}
}

// Connected reports whether the client is logged in.
func (c *Client) Connected() bool {
	switch c.State() {
	case Disconnected, Connecting:
		return false
	}
	return c.signals[ConnectedReady].IsRaised()
}

// PrescanValues returns the last values reported by GetPrescanValues.
func (c *Client) PrescanValues() (PrescanValues, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prescan, c.havePre
}

// ExamNumber returns the exam number reported by GetExamInfo, or "".
func (c *Client) ExamNumber() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exam
}

// Connect dials the scanner, logs in and starts the reader and writer. It
// returns an error wrapping errs.ErrConnection if the scanner cannot be
// reached or rejects the login.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return fmt.Errorf("%w: already %s", errs.ErrConnection, c.state)
	}
	c.state = Connecting
	c.loginRes = make(chan error, 1)
	c.acks = make(chan reply, 16)
	c.mu.Unlock()

	mux, err := c.dial(ctx)
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("%w: %v", errs.ErrConnection, err)
	}
	mux.Logf = c.Logf

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.mux = mux
	c.cancel = cancel
	c.mu.Unlock()

	id, lines := mux.Subscribe()
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := mux.Monitor(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.Logf("reader stopped: %v", err)
		}
	}()
	go func() {
		defer c.wg.Done()
		defer mux.Unsubscribe(id)
		c.readLoop(runCtx, lines)
	}()

	login := fmt.Sprintf("%s product=%s passwd=%s", VerbLogin, c.cfg.Product, c.cfg.Password)
	if err := mux.WriteLine(login); err != nil {
		c.Stop()
		return fmt.Errorf("%w: %v", errs.ErrConnection, err)
	}

	timer := c.cfg.Clock.NewTimer(c.cfg.DialTimeout)
	defer timer.Stop()
	select {
	case err = <-c.loginRes:
	case <-timer.C():
		err = errors.New("login timed out")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		c.Stop()
		return fmt.Errorf("%w: %v", errs.ErrConnection, err)
	}

	c.setState(Connected)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := mux.Run(runCtx, c.dispatch); err != nil && !errors.Is(err, context.Canceled) {
			c.Logf("writer stopped: %v", err)
		}
	}()
	c.setState(Idle)
	return c.Send(GetExamInfo())
}

func (c *Client) dial(ctx context.Context) (*devmux.Mux, error) {
	if c.cfg.Dial != nil {
		return c.cfg.Dial(ctx)
	}
	return devmux.DialTCP(ctx, "scanner", c.cfg.Addr, c.cfg.DialTimeout)
}

// Send queues command. It never blocks and commands are transmitted in the
// order they were sent.
func (c *Client) Send(command string) error {
	c.mu.Lock()
	mux := c.mux
	c.mu.Unlock()
	if mux == nil {
		return fmt.Errorf("%w: not connected", errs.ErrConnection)
	}
	if err := mux.Enqueue(command); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConnection, err)
	}
	return nil
}

// SendWaitForImagesCollected queues a marker that holds back every later
// command until the images of all scans dispatched so far have arrived.
func (c *Client) SendWaitForImagesCollected() error {
	return c.Send(WaitForImagesCollected)
}

// ClearQueue drops every command not yet dispatched.
func (c *Client) ClearQueue() int {
	c.mu.Lock()
	mux := c.mux
	c.mu.Unlock()
	if mux == nil {
		return 0
	}
	return mux.ClearQueue()
}

// Raise sets a signal. The orchestrator uses it to re-arm NoFailures.
func (c *Client) Raise(s Signal) { c.signals[s].Raise() }

// Clear resets a signal.
func (c *Client) Clear(s Signal) { c.signals[s].Clear() }

// IsRaised reports whether a signal is set.
func (c *Client) IsRaised(s Signal) bool { return c.signals[s].IsRaised() }

// WaitFor blocks until s is raised, timeout elapses, or ctx is done. It returns
// immediately if s is already raised and never clears it.
func (c *Client) WaitFor(ctx context.Context, s Signal, timeout time.Duration) bool {
	return c.signals[s].WaitContext(ctx, timeout)
}

// ClearFailure leaves the Failed state and re-arms NoFailures.
func (c *Client) ClearFailure() {
	c.mu.Lock()
	if c.state == Failed {
		c.state = Idle
	}
	c.mu.Unlock()
	c.signals[NoFailures].Raise()
}

// Stop closes the connection. Outstanding waits on the writer side return
// false; the client can be connected again afterwards.
func (c *Client) Stop() {
	c.mu.Lock()
	mux, cancel := c.mux, c.cancel
	c.mux, c.cancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if mux != nil {
		_ = mux.Close()
	}
	c.wg.Wait()

	c.signals[ConnectedReady].Clear()
	c.setState(Disconnected)
}

// Mux exposes the underlying connection for admin routes. It is nil while
// disconnected.
func (c *Client) Mux() *devmux.Mux {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mux
}

func (c *Client) markProgress(update func()) {
	c.mu.Lock()
	update()
	close(c.progress)
	c.progress = make(chan struct{})
	c.mu.Unlock()
}

// waitCollected blocks until every dispatched scan has produced images.
func (c *Client) waitCollected(ctx context.Context) bool {
	timer := c.cfg.Clock.NewTimer(c.cfg.ScanTimeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		done := c.scansDone >= c.scansSent
		progress := c.progress
		c.mu.Unlock()
		if done {
			return true
		}
		select {
		case <-progress:
		case <-timer.C():
			return false
		case <-ctx.Done():
			return false
		}
	}
}
