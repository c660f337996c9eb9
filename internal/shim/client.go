// Package shim drives the multi-channel shim coil driver over USB serial.
//
// The driver takes single-letter opcodes: C (calibrate), Z (zero every
// channel), I (report currents) and X <board> <channel> <amps> (set one
// channel). Channels are addressed globally as board*8 + channel.
package shim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/shimtool/internal/devmux"
	"github.com/banshee-data/shimtool/internal/errs"
	"github.com/banshee-data/shimtool/internal/latch"
	"github.com/banshee-data/shimtool/internal/monitoring"
	"github.com/banshee-data/shimtool/internal/timeutil"
)

const (
	ChannelsPerBoard  = 8
	DefaultNumLoops   = 32
	DefaultMaxCurrent = 2.4
)

// Config holds the driver port and safety limits.
type Config struct {
	Path       string
	Options    devmux.PortOptions
	NumLoops   int
	MaxCurrent float64
	Clock      timeutil.Clock

	// Open overrides opening the serial port, mainly for tests.
	Open func() (*devmux.Mux, error)
}

// Client is the shim driver client.
type Client struct {
	cfg  Config
	Logf func(format string, v ...interface{})

	ready *latch.Latch

	mu       sync.Mutex
	mux      *devmux.Mux
	cancel   context.CancelFunc
	currents []float64

	wg sync.WaitGroup
}

// New returns a disconnected client.
func New(cfg Config) *Client {
	if cfg.NumLoops <= 0 {
		cfg.NumLoops = DefaultNumLoops
	}
	if cfg.MaxCurrent <= 0 {
		cfg.MaxCurrent = DefaultMaxCurrent
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Client{
		cfg:      cfg,
		Logf:     monitoring.Prefixed("shim"),
		ready:    latch.NewWithClock("shim-connected-ready", cfg.Clock),
		currents: make([]float64, cfg.NumLoops),
	}
}

// NumLoops is the number of addressable coil channels.
func (c *Client) NumLoops() int { return c.cfg.NumLoops }

// MaxCurrent is the largest accepted |amps|.
func (c *Client) MaxCurrent() float64 { return c.cfg.MaxCurrent }

// Connect opens the driver port and starts the reader and writer. The
// ConnectedReady signal is raised when the driver reports ready.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.mux != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var (
		mux *devmux.Mux
		err error
	)
	if c.cfg.Open != nil {
		mux, err = c.cfg.Open()
	} else {
		mux, err = devmux.OpenSerial("shim", c.cfg.Path, c.cfg.Options)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConnection, err)
	}
	mux.Logf = c.Logf

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.mux = mux
	c.cancel = cancel
	c.mu.Unlock()

	id, lines := mux.Subscribe()
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		if err := mux.Monitor(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.Logf("reader stopped: %v", err)
		}
	}()
	go func() {
		defer c.wg.Done()
		defer mux.Unsubscribe(id)
		for {
			select {
			case <-runCtx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				c.handleLine(line)
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		if err := mux.Run(runCtx, nil); err != nil && !errors.Is(err, context.Canceled) {
			c.Logf("writer stopped: %v", err)
		}
	}()
	return nil
}

// WaitReady waits for the driver's ready report.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) bool {
	return c.ready.WaitContext(ctx, timeout)
}

// Connected reports whether the port is open and the driver reported ready.
func (c *Client) Connected() bool {
	c.mu.Lock()
	open := c.mux != nil
	c.mu.Unlock()
	return open && c.ready.IsRaised()
}

// Calibrate runs the driver's self calibration.
func (c *Client) Calibrate() error {
	return c.send("C")
}

// Zero sets every channel to 0 A. Repeated calls leave the driver in the
// same state.
func (c *Client) Zero() error {
	if err := c.send("Z"); err != nil {
		return err
	}
	c.mu.Lock()
	for i := range c.currents {
		c.currents[i] = 0
	}
	c.mu.Unlock()
	return nil
}

// GetCurrents asks the driver to report its currents and returns the last
// values known before the reply arrives.
func (c *Client) GetCurrents() ([]float64, error) {
	if err := c.send("I"); err != nil {
		return nil, err
	}
	return c.Currents(), nil
}

// Currents returns the last known current of every channel.
func (c *Client) Currents() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.currents...)
}

// SetCurrent sets one channel. Out-of-range channels or amplitudes are
// rejected with an *errs.ValidationError and nothing is sent. It does not wait
// for the driver to confirm.
func (c *Client) SetCurrent(board, channel int, amps float64) error {
	if err := c.validate(board, channel, amps); err != nil {
		c.Logf("rejected X %d %d %g: %v", board, channel, amps, err)
		return err
	}
	if err := c.send(fmt.Sprintf("X %d %d %s", board, channel, strconv.FormatFloat(amps, 'f', 4, 64))); err != nil {
		return err
	}
	c.mu.Lock()
	c.currents[board*ChannelsPerBoard+channel] = amps
	c.mu.Unlock()
	return nil
}

// SetLoopCurrent sets a channel by its global loop index.
func (c *Client) SetLoopCurrent(loop int, amps float64) error {
	if loop < 0 {
		return &errs.ValidationError{Field: "channel", Value: float64(loop), Min: 0, Max: float64(c.cfg.NumLoops - 1)}
	}
	return c.SetCurrent(loop/ChannelsPerBoard, loop%ChannelsPerBoard, amps)
}

func (c *Client) validate(board, channel int, amps float64) error {
	maxLoop := float64(c.cfg.NumLoops - 1)
	if channel < 0 || channel >= ChannelsPerBoard {
		return &errs.ValidationError{Field: "channel", Value: float64(channel), Min: 0, Max: ChannelsPerBoard - 1}
	}
	loop := board*ChannelsPerBoard + channel
	if board < 0 || loop >= c.cfg.NumLoops {
		return &errs.ValidationError{Field: "channel", Value: float64(loop), Min: 0, Max: maxLoop}
	}
	if math.IsNaN(amps) || math.Abs(amps) > c.cfg.MaxCurrent {
		return &errs.ValidationError{Field: "amps", Value: amps, Min: -c.cfg.MaxCurrent, Max: c.cfg.MaxCurrent}
	}
	return nil
}

// SendCommand parses a raw driver line, as typed on the admin page, and
// sends it through the typed method for its verb. Only C, Z, I and X are
// accepted, and X goes through the same channel and current checks as
// SetCurrent.
func (c *Client) SendCommand(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty driver command", errs.ErrProtocol)
	}
	switch {
	case fields[0] == "C" && len(fields) == 1:
		return c.Calibrate()
	case fields[0] == "Z" && len(fields) == 1:
		return c.Zero()
	case fields[0] == "I" && len(fields) == 1:
		_, err := c.GetCurrents()
		return err
	case fields[0] == "X" && len(fields) == 4:
		board, err1 := strconv.Atoi(fields[1])
		channel, err2 := strconv.Atoi(fields[2])
		amps, err3 := strconv.ParseFloat(fields[3], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return fmt.Errorf("%w: malformed driver command %q", errs.ErrProtocol, line)
		}
		return c.SetCurrent(board, channel, amps)
	}
	return fmt.Errorf("%w: unsupported driver command %q", errs.ErrProtocol, line)
}

// ClearQueue drops every command not yet written to the driver.
func (c *Client) ClearQueue() int {
	c.mu.Lock()
	mux := c.mux
	c.mu.Unlock()
	if mux == nil {
		return 0
	}
	return mux.ClearQueue()
}

// Stop closes the port and waits for the reader and writer to exit.
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
	c.ready.Clear()
}

// Mux exposes the underlying connection for admin routes. It is nil while
// disconnected.
func (c *Client) Mux() *devmux.Mux {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mux
}

func (c *Client) send(command string) error {
	c.mu.Lock()
	mux := c.mux
	c.mu.Unlock()
	if mux == nil {
		return fmt.Errorf("%w: shim driver not connected", errs.ErrConnection)
	}
	if err := mux.Enqueue(command); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConnection, err)
	}
	return nil
}

func (c *Client) handleLine(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	switch {
	case line == "ready":
		c.ready.Raise()
	case fields[0] == "error":
		c.Logf("%v: driver reported %q", errs.ErrProtocol, strings.TrimSpace(strings.TrimPrefix(line, "error")))
	case fields[0] == "I" && len(fields) == 4:
		board, err1 := strconv.Atoi(fields[1])
		channel, err2 := strconv.Atoi(fields[2])
		amps, err3 := strconv.ParseFloat(fields[3], 64)
		loop := board*ChannelsPerBoard + channel
		if err1 != nil || err2 != nil || err3 != nil || channel < 0 || channel >= ChannelsPerBoard || loop < 0 || loop >= c.cfg.NumLoops {
			c.Logf("%v: bad current report %q", errs.ErrProtocol, line)
			return
		}
		c.mu.Lock()
		c.currents[loop] = amps
		c.mu.Unlock()
	default:
		c.Logf("driver: %s", line)
	}
}
