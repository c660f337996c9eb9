package scanner

import (
	"context"
	"fmt"
	"strconv"

	"github.com/banshee-data/shimtool/internal/errs"
)

// dispatch runs on the writer goroutine for every dequeued command.
func (c *Client) dispatch(ctx context.Context, command string) error {
	if c.State() == ImagesCollected {
		c.setState(Idle)
	}

	if command == WaitForImagesCollected {
		if !c.waitCollected(ctx) {
			return fmt.Errorf("%w: images not collected within %s", errs.ErrScanTimeout, c.cfg.ScanTimeout)
		}
		return nil
	}

	if ch, amps, ok := ParseSyncedLoopCurrent(command); ok {
		return c.driveLoop(ch, amps)
	}

	if protocol, ch, amps, ok := ParseCalibrationLoad(command); ok {
		if err := c.driveLoop(ch, amps); err != nil {
			return err
		}
		return c.transmit(ctx, LoadProtocol(protocol))
	}

	return c.transmit(ctx, command)
}

func (c *Client) driveLoop(ch int, amps float64) error {
	c.mu.Lock()
	bridge := c.cfg.Bridge
	c.mu.Unlock()
	if bridge == nil {
		return fmt.Errorf("%w: no shim driver for loop %d", errs.ErrConnection, ch)
	}
	return bridge.SetLoopCurrent(ch, amps)
}

// transmit writes one scanner command and waits for its acknowledgement.
func (c *Client) transmit(ctx context.Context, command string) error {
	v := verb(command)
	auto := command == Prescan(true)

	switch v {
	case VerbScan, VerbPrescan:
		if c.State() == Failed {
			return fmt.Errorf("%w: %s refused until failure is cleared", errs.ErrScanFailure, v)
		}
	}
	if v == VerbScan {
		c.setState(ScanQueued)
		c.markProgress(func() { c.scansSent++ })
	}
	if auto {
		c.signals[PrescanDone].Clear()
	}

	c.mu.Lock()
	mux := c.mux
	c.mu.Unlock()
	if mux == nil {
		return fmt.Errorf("%w: not connected", errs.ErrConnection)
	}

	c.drainAcks()
	if err := mux.WriteLine(command); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConnection, err)
	}

	r, ok := c.awaitAck(ctx, v)
	if !ok {
		return fmt.Errorf("%w: no acknowledgement for %q within %s", errs.ErrProtocol, command, c.cfg.AckTimeout)
	}
	if !r.ok {
		if v == VerbScan || v == VerbPrescan {
			c.fail(fmt.Sprintf("%s failed: %s", v, r.reason))
		}
		return fmt.Errorf("%w: %s failed: %s", errs.ErrProtocol, v, r.reason)
	}

	if auto && !c.signals[PrescanDone].WaitContext(ctx, c.cfg.ScanTimeout) {
		return fmt.Errorf("%w: prescan did not finish within %s", errs.ErrScanTimeout, c.cfg.ScanTimeout)
	}
	return nil
}

func (c *Client) drainAcks() {
	for {
		select {
		case r := <-c.acks:
			c.Logf("discarding unsolicited reply for %s", r.verb)
		default:
			return
		}
	}
}

func (c *Client) awaitAck(ctx context.Context, v string) (reply, bool) {
	timer := c.cfg.Clock.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case r := <-c.acks:
			if r.verb == v {
				return r, true
			}
			c.Logf("reply for %s while waiting for %s", r.verb, v)
		case <-timer.C():
			return reply{}, false
		case <-ctx.Done():
			return reply{}, false
		}
	}
}

// readLoop handles every inbound line until lines closes or ctx is done.
func (c *Client) readLoop(ctx context.Context, lines <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			c.handleLine(line)
		}
	}
}

func (c *Client) handleLine(line string) {
	if verb(line) == VerbNotify {
		c.handleEvent(line)
		return
	}

	r, ok := parseReply(line)
	if !ok {
		c.Logf("ignoring unrecognised line %q", line)
		return
	}

	switch r.verb {
	case VerbLogin:
		var err error
		if r.ok {
			c.signals[ConnectedReady].Raise()
		} else {
			err = fmt.Errorf("login rejected: %s", r.reason)
		}
		c.mu.Lock()
		res := c.loginRes
		c.mu.Unlock()
		select {
		case res <- err:
		default:
		}
		return
	case VerbGetPrescanValues:
		if r.ok {
			c.storePrescan(r.values)
		}
	case VerbGetExamInfo:
		if r.ok {
			c.mu.Lock()
			c.exam = r.values["exam"]
			c.mu.Unlock()
		}
	}
	if !r.ok {
		c.Logf("%v: %s failed: %s", errs.ErrProtocol, r.verb, r.reason)
	}

	select {
	case c.acks <- r:
	default:
		c.Logf("dropping reply for %s, writer not waiting", r.verb)
	}
}

func (c *Client) storePrescan(values map[string]string) {
	var pv PrescanValues
	fields := []struct {
		key string
		dst *int
	}{
		{"cf", &pv.CenterFrequency},
		{"xshim", &pv.X},
		{"yshim", &pv.Y},
		{"zshim", &pv.Z},
	}
	for _, f := range fields {
		n, err := strconv.Atoi(values[f.key])
		if err != nil {
			c.Logf("%v: bad prescan value %s=%q", errs.ErrProtocol, f.key, values[f.key])
			return
		}
		*f.dst = n
	}
	c.mu.Lock()
	c.prescan = pv
	c.havePre = true
	c.mu.Unlock()
	c.Logf("prescan values cf=%d x=%d y=%d z=%d", pv.CenterFrequency, pv.X, pv.Y, pv.Z)
}

func (c *Client) handleEvent(line string) {
	var event string
	if _, err := fmt.Sscanf(line, VerbNotify+" %s", &event); err != nil {
		c.Logf("ignoring malformed event %q", line)
		return
	}

	switch event {
	case EventAcquisitionStarted:
		if c.State() == ScanQueued {
			c.setState(ScanRunning)
		}
	case EventImagesReady:
		c.markProgress(func() { c.scansDone++ })
		c.setState(ImagesCollected)
		c.signals[ImagesReady].Raise()
	case EventPrescanDone:
		c.signals[PrescanDone].Raise()
	case EventScanFailed:
		c.fail("scanner reported scan failure")
	default:
		c.Logf("ignoring unknown event %q", event)
	}
}

// fail records a scan failure and drops everything still queued on both
// devices, so nothing runs against a failed acquisition.
func (c *Client) fail(reason string) {
	c.Logf("%v: %s", errs.ErrScanFailure, reason)
	c.signals[NoFailures].Clear()
	c.setState(Failed)
	c.markProgress(func() { c.scansDone = c.scansSent })

	dropped := c.ClearQueue()
	c.mu.Lock()
	bridge := c.cfg.Bridge
	c.mu.Unlock()
	if bridge != nil {
		dropped += bridge.ClearQueue()
	}
	c.Logf("cleared %d queued commands after failure", dropped)
}
