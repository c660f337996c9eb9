package devmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

// TestablePort implements Port with configurable behaviour for testing.
// Reads block until data is added with AddReadData or the port is closed.
type TestablePort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	written  []string
	partial  bytes.Buffer
	closed   bool
	readCond *sync.Cond

	// WriteError is returned by the next Write call if set.
	WriteError error

	// OnLine, if set, is called (without the lock held) for every complete
	// line written to the port. Device simulators use it to reply.
	OnLine func(line string)
}

// NewTestablePort creates a new TestablePort for testing.
func NewTestablePort() *TestablePort {
	p := &TestablePort{}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until data is available or the port is closed.
func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.closed && p.readBuf.Len() == 0 {
		p.readCond.Wait()
	}
	if p.readBuf.Len() == 0 && p.closed {
		return 0, io.EOF
	}
	return p.readBuf.Read(b)
}

// Write records complete lines and hands each to OnLine.
func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		p.mu.Unlock()
		return 0, err
	}
	p.partial.Write(b)
	var lines []string
	for {
		s := p.partial.String()
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, s[:i])
		p.partial.Next(i + 1)
	}
	p.written = append(p.written, lines...)
	onLine := p.OnLine
	p.mu.Unlock()

	if onLine != nil {
		for _, l := range lines {
			onLine(l)
		}
	}
	return len(b), nil
}

// Close marks the port closed and wakes blocked readers.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readCond.Broadcast()
	return nil
}

// AddReadData queues data for subsequent Read calls.
func (p *TestablePort) AddReadData(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(data)
	p.readCond.Broadcast()
}

// Reply queues line plus a newline, as a device would.
func (p *TestablePort) Reply(line string) {
	p.AddReadData(line + "\n")
}

// Written returns every complete line written so far.
func (p *TestablePort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

// Closed reports whether Close was called.
func (p *TestablePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
