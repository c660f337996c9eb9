// Package devmux provides line-oriented command and event multiplexing over a
// single device connection. Commands are queued and written by one consumer
// in submission order; inbound lines are fanned out to subscribers.
//
// Both the scanner (TCP) and the shim driver (USB serial) speak newline
// terminated text, so the same mux serves either transport.
package devmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/shimtool/internal/monitoring"
)

var (
	ErrWriteFailed = errors.New("failed to write to device")
	ErrQueueClosed = errors.New("command queue closed")
)

// subscriberBuffer bounds how far a slow subscriber may lag before lines are
// dropped for it. Completion notifications are rare, so this is generous.
const subscriberBuffer = 256

// DispatchFunc delivers one dequeued command. Returning an error rejects that
// command only; the writer moves on to the next one.
type DispatchFunc func(ctx context.Context, command string) error

// Mux multiplexes a single device connection.
type Mux struct {
	name string
	port Port
	Logf func(format string, v ...interface{})

	subscriberMu sync.Mutex
	subscribers  map[string]chan string

	queueMu sync.Mutex
	queue   []string
	wake    chan struct{}
	closed  bool

	writeMu sync.Mutex
}

// New creates a Mux over port. name is used for log prefixes and admin routes.
func New(name string, port Port) *Mux {
	return &Mux{
		name:        name,
		port:        port,
		Logf:        monitoring.Prefixed(name),
		subscribers: make(map[string]chan string),
		wake:        make(chan struct{}, 1),
	}
}

// Name returns the mux name.
func (m *Mux) Name() string { return m.name }

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a new channel for receiving inbound lines. The ID is used
// to unsubscribe. After Close the returned channel is already closed.
func (m *Mux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)

	m.queueMu.Lock()
	closed := m.closed
	m.queueMu.Unlock()
	if closed {
		close(ch)
		return id, ch
	}

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Mux) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Enqueue appends command to the outbound queue. It never blocks.
func (m *Mux) Enqueue(command string) error {
	m.queueMu.Lock()
	if m.closed {
		m.queueMu.Unlock()
		return ErrQueueClosed
	}
	m.queue = append(m.queue, command)
	m.queueMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued commands not yet dispatched.
func (m *Mux) Pending() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.queue)
}

// ClearQueue drops every queued command and returns how many were dropped.
// A command already handed to the dispatcher is not affected.
func (m *Mux) ClearQueue() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	n := len(m.queue)
	m.queue = nil
	return n
}

func (m *Mux) pop() (string, bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.queue) == 0 {
		return "", false
	}
	cmd := m.queue[0]
	m.queue[0] = ""
	m.queue = m.queue[1:]
	return cmd, true
}

func (m *Mux) isClosed() bool {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return m.closed
}

// Run is the single consumer of the outbound queue. It dispatches commands in
// submission order until ctx is cancelled or the mux is closed. A nil dispatch
// writes each command to the port.
func (m *Mux) Run(ctx context.Context, dispatch DispatchFunc) error {
	if dispatch == nil {
		dispatch = func(_ context.Context, command string) error { return m.WriteLine(command) }
	}
	for {
		if m.isClosed() {
			return nil
		}
		cmd, ok := m.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.wake:
				continue
			}
		}
		if err := dispatch(ctx, cmd); err != nil {
			m.Logf("command %q rejected: %v", cmd, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// WriteLine writes command to the port, appending a newline if missing.
func (m *Mux) WriteLine(command string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := m.port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the port and sends them to every subscriber. It
// returns when ctx is cancelled, the port reaches EOF, or a read fails.
func (m *Mux) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan will not interfere with our outer loop awaiting
	// lines & context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if m.isClosed() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !m.isClosed() {
						return err
					}
				default:
				}
				return nil
			}
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}

			m.subscriberMu.Lock()
			for id, ch := range m.subscribers {
				select {
				case ch <- line:
				default:
					m.Logf("subscriber %s lagging, dropped line %q", id, line)
				}
			}
			m.subscriberMu.Unlock()
		}
	}
}

// Close closes the queue, every subscriber channel and the port. It is safe to
// call more than once.
func (m *Mux) Close() error {
	m.queueMu.Lock()
	if m.closed {
		m.queueMu.Unlock()
		return nil
	}
	m.closed = true
	m.queue = nil
	m.queueMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.subscriberMu.Lock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.subscriberMu.Unlock()
	return m.port.Close()
}
