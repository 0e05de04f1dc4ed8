// Package stream consumes the agent runtime's server-sent event stream.
//
// A Manager owns at most one live Connection. Starting a new turn terminates
// the previous connection first, and a replaced connection can never deliver
// another event to its sink.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("stream: connection closed")

// State is the lifecycle state of a Connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateStreaming
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// Sink receives the output of one connection. Calls for a connection are made
// from a single goroutine and stop as soon as the connection is replaced.
type Sink interface {
	// Opened is called once the server accepted the stream.
	Opened()
	// Event is called once per parsed event, in delivery order.
	Event(ev *model.StreamEvent)
	// Closed is called once when the stream ends. err is nil for an explicit
	// close or a clean end of stream.
	Closed(err error)
}

// Preparer is implemented by sinks holding per-connection state. Start calls
// Prepare once the previous connection can no longer deliver and before the
// new one opens.
type Preparer interface {
	Prepare()
}

// Connection is one streaming request.
type Connection struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	closed bool
	err    error
}

func newConnection(gen uint64, cancel context.CancelFunc) *Connection {
	return &Connection{
		gen:    gen,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateConnecting,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the transport error that ended the connection, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the connection's reader has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close terminates the connection. Idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if !c.state.Terminal() {
		c.state = StateClosed
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// transition moves to next unless the connection already ended.
func (c *Connection) transition(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.state = next
}

// fail records err and moves to StateError. It reports false when the
// connection was closed explicitly, in which case err is not a failure.
func (c *Connection) fail(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.state = StateError
	c.err = err
	return true
}

// ParseFrame turns one frame into a StreamEvent. Frames on a named channel
// must use a recognized event type; a payload without a type takes the
// channel name.
func ParseFrame(f Frame) (*model.StreamEvent, error) {
	if f.Oversized {
		return nil, errors.New("stream: frame exceeds the line limit")
	}
	var channelType model.EventType
	if f.Event != "" && f.Event != DefaultChannel {
		t, ok := model.ParseEventType(f.Event)
		if !ok {
			return nil, fmt.Errorf("stream: unsubscribed channel %q", f.Event)
		}
		channelType = t
	}
	if f.Data == "" {
		return nil, errors.New("stream: empty frame")
	}
	var ev model.StreamEvent
	if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
		return nil, fmt.Errorf("stream: malformed frame: %w", err)
	}
	if ev.RawType == "" && channelType != model.EventUnknown {
		ev.RawType = string(channelType)
		ev.Type = channelType
	}
	if ev.RawType == "" {
		return nil, errors.New("stream: frame has no event type")
	}
	return &ev, nil
}
