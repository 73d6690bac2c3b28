/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mpv implements the duplex JSON IPC channel to the external
// playback process: newline-delimited command frames out, correlated
// replies and unsolicited events in.
package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRequestTimeout bounds Request when the caller's context carries no
// earlier deadline.
const DefaultRequestTimeout = 3 * time.Second

// Response is one correlated reply frame. The playback process reports
// success through the error field ("success"), so OK() must be used rather
// than checking Error for emptiness.
type Response struct {
	RequestID int64           `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
}

// OK reports whether the command succeeded.
func (r *Response) OK() bool {
	return r.Error == "" || r.Error == "success"
}

// Unavailable reports the "property unavailable" reply, which is distinct
// from a legitimate falsy value.
func (r *Response) Unavailable() bool {
	return r.Error == "property unavailable"
}

// Event is one unsolicited frame (no request id, or an id nothing waits on).
type Event struct {
	Name   string
	Fields map[string]any
}

// inboundFrame covers both reply and event shapes.
type inboundFrame struct {
	RequestID *int64          `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"event"`
}

type commandFrame struct {
	Command   []any  `json:"command"`
	RequestID *int64 `json:"request_id,omitempty"`
}

// Conn is the low-level duplex channel. One goroutine owns the read side
// and routes frames: a frame whose id matches a pending request resolves
// it; everything else is offered to event subscribers.
type Conn struct {
	rwc            io.ReadWriteCloser
	logger         zerolog.Logger
	requestTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *Response
	events  []chan Event
	closed  bool

	nextID atomic.Int64
	done   chan struct{}
}

// NewConn wraps an established duplex channel and starts the read demux.
func NewConn(rwc io.ReadWriteCloser, requestTimeout time.Duration, logger zerolog.Logger) *Conn {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	c := &Conn{
		rwc:            rwc,
		logger:         logger.With().Str("component", "mpv_conn").Logger(),
		requestTimeout: requestTimeout,
		pending:        make(map[int64]chan *Response),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to the playback process IPC socket.
func Dial(path string, requestTimeout time.Duration, logger zerolog.Logger) (*Conn, error) {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return NewConn(conn, requestTimeout, logger), nil
}

// Send writes a fire-and-forget command frame.
func (c *Conn) Send(command ...any) error {
	return c.write(commandFrame{Command: command})
}

// Request writes a command frame with a fresh request id and blocks until
// the correlated reply arrives, the context is cancelled, or the timeout
// elapses. Interleaved events and unrelated replies never resolve it.
func (c *Conn) Request(ctx context.Context, command ...any) (*Response, error) {
	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(commandFrame{Command: command, RequestID: &id}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Events returns a channel of unsolicited frames. The channel is closed
// when the connection closes; slow subscribers miss events rather than
// stalling the demux.
func (c *Conn) Events() <-chan Event {
	ch := make(chan Event, 16)
	c.mu.Lock()
	c.events = append(c.events, ch)
	c.mu.Unlock()
	return ch
}

// Close tears down the channel and fails all outstanding requests.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	for _, ch := range c.events {
		close(ch)
	}
	c.events = nil
	c.mu.Unlock()
	return c.rwc.Close()
}

// Closed reports whether the channel has shut down.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) write(frame commandFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rwc.Write(payload); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.rwc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			c.logger.Debug().Err(err).Msg("unparseable frame skipped")
			continue
		}

		if frame.RequestID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*frame.RequestID]
			c.mu.Unlock()
			if ok {
				// Non-blocking: a duplicate reply for an id whose first
				// frame is still buffered must not stall the demux.
				select {
				case ch <- &Response{RequestID: *frame.RequestID, Error: frame.Error, Data: frame.Data}:
				default:
				}
				continue
			}
			// Reply nothing waits on; fall through as an observable event.
		}

		c.dispatchEvent(line, frame.Event)
	}

	if err := scanner.Err(); err != nil && !c.Closed() {
		c.logger.Warn().Err(err).Msg("pipe read failed")
	}
	_ = c.Close()
}

func (c *Conn) dispatchEvent(line []byte, name string) {
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return
	}

	ev := Event{Name: name, Fields: fields}

	// Held across the sends so Close cannot close a channel mid-dispatch;
	// the sends are non-blocking so the lock stays cheap.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, ch := range c.events {
		select {
		case ch <- ev:
		default:
		}
	}
}
