// Package channel implements the duplex message pipe connecting exactly one
// parent endpoint to one child endpoint.
//
// An Endpoint owns a background reader that decodes messages in arrival
// order. Receive blocks until a message arrives, Poll gives up after a
// timeout, and both report ErrClosed once the peer has gone away so a caller
// never mistakes a dead peer for a quiet one.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/severance/internal/protocol"
)

var (
	// ErrClosed reports that the peer endpoint is gone or this endpoint was closed.
	ErrClosed = errors.New("channel: closed")
	// ErrUnsupported is returned by Pair on platforms without socketpair(2).
	ErrUnsupported = errors.New("channel: unsupported platform")
)

// Endpoint is one end of a channel pair. Send is safe for concurrent use;
// receives are meant for a single consumer.
type Endpoint struct {
	conn     net.Conn
	maxBytes int

	wmu sync.Mutex

	inbox  chan *protocol.Message
	closed chan struct{} // reader stopped; err is set
	err    error

	done      chan struct{} // Close called
	closeOnce sync.Once
	closeErr  error
}

// FromFile wraps an inherited socket descriptor, typically fd 3 in a worker
// child. f is closed; the Endpoint keeps its own duplicate.
func FromFile(f *os.File, maxBytes int) (*Endpoint, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap channel fd: %w", err)
	}
	_ = f.Close()
	return newEndpoint(conn, maxBytes), nil
}

func newEndpoint(conn net.Conn, maxBytes int) *Endpoint {
	e := &Endpoint{
		conn:     conn,
		maxBytes: maxBytes,
		inbox:    make(chan *protocol.Message),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go e.readLoop()
	return e
}

func (e *Endpoint) readLoop() {
	defer close(e.closed)
	dec := protocol.NewDecoder(e.conn, e.maxBytes)
	for {
		msg, err := dec.Decode()
		if err != nil {
			e.err = classify(err)
			return
		}
		select {
		case e.inbox <- msg:
		case <-e.done:
			e.err = ErrClosed
			return
		}
	}
}

// Send writes msg, blocking until the kernel has buffered it.
func (e *Endpoint) Send(msg *protocol.Message) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()

	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	if err := protocol.Encode(e.conn, msg, e.maxBytes); err != nil {
		return classify(err)
	}
	return nil
}

// Receive blocks until a message arrives, the channel breaks, or ctx ends.
func (e *Endpoint) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-e.inbox:
		return msg, nil
	case <-e.closed:
		return nil, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll waits up to timeout for a message. It returns ok=false with a nil
// error when nothing arrived in time.
func (e *Endpoint) Poll(timeout time.Duration) (*protocol.Message, bool, error) {
	if timeout <= 0 {
		select {
		case msg := <-e.inbox:
			return msg, true, nil
		case <-e.closed:
			return nil, false, e.err
		default:
			return nil, false, nil
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg := <-e.inbox:
		return msg, true, nil
	case <-e.closed:
		return nil, false, e.err
	case <-t.C:
		return nil, false, nil
	}
}

// Close releases the endpoint. The peer observes ErrClosed.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}

// classify folds every "the other side is gone" condition into ErrClosed.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}
