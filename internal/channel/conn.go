// Package channel adapts a detached data channel stream into a net.Conn so
// stream protocols such as HTTP/1.1 can run over it.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ambianic/pnp/internal/bufpool"
)

// ErrInvalidText is returned by DecodeText for bytes that are not UTF-8.
var ErrInvalidText = errors.New("channel: payload is not valid UTF-8")

// MaxMessageSize is the largest single read from the underlying stream.
const MaxMessageSize = 64 * 1024

var readBuffers = bufpool.New(MaxMessageSize)

// Conn is a byte stream over a data channel. A background reader pulls
// chunks off the stream so an expired read deadline only interrupts the
// pending Read; moving the deadline makes the Conn readable again. Write
// deadlines are checked before each write.
type Conn struct {
	rwc    io.ReadWriteCloser
	local  string
	remote string

	chunks  chan []byte
	readErr error // set before chunks is closed

	readMu  sync.Mutex
	rest    []byte
	writeMu sync.Mutex

	readDeadline  *deadline
	writeDeadline *deadline

	done      chan struct{}
	closeOnce sync.Once
}

var _ net.Conn = (*Conn)(nil)

// New wraps rwc and starts reading from it. local and remote label the two
// endpoints in addresses.
func New(rwc io.ReadWriteCloser, local, remote string) *Conn {
	c := &Conn{
		rwc:           rwc,
		local:         local,
		remote:        remote,
		chunks:        make(chan []byte),
		readDeadline:  newDeadline(),
		writeDeadline: newDeadline(),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.chunks)
	for {
		buf := readBuffers.Get()
		n, err := c.rwc.Read(*buf)
		var chunk []byte
		if n > 0 {
			chunk = append(chunk, (*buf)[:n]...)
		}
		readBuffers.Put(buf)

		if chunk != nil {
			select {
			case c.chunks <- chunk:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.readErr = err
			return
		}
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	if len(c.rest) == 0 {
		expired := c.readDeadline.wait()
		select {
		case <-expired:
			return 0, os.ErrDeadlineExceeded
		default:
		}
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				if c.readErr == nil {
					return 0, net.ErrClosed
				}
				return 0, c.readErr
			}
			c.rest = chunk
		case <-c.done:
			return 0, net.ErrClosed
		case <-expired:
			return 0, os.ErrDeadlineExceeded
		}
	}
	n := copy(p, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	case <-c.writeDeadline.wait():
		return 0, os.ErrDeadlineExceeded
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.rwc.Write(p)
}

// Send writes msg in full.
func (c *Conn) Send(msg []byte) error {
	if _, err := c.Write(msg); err != nil {
		return fmt.Errorf("channel send: %w", err)
	}
	return nil
}

// Receive reads the next chunk from the stream. Cancelling ctx closes the
// stream to unblock the read.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	buf := readBuffers.Get()
	defer readBuffers.Put(buf)
	n, err := c.Read(*buf)
	if n > 0 {
		return append([]byte(nil), (*buf)[:n]...), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, err
}

// DecodeText returns b as a string if it is valid UTF-8.
func DecodeText(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", ErrInvalidText
	}
	return string(b), nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.readDeadline.set(time.Time{})
		c.writeDeadline.set(time.Time{})
		err = c.rwc.Close()
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr  { return addr(c.local) }
func (c *Conn) RemoteAddr() net.Addr { return addr(c.remote) }

func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t)
	return nil
}

// deadline is a channel that is closed once the deadline passes and
// replaced when the deadline moves.
type deadline struct {
	mu      sync.Mutex
	timer   *time.Timer
	expired chan struct{}
}

func newDeadline() *deadline {
	return &deadline{expired: make(chan struct{})}
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && !d.timer.Stop() {
		<-d.expired // the timer fired; wait for it to close the channel
	}
	d.timer = nil

	closed := isClosed(d.expired)
	if t.IsZero() {
		if closed {
			d.expired = make(chan struct{})
		}
		return
	}
	if dur := time.Until(t); dur > 0 {
		if closed {
			d.expired = make(chan struct{})
		}
		expired := d.expired
		d.timer = time.AfterFunc(dur, func() { close(expired) })
		return
	}
	if !closed {
		close(d.expired)
	}
}

func (d *deadline) wait() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expired
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type addr string

func (a addr) Network() string { return "webrtc" }
func (a addr) String() string  { return string(a) }
