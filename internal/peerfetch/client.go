// Package peerfetch runs HTTP/1.1 request/response exchanges over a single
// peer-to-peer byte stream.
package peerfetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
)

// AuthPath is the edge device endpoint that proves its identity.
const AuthPath = "/api/auth"

// MaxContentSize bounds a response body.
const MaxContentSize = 1 << 20

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("peerfetch: client closed")

// Header is the status line and header fields of a response.
type Header struct {
	Status int
	Fields map[string]string
}

// Response is a fully read response.
type Response struct {
	Header  Header
	Content []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.Header.Status >= 200 && r.Header.Status < 300
}

// Client issues requests over conn one at a time.
type Client struct {
	conn net.Conn
	host string

	mu     sync.Mutex
	br     *bufio.Reader
	closed bool
}

// NewClient returns a client for conn. host fills the Host header.
func NewClient(conn net.Conn, host string) *Client {
	if host == "" {
		host = "peer"
	}
	return &Client{conn: conn, host: host, br: bufio.NewReader(conn)}
}

// Auth requests AuthPath.
func (c *Client) Auth(ctx context.Context) (Response, error) {
	return c.Get(ctx, AuthPath)
}

// Get requests path and reads the whole response.
func (c *Client) Get(ctx context.Context, path string) (Response, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.host+path, nil)
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	return c.Do(req)
}

// Do sends req and reads its response. Requests are serialized; a context
// deadline becomes the stream deadline and cancellation closes the stream.
func (c *Client) Do(req *http.Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Response{}, ErrClosed
	}

	ctx := req.Context()
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(noDeadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	if err := req.Write(c.conn); err != nil {
		return Response{}, c.wrap(ctx, "write request", err)
	}
	resp, err := http.ReadResponse(c.br, req)
	if err != nil {
		return Response{}, c.wrap(ctx, "read response", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(io.LimitReader(resp.Body, MaxContentSize))
	if err != nil {
		return Response{}, c.wrap(ctx, "read body", err)
	}

	fields := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		fields[k] = resp.Header.Get(k)
	}
	return Response{
		Header:  Header{Status: resp.StatusCode, Fields: fields},
		Content: content,
	}, nil
}

func (c *Client) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close closes the underlying stream.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
