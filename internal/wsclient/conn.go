package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ambianic/pnp/pkg/protocol"
)

// ErrClosed is returned by Send after the connection has been closed.
var ErrClosed = errors.New("wsclient: connection closed")

// Options tune keepalive and write behavior. Zero values use defaults.
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Header       http.Header
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Conn is a relay websocket connection carrying protocol envelopes.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	opts     Options
	sendChan chan protocol.Envelope
	done     chan struct{}
	writeMu  sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// RelayURL builds the relay websocket URL for peerID. An empty peerID asks
// the relay to assign one.
func RelayURL(host string, port int, secure bool, path, peerID string) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	if path == "" {
		path = "/ws"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   path,
	}
	if peerID != "" {
		q := url.Values{}
		q.Set("peer_id", peerID)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Dial establishes a websocket connection to the relay.
func Dial(ctx context.Context, wsURL string, opts Options, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	conn, resp, err := dialer.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		opts:     opts,
		sendChan: make(chan protocol.Envelope, 256),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// ReadLoop decodes envelopes and hands each to onEnv until the connection
// fails or ctx is cancelled. A clean close from the relay returns io.EOF.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return nil
	})

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.pingLoop(loopCtx)

	go func() {
		<-loopCtx.Done()
		if ctx.Err() != nil {
			// unblocks ReadMessage
			c.conn.Close()
		}
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return io.EOF
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if env.Type == protocol.TypeHeartbeat {
			continue
		}
		onEnv(env)
	}
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send queues env for the writer goroutine.
func (c *Conn) Send(env protocol.Envelope) (err error) {
	defer func() {
		// sendChan closed by Close
		if recover() != nil {
			err = ErrClosed
		}
	}()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.sendChan <- env:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	for env := range c.sendChan {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		err := c.conn.WriteJSON(env)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Error("websocket write error", "error", err)
			return
		}
	}
}

// Close flushes queued envelopes, sends a close frame and closes the socket.
// It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.sendChan)
		select {
		case <-c.done:
		case <-time.After(c.opts.WriteTimeout):
		}
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
