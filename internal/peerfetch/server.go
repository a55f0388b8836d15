package peerfetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

var noDeadline time.Time

// Serve answers requests arriving on conn with handler until the stream
// closes or ctx is cancelled.
func Serve(ctx context.Context, conn net.Conn, handler http.Handler) error {
	ln := newSingleConnListener(conn)
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				ln.Close()
			}
		},
	}
	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return ctx.Err()
	}
	return err
}

// singleConnListener hands out one connection, then blocks until closed.
type singleConnListener struct {
	conn net.Conn
	ch   chan net.Conn
	done chan struct{}
	stop sync.Once
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	l := &singleConnListener{
		conn: conn,
		ch:   make(chan net.Conn, 1),
		done: make(chan struct{}),
	}
	l.ch <- conn
	return l
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *singleConnListener) Close() error {
	l.stop.Do(func() { close(l.done) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
