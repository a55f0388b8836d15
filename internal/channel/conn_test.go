package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"
)

type pipeRWC struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipeRWC) Close() error {
	for _, c := range p.closers {
		c.Close()
	}
	return nil
}

// streamPair returns two connected Conns backed by io.Pipe.
func streamPair() (*Conn, *Conn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := New(&pipeRWC{Reader: ar, Writer: aw, closers: []io.Closer{ar, aw}}, "client", "device")
	b := New(&pipeRWC{Reader: br, Writer: bw, closers: []io.Closer{br, bw}}, "device", "client")
	return a, b
}

func TestSendReceive(t *testing.T) {
	a, b := streamPair()
	defer a.Close()
	defer b.Close()

	go func() {
		if err := a.Send([]byte("hello")); err != nil {
			t.Errorf("Send: %v", err)
		}
	}()

	got, err := b.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Receive() = %q, want hello", got)
	}
}

func TestReceiveCancelled(t *testing.T) {
	a, b := streamPair()
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Receive(ctx)
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Receive() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not unblock")
	}
}

func TestDecodeText(t *testing.T) {
	if s, err := DecodeText([]byte("Ambianic")); err != nil || s != "Ambianic" {
		t.Errorf("DecodeText() = %q, %v", s, err)
	}
	if _, err := DecodeText([]byte{0xff, 0xfe}); !errors.Is(err, ErrInvalidText) {
		t.Errorf("DecodeText(invalid) = %v, want ErrInvalidText", err)
	}
}

func TestAddresses(t *testing.T) {
	a, b := streamPair()
	defer a.Close()
	defer b.Close()

	var _ net.Conn = a
	if a.LocalAddr().Network() != "webrtc" || a.LocalAddr().String() != "client" {
		t.Errorf("LocalAddr() = %v", a.LocalAddr())
	}
	if a.RemoteAddr().String() != "device" {
		t.Errorf("RemoteAddr() = %v", a.RemoteAddr())
	}
}

func TestDeadlineInPastExpiresStream(t *testing.T) {
	a, b := streamPair()
	defer b.Close()

	a.SetReadDeadline(time.Now().Add(-time.Second))
	_, err := a.Read(make([]byte, 8))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Read() = %v, want deadline exceeded", err)
	}
}

func TestDeadlineFires(t *testing.T) {
	a, b := streamPair()
	defer b.Close()

	a.SetDeadline(time.Now().Add(20 * time.Millisecond))
	start := time.Now()
	_, err := a.Read(make([]byte, 8))
	if err == nil {
		t.Fatal("expected read error after deadline")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("deadline did not unblock read promptly")
	}
}

func TestCloseIdempotent(t *testing.T) {
	a, _ := streamPair()
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestDeadlineInterruptsWithoutClosing(t *testing.T) {
	a, b := streamPair()
	defer a.Close()
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Read(make([]byte, 8))
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	a.SetReadDeadline(time.Now().Add(-time.Second))

	select {
	case err := <-errCh:
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("Read() = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deadline did not interrupt Read")
	}

	a.SetReadDeadline(time.Time{})
	go b.Send([]byte("again"))
	buf := make([]byte, 8)
	n, err := a.Read(buf)
	if err != nil {
		t.Fatalf("Read after clearing deadline: %v", err)
	}
	if string(buf[:n]) != "again" {
		t.Errorf("Read() = %q, want again", buf[:n])
	}
}

func TestReadAfterCloseFails(t *testing.T) {
	a, b := streamPair()
	defer b.Close()

	a.Close()
	if _, err := a.Read(make([]byte, 8)); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Read() = %v, want net.ErrClosed", err)
	}
	if _, err := a.Write([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Write() = %v, want net.ErrClosed", err)
	}
}

func TestPartialReads(t *testing.T) {
	a, b := streamPair()
	defer a.Close()
	defer b.Close()

	go b.Send([]byte("abcdef"))
	var got []byte
	buf := make([]byte, 4)
	for len(got) < 6 {
		n, err := a.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "abcdef" {
		t.Errorf("got %q, want abcdef", got)
	}
}
