// Package stdsocket presents this process's stdin/stdout as a net.Conn so
// the relay entry point can hand it straight to golang.org/x/crypto/ssh's
// server handshake. It exists purely as a compatibility shim: the SSH
// wire protocol is multiplexed over the proxy's own stdio when it is
// invoked as the ProxyCommand of an outer SSH client.
package stdsocket

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Socket adapts os.Stdin/os.Stdout to net.Conn. Reads are served by a
// background goroutine so a configurable timeout can be honored even
// though a plain *os.File has no portable read-deadline support.
type Socket struct {
	in  *os.File
	out *os.File

	mu       sync.Mutex
	timeout  time.Duration
	closed   bool
	leftover []byte

	chunks chan []byte
	once   sync.Once
}

// New wraps the given files. Passing nil for either uses os.Stdin/os.Stdout.
func New(in, out *os.File) *Socket {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	s := &Socket{in: in, out: out, chunks: make(chan []byte, 1)}
	return s
}

// SetTimeout sets the duration Recv/Read will wait for data before
// failing with a timeout error. Zero means wait forever. Only the
// latest call takes effect.
func (s *Socket) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

func (s *Socket) startReader() {
	s.once.Do(func() {
		go func() {
			defer close(s.chunks)
			buf := make([]byte, 32*1024)
			for {
				n, err := s.in.Read(buf)
				if n > 0 {
					chunk := make([]byte, n)
					copy(chunk, buf[:n])
					s.chunks <- chunk
				}
				if err != nil {
					return
				}
			}
		}()
	})
}

// Recv waits for input on stdin, honoring the configured timeout.
// It returns an empty slice once stdin has been closed, and a timeout
// error if the timeout elapses with no data available.
func (s *Socket) Recv(n int) ([]byte, error) {
	s.startReader()

	s.mu.Lock()
	if len(s.leftover) > 0 {
		take := s.leftover
		if len(take) > n {
			take = take[:n]
		}
		s.leftover = s.leftover[len(take):]
		s.mu.Unlock()
		return take, nil
	}
	timeout := s.timeout
	s.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			return nil, nil
		}
		if len(chunk) > n {
			s.mu.Lock()
			s.leftover = chunk[n:]
			s.mu.Unlock()
			chunk = chunk[:n]
		}
		return chunk, nil
	case <-timeoutCh:
		return nil, os.ErrDeadlineExceeded
	}
}

// Send writes to the process's standard output. If stdout is already
// closed, it returns 0 with no error, signaling EOF to the SSH library
// rather than raising.
func (s *Socket) Send(p []byte) (int, error) {
	n, err := s.out.Write(p)
	if err != nil && isClosedOrBroken(err) {
		return 0, nil
	}
	return n, err
}

// Close closes both the stdin and stdout ends.
func (s *Socket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	inErr := s.in.Close()
	outErr := s.out.Close()
	if inErr != nil {
		return inErr
	}
	return outErr
}

// net.Conn surface, so a Socket can stand in for the raw transport
// beneath an ssh.ServerConn handshake.

func (s *Socket) Read(p []byte) (int, error) {
	chunk, err := s.Recv(len(p))
	if err != nil {
		return 0, err
	}
	if len(chunk) == 0 {
		return 0, io.EOF
	}
	return copy(p, chunk), nil
}

func (s *Socket) Write(p []byte) (int, error) {
	return s.Send(p)
}

func (s *Socket) LocalAddr() net.Addr  { return stdioAddr{} }
func (s *Socket) RemoteAddr() net.Addr { return stdioAddr{} }

func (s *Socket) SetDeadline(t time.Time) error {
	return s.SetReadDeadline(t)
}

func (s *Socket) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		s.SetTimeout(0)
		return nil
	}
	s.SetTimeout(time.Until(t))
	return nil
}

func (s *Socket) SetWriteDeadline(time.Time) error { return nil }

type stdioAddr struct{}

func (stdioAddr) Network() string { return "stdio" }
func (stdioAddr) String() string  { return "stdio" }

func isClosedOrBroken(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

var _ net.Conn = (*Socket)(nil)
