// Package stream provides the three endpoint variants used by the pump:
// an SSH channel's in-band stdout/stderr, a local subprocess's three OS
// pipes, and this process's own stdin/stdout presented as a socket. Each
// is a view over a resource it does not own — closing the underlying
// channel, pipes, or stdio is the owning session's job.
package stream

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/crypto/ssh"
)

// Kind distinguishes a stream's two output directions.
type Kind int

const (
	Stdout Kind = iota
	Stderr
)

// Stream is the uniform read/write contract the pump drives. Read(kind)
// returns (0, io.EOF) once that direction is exhausted. Write(kind) must
// not fail merely because the downstream end has gone away; broken-pipe
// conditions are swallowed so a dying peer never crashes the pump.
type Stream interface {
	Read(kind Kind, p []byte) (int, error)
	Write(kind Kind, p []byte) (int, error)
}

// ChannelStream wraps a single SSH session channel.
type ChannelStream struct {
	Channel ssh.Channel
}

func NewChannelStream(ch ssh.Channel) *ChannelStream {
	return &ChannelStream{Channel: ch}
}

func (c *ChannelStream) Read(kind Kind, p []byte) (int, error) {
	if kind == Stderr {
		return c.Channel.Stderr().Read(p)
	}
	return c.Channel.Read(p)
}

func (c *ChannelStream) Write(kind Kind, p []byte) (int, error) {
	var n int
	var err error
	if kind == Stderr {
		n, err = c.Channel.Stderr().Write(p)
	} else {
		n, err = c.Channel.Write(p)
	}
	return swallowBrokenPipe(n, p, err)
}

// ProcessStream wraps a local subprocess's stdin/stdout/stderr pipes.
// Both write kinds route to stdin: a local process has no client-side
// stderr of its own to feed.
type ProcessStream struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

func NewProcessStream(cmd *exec.Cmd) (*ProcessStream, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	return &ProcessStream{Stdin: stdin, Stdout: stdout, Stderr: stderr}, nil
}

func (p *ProcessStream) Read(kind Kind, buf []byte) (int, error) {
	if kind == Stderr {
		return p.Stderr.Read(buf)
	}
	return p.Stdout.Read(buf)
}

func (p *ProcessStream) Write(kind Kind, buf []byte) (int, error) {
	n, err := p.Stdin.Write(buf)
	return swallowBrokenPipe(n, buf, err)
}

// Close closes all three pipes, ignoring errors from ones already closed.
func (p *ProcessStream) Close() {
	p.Stdin.Close()
	p.Stdout.Close()
	p.Stderr.Close()
}

// StdSocketStream wraps this process's own stdin/stdout as a Stream. It
// has no stderr source of its own; writes targeting Stderr are silently
// discarded, matching a plain socket that has no separate error channel.
type StdSocketStream struct {
	In  *os.File
	Out *os.File
}

func NewStdSocketStream(in, out *os.File) *StdSocketStream {
	return &StdSocketStream{In: in, Out: out}
}

func (s *StdSocketStream) Read(kind Kind, p []byte) (int, error) {
	if kind == Stderr {
		return 0, io.EOF
	}
	return s.In.Read(p)
}

func (s *StdSocketStream) Write(kind Kind, p []byte) (int, error) {
	if kind == Stderr {
		return len(p), nil
	}
	n, err := s.Out.Write(p)
	return swallowBrokenPipe(n, p, err)
}

// swallowBrokenPipe reports a broken-pipe write as a full, successful
// write: the downstream giving up mid-write is not the pump's problem.
func swallowBrokenPipe(n int, p []byte, err error) (int, error) {
	if err == nil {
		return n, nil
	}
	if isBrokenPipe(err) {
		return len(p), nil
	}
	return n, err
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.EOF)
}
