// Package subprocess implements the local exec-server worker: it spawns
// the client's command through a shell, wires its three pipes to the
// inbound channel, and propagates the process's exit code.
package subprocess

import (
	"context"
	"log"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lincheney/ssh-forward-proxy/internal/session"
	"github.com/lincheney/ssh-forward-proxy/internal/stream"
)

// waitGrace bounds how long Wait is allowed to block once the pump has
// stopped forwarding, before the process group is killed outright. The
// pump can return before the child ever sees EOF on its own stdin (the
// inbound client hung up mid-stream); closing stdin lets anything still
// reading it exit on its own, but a command that ignores stdin entirely
// (e.g. "yes") would otherwise wedge this goroutine and leak the process
// forever.
const waitGrace = 500 * time.Millisecond

// Config configures the worker.
type Config struct {
	Logger *log.Logger
}

func (c *Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// New returns a session.Worker that runs every exec request as `sh -c
// <command>`.
func New(cfg Config) session.Worker {
	return func(ctx context.Context, req session.ExecRequest) {
		logger := cfg.logger()

		cmd := exec.Command("sh", "-c", req.Command)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		ps, err := stream.NewProcessStream(cmd)
		if err != nil {
			logger.Printf("subprocess: piping stdio failed: %v", err)
			req.Channel.Close()
			return
		}

		if err := cmd.Start(); err != nil {
			logger.Printf("subprocess: start %q failed: %v", req.Command, err)
			ps.Close()
			req.Channel.Close()
			return
		}

		a := stream.NewChannelStream(req.Channel)
		if err := stream.Pump(a, ps, stream.DefaultBufferSize); err != nil {
			logger.Printf("subprocess: pump ended: %v", err)
		}

		// Signal EOF to the child before waiting: the pump only stops
		// forwarding, it never closes the process's own stdin pipe.
		ps.Stdin.Close()
		waitErr := waitOrKill(cmd, logger)

		// The channel has no portable "is it still open" query; sending
		// the exit status on an already-closed channel simply fails and
		// is ignored, same as any other broken-pipe write.
		sendExitStatus(req.Channel, exitCodeOf(waitErr))

		killProcessGroup(cmd, logger)
		ps.Close()
		req.Channel.Close()
	}
}

// waitOrKill waits for cmd to exit, killing its process group if it
// hasn't within waitGrace.
func waitOrKill(cmd *exec.Cmd, logger *log.Logger) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(waitGrace):
		killProcessGroup(cmd, logger)
		return <-done
	}
}

func exitCodeOf(err error) uint32 {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return uint32(exitErr.ExitCode())
	}
	return 1
}

func sendExitStatus(channel interface {
	SendRequest(string, bool, []byte) (bool, error)
}, status uint32) {
	payload := []byte{byte(status >> 24), byte(status >> 16), byte(status >> 8), byte(status)}
	channel.SendRequest("exit-status", false, payload)
}

// killProcessGroup sends SIGKILL to the whole process group spawned for
// the shell, so children the command itself forked are reaped too.
// "No such process" means the group is already gone and is not an error.
func killProcessGroup(cmd *exec.Cmd, logger *log.Logger) {
	if cmd.Process == nil {
		return
	}
	err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	if err != nil && err != unix.ESRCH {
		logger.Printf("subprocess: kill process group %d: %v", cmd.Process.Pid, err)
	}
}
