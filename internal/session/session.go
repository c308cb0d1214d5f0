// Package session drives the per-connection SSH server state machine:
// handshake, wait for the single exec request, dispatch to a worker, and
// tear everything down on any-side close, error, or timeout.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// DefaultExecTimeout is how long AWAIT_EXEC waits for the client's single
// exec request before giving up.
const DefaultExecTimeout = 10 * time.Second

// ExecRequest is the single (channel, command) pair a session ever
// dispatches to a worker. Env carries any "env" channel requests the
// client sent before exec, keyed by the raw variable name; Username is
// whatever the client's auth-none request claimed.
type ExecRequest struct {
	Channel  ssh.Channel
	Command  string
	Env      map[string]string
	Username string
}

// Worker handles the single accepted exec request: it owns sending an
// exit-status reply (if any), closing the channel, and closing whatever
// downstream resources (outbound SSH session, subprocess) it opened.
// It blocks until the exec has fully completed.
type Worker func(ctx context.Context, req ExecRequest)

// Config configures one session's behavior.
type Config struct {
	HostKey ssh.Signer
	Worker  Worker

	// ExecTimeout bounds AWAIT_EXEC. Zero means DefaultExecTimeout.
	ExecTimeout time.Duration

	// AllowEnv controls whether "env" channel requests are recorded
	// (dynamic-target relay composition) or rejected outright (plain
	// exec server).
	AllowEnv bool

	Logger *log.Logger
}

func (c *Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func (c *Config) timeout() time.Duration {
	if c.ExecTimeout > 0 {
		return c.ExecTimeout
	}
	return DefaultExecTimeout
}

// Serve runs one connection's state machine to completion: HANDSHAKING,
// AWAIT_EXEC, RUNNING, CLOSED. It always closes conn (via the resulting
// ssh.ServerConn) before returning, regardless of how it got there.
func Serve(ctx context.Context, conn net.Conn, cfg Config) error {
	// Every log line for this connection carries a short correlation ID
	// so concurrent sessions' interleaved output stays attributable.
	connID := uuid.NewString()[:8]
	logger := log.New(cfg.logger().Writer(), fmt.Sprintf("[%s] ", connID), cfg.logger().Flags())

	serverConfig := &ssh.ServerConfig{
		NoClientAuthCallback: func(meta ssh.ConnMetadata) (*ssh.Permissions, error) {
			return nil, nil
		},
		AuthLogCallback: func(meta ssh.ConnMetadata, method string, err error) {
			if err != nil {
				logger.Printf("ssh auth attempt from %s failed: method=%s err=%v", meta.RemoteAddr(), method, err)
			}
		},
	}
	serverConfig.AddHostKey(cfg.HostKey)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, serverConfig)
	if err != nil {
		logger.Printf("ssh handshake failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return fmt.Errorf("ssh handshake: %w", err)
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	execCh := make(chan ExecRequest, 1)
	var consumed sync.Once

	go func() {
		for newChannel := range chans {
			if newChannel.ChannelType() != "session" {
				newChannel.Reject(ssh.Prohibited, "only session channels are supported")
				continue
			}
			go handleSessionChannel(newChannel, sshConn.User(), cfg.AllowEnv, execCh, &consumed, logger)
		}
	}()

	select {
	case req := <-execCh:
		cfg.Worker(ctx, req)
		return nil
	case <-time.After(cfg.timeout()):
		logger.Printf("client %s passed no commands", sshConn.RemoteAddr())
		return errors.New("no exec request received before timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func handleSessionChannel(newChannel ssh.NewChannel, username string, allowEnv bool, execCh chan<- ExecRequest, consumed *sync.Once, logger *log.Logger) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		logger.Printf("failed to accept session channel: %v", err)
		return
	}

	env := make(map[string]string)

	for req := range requests {
		switch req.Type {
		case "exec":
			command := parseExecPayload(req.Payload)
			if req.WantReply {
				req.Reply(true, nil)
			}
			dispatched := false
			consumed.Do(func() {
				execCh <- ExecRequest{
					Channel:  channel,
					Command:  command,
					Env:      env,
					Username: username,
				}
				dispatched = true
			})
			if !dispatched {
				// single-shot policy: additional exec requests are
				// acknowledged but never consumed.
				channel.Close()
			}

		case "env":
			if allowEnv {
				name, value := parseEnvPayload(req.Payload)
				env[name] = value
				if req.WantReply {
					req.Reply(true, nil)
				}
			} else if req.WantReply {
				req.Reply(false, nil)
			}

		default:
			// pty-req, shell, subsystem, window-change, x11-req,
			// port forwarding, and anything else: rejected outright.
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func parseExecPayload(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := be32(payload)
	if len(payload) < 4+int(n) {
		return ""
	}
	return string(payload[4 : 4+n])
}

func parseEnvPayload(payload []byte) (name, value string) {
	if len(payload) < 4 {
		return "", ""
	}
	nameLen := be32(payload)
	if len(payload) < int(4+nameLen+4) {
		return "", ""
	}
	name = string(payload[4 : 4+nameLen])
	offset := 4 + nameLen
	valueLen := be32(payload[offset:])
	if len(payload) < int(offset+4+valueLen) {
		return name, ""
	}
	value = string(payload[offset+4 : offset+4+valueLen])
	return name, value
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
