// Package forward implements the forwarding worker: it opens an outbound
// SSH session to a resolved target, execs the client's command there, and
// splices the two channels together.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/lincheney/ssh-forward-proxy/internal/hoststring"
	"github.com/lincheney/ssh-forward-proxy/internal/session"
	"github.com/lincheney/ssh-forward-proxy/internal/stream"
)

// Target resolves which upstream a given exec request should be forwarded
// to. FixedTarget and EnvTarget are the two concrete strategies; both are
// plain function values rather than a type hierarchy.
type Target func(req session.ExecRequest) (hoststring.Spec, error)

// FixedTarget always forwards to the same pre-parsed host, used by the
// relay entry point where the target is given on the command line.
func FixedTarget(spec hoststring.Spec) Target {
	return func(session.ExecRequest) (hoststring.Spec, error) {
		return spec, nil
	}
}

// EnvTargetSentinel is the env variable name an inbound client must set
// before exec for EnvTarget to resolve a destination. It is not an SSH
// standard; it is a private convention between this proxy and whatever
// configures the outer client's env forwarding.
const EnvTargetSentinel = "__HOST__"

// EnvTarget resolves the target from the __HOST__ env request the client
// sent before exec, used by the dynamic-target server entry point.
func EnvTarget() Target {
	return func(req session.ExecRequest) (hoststring.Spec, error) {
		raw, ok := req.Env[EnvTargetSentinel]
		if !ok || raw == "" {
			return hoststring.Spec{}, fmt.Errorf("client did not set %s before exec", EnvTargetSentinel)
		}
		return hoststring.Parse(raw), nil
	}
}

// Config configures the worker. IdentityFile and Username are defaults;
// per SPEC_FULL.md's username precedence, the resolved target's own User
// (when present) always overrides Username, and Username (when set)
// overrides the inbound client's auth-none username.
type Config struct {
	Target       Target
	Username     string
	IdentityFile string
	HostKeyCheck bool
	Logger       *log.Logger
}

func (c *Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// New returns a session.Worker bound to cfg.
func New(cfg Config) session.Worker {
	return func(ctx context.Context, req session.ExecRequest) {
		logger := cfg.logger()

		target, err := cfg.Target(req)
		if err != nil {
			logger.Printf("forward: target resolution failed: %v", err)
			req.Channel.Close()
			return
		}

		username := req.Username
		if cfg.Username != "" {
			username = cfg.Username
		}
		if target.HasUser() {
			username = target.User
		}

		clientConfig, err := buildClientConfig(username, cfg.IdentityFile, cfg.HostKeyCheck)
		if err != nil {
			logger.Printf("forward: building client config: %v", err)
			req.Channel.Close()
			return
		}

		addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
		outbound, err := ssh.Dial("tcp", addr, clientConfig)
		if err != nil {
			logger.Printf("forward: dial %s failed: %v", addr, err)
			req.Channel.Close()
			return
		}
		defer outbound.Close()

		remoteChannel, exitStatus, err := openExecChannel(outbound, req.Command)
		if err != nil {
			logger.Printf("forward: exec on %s failed: %v", addr, err)
			req.Channel.Close()
			return
		}
		defer remoteChannel.Close()

		a := stream.NewChannelStream(req.Channel)
		b := stream.NewChannelStream(remoteChannel)
		if err := stream.Pump(a, b, stream.DefaultBufferSize); err != nil {
			logger.Printf("forward: pump ended: %v", err)
		}

		// Pass the client's end of input on to the upstream command, then
		// give it a short grace period to report its exit status. A status
		// that has not arrived by then is dropped.
		remoteChannel.CloseWrite()
		select {
		case status, ok := <-exitStatus:
			if ok {
				sendExitStatus(req.Channel, status)
			}
		case <-time.After(500 * time.Millisecond):
			// no exit status observed; silently tolerated.
		}

		req.Channel.Close()
	}
}

func openExecChannel(client *ssh.Client, command string) (ssh.Channel, <-chan uint32, error) {
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	type execMsg struct {
		Command string
	}
	ok, err := channel.SendRequest("exec", true, ssh.Marshal(execMsg{Command: command}))
	if err != nil {
		channel.Close()
		return nil, nil, fmt.Errorf("send exec request: %w", err)
	}
	if !ok {
		channel.Close()
		return nil, nil, errors.New("remote rejected exec request")
	}

	exitStatus := make(chan uint32, 1)
	go func() {
		defer close(exitStatus)
		for req := range requests {
			if req.Type == "exit-status" && len(req.Payload) >= 4 {
				exitStatus <- be32(req.Payload)
			}
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}()

	return channel, exitStatus, nil
}

func sendExitStatus(channel ssh.Channel, status uint32) {
	payload := []byte{byte(status >> 24), byte(status >> 16), byte(status >> 8), byte(status)}
	channel.SendRequest("exit-status", false, payload)
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// buildClientConfig assembles the outbound ssh.ClientConfig: identity file
// auth if given, falling back to the running user's SSH agent, and a
// host-key policy that is either a fully permissive accept-all or a
// trust-on-first-use in-memory cache seeded from the real known_hosts file.
func buildClientConfig(username, identityFile string, hostKeyCheck bool) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod

	if identityFile != "" {
		keyBytes, err := os.ReadFile(identityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse identity file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	hostKeyCallback, err := buildHostKeyCallback(hostKeyCheck)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
	}, nil
}

func buildHostKeyCallback(check bool) (ssh.HostKeyCallback, error) {
	if !check {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	var base ssh.HostKeyCallback
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".ssh", "known_hosts")
		if cb, err := knownhosts.New(path); err == nil {
			base = cb
		}
	}

	var mu sync.Mutex
	accepted := make(map[string]ssh.PublicKey)

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		if cached, ok := accepted[hostname]; ok {
			mu.Unlock()
			if string(cached.Marshal()) == string(key.Marshal()) {
				return nil
			}
			return fmt.Errorf("host key for %s changed since first use this process", hostname)
		}
		mu.Unlock()

		if base != nil {
			err := base(hostname, remote, key)
			var keyErr *knownhosts.KeyError
			if err == nil {
				return nil
			}
			if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
				// either a non-knownhosts error, or a genuine mismatch
				// against a key already on file: reject.
				return err
			}
			// unknown host: fall through to auto-accept.
		}

		mu.Lock()
		accepted[hostname] = key
		mu.Unlock()
		return nil
	}, nil
}
