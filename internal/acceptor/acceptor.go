// Package acceptor runs the TCP accept loop: one goroutine per connection,
// each running the session state machine against a caller-supplied worker.
package acceptor

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/lincheney/ssh-forward-proxy/internal/session"
)

// Backlog matches the spec's stated listen backlog.
const Backlog = 100

// Config configures the accept loop.
type Config struct {
	Address      string
	HostKey      ssh.Signer
	Worker       session.Worker
	AllowEnv     bool
	ExecTimeout  time.Duration
	Logger       *log.Logger
}

func (c *Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Server accepts inbound connections and runs the session state machine
// on each, tracking liveness with a WaitGroup so Stop can be followed by
// a bounded wait if the caller wants one.
type Server struct {
	cfg Config

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// New validates cfg and returns an unstarted Server.
func New(cfg Config) (*Server, error) {
	if cfg.HostKey == nil {
		return nil, fmt.Errorf("acceptor: host key is required")
	}
	if cfg.Worker == nil {
		return nil, fmt.Errorf("acceptor: worker is required")
	}
	return &Server{cfg: cfg}, nil
}

// Start binds the listener and blocks, accepting connections until Stop
// closes the listener. A bind/listen failure is returned immediately and
// is fatal to the caller; per-connection errors are logged and do not
// stop the loop.
func (s *Server) Start() error {
	lc := net.ListenConfig{Control: setReuseAddr}
	listener, err := lc.Listen(context.Background(), "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logger := s.cfg.logger()
	logger.Printf("listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			logger.Printf("accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sessCfg := session.Config{
				HostKey:     s.cfg.HostKey,
				Worker:      s.cfg.Worker,
				AllowEnv:    s.cfg.AllowEnv,
				ExecTimeout: s.cfg.ExecTimeout,
				Logger:      logger,
			}
			session.Serve(context.Background(), conn, sessCfg)
		}()
	}
}

// Run starts the server and blocks until either Start fails (a bind or
// listen error, fatal to the caller) or an interrupt/SIGTERM arrives, in
// which case it stops the listener, lets in-flight connections finish on
// their own, and returns nil so the caller exits 0.
func (s *Server) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	startErr := make(chan error, 1)
	go func() { startErr <- s.Start() }()

	select {
	case err := <-startErr:
		return err
	case <-sigCh:
		s.cfg.logger().Printf("interrupt received, closing listener")
		s.Stop()
		<-startErr
		return nil
	}
}

// Stop closes the listener; in-flight connections are left to finish on
// their own, matching the spec's "no graceful drain beyond listener
// close" requirement.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	if listener == nil {
		return nil
	}
	return listener.Close()
}

// Wait blocks until every in-flight connection's goroutine has returned.
// Callers that want a bounded drain can race this against their own timer.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Addr returns the address the server is listening on, once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Address
}
