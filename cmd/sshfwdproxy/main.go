// Command sshfwdproxy is the forwarding-proxy binary: it either acts as
// an outer SSH client's ProxyCommand (relay subcommand, wire protocol on
// stdio) or listens for inbound SSH and forwards each connection to a
// target named by the client's __HOST__ env variable (server subcommand).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lincheney/ssh-forward-proxy/internal/acceptor"
	"github.com/lincheney/ssh-forward-proxy/internal/config"
	"github.com/lincheney/ssh-forward-proxy/internal/forward"
	"github.com/lincheney/ssh-forward-proxy/internal/hostkey"
	"github.com/lincheney/ssh-forward-proxy/internal/hoststring"
	"github.com/lincheney/ssh-forward-proxy/internal/logfile"
	"github.com/lincheney/ssh-forward-proxy/internal/logging"
	"github.com/lincheney/ssh-forward-proxy/internal/session"
	"github.com/lincheney/ssh-forward-proxy/internal/stdsocket"
	"github.com/lincheney/ssh-forward-proxy/internal/version"
)

var (
	identityFile   string
	noHostKeyCheck bool
	serverKeyPath  string
	logFilePath    string
)

var rootCmd = &cobra.Command{
	Use:     "sshfwdproxy",
	Short:   "SSH transparent forwarding proxy",
	Version: version.Get(),
}

var relayCmd = &cobra.Command{
	Use:   "relay <port> <host> <user>",
	Short: "Run as an outer SSH client's ProxyCommand, wire protocol on stdio",
	Args:  cobra.ExactArgs(3),
	RunE:  runRelay,
}

var serverCmd = &cobra.Command{
	Use:   "server [port] [bind-host]",
	Short: "Listen for inbound SSH and forward to the client-chosen __HOST__ target",
	Args:  cobra.MaximumNArgs(2),
	RunE:  runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&identityFile, "identity", "i", "", "identity file for outbound authentication")
	rootCmd.PersistentFlags().BoolVar(&noHostKeyCheck, "no-host-key-check", false, "accept any outbound host key")
	rootCmd.PersistentFlags().StringVar(&serverKeyPath, "server-key", "", "path to this proxy's own SSH host key")

	serverCmd.Flags().StringVar(&logFilePath, "log-file", "", "redirect stdout/stderr to this file instead of the console")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(serverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	port, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", args[0], err)
	}
	host := args[1]
	user := args[2]

	keyPath := serverKeyPath
	if keyPath == "" {
		keyPath = cfg.ServerKeyPath
	}
	hostKey, err := hostkey.LoadOrGenerate(keyPath)
	if err != nil {
		return fmt.Errorf("load host key: %w", err)
	}

	// Relay mode multiplexes the inner SSH session over this process's
	// own stdio, which is also where the outer SSH client expects
	// stderr: logging is silenced so it never pollutes that channel.
	logger := logging.Silent()

	worker := forward.New(forward.Config{
		Target:       forward.FixedTarget(hoststring.Spec{Host: host, Port: port, User: user}),
		Username:     user,
		IdentityFile: identityFile,
		HostKeyCheck: !noHostKeyCheck,
		Logger:       logger,
	})

	socket := stdsocket.New(nil, nil)
	return session.Serve(context.Background(), socket, session.Config{
		HostKey:     hostKey,
		Worker:      worker,
		ExecTimeout: cfg.ExecTimeout,
		Logger:      logger,
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	path := logFilePath
	if path == "" {
		path = cfg.LogFile
	}
	if err := logfile.Redirect(path); err != nil {
		return fmt.Errorf("redirect logs: %w", err)
	}

	port := 22
	if len(args) >= 1 {
		p, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		port = p
	}
	bindHost := ""
	if len(args) >= 2 {
		bindHost = args[1]
	}

	keyPath := serverKeyPath
	if keyPath == "" {
		keyPath = cfg.ServerKeyPath
	}
	hostKey, err := hostkey.LoadOrGenerate(keyPath)
	if err != nil {
		return fmt.Errorf("load host key: %w", err)
	}

	logger := logging.New()

	worker := forward.New(forward.Config{
		Target:       forward.EnvTarget(),
		IdentityFile: identityFile,
		HostKeyCheck: !noHostKeyCheck,
		Logger:       logger,
	})

	srv, err := acceptor.New(acceptor.Config{
		Address:     fmt.Sprintf("%s:%d", bindHost, port),
		HostKey:     hostKey,
		Worker:      worker,
		AllowEnv:    true,
		ExecTimeout: cfg.ExecTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	return srv.Run()
}
