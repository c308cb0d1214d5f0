// Command sshexecd is a minimal SSH exec server: it accepts any
// auth-none client and runs every inbound exec request as `sh -c
// <command>` against a local subprocess, with no forwarding involved.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lincheney/ssh-forward-proxy/internal/acceptor"
	"github.com/lincheney/ssh-forward-proxy/internal/config"
	"github.com/lincheney/ssh-forward-proxy/internal/hostkey"
	"github.com/lincheney/ssh-forward-proxy/internal/logfile"
	"github.com/lincheney/ssh-forward-proxy/internal/logging"
	"github.com/lincheney/ssh-forward-proxy/internal/subprocess"
	"github.com/lincheney/ssh-forward-proxy/internal/version"
)

var (
	serverKeyPath string
	logFilePath   string
)

var rootCmd = &cobra.Command{
	Use:     "sshexecd <port> [bind-host]",
	Short:   "Plain SSH exec server running each command as a local subprocess",
	Args:    cobra.RangeArgs(1, 2),
	RunE:    run,
	Version: version.Get(),
}

func init() {
	rootCmd.Flags().StringVar(&serverKeyPath, "server-key", "", "path to this server's own SSH host key")
	rootCmd.Flags().StringVar(&logFilePath, "log-file", "", "redirect stdout/stderr to this file instead of the console")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	path := logFilePath
	if path == "" {
		path = cfg.LogFile
	}
	if err := logfile.Redirect(path); err != nil {
		return fmt.Errorf("redirect logs: %w", err)
	}

	port, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", args[0], err)
	}
	bindHost := ""
	if len(args) == 2 {
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

	srv, err := acceptor.New(acceptor.Config{
		Address:     fmt.Sprintf("%s:%d", bindHost, port),
		HostKey:     hostKey,
		Worker:      subprocess.New(subprocess.Config{Logger: logger}),
		ExecTimeout: cfg.ExecTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	return srv.Run()
}
