// Package config loads the proxy's environment-variable configuration,
// following the same getEnv*/XDG-default pattern used elsewhere in the
// wider SSH server codebase this proxy is part of.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
)

const appName = "sshfwdproxy"

// Config holds the settings shared by both binaries' server-mode
// listeners; CLI flags always take precedence when present, so each
// field here is only the environment-derived fallback. IdentityFile and
// HostKeyCheck are loaded but neither binary reads them: the -i and
// --no-host-key-check flags alone decide those settings.
type Config struct {
	ServerKeyPath string
	ExecTimeout   time.Duration
	IdentityFile  string
	HostKeyCheck  bool
	LogFile       string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		ServerKeyPath: getEnv("SSHPROXY_SERVER_KEY", DefaultServerKeyPath()),
		ExecTimeout:   getEnvDuration("SSHPROXY_EXEC_TIMEOUT", 10*time.Second),
		IdentityFile:  getEnv("SSHPROXY_IDENTITY_FILE", ""),
		HostKeyCheck:  getEnvBool("SSHPROXY_HOST_KEY_CHECK", true),
		LogFile:       getEnv("SSHPROXY_LOG_FILE", ""),
	}
}

// DefaultServerKeyPath is the packaged host key location under the
// user's XDG state directory, used whenever neither --server-key nor
// SSHPROXY_SERVER_KEY is given.
func DefaultServerKeyPath() string {
	return filepath.Join(xdg.StateHome, appName, "host_key")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
