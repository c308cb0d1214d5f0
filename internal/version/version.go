// Package version exposes the build version both CLI binaries report
// through cobra's --version flag.
package version

// Version is set at build time via -ldflags; "dev" is the default for
// local builds.
var Version = "dev"

// Get returns the current version string.
func Get() string {
	return Version
}
