// Package logging builds the stdlib *log.Logger used throughout the
// proxy. Relay mode multiplexes the inner SSH wire protocol over this
// process's own stdout/stderr, so its logger is silenced rather than
// redirected: nothing may land on stderr that the outer SSH client isn't
// expecting.
package logging

import (
	"io"
	"log"
	"os"
)

// New returns a logger writing to stderr with the standard flags.
func New() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

// Silent returns a logger that discards everything written to it, used
// in relay mode per spec §7 ("logging is silenced to CRITICAL").
func Silent() *log.Logger {
	return log.New(io.Discard, "", 0)
}
