// Package logfile redirects this process's stdout/stderr to a file on
// disk, for the non-relay entry points where stdio isn't already
// carrying the SSH wire protocol. It also caps the file's growth across
// long-lived server restarts.
package logfile

import (
	"fmt"
	"io"
	"os"
)

const (
	maxSize  = 500 * 1024
	keepSize = 10 * 1024
)

// Redirect truncates path if it has grown past maxSize, then points
// stdout and stderr at it. Safe to call with an empty path (no-op).
func Redirect(path string) error {
	if path == "" {
		return nil
	}
	if err := truncate(path); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	return redirectStdoutStderr(path)
}

// truncate keeps only the trailing keepSize bytes of path once it grows
// past maxSize, so an always-on server doesn't accumulate an unbounded
// log file across its lifetime.
func truncate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // nothing to truncate yet
	}
	if info.Size() <= maxSize {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for truncation: %w", err)
	}

	seekPos := info.Size() - keepSize
	if seekPos < 0 {
		seekPos = 0
	}
	if _, err := f.Seek(seekPos, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek: %w", err)
	}
	tail, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read tail: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recreate: %w", err)
	}
	defer out.Close()

	header := fmt.Sprintf("=== log truncated (was %d bytes, keeping last %d) ===\n", info.Size(), len(tail))
	if _, err := out.WriteString(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	_, err = out.Write(tail)
	return err
}
