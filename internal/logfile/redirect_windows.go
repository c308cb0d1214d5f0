//go:build windows

package logfile

import "fmt"

func redirectStdoutStderr(path string) error {
	return fmt.Errorf("log file redirect not supported on Windows")
}
