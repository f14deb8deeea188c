// Package pid guards against concurrent daemon instances through a PID
// file. A file naming a live process blocks startup; stale files from a
// crashed run are reclaimed.
package pid

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/greenhousectl/internal/errors"
)

// Write records the current process ID at path. It fails with
// ErrAlreadyRunning when the file names a process that still exists.
func Write(path string) error {
	errFactory := errors.New()

	if path == "" {
		return errFactory.WithMessage(errors.ErrInvalidArgument, "PID file path is empty")
	}

	if bytes, err := os.ReadFile(path); err == nil {
		if other, running := probe(bytes); running {
			return errFactory.WithData(errors.ErrAlreadyRunning, other)
		}
		// Stale or unreadable content: the previous run died without
		// cleaning up. Reclaim the file.
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove deletes the PID file. A missing file is not an error.
func Remove(path string) error {
	errFactory := errors.New()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// probe reports whether the PID recorded in bytes belongs to a live
// process. Signal 0 checks existence without touching the target.
func probe(bytes []byte) (int, bool) {
	other, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
	if err != nil || other <= 0 {
		return 0, false
	}

	process, err := os.FindProcess(other)
	if err != nil {
		return other, false
	}

	return other, process.Signal(syscall.Signal(0)) == nil
}
