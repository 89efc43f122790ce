// Package pid manages the singleton marker file that keeps two controllers
// from driving the same BMC.
package pid

import (
	"os"
	"strconv"
	"strings"

	"codeberg.org/mutker/ipmifanctl/internal/errors"
)

// Write creates the marker at path containing the current process ID. If the
// marker already exists the returned error carries ErrAlreadyRunning and the
// recorded PID as data. Existence alone counts; a stale marker from a crashed
// run must be removed by hand.
func Write(path string) error {
	errFactory := errors.New()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return errFactory.New(errors.ErrAlreadyRunning).WithData(readPID(path))
		}
		return errFactory.Wrap(errors.ErrInternal, err).WithData(path)
	}

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		os.Remove(path)
		return errFactory.Wrap(errors.ErrInternal, err).WithData(path)
	}

	if err := f.Close(); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err).WithData(path)
	}

	return nil
}

// Remove deletes the marker. A missing marker is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.New().Wrap(errors.ErrInternal, err).WithData(path)
	}

	return nil
}

// readPID returns the recorded PID, or 0 if the marker is unreadable.
func readPID(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}

	return pid
}
