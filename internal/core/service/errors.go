package service

import (
	"errors"
	"fmt"
)

// ErrNoMonitor is returned by discovery polls issued before the bus monitor is available.
var ErrNoMonitor = errors.New("bus monitor not ready")

// ReadError aborts an aggregation cycle.
type ReadError struct {
	Battery string
	Device  string
	Path    string
	Err     error
}

func (e *ReadError) Error() string {
	if e.Battery != "" {
		return fmt.Sprintf("read %s%s (battery %s): %v", e.Device, e.Path, e.Battery, e.Err)
	}
	return fmt.Sprintf("read %s%s: %v", e.Device, e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// FatalError terminates the process. Its supervisor is expected to restart it.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatalf(err error, format string, args ...any) *FatalError {
	return &FatalError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
