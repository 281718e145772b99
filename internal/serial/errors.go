package serial

import (
	"errors"
	"fmt"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrNotFound      = errors.New("device not found")
	ErrBusy          = errors.New("device busy")
	ErrPermission    = errors.New("permission denied")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrClosed        = errors.New("channel closed")
)

// OpenError reports a failed attempt to open a channel. The channel stays closed.
type OpenError struct {
	Device string
	Err    error
}

func (e *OpenError) Error() string { return fmt.Sprintf("open %s: %v", e.Device, e.Err) }
func (e *OpenError) Unwrap() error { return e.Err }

// ReadError reports a transient read fault. It is never fatal to the channel.
type ReadError struct {
	Device string
	Err    error
}

func (e *ReadError) Error() string { return fmt.Sprintf("read %s: %v", e.Device, e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// WriteError reports a failed write. The channel stays open.
type WriteError struct {
	Device string
	Err    error
}

func (e *WriteError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("write: %v", e.Err)
	}
	return fmt.Sprintf("write %s: %v", e.Device, e.Err)
}
func (e *WriteError) Unwrap() error { return e.Err }
