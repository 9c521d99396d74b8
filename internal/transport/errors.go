package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownPlugin indicates no plugin is registered under a name.
var ErrUnknownPlugin = errors.New("unknown plugin")

// ConnectionError is a transient failure talking to a Computer. The
// operation may succeed if retried later.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteIOError is a permanent remote failure such as permission denied or
// disk full. Retrying will not help without intervention.
type RemoteIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *RemoteIOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("remote io error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote io error during %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RemoteIOError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying. Timeouts of a bounded
// remote call count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRemoteIO reports whether err is a permanent remote failure.
func IsRemoteIO(err error) bool {
	var ioErr *RemoteIOError
	return errors.As(err, &ioErr)
}
