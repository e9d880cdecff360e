package master

import (
	"errors"
	"fmt"
)

// Error kinds. Transports and the master wrap these with fmt.Errorf("%w")
// so callers can test with errors.Is.
var (
	ErrConnection    = errors.New("connection error")
	ErrTimeout       = errors.New("timeout")
	ErrIO            = errors.New("i/o error")
	ErrProtocol      = errors.New("protocol error")
	ErrConfiguration = errors.New("configuration error")

	ErrNotRegistered = fmt.Errorf("%w: tag not registered", ErrConfiguration)
)

// ErrLoopRunning is returned by PollOnce while the poll loop is active.
var ErrLoopRunning = errors.New("poll loop is running")

var kinds = []error{ErrConnection, ErrTimeout, ErrIO, ErrProtocol, ErrConfiguration}

func classified(err error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// wrapKind leaves classified errors alone and tags the rest with fallback.
func wrapKind(err, fallback error) error {
	if err == nil || classified(err) {
		return err
	}
	return fmt.Errorf("%w: %v", fallback, err)
}
