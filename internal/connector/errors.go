// internal/connector/errors.go
package connector

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when an exchange gets no matching answer in time.
	// The outcome of the write itself is unknown.
	ErrTimeout = errors.New("operation timed out")
	// ErrNotOpen is returned by operations on a link that is not open
	ErrNotOpen = errors.New("connector not open")
	// ErrClosed is returned to exchanges still outstanding when the link goes away
	ErrClosed = errors.New("connection closed")
	// ErrNotSupported is returned when the link has no such capability (e.g. DTR over BLE)
	ErrNotSupported = errors.New("operation not supported by connector")
	// ErrUnsupportedEnvironment is returned when no platform implementation matches
	ErrUnsupportedEnvironment = errors.New("unsupported environment")
)

// TransportError carries an error reported by the remote side of a relay link
type TransportError struct {
	DeviceID string
	Reason   string
	// Raw is the undecoded envelope, kept for diagnostics
	Raw []byte
}

func (e *TransportError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("transport error from %s: %s", e.DeviceID, e.Reason)
	}
	return fmt.Sprintf("transport error: %s", e.Reason)
}
