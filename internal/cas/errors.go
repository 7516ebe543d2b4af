package cas

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport matches any *TransportError.
	ErrTransport = errors.New("cas transport failure")

	// ErrProtocolDrift means the upstream markup or API no longer looks the way we expect.
	ErrProtocolDrift = errors.New("cas protocol drift")

	// ErrTokenNotFound is returned when the login page has no execution input.
	ErrTokenNotFound = fmt.Errorf("%w: execution input not found on login page", ErrProtocolDrift)
)

// TransportError wraps network, timeout and body-read failures talking to an upstream.
// It never means the upstream rejected the credentials.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func transportError(op, url string, err error) error {
	return &TransportError{Op: op, URL: url, Err: err}
}
