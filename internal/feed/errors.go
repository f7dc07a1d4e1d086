package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnected is returned by Connect while a transport is live.
	ErrAlreadyConnected = errors.New("feed: session already connected")
	// ErrNotConnected is returned by Run before Connect.
	ErrNotConnected = errors.New("feed: session not connected")
	// ErrUnauthorized is reported when authorize does not grant read access.
	ErrUnauthorized = errors.New("feed: read access not granted")
)

// DecodeError reports a payload category that could not be interpreted.
type DecodeError struct {
	Event    string // remote event name
	Category string // "payload", "devicestatus", "sgvs", ...
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("decode error [%s]: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("decode error %s [%s]: %v", e.Event, e.Category, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
