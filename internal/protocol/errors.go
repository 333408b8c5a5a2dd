package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Error definitions
var (
	ErrConnection       = errors.New("connection error")
	ErrTransportClosed  = errors.New("transport closed")
	ErrTimeout          = errors.New("timed out waiting for message")
	ErrContextNotFound  = errors.New("browsing context not found")
	ErrDecode           = errors.New("image decode error")
	ErrMalformedMessage = errors.New("malformed message")
)

// ErrorKind is the error code a remote reports in an error response
type ErrorKind string

const (
	ErrorInvalidArgument       ErrorKind = "invalid argument"
	ErrorInvalidSessionID      ErrorKind = "invalid session id"
	ErrorNoSuchAlert           ErrorKind = "no such alert"
	ErrorNoSuchFrame           ErrorKind = "no such frame"
	ErrorNoSuchNode            ErrorKind = "no such node"
	ErrorSessionNotCreated     ErrorKind = "session not created"
	ErrorUnableToCaptureScreen ErrorKind = "unable to capture screen"
	ErrorUnknownCommand        ErrorKind = "unknown command"
	ErrorUnknownError          ErrorKind = "unknown error"
	ErrorUnsupportedOperation  ErrorKind = "unsupported operation"
)

// RemoteCommandError is a protocol-level failure reported by the remote end
type RemoteCommandError struct {
	Kind       ErrorKind
	Message    string
	Stacktrace string
}

func (e *RemoteCommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error: %s", e.Kind)
	}
	return fmt.Sprintf("remote error: %s: %s", e.Kind, e.Message)
}

// IsRemoteKind reports whether err carries a RemoteCommandError of the given kind
func IsRemoteKind(err error, kind ErrorKind) bool {
	var remote *RemoteCommandError
	return errors.As(err, &remote) && remote.Kind == kind
}

// BridgeRejectedError means the remote refused the inner method/session pair of a passthrough command
type BridgeRejectedError struct {
	Method  string
	Session string
	Cause   *RemoteCommandError
}

func (e *BridgeRejectedError) Error() string {
	return fmt.Sprintf("bridge rejected %s on session %q: %v", e.Method, e.Session, e.Cause)
}

func (e *BridgeRejectedError) Unwrap() error {
	return e.Cause
}

// IsBridgeRejection decides whether a remote error on a passthrough command is about
// the inner method or session rather than a failure while running it.
func IsBridgeRejection(e *RemoteCommandError) bool {
	switch e.Kind {
	case ErrorInvalidSessionID, ErrorInvalidArgument, ErrorUnknownCommand:
		return true
	}

	// CDP failures are relayed as "unknown error" with the CDP text as message
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "session with given id not found") ||
		strings.Contains(msg, "wasn't found")
}
