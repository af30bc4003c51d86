package pkg

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and propagation policy
type ErrorKind string

const (
	// KindNetwork is a transient transport failure (timeout, refused);
	// retried with exponential backoff
	KindNetwork ErrorKind = "network"
	// KindAuth is a session or credential failure; re-authenticated once
	// then surfaced
	KindAuth ErrorKind = "auth"
	// KindProtocol is an unparsable or unexpected response shape; never
	// retried, indicates firmware incompatibility
	KindProtocol ErrorKind = "protocol"
	// KindConfig is invalid configuration, rejected before any state change
	KindConfig ErrorKind = "config"
	// KindBusy is a conflicting in-flight control command
	KindBusy ErrorKind = "busy"
)

// Error is a classified error carrying the operation that failed
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// NetworkError wraps err as a transient transport failure
func NetworkError(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// AuthError wraps err as a session/credential failure
func AuthError(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// ProtocolError wraps err as a non-retryable response shape failure
func ProtocolError(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// ConfigError reports invalid configuration
func ConfigError(op string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// BusyError reports a conflicting in-flight command
func BusyError(op string) error {
	return &Error{Kind: KindBusy, Op: op, Err: errors.New("another command is in flight")}
}

// KindOf returns the classification of err, or empty for unclassified errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
