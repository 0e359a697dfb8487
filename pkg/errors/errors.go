package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates that the component has been closed
	ErrClosed = errors.New("component closed")

	// ErrNoCredits indicates that a consumer has no remaining demand
	ErrNoCredits = errors.New("consumer has no credits")

	// ErrDisconnected indicates that the peer connection is gone
	ErrDisconnected = errors.New("peer disconnected")

	// ErrUnknownMessage indicates that a frame could not be classified
	ErrUnknownMessage = errors.New("unknown message")

	// ErrFrameTooLarge indicates that a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrTransformNotFound indicates that no transform is registered under the given name
	ErrTransformNotFound = errors.New("transform not found")

	// ErrStateNotFound indicates that no state is stored under the key
	ErrStateNotFound = errors.New("state not found")

	// ErrInvalidDefinition indicates that the brick instance definition is unusable
	ErrInvalidDefinition = errors.New("invalid brick definition")
)

// Error represents a structured runner error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new runner error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsClosed checks if an error is a closed-component error
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsDisconnected checks if an error is a peer disconnect
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

// Code returns the code of the first structured error in the chain, or "".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
