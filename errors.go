package liveq

import (
	"errors"
	"fmt"
)

// error taxonomy:
// - transport errors force a reconnect with backoff and stay invisible to
//   pending requests
// - `ProtocolError` means the session state cannot be trusted and is treated
//   as a transport failure
// - `AuthError` is surfaced to the application and is not retried with the
//   same token
// - `FatalError` permanently closes the client and rejects every pending
//   request
// - `ServerFunctionError` is an application-level failure inside server
//   code, delivered through the normal response path

var ErrClientClosed = errors.New("client is permanently closed")

type ProtocolError struct {
	Message string
	Cause   error
}

func newProtocolError(message string, cause error) *ProtocolError {
	return &ProtocolError{
		Message: message,
		Cause:   cause,
	}
}

func (self *ProtocolError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %s", self.Message, self.Cause)
	}
	return fmt.Sprintf("protocol error: %s", self.Message)
}

func (self *ProtocolError) Unwrap() error {
	return self.Cause
}

type AuthError struct {
	Message string
}

func (self *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s", self.Message)
}

type FatalError struct {
	Message string
}

func (self *FatalError) Error() string {
	return fmt.Sprintf("fatal error: %s", self.Message)
}

// a mutation, action, or query raised an error in server code
type ServerFunctionError struct {
	FunctionRef string
	Message     string
}

func (self *ServerFunctionError) Error() string {
	return fmt.Sprintf("%s: %s", self.FunctionRef, self.Message)
}
