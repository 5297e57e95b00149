// File: internal/client/errors.go
package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations issued before Connect or
	// after Disconnect.
	ErrNotConnected = errors.New("client: not connected")
	// ErrHandshake is returned when the server's first frame is not a
	// valid connection envelope.
	ErrHandshake = errors.New("client: handshake failed")
	// ErrTransportClosed is returned when the connection drops while a
	// call or subscription is in flight.
	ErrTransportClosed = errors.New("client: transport closed")
	// ErrScanStart wraps failures of the start_scan operation.
	ErrScanStart = errors.New("client: scan start failed")
	// ErrRetryExhausted is returned by the monitor once its reconnect
	// budget is spent.
	ErrRetryExhausted = errors.New("client: retry attempts exhausted")
)

// CommandError is an in-band error reply from the server. The code matches
// the protocol error codes; the message is free-form.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("server error [%s]: %s", e.Code, e.Message)
}

// AsCommandError unwraps a CommandError from an error chain.
func AsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
