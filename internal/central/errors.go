package central

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrManagerUnavailable is the reason attached to attempts and links
	// torn down because the radio left the powered-on state.
	ErrManagerUnavailable = errors.New("central manager unavailable")

	// ErrUnsupported is returned for operations the transport cannot provide.
	ErrUnsupported = errors.New("operation not supported by transport")

	// ErrUnknownPeripheral marks an identifier the transport does not know.
	// Retrieval never returns it; it omits such identifiers instead.
	ErrUnknownPeripheral = errors.New("unknown peripheral")

	// ErrTimeout is a link supervision timeout reported by the transport.
	ErrTimeout = errors.New("connection timed out")

	// ErrCanceled is reported when the transport aborts a pending attempt.
	ErrCanceled = errors.New("connection canceled")

	// ErrConnectionLost is used when a pending attempt ends with a
	// disconnect instead of an explicit failure.
	ErrConnectionLost = errors.New("connection lost")

	ErrClosed = errors.New("manager closed")
)

// ConnectError is delivered with ConnectFailed events.
type ConnectError struct {
	Peripheral uuid.UUID
	Reason     error
}

func (e *ConnectError) Error() string {
	if e.Reason == nil {
		return fmt.Sprintf("connect to %s failed", e.Peripheral)
	}
	return fmt.Sprintf("connect to %s failed: %v", e.Peripheral, e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Reason }

// DisconnectError is delivered with Disconnected events that were not
// requested by the consumer.
type DisconnectError struct {
	Peripheral uuid.UUID
	Reason     error
}

func (e *DisconnectError) Error() string {
	if e.Reason == nil {
		return fmt.Sprintf("%s disconnected", e.Peripheral)
	}
	return fmt.Sprintf("%s disconnected: %v", e.Peripheral, e.Reason)
}

func (e *DisconnectError) Unwrap() error { return e.Reason }

func connectFailure(id uuid.UUID, reason error) error {
	if reason == nil {
		reason = ErrCanceled
	}
	return &ConnectError{Peripheral: id, Reason: reason}
}

func disconnectReason(id uuid.UUID, reason error) error {
	if reason == nil {
		return nil
	}
	return &DisconnectError{Peripheral: id, Reason: reason}
}
