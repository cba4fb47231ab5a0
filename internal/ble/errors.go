package ble

import "errors"

// Error is a session-level failure class. Temporary errors may succeed if
// the operation is tried again.
type Error struct {
	msg       string
	temporary bool
}

func newError(msg string, temporary bool) *Error {
	return &Error{msg: msg, temporary: temporary}
}

func (e *Error) Error() string {
	return e.msg
}

// Temporary reports whether the failure might be transient.
func (e *Error) Temporary() bool {
	return e.temporary
}

var (
	ErrConnectFailed   = newError("ble: connect failed", false)
	ErrDiscoveryFailed = newError("ble: discovery failed", false)
	ErrWriteFailed     = newError("ble: write failed", true)
	ErrReadFailed      = newError("ble: read failed", false)
	ErrDeviceNotFound  = newError("ble: no device found", false)
	ErrSessionBusy     = newError("ble: transfer session already active", true)
	ErrNotConnected    = newError("ble: endpoint not connected", false)
	ErrNotReady        = newError("ble: adapter not powered on", true)
	ErrStalled         = newError("ble: transfer stalled", false)
	ErrDisconnected    = newError("ble: endpoint disconnected", false)
	ErrTransportClosed = newError("ble: transport closed", false)
	ErrQueueFull       = newError("ble: transport command queue full", true)
)

// IsTemporary reports whether err wraps a temporary *Error.
func IsTemporary(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Temporary()
}
