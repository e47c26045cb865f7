package errors

import "errors"

var (
	ErrNotVirtualized = errors.New("not running under a hypervisor")

	ErrChannelOpen   = errors.New("unable to open channel")
	ErrChannelClosed = errors.New("channel is closed")
	ErrChannelDesync = errors.New("channel desynchronized")
	ErrChannelReset  = errors.New("channel reset by host")
	ErrDisconnected  = errors.New("host disconnected")

	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")

	ErrSendErr    = errors.New("unable to send data")
	ErrReceiveErr = errors.New("unable to receive data")

	ErrProtocol   = errors.New("protocol violation")
	ErrRemoteFail = errors.New("remote rejected command")

	ErrNoMemory    = errors.New("request pool exhausted")
	ErrRequestSize = errors.New("request exceeds buffer capacity")

	ErrNameTooLong = errors.New("name too long")
	ErrInvalidName = errors.New("invalid name")

	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrUnsupportedHost    = errors.New("host does not support this interface")
	ErrNotAvailable       = errors.New("value not available")
)
