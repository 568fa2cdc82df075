package celltalk

import (
	"fmt"
)

var ErrShutdown = fmt.Errorf("shutting down")
var ErrNotBound = fmt.Errorf("acceptor not bound")
var ErrAlreadyBound = fmt.Errorf("acceptor already bound")
var ErrInvalidOperation = fmt.Errorf("operation not allowed while bound")
var ErrSessionClosed = fmt.Errorf("session closed")
var ErrNotConnected = fmt.Errorf("connector not connected")
var ErrConnectTimeout = fmt.Errorf("connect timed out")
var ErrConnectFailed = fmt.Errorf("connect failed")
var ErrForeignSession = fmt.Errorf("session does not belong to this service")

// ErrorCode is reported through Observer.ErrorOccurred.
// The numeric values are part of the wire-compatible
// vocabulary shared with older peers' logs.
type ErrorCode int

const (
	ErrUnknown            ErrorCode = 100
	ErrAddressInvalid     ErrorCode = 101
	ErrBindFailed         ErrorCode = 102
	ErrAcceptFailed       ErrorCode = 103
	ErrConnectFailedCode  ErrorCode = 104
	ErrConnectTimeoutCode ErrorCode = 105
	ErrReadFailed         ErrorCode = 106
	ErrWriteFailed        ErrorCode = 107
	ErrWriteOutOfBounds   ErrorCode = 108
	ErrNetworkUnreachable ErrorCode = 109
	ErrSocketFailed       ErrorCode = 110
	ErrStateError         ErrorCode = 111
)

func (c ErrorCode) String() string {
	switch c {
	case ErrUnknown:
		return "Unknown"
	case ErrAddressInvalid:
		return "AddressInvalid"
	case ErrBindFailed:
		return "BindFailed"
	case ErrAcceptFailed:
		return "AcceptFailed"
	case ErrConnectFailedCode:
		return "ConnectFailed"
	case ErrConnectTimeoutCode:
		return "ConnectTimeout"
	case ErrReadFailed:
		return "ReadFailed"
	case ErrWriteFailed:
		return "WriteFailed"
	case ErrWriteOutOfBounds:
		return "WriteOutOfBounds"
	case ErrNetworkUnreachable:
		return "NetworkUnreachable"
	case ErrSocketFailed:
		return "SocketFailed"
	case ErrStateError:
		return "StateError"
	}
	return fmt.Sprintf("unknown ErrorCode: %v", int(c))
}
