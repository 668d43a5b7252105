package gateway

import (
	"errors"
)

// Transport and framing failures. The worker keys its retry policy off
// these: ErrBadCRC, ErrFrameMismatch and timeouts are retryable, a port
// that cannot be reopened is fatal for the request.
var (
	// ErrBadCRC the trailing CRC of a received RTU frame does not match.
	ErrBadCRC = errors.New("modbus: response crc mismatch")
	// ErrShortFrame a frame shorter than its minimum legal size.
	ErrShortFrame = errors.New("modbus: short frame")
	// ErrFrameMismatch a response frame that does not belong to the request
	// in flight, corrupt or from a foreign master on the bus.
	ErrFrameMismatch = errors.New("modbus: response does not match request")
	// ErrBadProtocolID a MBAP header whose protocol identifier is not zero.
	ErrBadProtocolID = errors.New("modbus: invalid protocol identifier")
	// ErrPortNotOpen the serial device could not be opened.
	ErrPortNotOpen = errors.New("modbus: serial port not open")
	// ErrQueueFull the broker queue stayed full for the whole submit budget.
	ErrQueueFull = errors.New("modbus: request queue full")
	// ErrGatewayClosed submit or await on a gateway that has been shut down.
	ErrGatewayClosed = errors.New("modbus: gateway closed")
)
