/*!
 * Constants which define the format of a modbus frame. The example is
 * shown for a Modbus RTU frame. Note that the Modbus PDU is not
 * dependent on the underlying transport.
 *
 * <code>
 * <------------------------ MODBUS SERIAL LINE ADU (1) ------------------->
 *              <----------- MODBUS PDU (1') ---------------->
 *  +-----------+---------------+----------------------------+-------------+
 *  | Address   | Function Code | Data                       | CRC         |
 *  +-----------+---------------+----------------------------+-------------+
 *  |           |               |                                   |
 * (2)        (3/2')           (3')                                (4)
 *
 * (1)  ... rtuAduMaxSize  = 256
 * (4)  ... crc            = 2 bytes, little-endian on the wire
 * (1') ... pduMaxSize     = 253
 * </code>
 *
 * <------------------------ MODBUS TCP/IP ADU(1) ------------------------->
 *                              <----------- MODBUS PDU (1') -------------->
 *  +-----------+---------------+------------------------------------------+
 *  | TID | PID | Length | UID  | Function Code  | Data                    |
 *  +-----------+---------------+------------------------------------------+
 *  |     |     |        |      |
 * (2)   (3)   (4)      (5)    (6)
 *
 * (2)  ... transaction identifier - 2 bytes, echoed verbatim
 * (3)  ... protocol identifier    - 2 bytes, always 0x0000
 * (4)  ... length                 - 2 bytes, unit id + PDU length
 * (5)  ... unit identifier        - 1 byte
 * (1)  ... tcpAduMaxSize  = 260
 */

/*
Package gateway bridges Modbus TCP clients to a single Modbus RTU bus.
It accepts any number of concurrent TCP connections and funnels their
requests through one worker goroutine that exclusively owns the serial
port, so at most one RTU transaction is ever in flight on the bus.
*/
package gateway

import (
	"fmt"
)

const (
	pduMinSize = 1   // funcCode(1)
	pduMaxSize = 253 // funcCode(1) + data(252)

	rtuAduMinSize    = 4   // address(1) + funcCode(1) + crc(2)
	rtuAduMaxSize    = 256 // address(1) + PDU(253) + crc(2)
	rtuExceptionSize = 5   // address(1) + funcCode(1) + exceptionCode(1) + crc(2)

	tcpProtocolIdentifier = 0x0000
	// Modbus Application Protocol header
	tcpHeaderMbapSize = 7
	tcpAduMinSize     = 8 // MBAP + funcCode
	tcpAduMaxSize     = 260
)

// proto register limit
const (
	// Bits
	ReadBitsQuantityMin  = 1    // 0x0001
	ReadBitsQuantityMax  = 2000 // 0x07d0
	WriteBitsQuantityMin = 1    // 1
	WriteBitsQuantityMax = 1968 // 0x07b0
	// 16 Bits
	ReadRegQuantityMin  = 1   // 1
	ReadRegQuantityMax  = 125 // 0x007d
	WriteRegQuantityMin = 1   // 1
	WriteRegQuantityMax = 123 // 0x007b
)

// Function Code
const (
	// Bit access
	FuncCodeReadCoils          = 1
	FuncCodeReadDiscreteInputs = 2
	FuncCodeWriteSingleCoil    = 5
	FuncCodeWriteMultipleCoils = 15

	// 16-bit access
	FuncCodeReadHoldingRegisters   = 3
	FuncCodeReadInputRegisters     = 4
	FuncCodeWriteSingleRegister    = 6
	FuncCodeWriteMultipleRegisters = 16
)

// Exception Code
const (
	ExceptionCodeIllegalFunction                    = 1
	ExceptionCodeIllegalDataAddress                 = 2
	ExceptionCodeIllegalDataValue                   = 3
	ExceptionCodeServerDeviceFailure                = 4
	ExceptionCodeGatewayPathUnavailable             = 10
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 11
)

// ExceptionError implements error interface.
type ExceptionError struct {
	ExceptionCode byte
}

// Error converts known modbus exception code to error message.
func (e *ExceptionError) Error() string {
	var name string
	switch e.ExceptionCode {
	case ExceptionCodeIllegalFunction:
		name = "illegal function"
	case ExceptionCodeIllegalDataAddress:
		name = "illegal data address"
	case ExceptionCodeIllegalDataValue:
		name = "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		name = "server device failure"
	case ExceptionCodeGatewayPathUnavailable:
		name = "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		name = "gateway target device failed to respond"
	default:
		name = "unknown"
	}
	return fmt.Sprintf("modbus: exception '%v' (%s)", e.ExceptionCode, name)
}

// mbapHeader precedes every PDU on the TCP side.
type mbapHeader struct {
	transactionID uint16
	protocolID    uint16
	length        uint16
	unitID        uint8
}

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FuncCode byte
	Data     []byte
}
