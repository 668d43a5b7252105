package gateway

import (
	"encoding/binary"
	"fmt"
)

// Pure PDU/frame transformations shared by the TCP sessions and the RTU
// worker. Nothing in here does I/O or keeps state.

// decodeMBAPHeader parses the fixed 7-byte MBAP header and rejects any
// protocol identifier other than zero.
func decodeMBAPHeader(b []byte) (mbapHeader, error) {
	if len(b) < tcpHeaderMbapSize {
		return mbapHeader{}, fmt.Errorf("modbus: mbap header length '%v' does not meet '%v', %w",
			len(b), tcpHeaderMbapSize, ErrShortFrame)
	}
	head := mbapHeader{
		transactionID: binary.BigEndian.Uint16(b[0:]),
		protocolID:    binary.BigEndian.Uint16(b[2:]),
		length:        binary.BigEndian.Uint16(b[4:]),
		unitID:        b[6],
	}
	if head.protocolID != tcpProtocolIdentifier {
		return mbapHeader{}, fmt.Errorf("modbus: protocol identifier '%v', %w",
			head.protocolID, ErrBadProtocolID)
	}
	// length covers unit id + PDU
	if pduLen := int(head.length) - 1; pduLen < pduMinSize || pduLen > pduMaxSize {
		return mbapHeader{}, fmt.Errorf("modbus: pdu length '%v' must be between '%v' and '%v', %w",
			pduLen, pduMinSize, pduMaxSize, ErrShortFrame)
	}
	return head, nil
}

// decodeTCPFrame splits a complete MBAP ADU into header and PDU. The
// declared length must match the received byte count exactly.
func decodeTCPFrame(adu []byte) (mbapHeader, []byte, error) {
	if len(adu) < tcpAduMinSize {
		return mbapHeader{}, nil, fmt.Errorf("modbus: adu length '%v' does not meet minimum '%v', %w",
			len(adu), tcpAduMinSize, ErrShortFrame)
	}
	head, err := decodeMBAPHeader(adu)
	if err != nil {
		return mbapHeader{}, nil, err
	}
	if got := len(adu) - tcpHeaderMbapSize + 1; got != int(head.length) {
		return mbapHeader{}, nil, fmt.Errorf("modbus: declared length '%v' does not match received '%v', %w",
			head.length, got, ErrShortFrame)
	}
	return head, adu[tcpHeaderMbapSize:], nil
}

// encodeTCPResponse frames a response PDU with a rebuilt MBAP header,
// echoing the client's transaction id verbatim.
func encodeTCPResponse(transactionID uint16, unitID uint8, pdu []byte) []byte {
	adu := make([]byte, tcpHeaderMbapSize, tcpHeaderMbapSize+len(pdu))
	binary.BigEndian.PutUint16(adu[0:], transactionID)
	binary.BigEndian.PutUint16(adu[2:], tcpProtocolIdentifier)
	binary.BigEndian.PutUint16(adu[4:], uint16(1+len(pdu)))
	adu[6] = unitID
	return append(adu, pdu...)
}

// encodeRTUFrame appends the CRC16 over [unit id, PDU], low byte first.
//  Slave Address   : 1 byte
//  ---- data Unit ----
//  Function        : 1 byte
//  Data            : 0 up to 252 bytes
//  ---- checksum ----
//  CRC             : 2 byte
func encodeRTUFrame(unitID byte, pdu []byte) ([]byte, error) {
	length := len(pdu) + 3
	if length < rtuAduMinSize || length > rtuAduMaxSize {
		return nil, fmt.Errorf("modbus: adu length '%v' must be between '%v' and '%v'",
			length, rtuAduMinSize, rtuAduMaxSize)
	}
	adu := make([]byte, 0, length)
	adu = append(adu, unitID)
	adu = append(adu, pdu...)
	checksum := crc16(adu)
	return append(adu, byte(checksum), byte(checksum>>8)), nil
}

// decodeRTUFrame extracts unit id and PDU from a RTU frame and verifies CRC.
func decodeRTUFrame(adu []byte) (uint8, []byte, error) {
	if len(adu) < rtuAduMinSize {
		return 0, nil, fmt.Errorf("modbus: adu length '%v' does not meet minimum '%v', %w",
			len(adu), rtuAduMinSize, ErrShortFrame)
	}
	crc := crc16(adu[:len(adu)-2])
	expect := binary.LittleEndian.Uint16(adu[len(adu)-2:])
	if crc != expect {
		return 0, nil, fmt.Errorf("modbus: crc '%x' does not match expected '%x', %w",
			expect, crc, ErrBadCRC)
	}
	return adu[0], adu[1 : len(adu)-2], nil
}

// exceptionPDU builds an exception response: function code with the high
// bit set plus one exception code byte.
func exceptionPDU(funcCode, exceptionCode byte) []byte {
	return []byte{funcCode | 0x80, exceptionCode}
}

// verifyRequestPDU checks a request PDU against the per-function-code
// address and quantity limits before it is allowed near the bus. A nil
// return means the PDU is forwardable; otherwise the *ExceptionError
// carries the code to synthesize locally.
func verifyRequestPDU(pdu []byte) error {
	if len(pdu) < pduMinSize {
		return &ExceptionError{ExceptionCodeIllegalDataValue}
	}
	data := pdu[1:]
	switch pdu[0] {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		return verifyRead(data, ReadBitsQuantityMin, ReadBitsQuantityMax)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		return verifyRead(data, ReadRegQuantityMin, ReadRegQuantityMax)
	case FuncCodeWriteSingleCoil:
		if len(data) != 4 {
			return &ExceptionError{ExceptionCodeIllegalDataValue}
		}
		if v := binary.BigEndian.Uint16(data[2:]); v != 0xFF00 && v != 0x0000 {
			return &ExceptionError{ExceptionCodeIllegalDataValue}
		}
		return nil
	case FuncCodeWriteSingleRegister:
		if len(data) != 4 {
			return &ExceptionError{ExceptionCodeIllegalDataValue}
		}
		return nil
	case FuncCodeWriteMultipleCoils:
		return verifyWriteMultiple(data, WriteBitsQuantityMin, WriteBitsQuantityMax, bitsToBytes)
	case FuncCodeWriteMultipleRegisters:
		return verifyWriteMultiple(data, WriteRegQuantityMin, WriteRegQuantityMax, regsToBytes)
	default:
		return &ExceptionError{ExceptionCodeIllegalFunction}
	}
}

func verifyRead(data []byte, quantityMin, quantityMax uint16) error {
	if len(data) != 4 {
		return &ExceptionError{ExceptionCodeIllegalDataValue}
	}
	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	if quantity < quantityMin || quantity > quantityMax {
		return &ExceptionError{ExceptionCodeIllegalDataValue}
	}
	if uint32(address)+uint32(quantity) > 0x10000 {
		return &ExceptionError{ExceptionCodeIllegalDataAddress}
	}
	return nil
}

func verifyWriteMultiple(data []byte, quantityMin, quantityMax uint16, toBytes func(uint16) int) error {
	if len(data) < 5 {
		return &ExceptionError{ExceptionCodeIllegalDataValue}
	}
	address := binary.BigEndian.Uint16(data)
	quantity := binary.BigEndian.Uint16(data[2:])
	byteCount := int(data[4])
	if quantity < quantityMin || quantity > quantityMax ||
		byteCount != toBytes(quantity) || len(data) != 5+byteCount {
		return &ExceptionError{ExceptionCodeIllegalDataValue}
	}
	if uint32(address)+uint32(quantity) > 0x10000 {
		return &ExceptionError{ExceptionCodeIllegalDataAddress}
	}
	return nil
}

func bitsToBytes(quantity uint16) int { return int(quantity+7) / 8 }
func regsToBytes(quantity uint16) int { return int(quantity) * 2 }

// expectedResponseLength computes the full RTU response frame size for a
// request ADU. Exception responses are shorter and detected separately
// from the high bit of the echoed function code.
func expectedResponseLength(aduRequest []byte) int {
	length := rtuAduMinSize
	switch aduRequest[1] {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		count := int(binary.BigEndian.Uint16(aduRequest[4:]))
		length += 1 + count/8
		if count%8 != 0 {
			length++
		}
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		count := int(binary.BigEndian.Uint16(aduRequest[4:]))
		length += 1 + count*2
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		length += 4
	default:
	}
	return length
}
