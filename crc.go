package gateway

import (
	"sync"
)

// crc16 implements the Modbus RTU checksum, polynomial 0xA001.
// The 256-entry lookup table is built on first use.

var (
	crcOnce  sync.Once
	crcTable [256]uint16
)

func crc16(bs []byte) uint16 {
	crcOnce.Do(initCrcTable)

	val := uint16(0xFFFF)
	for _, v := range bs {
		val = (val >> 8) ^ crcTable[(val^uint16(v))&0x00FF]
	}
	return val
}

func initCrcTable() {
	const poly = uint16(0xA001)
	for i := uint16(0); i < 256; i++ {
		crc := uint16(0)
		b := i
		for j := 0; j < 8; j++ {
			if (crc^b)&0x0001 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
			b >>= 1
		}
		crcTable[i] = crc
	}
}
