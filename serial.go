package gateway

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

// SerialDefaultTimeout Serial Default response timeout
const SerialDefaultTimeout = 1 * time.Second

// busTransport is the worker's view of the serial line. Exactly one
// goroutine (the RTU worker) ever calls into it.
type busTransport interface {
	// Open opens the configured device.
	Open() error
	// Close closes the device if open.
	Close() error
	// Exchange writes a request ADU and reads back one complete response
	// frame, sized from the request's function code. It blocks for the
	// configured inter-frame delay first so the bus settles after the
	// previous transaction.
	Exchange(aduRequest []byte) (aduResponse []byte, err error)
	// Recover closes and reopens the device after an I/O failure.
	Recover() error
}

// serialPort has configuration and I/O controller.
type serialPort struct {
	// Serial port configuration.
	serial.Config
	// settle time before each write; 0 means the 3.5-char minimum
	// derived from the baud rate
	interFrameDelay time.Duration

	mu           sync.Mutex
	port         io.ReadWriteCloser
	lastActivity time.Time
	*clogs
}

var _ busTransport = (*serialPort)(nil)

func newSerialPort(config serial.Config, interFrameDelay time.Duration, logs *clogs) *serialPort {
	if config.Timeout <= 0 {
		config.Timeout = SerialDefaultTimeout
	}
	return &serialPort{
		Config:          config,
		interFrameDelay: interFrameDelay,
		clogs:           logs,
	}
}

// Open opens the configured device with the configured line parameters.
func (sf *serialPort) Open() error {
	sf.mu.Lock()
	err := sf.connect()
	sf.mu.Unlock()
	return err
}

// Caller must hold the mutex before calling this method.
func (sf *serialPort) connect() error {
	port, err := serial.Open(&sf.Config)
	if err != nil {
		return fmt.Errorf("modbus: open '%v': %v, %w", sf.Address, err, ErrPortNotOpen)
	}
	sf.port = port
	return nil
}

// Close close current connection.
func (sf *serialPort) Close() error {
	var err error
	sf.mu.Lock()
	if sf.port != nil {
		err = sf.port.Close()
		sf.port = nil
	}
	sf.mu.Unlock()
	return err
}

// Recover closes and reopens the device, keeping the line parameters.
func (sf *serialPort) Recover() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.port != nil {
		sf.port.Close()
		sf.port = nil
	}
	return sf.connect()
}

// Exchange performs one request/response cycle on the bus. If the port is
// closed it attempts to reopen it first, so a device that comes back is
// picked up on the next request without a background timer.
func (sf *serialPort) Exchange(aduRequest []byte) ([]byte, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.port == nil {
		if err := sf.connect(); err != nil {
			return nil, err
		}
	}

	// let the bus settle after the previous frame
	if wait := sf.settleDelay() - time.Since(sf.lastActivity); wait > 0 {
		time.Sleep(wait)
	}
	defer func() { sf.lastActivity = time.Now() }()

	sf.Debugf("RTU TX [% x]", aduRequest)
	if _, err := sf.port.Write(aduRequest); err != nil {
		return nil, err
	}

	function := aduRequest[1]
	functionFail := aduRequest[1] | 0x80
	bytesToRead := expectedResponseLength(aduRequest)

	// Read the minimum frame first, then complete either the expected
	// response or the 5-byte exception frame depending on the echoed
	// function code.
	var data [rtuAduMaxSize]byte
	n, err := io.ReadAtLeast(sf.port, data[:], rtuAduMinSize)
	if err != nil {
		return nil, err
	}
	switch {
	case data[1] == function:
		if n < bytesToRead && bytesToRead <= rtuAduMaxSize {
			var n1 int
			n1, err = io.ReadFull(sf.port, data[n:bytesToRead])
			n += n1
		}
	case data[1] == functionFail:
		if n < rtuExceptionSize {
			var n1 int
			n1, err = io.ReadFull(sf.port, data[n:rtuExceptionSize])
			n += n1
		}
	default:
		err = fmt.Errorf("modbus: unknown function code '% x', %w", data[1], ErrFrameMismatch)
	}
	if err != nil {
		return nil, err
	}

	aduResponse := append([]byte(nil), data[:n]...)
	sf.Debugf("RTU RX [% x]", aduResponse)
	return aduResponse, nil
}

// settleDelay is the configured inter-frame delay, or the 3.5 character
// times the serial line spec requires when none is configured.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
func (sf *serialPort) settleDelay() time.Duration {
	if sf.interFrameDelay > 0 {
		return sf.interFrameDelay
	}
	frameDelay := 1750 // us
	if sf.BaudRate > 0 && sf.BaudRate <= 19200 {
		frameDelay = 35000000 / sf.BaudRate
	}
	return time.Duration(frameDelay) * time.Microsecond
}
