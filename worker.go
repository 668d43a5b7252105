package gateway

import (
	"context"
	"errors"
	"io"

	"github.com/goburrow/serial"
)

// rtuWorker is the single bus master. It drains the broker one
// transaction at a time and fully finishes each one, real response or
// synthesized exception, before dequeuing the next. That strictly
// sequential loop is what guarantees at most one transaction in flight
// on the RS-485 bus no matter how many TCP clients are connected.
type rtuWorker struct {
	transport  busTransport
	broker     *Broker
	retryCount int
	*clogs
}

func newRTUWorker(transport busTransport, broker *Broker, retryCount int, logs *clogs) *rtuWorker {
	if retryCount < 0 {
		retryCount = 0
	}
	return &rtuWorker{
		transport:  transport,
		broker:     broker,
		retryCount: retryCount,
		clogs:      logs,
	}
}

func (sf *rtuWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case txn := <-sf.broker.pending:
			txn.complete(sf.process(txn))
		}
	}
}

// process executes one transaction and always returns a response PDU.
// Every failure mode ends in a synthesized exception, so from the
// broker's perspective each request yields exactly one response.
func (sf *rtuWorker) process(txn *Transaction) []byte {
	funcCode := txn.request[0]
	aduRequest, err := encodeRTUFrame(txn.unitID, txn.request)
	if err != nil {
		sf.Errorf("encode unit %d: %v", txn.unitID, err)
		return exceptionPDU(funcCode, ExceptionCodeIllegalDataValue)
	}

	recovered := false
	for attempt := 0; attempt <= sf.retryCount; attempt++ {
		if attempt > 0 {
			sf.Debugf("retry %d/%d unit %d func %d", attempt, sf.retryCount, txn.unitID, funcCode)
		}

		aduResponse, err := sf.transport.Exchange(aduRequest)
		if err == nil {
			if pdu, ok := sf.checkResponse(txn, aduResponse); ok {
				return pdu
			}
			// corrupt or foreign frame on a shared bus, retryable
			continue
		}

		switch {
		case errors.Is(err, ErrPortNotOpen):
			// device gone and reopen failed: fail fast, the next request
			// will attempt the reopen again
			sf.Errorf("unit %d: %v", txn.unitID, err)
			return exceptionPDU(funcCode, ExceptionCodeGatewayPathUnavailable)
		case retryableErr(err):
			sf.Debugf("unit %d attempt %d: %v", txn.unitID, attempt+1, err)
		default:
			// I/O error: recover at most once per request, the attempt
			// stays consumed either way
			if recovered {
				sf.Errorf("unit %d: %v", txn.unitID, err)
				return exceptionPDU(funcCode, ExceptionCodeGatewayPathUnavailable)
			}
			recovered = true
			sf.Errorf("recovering serial port: %v", err)
			if rerr := sf.transport.Recover(); rerr != nil {
				sf.Errorf("recover failed: %v", rerr)
				return exceptionPDU(funcCode, ExceptionCodeGatewayPathUnavailable)
			}
		}
	}

	sf.Errorf("unit %d func %d: no valid response after %d attempts",
		txn.unitID, funcCode, sf.retryCount+1)
	return exceptionPDU(funcCode, ExceptionCodeGatewayTargetDeviceFailedToRespond)
}

// checkResponse validates CRC and the unit id / function code echo. A
// device exception (high bit set) is a valid outcome and passes through
// to the client verbatim.
func (sf *rtuWorker) checkResponse(txn *Transaction, aduResponse []byte) ([]byte, bool) {
	unitID, pdu, err := decodeRTUFrame(aduResponse)
	if err != nil {
		sf.Debugf("unit %d: %v", txn.unitID, err)
		return nil, false
	}
	if unitID != txn.unitID || len(pdu) == 0 {
		sf.Debugf("unit %d: response from unit %d discarded", txn.unitID, unitID)
		return nil, false
	}
	funcCode := txn.request[0]
	if pdu[0] != funcCode && pdu[0] != funcCode|0x80 {
		sf.Debugf("unit %d: response func %d does not match request %d", txn.unitID, pdu[0], funcCode)
		return nil, false
	}
	return pdu, true
}

func retryableErr(err error) bool {
	return errors.Is(err, serial.ErrTimeout) ||
		errors.Is(err, ErrBadCRC) ||
		errors.Is(err, ErrShortFrame) ||
		errors.Is(err, ErrFrameMismatch) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
