package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goburrow/serial"
	"gotest.tools/v3/assert"
)

// fakeTransport scripts the bus side and instruments the single-master
// invariant: it fails the test if a second Exchange begins before the
// previous one returned.
type fakeTransport struct {
	t *testing.T
	// script is called with the 0-based attempt number and the request ADU
	script func(attempt int, adu []byte) ([]byte, error)
	delay  time.Duration

	mu         sync.Mutex
	exchanges  int
	requests   [][]byte
	recovers   int
	recoverErr error
	inFlight   int32
}

func (sf *fakeTransport) Open() error  { return nil }
func (sf *fakeTransport) Close() error { return nil }

func (sf *fakeTransport) Recover() error {
	sf.mu.Lock()
	sf.recovers++
	sf.mu.Unlock()
	return sf.recoverErr
}

func (sf *fakeTransport) Exchange(adu []byte) ([]byte, error) {
	if n := atomic.AddInt32(&sf.inFlight, 1); n > 1 {
		sf.t.Errorf("Exchange overlap: %d calls in flight", n)
	}
	defer atomic.AddInt32(&sf.inFlight, -1)

	if sf.delay > 0 {
		time.Sleep(sf.delay)
	}
	sf.mu.Lock()
	attempt := sf.exchanges
	sf.exchanges++
	sf.requests = append(sf.requests, append([]byte(nil), adu...))
	sf.mu.Unlock()
	return sf.script(attempt, adu)
}

func (sf *fakeTransport) exchangeCount() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.exchanges
}

// deviceResponse frames a PDU the way the slave on the bus would.
func deviceResponse(t *testing.T, unitID byte, pdu []byte) []byte {
	adu, err := encodeRTUFrame(unitID, pdu)
	assert.NilError(t, err)
	return adu
}

func newTestWorker(ft busTransport, retryCount int) *rtuWorker {
	return newRTUWorker(ft, newBroker(1), retryCount, newClogWithPrefix("test =>"))
}

func readHoldingTxn() *Transaction {
	return newTransaction(1, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x02})
}

func TestWorkerSuccess(t *testing.T) {
	want := []byte{0x03, 0x04, 0x00, 0x0a, 0x00, 0x14}
	ft := &fakeTransport{t: t, script: func(attempt int, adu []byte) ([]byte, error) {
		return deviceResponse(t, 1, want), nil
	}}
	w := newTestWorker(ft, 3)

	got := w.process(readHoldingTxn())
	assert.DeepEqual(t, got, want)
	assert.Equal(t, ft.exchangeCount(), 1)
}

func TestWorkerSuccessOnLastRetry(t *testing.T) {
	const retryCount = 3
	want := []byte{0x03, 0x04, 0x00, 0x0a, 0x00, 0x14}
	ft := &fakeTransport{t: t, script: func(attempt int, adu []byte) ([]byte, error) {
		if attempt < retryCount {
			return nil, serial.ErrTimeout
		}
		return deviceResponse(t, 1, want), nil
	}}
	w := newTestWorker(ft, retryCount)

	got := w.process(readHoldingTxn())
	assert.DeepEqual(t, got, want)
	assert.Equal(t, ft.exchangeCount(), retryCount+1)
}

func TestWorkerRetriesExhausted(t *testing.T) {
	const retryCount = 2
	ft := &fakeTransport{t: t, script: func(attempt int, adu []byte) ([]byte, error) {
		return nil, serial.ErrTimeout
	}}
	w := newTestWorker(ft, retryCount)

	got := w.process(readHoldingTxn())
	assert.DeepEqual(t, got, []byte{0x83, ExceptionCodeGatewayTargetDeviceFailedToRespond})
	assert.Equal(t, ft.exchangeCount(), retryCount+1)
}

func TestWorkerCRCErrorRetried(t *testing.T) {
	want := []byte{0x03, 0x04, 0x00, 0x0a, 0x00, 0x14}
	ft := &fakeTransport{t: t, script: func(attempt int, adu []byte) ([]byte, error) {
		if attempt == 0 {
			bad := deviceResponse(t, 1, want)
			bad[len(bad)-1] ^= 0xff
			return bad, nil
		}
		return deviceResponse(t, 1, want), nil
	}}
	w := newTestWorker(ft, 1)

	got := w.process(readHoldingTxn())
	assert.DeepEqual(t, got, want)
	assert.Equal(t, ft.exchangeCount(), 2)
}

func TestWorkerForeignFrameRetried(t *testing.T) {
	// a valid frame from another unit, then one with the wrong function
	// code, then the real answer
	want := []byte{0x03, 0x04, 0x00, 0x0a, 0x00, 0x14}
	ft := &fakeTransport{t: t, script: func(attempt int, adu []byte) ([]byte, error) {
		switch attempt {
		case 0:
			return deviceResponse(t, 9, want), nil
		case 1:
			return deviceResponse(t, 1, []byte{0x04, 0x02, 0x00, 0x00}), nil
		default:
			return deviceResponse(t, 1, want), nil
		}
	}}
	w := newTestWorker(ft, 2)

	got := w.process(readHoldingTxn())
	assert.DeepEqual(t, got, want)
	assert.Equal(t, ft.exchangeCount(), 3)
}

func TestWorkerDeviceExceptionPassesThrough(t *testing.T) {
	ft := &fakeTransport{t: t, script: func(attempt int, adu []byte) ([]byte, error) {
		return deviceResponse(t, 1, []byte{0x83, ExceptionCodeIllegalDataAddress}), nil
	}}
	w := newTestWorker(ft, 3)

	got := w.process(readHoldingTxn())
	assert.DeepEqual(t, got, []byte{0x83, ExceptionCodeIllegalDataAddress})
	assert.Equal(t, ft.exchangeCount(), 1)
}

func TestWorkerIOErrorRecovered(t *testing.T) {
	want := []byte{0x03, 0x04, 0x00, 0x0a, 0x00, 0x14}
	ft := &fakeTransport{t: t, script: func(attempt int, adu []byte) ([]byte, error) {
		if attempt == 0 {
			return nil, errors.New("read: input/output error")
		}
		return deviceResponse(t, 1, want), nil
	}}
	w := newTestWorker(ft, 3)

	got := w.process(readHoldingTxn())
	assert.DeepEqual(t, got, want)
	assert.Equal(t, ft.recovers, 1)
}

func TestWorkerRecoverFails(t *testing.T) {
	ft := &fakeTransport{
		t:          t,
		recoverErr: errors.New("open /dev/ttyUSB0: no such file or directory"),
		script: func(attempt int, adu []byte) ([]byte, error) {
			return nil, errors.New("read: input/output error")
		},
	}
	w := newTestWorker(ft, 3)

	got := w.process(readHoldingTxn())
	assert.DeepEqual(t, got, []byte{0x83, ExceptionCodeGatewayPathUnavailable})
	assert.Equal(t, ft.exchangeCount(), 1)
}

func TestWorkerSecondIOErrorFatal(t *testing.T) {
	ft := &fakeTransport{t: t, script: func(attempt int, adu []byte) ([]byte, error) {
		return nil, errors.New("read: input/output error")
	}}
	w := newTestWorker(ft, 5)

	got := w.process(readHoldingTxn())
	assert.DeepEqual(t, got, []byte{0x83, ExceptionCodeGatewayPathUnavailable})
	// one recovery attempt, then the repeated I/O error is fatal
	assert.Equal(t, ft.recovers, 1)
	assert.Equal(t, ft.exchangeCount(), 2)
}

func TestWorkerPortUnavailableFailsFast(t *testing.T) {
	ft := &fakeTransport{t: t, script: func(attempt int, adu []byte) ([]byte, error) {
		return nil, ErrPortNotOpen
	}}
	w := newTestWorker(ft, 5)

	got := w.process(readHoldingTxn())
	assert.DeepEqual(t, got, []byte{0x83, ExceptionCodeGatewayPathUnavailable})
	assert.Equal(t, ft.exchangeCount(), 1)
	assert.Equal(t, ft.recovers, 0)
}

func TestWorkerGlobalFIFO(t *testing.T) {
	// requests submitted in one order must hit the bus in that order
	ft := &fakeTransport{t: t, script: func(attempt int, adu []byte) ([]byte, error) {
		return deviceResponse(t, adu[0], []byte{0x06, adu[2], adu[3], adu[4], adu[5]}), nil
	}}
	broker := newBroker(16)
	w := newRTUWorker(ft, broker, 0, newClogWithPrefix("test =>"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.run(ctx)
		close(done)
	}()

	const n = 10
	txns := make([]*Transaction, n)
	for i := 0; i < n; i++ {
		txns[i] = newTransaction(uint16(i), 1, []byte{0x06, 0x00, byte(i), 0x12, 0x34})
		assert.NilError(t, broker.Submit(ctx, txns[i], time.Second))
	}
	for i := 0; i < n; i++ {
		pdu, err := broker.Await(ctx, txns[i])
		assert.NilError(t, err)
		assert.DeepEqual(t, pdu, []byte{0x06, 0x00, byte(i), 0x12, 0x34})
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, len(ft.requests), n)
	for i, adu := range ft.requests {
		assert.Equal(t, adu[3], byte(i), "bus order differs from submit order")
	}

	cancel()
	<-done
}
