package gateway

import (
	"context"
	"time"
)

// DefaultMaxPending default capacity of the broker queue.
const DefaultMaxPending = 32

// Transaction is one decoded TCP request on its way through the broker
// to the RTU worker. Immutable after Submit. The result channel is
// 1-buffered so the worker can always complete a transaction without
// blocking, even when the owning session has already gone away.
type Transaction struct {
	unitID        uint8
	transactionID uint16 // TCP correlation only, never sent on the bus
	request       []byte // PDU: funcCode + data
	result        chan []byte
}

func newTransaction(transactionID uint16, unitID uint8, pdu []byte) *Transaction {
	return &Transaction{
		unitID:        unitID,
		transactionID: transactionID,
		request:       pdu,
		result:        make(chan []byte, 1),
	}
}

// complete delivers the one and only response PDU for this transaction.
func (sf *Transaction) complete(pdu []byte) {
	select {
	case sf.result <- pdu:
	default:
	}
}

// Broker is the serialization point between concurrently running TCP
// sessions and the single RTU worker: a bounded FIFO hand-off channel,
// many producers, one consumer. It holds no Modbus semantics.
type Broker struct {
	pending chan *Transaction
}

func newBroker(maxPending int) *Broker {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Broker{pending: make(chan *Transaction, maxPending)}
}

// Submit enqueues a transaction, blocking up to timeout for a free slot
// when the queue is full. This is the backpressure a slow bus exerts on
// fast clients.
func (sf *Broker) Submit(ctx context.Context, txn *Transaction, timeout time.Duration) error {
	select {
	case sf.pending <- txn:
		return nil
	case <-ctx.Done():
		return ErrGatewayClosed
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case sf.pending <- txn:
		return nil
	case <-t.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ErrGatewayClosed
	}
}

// Await blocks the calling session until the worker has produced the
// correlated response.
func (sf *Broker) Await(ctx context.Context, txn *Transaction) ([]byte, error) {
	select {
	case pdu := <-txn.result:
		return pdu, nil
	case <-ctx.Done():
		return nil, ErrGatewayClosed
	}
}
