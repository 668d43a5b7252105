package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/google/uuid"

	"github.com/serialtools/modbus-gateway/config"
)

// TCP Default idle & write timeout
const (
	TCPDefaultIdleTimeout  = 60 * time.Second
	TCPDefaultWriteTimeout = 1 * time.Second
)

// Server is the gateway process core: the TCP listener, one session per
// accepted connection, the broker between them and the single RTU
// worker that owns the serial transport.
type Server struct {
	mu           sync.Mutex
	listen       net.Listener
	wg           sync.WaitGroup
	cancel       context.CancelFunc
	idleTimeout  time.Duration
	writeTimeout time.Duration
	broker       *Broker
	worker       *rtuWorker
	transport    busTransport
	clogs
}

// NewServer builds a gateway from a validated configuration.
func NewServer(cfg *config.Config) *Server {
	srv := &Server{
		idleTimeout:  cfg.TCP.Timeout.Value(),
		writeTimeout: TCPDefaultWriteTimeout,
		broker:       newBroker(cfg.RTU.MaxPending),
		clogs:        clogs{newDefaultLogger("modbusGateway =>"), 0},
	}
	if srv.idleTimeout <= 0 {
		srv.idleTimeout = TCPDefaultIdleTimeout
	}
	srv.transport = newSerialPort(serial.Config{
		Address:  cfg.RTU.Port,
		BaudRate: cfg.RTU.Baudrate,
		DataBits: cfg.RTU.Bytesize,
		StopBits: cfg.RTU.Stopbits,
		Parity:   cfg.RTU.Parity,
		Timeout:  cfg.RTU.Timeout.Value(),
	}, cfg.RTU.InterFrameDelay.Value(), &srv.clogs)
	srv.worker = newRTUWorker(srv.transport, srv.broker, cfg.RTU.RetryCount, &srv.clogs)
	return srv
}

// setTransport swaps the bus transport, for tests.
func (sf *Server) setTransport(t busTransport) {
	sf.transport = t
	sf.worker.transport = t
}

// Close close the server
func (sf *Server) Close() error {
	sf.mu.Lock()
	if sf.listen != nil {
		sf.listen.Close()
		sf.cancel()
		sf.listen = nil
	}
	sf.mu.Unlock()
	sf.wg.Wait()
	return sf.transport.Close()
}

// ListenAndServe accepts connections on addr until Close. A serial
// device that cannot be opened is not fatal: requests fail fast with
// exception 0x0A and the reopen is retried on each new exchange.
func (sf *Server) ListenAndServe(addr string) error {
	if err := sf.transport.Open(); err != nil {
		sf.Errorf("serial open failed, continuing degraded: %v", err)
	}

	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	sf.mu.Lock()
	sf.listen = listen
	sf.cancel = cancel
	sf.mu.Unlock()

	sf.wg.Add(1)
	go func() {
		sf.worker.run(ctx)
		sf.wg.Done()
	}()

	defer func() {
		sf.Close()
		sf.Errorf("server stop")
	}()
	sf.Debugf("server running on %v", listen.Addr())
	for {
		conn, err := listen.Accept()
		if err != nil {
			return err
		}
		sf.wg.Add(1)
		go func() {
			sess := &session{
				id:           uuid.New().String(),
				conn:         conn,
				idleTimeout:  sf.idleTimeout,
				writeTimeout: sf.writeTimeout,
				broker:       sf.broker,
				clogs:        &sf.clogs,
			}
			sess.running(ctx)
			sf.wg.Done()
		}()
	}
}

// session serves one TCP connection. Sessions share nothing but the
// broker; a stalled peer affects only its own connection.
type session struct {
	id           string
	conn         net.Conn
	idleTimeout  time.Duration
	writeTimeout time.Duration
	broker       *Broker
	*clogs
}

func (sf *session) running(ctx context.Context) {
	var err error

	sf.Debugf("session %s: client(%v) -> server(%v) connected",
		sf.id, sf.conn.RemoteAddr(), sf.conn.LocalAddr())
	defer func() {
		sf.conn.Close()
		sf.Debugf("session %s: client(%v) disconnected, cause by %v",
			sf.id, sf.conn.RemoteAddr(), err)
	}()

	head := make([]byte, tcpHeaderMbapSize)
	for {
		select {
		case <-ctx.Done():
			err = ErrGatewayClosed
			return
		default:
		}

		// the deadline is absolute, it also bounds the PDU read below
		if err = sf.conn.SetReadDeadline(time.Now().Add(sf.idleTimeout)); err != nil {
			return
		}
		if _, err = io.ReadFull(sf.conn, head); err != nil {
			return
		}

		var hdr mbapHeader
		if hdr, err = decodeMBAPHeader(head); err != nil {
			// a peer that frames MBAP wrongly cannot be trusted to keep
			// byte alignment, drop the connection
			return
		}
		pdu := make([]byte, int(hdr.length)-1)
		if _, err = io.ReadFull(sf.conn, pdu); err != nil {
			return
		}
		sf.Debugf("session %s: RX [% x % x]", sf.id, head, pdu)

		var rsp []byte
		if rsp, err = sf.dispatch(ctx, hdr, pdu); err != nil {
			return
		}
		if err = sf.writeResponse(encodeTCPResponse(hdr.transactionID, hdr.unitID, rsp)); err != nil {
			return
		}
	}
}

// dispatch produces the response PDU for one request: locally for
// malformed requests, through the broker and bus otherwise.
func (sf *session) dispatch(ctx context.Context, hdr mbapHeader, pdu []byte) ([]byte, error) {
	var excErr *ExceptionError
	if verr := verifyRequestPDU(pdu); errors.As(verr, &excErr) {
		// malformed request fast path, never reaches the bus
		sf.Debugf("session %s: local exception: %v", sf.id, verr)
		return exceptionPDU(pdu[0], excErr.ExceptionCode), nil
	}

	txn := newTransaction(hdr.transactionID, hdr.unitID, pdu)
	if err := sf.broker.Submit(ctx, txn, sf.idleTimeout); err != nil {
		if errors.Is(err, ErrGatewayClosed) {
			return nil, err
		}
		// queue stayed full for the whole budget: the bus cannot keep up
		sf.Errorf("session %s: %v", sf.id, err)
		return exceptionPDU(pdu[0], ExceptionCodeGatewayTargetDeviceFailedToRespond), nil
	}
	return sf.broker.Await(ctx, txn)
}

func (sf *session) writeResponse(adu []byte) error {
	if err := sf.conn.SetWriteDeadline(time.Now().Add(sf.writeTimeout)); err != nil {
		return err
	}
	sf.Debugf("session %s: TX [% x]", sf.id, adu)
	_, err := sf.conn.Write(adu)
	return err
}
