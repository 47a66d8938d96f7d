package endpoint

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/c360/udpkit/datagram"
	"github.com/c360/udpkit/errors"
)

// socket owns the underlying UDP connection and its open/close lifecycle.
// The poll loop is the only reader; sends may come from any goroutine.
type socket struct {
	mu      sync.RWMutex
	laddr   *net.UDPAddr
	conn    *net.UDPConn
	mtu     int
	readBuf []byte
	logger  *slog.Logger
}

func newSocket(laddr *net.UDPAddr, mtu int, logger *slog.Logger) *socket {
	return &socket{
		laddr:  laddr,
		mtu:    mtu,
		logger: logger,
	}
}

// open binds the socket to its resolved local address. Calling open on an
// already-open socket is a no-op.
func (s *socket) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	conn, err := net.ListenUDP("udp", s.laddr)
	if err != nil {
		if stderrors.Is(err, syscall.EADDRINUSE) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrBind, err),
				"socket", "open", fmt.Sprintf("bind %s", s.laddr))
		}
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrAddress, err),
			"socket", "open", fmt.Sprintf("bind %s", s.laddr))
	}

	// Pick up the OS-assigned port for ephemeral binds
	if bound, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		s.laddr = bound
	}

	s.conn = conn
	s.readBuf = make([]byte, s.mtu)
	s.logger.Debug("socket bound", "local_addr", s.laddr.String(), "max_payload", s.mtu)
	return nil
}

// close releases the underlying socket. Idempotent.
func (s *socket) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.readBuf = nil
	if err != nil {
		return errors.WrapTransient(err, "socket", "close", "release")
	}
	return nil
}

func (s *socket) isOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// localAddr returns the bound (or resolved) local address.
func (s *socket) localAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.laddr
}

// setMaxPayloadSize reconfigures the receive buffer size. Rejected while the
// socket is open.
func (s *socket) setMaxPayloadSize(n, ceiling int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: socket is open", errors.ErrState),
			"socket", "setMaxPayloadSize", "state check")
	}
	if n < 1 || n > ceiling {
		return errors.WrapInvalid(
			fmt.Errorf("%w: size %d outside 1..%d", errors.ErrState, n, ceiling),
			"socket", "setMaxPayloadSize", "size validation")
	}

	s.mtu = n
	return nil
}

func (s *socket) maxPayloadSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mtu
}

// receiveOnce performs exactly one blocking read bounded by timeout.
//
// Returns (datagram, true, nil) on success, (zero, false, nil) when the
// timeout expired with no data, and (zero, false, err) on faults: a fatal
// classified error when the socket is closed, a transient one otherwise.
func (s *socket) receiveOnce(timeout time.Duration) (datagram.Datagram, bool, error) {
	var zero datagram.Datagram

	s.mu.RLock()
	conn := s.conn
	buf := s.readBuf
	s.mu.RUnlock()

	if conn == nil {
		return zero, false, errors.WrapFatal(errors.ErrSocketClosed,
			"socket", "receiveOnce", "read")
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return zero, false, errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrSocketClosed, err),
			"socket", "receiveOnce", "deadline")
	}

	n, raddr, err := conn.ReadFromUDP(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			// No data within the read timeout: a normal outcome, not an error
			return zero, false, nil
		}
		if stderrors.Is(err, net.ErrClosed) {
			return zero, false, errors.WrapFatal(
				fmt.Errorf("%w: %v", errors.ErrSocketClosed, err),
				"socket", "receiveOnce", "read")
		}
		return zero, false, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrTransport, err),
			"socket", "receiveOnce", "read")
	}

	return datagram.FromUDPAddr(raddr, buf[:n]), true, nil
}

// send transmits the datagram's payload to its remote address and port.
// Transport faults are reported as transient; the socket remains usable.
func (s *socket) send(dg datagram.Datagram) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return errors.WrapInvalid(errors.ErrNotOpen, "socket", "send", "state check")
	}

	dst, err := dg.UDPAddr()
	if err != nil {
		return err
	}

	if _, err := conn.WriteToUDP(dg.Payload(), dst); err != nil {
		if stderrors.Is(err, net.ErrClosed) {
			return errors.WrapInvalid(errors.ErrNotOpen, "socket", "send", "state check")
		}
		return errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrTransport, err),
			"socket", "send", fmt.Sprintf("write to %s", dst))
	}
	return nil
}
