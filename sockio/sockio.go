// Package sockio wraps net.Conn with the non-blocking recv/send vocabulary
// the connection state machine expects, classifying every I/O error into
// one of the transport error kinds instead of letting callers switch on
// raw net.OpError/syscall.Errno values.
package sockio

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	liberr "github.com/nabbar/golib/errors"
)

const MinPkgSockio liberr.CodeError = liberr.MinAvailable + 200

const (
	ErrorRecv liberr.CodeError = iota + MinPkgSockio
	ErrorSend
	ErrorSendFile
	ErrorSetOpt
)

func init() {
	liberr.RegisterIdFctMessage(ErrorRecv, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorRecv:
		return "socket recv failed"
	case ErrorSend:
		return "socket send failed"
	case ErrorSendFile:
		return "socket sendfile failed"
	case ErrorSetOpt:
		return "socket option could not be applied"
	}
	return ""
}

// Kind classifies a transport failure the way the parser/serializer need to
// branch on it: recoverable-and-retry vs. fatal-and-close.
type Kind int

const (
	KindOK Kind = iota
	KindWouldBlock
	KindInterrupted
	KindRemoteClosed
	KindConnReset
	KindBrokenPipe
	KindNotConnected
	KindNoMemory
	KindAddrFamily
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindWouldBlock:
		return "would-block"
	case KindInterrupted:
		return "interrupted"
	case KindRemoteClosed:
		return "remote-closed"
	case KindConnReset:
		return "connection-reset"
	case KindBrokenPipe:
		return "broken-pipe"
	case KindNotConnected:
		return "not-connected"
	case KindNoMemory:
		return "no-memory"
	case KindAddrFamily:
		return "address-family-unsupported"
	default:
		return "unknown"
	}
}

// Recoverable reports whether the caller should simply clear the readiness
// bit and retry on the next event-loop cycle rather than tearing down the
// connection.
func (k Kind) Recoverable() bool {
	return k == KindWouldBlock || k == KindInterrupted
}

// SocketError is the classified transport error returned by Recv/Send/SendFile.
type SocketError struct {
	Kind Kind
	Err  error
}

func (e *SocketError) Error() string {
	if e == nil || e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

// Classify maps a raw I/O error (from net.Conn.Read/Write or syscall-level
// helpers) into a SocketError. nil stays nil.
func Classify(err error) *SocketError {
	if err == nil {
		return nil
	}
	if err == io.EOF {
		return &SocketError{Kind: KindRemoteClosed, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &SocketError{Kind: KindWouldBlock, Err: err}
	}
	if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
		return &SocketError{Kind: KindWouldBlock, Err: err}
	}
	if errors.Is(err, syscall.EINTR) {
		return &SocketError{Kind: KindInterrupted, Err: err}
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return &SocketError{Kind: KindConnReset, Err: err}
	}
	if errors.Is(err, syscall.EPIPE) {
		return &SocketError{Kind: KindBrokenPipe, Err: err}
	}
	if errors.Is(err, syscall.ENOTCONN) {
		return &SocketError{Kind: KindNotConnected, Err: err}
	}
	if errors.Is(err, syscall.ENOMEM) || errors.Is(err, syscall.ENOBUFS) {
		return &SocketError{Kind: KindNoMemory, Err: err}
	}
	if errors.Is(err, syscall.EAFNOSUPPORT) {
		return &SocketError{Kind: KindAddrFamily, Err: err}
	}
	return &SocketError{Kind: KindUnknown, Err: err}
}

// Socket wraps a net.Conn with the recv/send/sendfile/cork/nodelay/linger
// vocabulary described by the connection state machine. It never blocks
// longer than the deadline the caller set beforehand.
type Socket struct {
	conn net.Conn
}

func Wrap(conn net.Conn) *Socket {
	return &Socket{conn: conn}
}

func (s *Socket) Raw() net.Conn { return s.conn }

// Recv reads into buf. A zero-length read with no error returns (0, nil);
// io.EOF from the peer is returned as a SocketError of KindRemoteClosed.
// Callers should check err first.
func (s *Socket) Recv(buf []byte) (int, *SocketError) {
	n, err := s.conn.Read(buf)
	if err != nil {
		return n, Classify(err)
	}
	return n, nil
}

// Send writes buf straight through. pushHint is ignored: Send never holds
// data back; corking happens only through an explicit SetCork call.
func (s *Socket) Send(buf []byte, pushHint bool) (int, *SocketError) {
	n, err := s.conn.Write(buf)
	if err != nil {
		return n, Classify(err)
	}
	return n, nil
}

// SendFile streams count bytes from f starting at offset directly to the
// socket. On TLS connections or platforms without a kernel sendfile path,
// callers fall back to a read-into-buffer loop instead of calling this.
func (s *Socket) SendFile(f *os.File, offset, count int64) (int64, *SocketError) {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		n, err := tc.ReadFrom(io.NewSectionReader(f, offset, count))
		if err != nil {
			return n, Classify(err)
		}
		return n, nil
	}
	n, err := io.Copy(s.conn, io.NewSectionReader(f, offset, count))
	if err != nil {
		return n, Classify(err)
	}
	return n, nil
}

func (s *Socket) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *Socket) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
func (s *Socket) Close() error                       { return s.conn.Close() }

// SetNoDelay toggles TCP_NODELAY when the underlying connection is a TCP
// socket. It is a no-op for UNIX-domain and already-wrapped TLS sockets.
func (s *Socket) SetNoDelay(on bool) error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		return tc.SetNoDelay(on)
	}
	return nil
}

// SetCork applies platform cork/nopush semantics (see cork_*.go) so small
// header and body writes can be coalesced into fewer packets.
func (s *Socket) SetCork(on bool) error {
	return setCork(s.conn, on)
}

// SetLingerHardClose configures SO_LINGER with a zero timeout so Close
// sends a RST instead of performing the usual FIN/ACK teardown, signalling
// corruption to the peer after a fatal post-header-flush error.
func (s *Socket) SetLingerHardClose() error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		return tc.SetLinger(0)
	}
	return nil
}

// ShutdownWrite sends a FIN on the write half while leaving the read half
// open, used when draining a client that may still be uploading.
func (s *Socket) ShutdownWrite() error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	if uc, ok := s.conn.(*net.UnixConn); ok {
		return uc.CloseWrite()
	}
	return nil
}
