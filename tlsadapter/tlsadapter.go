// Package tlsadapter wraps a crypto/tls session behind the opaque
// handshake/recv/send/shutdown vocabulary the connection state machine
// expects, so the core never imports crypto/tls directly. Certificate
// loading and trust-store configuration are delegated to
// github.com/nabbar/golib/certificates, matching how the rest of the
// ambient stack keeps TLS material out of the wire-protocol layer.
package tlsadapter

import (
	"crypto/tls"
	"net"

	libtls "github.com/nabbar/golib/certificates"
	liberr "github.com/nabbar/golib/errors"
	"golang.org/x/net/http2"
)

const MinPkgTLSAdapter liberr.CodeError = liberr.MinAvailable + 300

const (
	ErrorHandshake liberr.CodeError = iota + MinPkgTLSAdapter
	ErrorUnsupportedKey
	ErrorShutdown
)

func init() {
	liberr.RegisterIdFctMessage(ErrorHandshake, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorHandshake:
		return "TLS handshake failed"
	case ErrorUnsupportedKey:
		return "unsupported private key algorithm"
	case ErrorShutdown:
		return "TLS shutdown failed"
	}
	return ""
}

// State is the suspension point a handshake or shutdown may be parked in,
// on top of the two base states Established/Closed.
type State int

const (
	StateEstablished State = iota
	StateHandshakeNeedsRead
	StateHandshakeNeedsWrite
	StateShutdownPending
	StateClosed
)

// KeyAlgorithm enumerates the private-key algorithms the adapter will load.
// DSA is intentionally absent: the original decode path for it was disabled
// and never revived, so this adapter never advertises DSA support.
type KeyAlgorithm int

const (
	KeyRSA KeyAlgorithm = iota
	KeyECDSA
	KeyEd25519
)

// Provider is the narrow slice of github.com/nabbar/golib/certificates'
// TLSConfig this adapter depends on: building a *tls.Config scoped to one
// server name (SNI-aware certificate selection, trust store, cipher/curve
// policy all live on the concrete TLSConfig implementation).
type Provider interface {
	TLS(serverName string) *tls.Config
}

var _ Provider = libtls.TLSConfig(nil)

// Session is one TLS connection's handshake/recv/send/shutdown state,
// mirroring the "opaque per-connection" adapter the state machine treats
// transparently aside from its two extra suspension states.
type Session struct {
	conn  *tls.Conn
	state State
}

// NewSession wraps raw as a server-side TLS connection using cfg (normally
// a github.com/nabbar/golib/certificates TLSConfig for serverName).
func NewSession(raw net.Conn, cfg Provider, serverName string) *Session {
	tc := cfg.TLS(serverName)
	return &Session{conn: tls.Server(raw, tc), state: StateHandshakeNeedsRead}
}

// Conn exposes the underlying *tls.Conn for cases (sendfile fallback,
// ConnectionState inspection) that need it directly.
func (s *Session) Conn() *tls.Conn { return s.conn }

// State reports the adapter's current suspension point.
func (s *Session) State() State { return s.state }

// Handshake advances the TLS handshake. It returns a nil error and leaves
// State() at StateHandshakeNeedsRead when a deadline fires before the
// handshake can complete (StateHandshakeNeedsWrite is never set);
// StateEstablished once done.
func (s *Session) Handshake() liberr.Error {
	err := s.conn.Handshake()
	if err == nil {
		s.state = StateEstablished
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		// A read/write deadline firing mid-handshake just means "need more
		// I/O"; the event loop re-arms the socket and calls Handshake again.
		s.state = StateHandshakeNeedsRead
		return nil
	}
	return ErrorHandshake.Error(err)
}

// NegotiatedProtocol returns the ALPN protocol negotiated during the
// handshake, empty if none or not yet established.
func (s *Session) NegotiatedProtocol() string {
	if s.state != StateEstablished {
		return ""
	}
	return s.conn.ConnectionState().NegotiatedProtocol
}

// IsHTTP2 reports whether the peer negotiated "h2" over ALPN. The engine
// rejects such connections cleanly instead of attempting to parse an
// HTTP/2 preface as HTTP/1.x, since multiplexing is out of scope.
func (s *Session) IsHTTP2() bool {
	return s.NegotiatedProtocol() == http2.NextProtoTLS
}

// HasDataPending reports whether the caller's own buffered reader (placed
// in front of the session the way conn.Connection's bufR sits in front of the raw
// socket) still holds unconsumed plaintext. crypto/tls exposes no public
// record-buffering introspection, so the event loop tracks this itself via
// bufio.Reader.Buffered() instead of asking the Session — this method only
// documents the extra readiness signal the state machine must honour.
func (s *Session) HasDataPending(bufferedPlaintext int) bool {
	return bufferedPlaintext > 0
}

// Shutdown performs the TLS close_notify exchange. Like Handshake, it may
// need to be called again if it reports StateShutdownPending.
func (s *Session) Shutdown() liberr.Error {
	s.state = StateShutdownPending
	if err := s.conn.CloseWrite(); err != nil {
		return ErrorShutdown.Error(err)
	}
	s.state = StateClosed
	return nil
}
