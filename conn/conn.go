// Package conn implements the per-connection HTTP/1.x state machine:
// request parsing, the action dispatch to application callbacks, response
// assembly, and keep-alive. The serve loop's shape — blocking read,
// dispatch, reply, loop-or-close — is grounded on a from-scratch
// net/http-style connection loop; Go's goroutine-per-connection model lets
// it use ordinary blocking I/O, and the daemon package never polls a
// connection's socket for readiness itself.
package conn

import (
	"bufio"
	"io"
	"time"

	liberr "github.com/nabbar/golib/errors"

	"github.com/nabbar/microd/action"
	"github.com/nabbar/microd/arena"
	"github.com/nabbar/microd/reqrep"
	"github.com/nabbar/microd/sockio"
	"github.com/nabbar/microd/tlsadapter"
)

// RequestHandler is the on_request callback: invoked once per request
// after headers are fully received.
type RequestHandler func(req *reqrep.Request) action.Action

// TerminatedHandler is the unconditional on_request_terminated callback.
type TerminatedHandler func(req *reqrep.Request, code TerminationCode)

// EarlyURIHandler optionally rejects a request before headers parse.
type EarlyURIHandler func(uri string) bool

// Handlers bundles every application callback the engine dispatches to.
type Handlers struct {
	OnRequest    RequestHandler
	OnTerminated TerminatedHandler
	OnEarlyURI   EarlyURIHandler
}

// Limits bounds one connection's resource usage, sourced from the daemon
// configuration.
type Limits struct {
	ArenaSize       int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int64
	Strictness      Strictness
	SuppressDate    bool
}

// Connection is one TCP/TLS session. The bump arena and I/O buffers are
// allocated once and reused (reset, not reallocated) across pipelined
// requests on the same transport.
type Connection struct {
	ID         string
	RemoteAddr string
	Socket     *sockio.Socket
	TLS        *tlsadapter.Session

	state   State
	bufR    *bufio.Reader
	bufW    *bufio.Writer
	limits  Limits
	handler Handlers
	arena   *arena.Arena

	lastActivity time.Time
	closed       bool
	onActivity   func()
}

func New(id string, sock *sockio.Socket, tls *tlsadapter.Session, limits Limits, h Handlers) *Connection {
	return &Connection{
		ID:           id,
		RemoteAddr:   sock.Raw().RemoteAddr().String(),
		Socket:       sock,
		TLS:          tls,
		state:        StateInit,
		bufR:         bufio.NewReaderSize(sock.Raw(), bufSize(limits.ArenaSize)),
		bufW:         bufio.NewWriterSize(sock.Raw(), 4<<10),
		limits:       limits,
		handler:      h,
		arena:        arena.New(limits.ArenaSize),
		lastActivity: time.Now(),
	}
}

func bufSize(arenaSize int) int {
	if arenaSize <= 0 {
		return 4096
	}
	if arenaSize > 64<<10 {
		return 64 << 10
	}
	return arenaSize
}

func (c *Connection) State() State { return c.state }

func (c *Connection) setState(s State) { c.state = s }

// LastActivity reports when the connection last made read/parse progress,
// for the registry's idle-timeout sweep.
func (c *Connection) LastActivity() time.Time { return c.lastActivity }

// SetActivityHook installs a callback invoked every time the connection
// records progress (request parsed, upload chunk consumed). The daemon
// wires this to the registry's Touch so the idle-timeout sweep measures
// time since last activity rather than time since accept.
func (c *Connection) SetActivityHook(fn func()) { c.onActivity = fn }

// touch records progress and notifies the activity hook, if any.
func (c *Connection) touch() {
	c.lastActivity = time.Now()
	if c.onActivity != nil {
		c.onActivity()
	}
}

// ForceClose aborts the underlying socket, unblocking a pending Serve call
// so the daemon's timeout sweep can reclaim an idle or wedged connection.
func (c *Connection) ForceClose() {
	if c.closed {
		return
	}
	c.closed = true
	_ = c.Socket.Close()
}

// Serve runs the request/response loop until the connection closes, the
// peer stops sending (keep-alive disabled), or a fatal error occurs. It
// calls the terminated handler once for every request it finishes, and
// once with a nil request when the TLS handshake or request parsing fails.
func (c *Connection) Serve() {
	defer c.finalFlush()

	if c.TLS != nil {
		for c.TLS.State() != tlsadapter.StateEstablished {
			if err := c.TLS.Handshake(); err != nil {
				c.terminate(nil, TerminationReadError)
				return
			}
		}
		if c.TLS.IsHTTP2() {
			// ALPN negotiated h2: multiplexing is out of scope, refuse
			// cleanly instead of mis-parsing the preface as HTTP/1.x.
			c.terminate(nil, TerminationWithError)
			return
		}
	}

	for {
		c.setState(StateURL)
		if c.limits.ReadTimeout > 0 {
			_ = c.Socket.SetReadDeadline(time.Now().Add(c.limits.ReadTimeout))
		}

		req, perr := parseRequest(c.bufR, c.arena, c.limits.Strictness)
		if perr != nil {
			_ = writeCannedError(c.bufW, statusFromParseError(perr.GetCode()))
			c.terminate(nil, classifyParseTermination(perr))
			return
		}
		c.touch()
		c.setState(StateHeadersProcessed)

		if c.handler.OnEarlyURI != nil && !c.handler.OnEarlyURI(req.URL.Raw) {
			_ = writeCannedError(c.bufW, 403)
			c.terminate(req, TerminationWithError)
			return
		}

		keepAlive := c.decideKeepAlive(req)

		act := c.dispatchAction(req)

		switch act.Kind {
		case action.KindAbort:
			c.terminate(req, TerminationWithError)
			return
		case action.KindSuspend:
			c.setState(StateSuspended)
			c.terminate(req, TerminationCompletedOK)
			return
		case action.KindUpload:
			if err := c.maybeSendContinue(req); err != nil {
				c.terminate(req, TerminationWithError)
				return
			}
			if err := c.consumeUpload(req, act.Upload); err != nil {
				c.terminate(req, TerminationReadError)
				return
			}
		default:
			if err := c.drainBody(req); err != nil {
				c.terminate(req, TerminationReadError)
				return
			}
		}

		var resp *reqrep.Response
		if act.Kind == action.KindResponse {
			resp = act.Response
		} else {
			resp = reqrep.NewResponse(204, nil)
		}
		resp.Freeze()

		c.setState(StateHeadersSending)
		if c.limits.WriteTimeout > 0 {
			_ = c.Socket.SetWriteDeadline(time.Now().Add(c.limits.WriteTimeout))
		}
		if err := c.writeResponse(req, resp, keepAlive); err != nil {
			resp.Release()
			c.terminate(req, TerminationWithError)
			return
		}
		resp.Release()
		c.touch()
		c.setState(StateDone)
		c.terminate(req, TerminationCompletedOK)

		// Arena reset between pipelined requests — exactly once per
		// completed keep-alive cycle, per the bump-allocator contract.
		c.arena.Reset()

		if !keepAlive {
			return
		}
		c.setState(StateInit)
		if c.limits.IdleTimeout > 0 {
			_ = c.Socket.SetReadDeadline(time.Now().Add(c.limits.IdleTimeout))
			if _, err := c.bufR.Peek(1); err != nil {
				return
			}
		}
	}
}

func classifyParseTermination(perr liberr.Error) TerminationCode {
	if perr.GetCode() == ErrorBadRequestLine {
		return TerminationReadError
	}
	return TerminationWithError
}

func (c *Connection) dispatchAction(req *reqrep.Request) action.Action {
	if c.handler.OnRequest == nil {
		return action.Respond(reqrep.NewResponse(404, nil))
	}
	return c.handler.OnRequest(req)
}

// decideKeepAlive applies: persistent by default on HTTP/1.1 unless
// Connection: close; default off on HTTP/1.0 unless Connection: keep-alive.
func (c *Connection) decideKeepAlive(req *reqrep.Request) bool {
	conn, _ := req.Header.Get("Connection")
	switch {
	case req.ProtoAtLeast(1, 1):
		return !equalFold(conn, "close")
	default:
		return equalFold(conn, "keep-alive")
	}
}

// maybeSendContinue writes the interim 100 Continue response the first
// time the application signals readiness to consume the body (the
// KindUpload dispatch), when the client sent Expect: 100-continue. HTTP/1.0
// clients never receive it even if they send the header — §4.3's elide
// case — since the interim-response mechanism is an HTTP/1.1 feature.
func (c *Connection) maybeSendContinue(req *reqrep.Request) error {
	v, ok := req.Header.Get("Expect")
	if !ok || !equalFold(v, "100-continue") {
		return nil
	}
	if !req.ProtoAtLeast(1, 1) {
		return nil
	}
	c.setState(StateContinueSending)
	return writeContinue(c.bufW)
}

// consumeUpload feeds each received body chunk to the application's
// upload callback, finishing with exactly one content_data_size==0 call.
func (c *Connection) consumeUpload(req *reqrep.Request, spec action.UploadSpec) error {
	c.setState(StateBodyReceiving)
	bufSz := spec.LargeBufferSize
	if bufSz <= 0 {
		bufSz = 32 * 1024
	}
	emit := func(data []byte) action.UploadAction {
		if spec.Incremental != nil {
			return spec.Incremental(req, data)
		}
		if spec.Full != nil {
			return spec.Full(req, data)
		}
		return action.UploadContinueAction()
	}

	if req.Upload.Chunked {
		cr := newChunkedReader(c.bufR, &req.Upload.TrailerHeaders)
		for {
			data, eof, err := cr.Next(bufSz)
			if err != nil {
				return err
			}
			if eof {
				emit(nil)
				return nil
			}
			req.Upload.ReceivedSoFar += int64(len(data))
			c.touch()
			if a := emit(data); a.Kind == action.UploadAbort {
				return io.ErrClosedPipe
			}
		}
	}

	remaining := req.Upload.ExpectedSize
	for remaining > 0 {
		n := bufSz
		if int64(n) > remaining {
			n = int(remaining)
		}
		buf := make([]byte, n)
		read, err := io.ReadFull(c.bufR, buf)
		if err != nil {
			return err
		}
		remaining -= int64(read)
		req.Upload.ReceivedSoFar += int64(read)
		c.touch()
		if a := emit(buf[:read]); a.Kind == action.UploadAbort {
			return io.ErrClosedPipe
		}
	}
	emit(nil)
	return nil
}

// drainBody discards any body bytes for non-Upload actions so the
// connection stays byte-aligned for the next pipelined request.
func (c *Connection) drainBody(req *reqrep.Request) error {
	c.setState(StateBodyReceiving)
	if req.Upload.Chunked {
		cr := newChunkedReader(c.bufR, &req.Upload.TrailerHeaders)
		for {
			_, eof, err := cr.Next(32 * 1024)
			if err != nil {
				return err
			}
			if eof {
				return nil
			}
		}
	}
	if req.Upload.ExpectedSize > 0 {
		_, err := io.CopyN(io.Discard, c.bufR, req.Upload.ExpectedSize)
		return err
	}
	return nil
}

func (c *Connection) writeResponse(req *reqrep.Request, resp *reqrep.Response, keepAlive bool) error {
	fr, length := decideFraming(resp, req.ProtoMajor, req.ProtoMinor)
	if fr == framingEndByClose {
		keepAlive = false
	}
	if resp.Iovec != nil && resp.Iovec.Free != nil {
		// Runs exactly once, whether the body is fully written or not.
		defer resp.Iovec.Free()
	}
	if err := writeStatusLineAndHeaders(c.bufW, resp, fr, length, keepAlive, c.limits.SuppressDate); err != nil {
		return err
	}
	switch {
	case resp.Buffer != nil:
		c.setState(StateUnchunkedBodySending)
		if _, err := c.bufW.Write(resp.Buffer); err != nil {
			return err
		}
	case resp.File != nil:
		c.setState(StateUnchunkedBodySending)
		if _, err := io.Copy(c.bufW, io.NewSectionReader(resp.File.File, resp.File.Offset, resp.File.Length)); err != nil {
			return err
		}
	case resp.Iovec != nil:
		c.setState(StateUnchunkedBodySending)
		for _, chunk := range resp.Iovec.Chunks {
			if _, err := c.bufW.Write(chunk); err != nil {
				return err
			}
		}
	case resp.DCC != nil:
		if err := c.streamDCC(resp, fr == framingChunked); err != nil {
			return err
		}
	}
	return c.bufW.Flush()
}

// streamDCC writes the producer's output as chunk frames when chunked is
// true, and as raw bytes ended by connection close otherwise.
func (c *Connection) streamDCC(resp *reqrep.Response, chunked bool) error {
	c.setState(StateChunkedBodySending)
	writeData := func(data []byte) error {
		if chunked {
			return writeChunk(c.bufW, data)
		}
		_, err := c.bufW.Write(data)
		return err
	}
	finish := func(footer reqrep.Header) error {
		if chunked {
			return writeChunkTerminator(c.bufW, footer)
		}
		return nil
	}
	var pos int64
	for {
		res := resp.DCC.Produce(pos, 32*1024)
		switch res.Action {
		case reqrep.DCCAbort:
			return io.ErrClosedPipe
		case reqrep.DCCFinish:
			return finish(res.Footer)
		default:
			if len(res.Data) > 0 {
				if err := writeData(res.Data); err != nil {
					return err
				}
				pos += int64(len(res.Data))
			}
			if res.Action == reqrep.DCCContinue && len(res.Data) == 0 {
				// Producer yielded no data and did not finish: treat as
				// immediate completion rather than spin forever.
				return finish(res.Footer)
			}
		}
	}
}

func (c *Connection) terminate(req *reqrep.Request, code TerminationCode) {
	if c.handler.OnTerminated != nil {
		c.handler.OnTerminated(req, code)
	}
}

func (c *Connection) finalFlush() {
	if c.closed {
		return
	}
	c.closed = true
	_ = c.bufW.Flush()
	_ = c.Socket.Close()
	c.setState(StateClosed)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
