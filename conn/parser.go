package conn

import (
	"bufio"
	"bytes"
	"errors"
	"net/url"
	"strconv"
	"strings"

	liberr "github.com/nabbar/golib/errors"

	"github.com/nabbar/microd/arena"
	"github.com/nabbar/microd/reqrep"
)

const MinPkgConn liberr.CodeError = liberr.MinAvailable + 600

const (
	ErrorBadRequestLine liberr.CodeError = iota + MinPkgConn
	ErrorUnsupportedVersion
	ErrorHeaderFold
	ErrorDuplicateHeader
	ErrorConflictingFraming
	ErrorOversizedHeaders
	ErrorInvalidChunkedFraming
	ErrorMissingHost
	ErrorTooManyHosts
	ErrorMalformedHost
)

func init() {
	liberr.RegisterIdFctMessage(ErrorBadRequestLine, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorBadRequestLine:
		return "malformed request-line"
	case ErrorUnsupportedVersion:
		return "unsupported HTTP version"
	case ErrorHeaderFold:
		return "obsolete header line folding is rejected under default strictness"
	case ErrorDuplicateHeader:
		return "duplicate singular header"
	case ErrorConflictingFraming:
		return "conflicting Content-Length and Transfer-Encoding framing"
	case ErrorOversizedHeaders:
		return "request header block exceeds the arena capacity"
	case ErrorInvalidChunkedFraming:
		return "invalid chunked transfer-encoding framing"
	case ErrorMissingHost:
		return "missing required Host header"
	case ErrorTooManyHosts:
		return "too many Host headers"
	case ErrorMalformedHost:
		return "malformed Host header"
	}
	return ""
}

// statusFromParseError maps a parse-stage classification to the canned
// response status the engine emits before closing.
func statusFromParseError(code liberr.CodeError) int {
	switch code {
	case ErrorUnsupportedVersion:
		return 505
	case ErrorOversizedHeaders:
		return 431
	default:
		return 400
	}
}

// ParsedRequest pairs a fully-headers-read Request with a response status.
// parseRequest does not use it: it returns the Request and a classified
// parse error directly.
type ParsedRequest struct {
	Req    *reqrep.Request
	Status int
}

// parseRequest reads one request-line plus header block from r, using a as
// scratch storage for header names/values so they outlive the bufio
// reader's internal buffer without a second heap allocation per field.
func parseRequest(r *bufio.Reader, a *arena.Arena, strict Strictness) (*reqrep.Request, liberr.Error) {
	line, err := readRequestLine(r)
	if err != nil {
		if le, ok := err.(liberr.Error); ok {
			return nil, le
		}
		return nil, ErrorBadRequestLine.Error(err)
	}
	method, target, version, ok := parseRequestLine(string(line))
	if !ok {
		return nil, ErrorBadRequestLine.Error(errors.New(string(line)))
	}
	major, minor, ok := parseVersion(version)
	if !ok || major != 1 || (minor != 0 && minor != 1) {
		return nil, ErrorUnsupportedVersion.Error(errors.New(version))
	}

	req := &reqrep.Request{
		Method:     reqrep.Method(method),
		RawMethod:  method,
		ProtoMajor: major,
		ProtoMinor: minor,
	}
	if method != "CONNECT" {
		u, perr := url.ParseRequestURI(target)
		if perr != nil {
			return nil, ErrorBadRequestLine.Error(perr)
		}
		req.URL = reqrep.URL{Raw: target, Path: u.Path, RawQuery: u.RawQuery, Query: u.Query()}
	} else {
		req.URL = reqrep.URL{Raw: target, Path: target}
	}

	if perr := parseHeaderBlock(r, a, &req.Header, strict); perr != nil {
		return nil, perr
	}

	hosts := req.Header.Values("Host")
	if req.ProtoAtLeast(1, 1) && len(hosts) == 0 && req.Method != reqrep.MethodCONNECT {
		return nil, ErrorMissingHost.Error(nil)
	}
	if len(hosts) > 1 {
		return nil, ErrorTooManyHosts.Error(nil)
	}

	if req.Header.Count("Content-Length") > 1 || req.Header.Count("Host") > 1 || req.Header.Count("Transfer-Encoding") > 1 {
		return nil, ErrorDuplicateHeader.Error(nil)
	}

	cl, hasCL := req.Header.Get("Content-Length")
	te, hasTE := req.Header.Get("Transfer-Encoding")
	chunked := hasTE && strings.EqualFold(strings.TrimSpace(te), "chunked")
	if hasCL && chunked {
		return nil, ErrorConflictingFraming.Error(nil)
	}
	req.Upload.Chunked = chunked
	if chunked {
		req.Upload.ExpectedSize = -1
	} else if hasCL {
		n, perr := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if perr != nil || n < 0 {
			return nil, ErrorBadRequestLine.Error(perr)
		}
		req.Upload.ExpectedSize = n
	} else {
		req.Upload.ExpectedSize = 0
	}

	return req, nil
}

// readRequestLine reads one CRLF-terminated line without the chunk-decoder's
// extension-stripping (a request-target may legitimately contain ';').
func readRequestLine(r *bufio.Reader) ([]byte, error) {
	p, err := r.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			return nil, ErrorOversizedHeaders.Error(nil)
		}
		return nil, err
	}
	if len(p) >= maxChunkLineLength {
		return nil, ErrorOversizedHeaders.Error(nil)
	}
	return trimTrailingASCIISpace(p), nil
}

func parseRequestLine(line string) (method, target, version string, ok bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func parseVersion(v string) (major, minor int, ok bool) {
	if !strings.HasPrefix(v, "HTTP/") {
		return 0, 0, false
	}
	v = v[len("HTTP/"):]
	dot := strings.IndexByte(v, '.')
	if dot < 0 {
		return 0, 0, false
	}
	maj, err1 := strconv.Atoi(v[:dot])
	min, err2 := strconv.Atoi(v[dot+1:])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return maj, min, true
}

// parseHeaderBlock reads CRLF-terminated header lines until the blank
// line, rejecting obs-fold under default strictness (substituting a single
// space under lenient).
func parseHeaderBlock(r *bufio.Reader, a *arena.Arena, h *reqrep.Header, strict Strictness) liberr.Error {
	for {
		raw, err := r.ReadSlice('\n')
		if err != nil {
			return ErrorOversizedHeaders.Error(err)
		}
		line := trimTrailingASCIISpace(raw)
		if len(line) == 0 {
			return nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if strict != StrictnessLenient {
				return ErrorHeaderFold.Error(nil)
			}
			// Lenient mode: fold into the previous field's value with a
			// single substituted space.
			if h.Len() == 0 {
				return ErrorHeaderFold.Error(nil)
			}
			fields := h.Fields()
			last := &fields[len(fields)-1]
			last.Value += " " + string(bytes.TrimSpace(line))
			continue
		}
		name, value, ok := splitHeaderLine(line)
		if !ok {
			return ErrorBadRequestLine.Error(nil)
		}
		sname, ok := a.AllocString(name)
		if !ok {
			return ErrorOversizedHeaders.Error(nil)
		}
		svalue, ok := a.AllocString(value)
		if !ok {
			return ErrorOversizedHeaders.Error(nil)
		}
		h.Add(sname, svalue)
	}
}
