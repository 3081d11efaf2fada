package conn

import (
	"bufio"
	"strconv"
	"time"

	"github.com/nabbar/microd/reqrep"
)

var statusText = map[int]string{
	100: "Continue",
	200: "OK",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	413: "Payload Too Large",
	417: "Expectation Failed",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
	505: "HTTP Version Not Supported",
}

func reasonPhrase(status int) string {
	if t, ok := statusText[status]; ok {
		return t
	}
	return "Status"
}

// framing decides, from Response properties and request version, exactly
// one of {Content-Length, Transfer-Encoding: chunked, end-by-close}.
type framing int

const (
	framingNone framing = iota
	framingContentLength
	framingChunked
	framingEndByClose
)

func decideFraming(resp *reqrep.Response, reqMajor, reqMinor int) (framing, int64) {
	if resp.Buffer != nil {
		return framingContentLength, int64(len(resp.Buffer))
	}
	if resp.File != nil {
		return framingContentLength, resp.File.Length
	}
	if resp.Iovec != nil {
		var n int64
		for _, c := range resp.Iovec.Chunks {
			n += int64(len(c))
		}
		return framingContentLength, n
	}
	if resp.DCC != nil {
		if reqMajor > 1 || (reqMajor == 1 && reqMinor >= 1) {
			return framingChunked, -1
		}
		return framingEndByClose, -1
	}
	return framingNone, 0
}

// writeStatusLineAndHeaders assembles the status line and header block in
// one contiguous buffered write, including Date unless suppressed and
// Connection: close when close-before-keepalive applies.
func writeStatusLineAndHeaders(w *bufio.Writer, resp *reqrep.Response, fr framing, length int64, keepAlive bool, suppressDate bool) error {
	if _, err := w.WriteString("HTTP/1.1 " + strconv.Itoa(resp.Status) + " " + reasonPhrase(resp.Status) + "\r\n"); err != nil {
		return err
	}
	for _, f := range resp.Header.Fields() {
		if _, err := w.WriteString(f.Name + ": " + f.Value + "\r\n"); err != nil {
			return err
		}
	}
	switch fr {
	case framingContentLength:
		if _, err := w.WriteString("Content-Length: " + strconv.FormatInt(length, 10) + "\r\n"); err != nil {
			return err
		}
	case framingChunked:
		if _, err := w.WriteString("Transfer-Encoding: chunked\r\n"); err != nil {
			return err
		}
	}
	if !suppressDate {
		if _, err := w.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123) + "\r\n"); err != nil {
			return err
		}
	}
	if keepAlive {
		if _, err := w.WriteString("Connection: keep-alive\r\n"); err != nil {
			return err
		}
	} else {
		if _, err := w.WriteString("Connection: close\r\n"); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\r\n")
	return err
}

// writeContinue emits the interim 100 Continue status line with no headers
// and no terminating blank-line-after-body, per RFC 7231 §5.1.1 — the real
// response that follows carries its own status line and headers untouched.
func writeContinue(w *bufio.Writer) error {
	if _, err := w.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// writeCannedError emits one of the fixed 400/413/431/501/505-class
// responses the engine produces on a parse-stage error, then the caller
// closes the connection.
func writeCannedError(w *bufio.Writer, status int) error {
	body := reasonPhrase(status)
	if _, err := w.WriteString("HTTP/1.1 " + strconv.Itoa(status) + " " + body + "\r\n"); err != nil {
		return err
	}
	if _, err := w.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n"); err != nil {
		return err
	}
	if _, err := w.WriteString("Connection: close\r\n\r\n"); err != nil {
		return err
	}
	if _, err := w.WriteString(body); err != nil {
		return err
	}
	return w.Flush()
}
