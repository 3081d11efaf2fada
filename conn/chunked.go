package conn

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/nabbar/microd/reqrep"
)

// Chunked transfer-encoding decode/encode, byte-exact per RFC 7230 §4.1:
// hex size line with optional chunk-extensions (ignored), CRLF, data, CRLF;
// terminator is a zero-size chunk followed by optional trailers and a
// final CRLF. Line scanning and hex-size parsing follow the same shape as
// a from-scratch net/http-style chunked reader (readChunkLine/parseHexUint).

const maxChunkLineLength = 4096

var (
	errChunkLineTooLong = errors.New("conn: chunk header line too long")
	errInvalidChunkSize = errors.New("conn: invalid chunked framing")
)

// readChunkLine reads one CRLF-terminated line, trims trailing whitespace
// and strips any chunk-extension, leaving just the hex size (or "0").
func readChunkLine(b *bufio.Reader) ([]byte, error) {
	p, err := b.ReadSlice('\n')
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		} else if err == bufio.ErrBufferFull {
			err = errChunkLineTooLong
		}
		return nil, err
	}
	if len(p) >= maxChunkLineLength {
		return nil, errChunkLineTooLong
	}
	p = trimTrailingASCIISpace(p)
	if semi := bytes.IndexByte(p, ';'); semi != -1 {
		p = p[:semi]
	}
	return p, nil
}

func trimTrailingASCIISpace(b []byte) []byte {
	for len(b) > 0 {
		c := b[len(b)-1]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			b = b[:len(b)-1]
			continue
		}
		break
	}
	return b
}

func parseHexUint(v []byte) (uint64, error) {
	if len(v) == 0 {
		return 0, errInvalidChunkSize
	}
	var n uint64
	for i, b := range v {
		switch {
		case '0' <= b && b <= '9':
			b -= '0'
		case 'a' <= b && b <= 'f':
			b = b - 'a' + 10
		case 'A' <= b && b <= 'F':
			b = b - 'A' + 10
		default:
			return 0, errInvalidChunkSize
		}
		if i == 16 {
			return 0, errInvalidChunkSize
		}
		n <<= 4
		n |= uint64(b)
	}
	return n, nil
}

// chunkedReader decodes a chunked request body from a bufio.Reader, one
// chunk at a time, surfacing trailers on the request's UploadState once
// the terminating zero-size chunk has been consumed.
type chunkedReader struct {
	r       *bufio.Reader
	remain  uint64
	sawEOF  bool
	trailer *reqrep.Header
}

func newChunkedReader(r *bufio.Reader, trailer *reqrep.Header) *chunkedReader {
	return &chunkedReader{r: r, trailer: trailer}
}

// Next returns the next slice of chunk data, or (nil, true, nil) once the
// terminator and trailers have been fully consumed (EOF).
func (c *chunkedReader) Next(maxLen int) (data []byte, eof bool, err error) {
	if c.sawEOF {
		return nil, true, nil
	}
	if c.remain == 0 {
		line, lerr := readChunkLine(c.r)
		if lerr != nil {
			return nil, false, lerr
		}
		size, perr := parseHexUint(line)
		if perr != nil {
			return nil, false, perr
		}
		if size == 0 {
			if terr := c.readTrailer(); terr != nil {
				return nil, false, terr
			}
			c.sawEOF = true
			return nil, true, nil
		}
		c.remain = size
	}
	n := maxLen
	if uint64(n) > c.remain {
		n = int(c.remain)
	}
	buf := make([]byte, n)
	read, rerr := io.ReadFull(c.r, buf)
	if rerr != nil {
		return nil, false, rerr
	}
	c.remain -= uint64(read)
	if c.remain == 0 {
		// Consume the trailing CRLF after this chunk's data; anything
		// else on that line is invalid framing.
		line, lerr := readChunkLine(c.r)
		if lerr != nil {
			return nil, false, lerr
		}
		if len(line) != 0 {
			return nil, false, errInvalidChunkSize
		}
	}
	return buf[:read], false, nil
}

func (c *chunkedReader) readTrailer() error {
	for {
		line, err := readChunkLine(c.r)
		if err != nil {
			return err
		}
		if len(line) == 0 {
			return nil
		}
		if c.trailer == nil {
			continue
		}
		name, value, ok := splitHeaderLine(line)
		if ok {
			c.trailer.Add(name, value)
		}
	}
}

func splitHeaderLine(line []byte) (name, value string, ok bool) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	return string(bytes.TrimSpace(line[:idx])), string(bytes.TrimSpace(line[idx+1:])), true
}

// writeChunk emits one chunk frame: size<CRLF>data<CRLF>. An empty data
// slice is legal (e.g. a DCC producer choosing to flush nothing) and writes
// nothing, since a zero-size frame would read as the terminator; callers
// end the stream with writeChunkTerminator.
func writeChunk(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, formatHexLen(len(data))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// writeChunkTerminator emits the 0-size terminator chunk, any footers, and
// the final CRLF, exactly once per response — iff the DCC producer
// returned Finish.
func writeChunkTerminator(w io.Writer, footers reqrep.Header) error {
	if _, err := io.WriteString(w, "0\r\n"); err != nil {
		return err
	}
	for _, f := range footers.Fields() {
		if _, err := io.WriteString(w, f.Name+": "+f.Value+"\r\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func formatHexLen(n int) string {
	if n == 0 {
		return "0"
	}
	const digits = "0123456789abcdef"
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n&0xf]
		n >>= 4
	}
	return string(buf[i:])
}
