package conn

import (
	"bufio"
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/microd/reqrep"
)

var _ = Describe("chunkedReader", func() {
	It("decodes one chunk followed by the zero-size EOF chunk", func() {
		raw := "5\r\nhello\r\n0\r\n\r\n"
		r := bufio.NewReader(bytes.NewBufferString(raw))
		var trailer reqrep.Header
		cr := newChunkedReader(r, &trailer)

		data, eof, err := cr.Next(32)
		Expect(err).ToNot(HaveOccurred())
		Expect(eof).To(BeFalse())
		Expect(string(data)).To(Equal("hello"))

		_, eof, err = cr.Next(32)
		Expect(err).ToNot(HaveOccurred())
		Expect(eof).To(BeTrue())
	})

	It("strips chunk extensions and captures trailers", func() {
		raw := "3;foo=bar\r\nabc\r\n0\r\nX-Trailer: yes\r\n\r\n"
		r := bufio.NewReader(bytes.NewBufferString(raw))
		var trailer reqrep.Header
		cr := newChunkedReader(r, &trailer)

		data, _, err := cr.Next(32)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("abc"))

		_, eof, err := cr.Next(32)
		Expect(err).ToNot(HaveOccurred())
		Expect(eof).To(BeTrue())

		v, ok := trailer.Get("X-Trailer")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal("yes"))
	})
})

var _ = Describe("writeChunk / writeChunkTerminator", func() {
	It("round-trips a single chunk plus the terminator", func() {
		var buf bytes.Buffer
		Expect(writeChunk(&buf, []byte("XXXX"))).To(Succeed())

		var footers reqrep.Header
		Expect(writeChunkTerminator(&buf, footers)).To(Succeed())

		Expect(buf.String()).To(Equal("4\r\nXXXX\r\n0\r\n\r\n"))
	})
})

var _ = Describe("parseHexUint", func() {
	It("rejects an invalid hex digit", func() {
		_, err := parseHexUint([]byte("zz"))
		Expect(err).To(HaveOccurred())
	})
})
