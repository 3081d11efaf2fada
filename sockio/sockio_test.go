package sockio_test

import (
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/nabbar/microd/sockio"
)

func pipeSockets() (*Socket, *Socket) {
	c1, c2 := net.Pipe()
	return Wrap(c1), Wrap(c2)
}

var _ = Describe("Socket.Send / Socket.Recv", func() {
	It("round-trips bytes written on one end and read on the other", func() {
		a, b := pipeSockets()
		defer a.Close()
		defer b.Close()

		type result struct {
			n    int
			data []byte
			err  *SocketError
		}
		done := make(chan result, 1)
		go func() {
			buf := make([]byte, 5)
			n, serr := b.Recv(buf)
			done <- result{n: n, data: buf[:n], err: serr}
		}()

		_, serr := a.Send([]byte("hello"), true)
		Expect(serr).To(BeNil())

		got := <-done
		Expect(got.err).To(BeNil())
		Expect(string(got.data)).To(Equal("hello"))
	})

	It("classifies a read deadline expiry as would-block, and would-block is recoverable", func() {
		a, b := pipeSockets()
		defer a.Close()
		defer b.Close()

		Expect(a.SetReadDeadline(time.Now().Add(10 * time.Millisecond))).ToNot(HaveOccurred())

		buf := make([]byte, 4)
		_, serr := a.Recv(buf)
		Expect(serr).ToNot(BeNil())
		Expect(serr.Kind).To(Equal(KindWouldBlock))
		Expect(serr.Kind.Recoverable()).To(BeTrue())
	})
})

var _ = Describe("Classify", func() {
	It("returns nil for a nil error", func() {
		Expect(Classify(nil)).To(BeNil())
	})
})
