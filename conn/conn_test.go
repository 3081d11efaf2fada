package conn_test

import (
	"bufio"
	"io"
	"net"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/microd/action"
	. "github.com/nabbar/microd/conn"
	"github.com/nabbar/microd/reqrep"
	"github.com/nabbar/microd/sockio"
)

func newTestConn(h Handlers) (*Connection, net.Conn) {
	server, client := net.Pipe()
	limits := Limits{ArenaSize: 4096, SuppressDate: true}
	c := New("test", sockio.Wrap(server), nil, limits, h)
	return c, client
}

// readBodyAfterHeaders consumes the remaining header lines and the body that
// follows, tracking Content-Length to know how many body bytes to read.
func readBodyAfterHeaders(r *bufio.Reader) string {
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		Expect(err).ToNot(HaveOccurred())
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(trimmed), "content-length:") {
			fields := strings.SplitN(trimmed, ":", 2)
			contentLength = atoi(fields[1])
		}
	}
	if contentLength == 0 {
		return ""
	}
	buf := make([]byte, contentLength)
	_, err := io.ReadFull(r, buf)
	Expect(err).ToNot(HaveOccurred())
	return string(buf)
}

func atoi(s string) int {
	s = strings.TrimSpace(s)
	v := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + int(c-'0')
	}
	return v
}

var _ = Describe("Connection.Serve", func() {
	It("serves a simple GET", func() {
		h := Handlers{
			OnRequest: func(req *reqrep.Request) action.Action {
				Expect(req.Method).To(Equal(reqrep.MethodGET))
				Expect(req.URL.Path).To(Equal("/"))
				return action.Respond(reqrep.NewResponse(200, []byte("hi")))
			},
		}
		c, client := newTestConn(h)
		go c.Serve()

		_, err := client.Write([]byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n"))
		Expect(err).ToNot(HaveOccurred())

		r := bufio.NewReader(client)
		status, _ := r.ReadString('\n')
		Expect(status).To(HavePrefix("HTTP/1.1 200"))
		Expect(readBodyAfterHeaders(r)).To(Equal("hi"))
		client.Close()
	})

	It("delivers an upload body and a zero-length EOF marker", func() {
		var received []byte
		eofSeen := false
		h := Handlers{
			OnRequest: func(req *reqrep.Request) action.Action {
				return action.DoUpload(action.UploadSpec{
					Incremental: func(req *reqrep.Request, data []byte) action.UploadAction {
						if data == nil {
							eofSeen = true
							return action.UploadRespondAction(reqrep.NewResponse(204, nil))
						}
						received = append(received, data...)
						return action.UploadContinueAction()
					},
				})
			},
		}
		c, client := newTestConn(h)
		go c.Serve()

		req := "POST /u HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello"
		_, err := client.Write([]byte(req))
		Expect(err).ToNot(HaveOccurred())

		r := bufio.NewReader(client)
		status, _ := r.ReadString('\n')
		Expect(status).To(HavePrefix("HTTP/1.1 204"))
		Expect(string(received)).To(Equal("hello"))
		Expect(eofSeen).To(BeTrue())
		client.Close()
	})

	It("rejects conflicting Content-Length and Transfer-Encoding framing with 400", func() {
		h := Handlers{
			OnRequest: func(req *reqrep.Request) action.Action {
				Fail("handler must not be invoked for a malformed request")
				return action.Abort()
			},
		}
		c, client := newTestConn(h)
		go c.Serve()

		req := "POST /u HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\nhello"
		_, err := client.Write([]byte(req))
		Expect(err).ToNot(HaveOccurred())

		r := bufio.NewReader(client)
		status, _ := r.ReadString('\n')
		Expect(status).To(HavePrefix("HTTP/1.1 400"))
		client.Close()
	})

	It("dispatches two pipelined GETs in order with the arena reset between them", func() {
		var seen []string
		h := Handlers{
			OnRequest: func(req *reqrep.Request) action.Action {
				seen = append(seen, req.URL.Path)
				return action.Respond(reqrep.NewResponse(200, []byte(req.URL.Path)))
			},
		}
		c, client := newTestConn(h)
		go c.Serve()

		both := "GET /a HTTP/1.1\r\nHost: h\r\n\r\nGET /b HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n"
		_, err := client.Write([]byte(both))
		Expect(err).ToNot(HaveOccurred())

		r := bufio.NewReader(client)
		for i := 0; i < 2; i++ {
			status, _ := r.ReadString('\n')
			Expect(status).To(HavePrefix("HTTP/1.1 200"))
			readBodyAfterHeaders(r)
		}
		Expect(seen).To(Equal([]string{"/a", "/b"}))
	})

	It("sends a 100 Continue interim response for an HTTP/1.1 Expect: 100-continue upload", func() {
		h := Handlers{
			OnRequest: func(req *reqrep.Request) action.Action {
				return action.DoUpload(action.UploadSpec{
					Incremental: func(req *reqrep.Request, data []byte) action.UploadAction {
						if data == nil {
							return action.UploadRespondAction(reqrep.NewResponse(204, nil))
						}
						return action.UploadContinueAction()
					},
				})
			},
		}
		c, client := newTestConn(h)
		go c.Serve()

		req := "POST /u HTTP/1.1\r\nHost: h\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\nhello"
		_, err := client.Write([]byte(req))
		Expect(err).ToNot(HaveOccurred())

		r := bufio.NewReader(client)
		interim, _ := r.ReadString('\n')
		Expect(interim).To(Equal("HTTP/1.1 100 Continue\r\n"))
		blank, _ := r.ReadString('\n')
		Expect(blank).To(Equal("\r\n"))

		status, _ := r.ReadString('\n')
		Expect(status).To(HavePrefix("HTTP/1.1 204"))
		client.Close()
	})

	It("does not emit a 100 Continue for an HTTP/1.0 client sending Expect: 100-continue", func() {
		h := Handlers{
			OnRequest: func(req *reqrep.Request) action.Action {
				return action.DoUpload(action.UploadSpec{
					Incremental: func(req *reqrep.Request, data []byte) action.UploadAction {
						if data == nil {
							return action.UploadRespondAction(reqrep.NewResponse(204, nil))
						}
						return action.UploadContinueAction()
					},
				})
			},
		}
		c, client := newTestConn(h)
		go c.Serve()

		req := "POST /u HTTP/1.0\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\nhello"
		_, err := client.Write([]byte(req))
		Expect(err).ToNot(HaveOccurred())

		r := bufio.NewReader(client)
		status, _ := r.ReadString('\n')
		Expect(status).To(HavePrefix("HTTP/1.1 204"))
		client.Close()
	})

	It("does not hang Serve when the client sets then closes its own deadline", func() {
		h := Handlers{OnRequest: func(req *reqrep.Request) action.Action {
			return action.Respond(reqrep.NewResponse(200, nil))
		}}
		c, client := newTestConn(h)
		done := make(chan struct{})
		go func() {
			c.Serve()
			close(done)
		}()
		Expect(client.SetDeadline(time.Now().Add(time.Second))).ToNot(HaveOccurred())
		client.Close()
		Eventually(done, time.Second).Should(BeClosed())
	})
})
