package daemon

import (
	"bufio"
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/microd/action"
	"github.com/nabbar/microd/config"
	"github.com/nabbar/microd/conn"
	"github.com/nabbar/microd/reqrep"
)

func baseConfig(threads config.ThreadModel) config.Config {
	return config.Config{
		Name:              "test",
		Network:           "tcp",
		Listen:            "127.0.0.1:0",
		Poller:            config.PollerPoll,
		Threads:           threads,
		MaxConnections:    16,
		ConnectionTimeout: time.Second,
		SweepInterval:     20 * time.Millisecond,
		ArenaSize:         4096,
		MaxHeaderBytes:    8192,
	}
}

func echoHandlers() conn.Handlers {
	return conn.Handlers{
		OnRequest: func(req *reqrep.Request) action.Action {
			return action.Respond(reqrep.NewResponse(200, []byte("ok")))
		},
	}
}

// waitForListener polls until the daemon's listener is bound and returns its
// address, since port 0 binds asynchronously relative to the caller.
func waitForListener(d *Daemon) string {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if fd, ok := d.ListenerFD(); ok && fd > 0 {
			if ln := d.listener.Load(); ln != nil {
				return ln.Addr().String()
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	Fail("listener never became ready")
	return ""
}

var _ = Describe("New", func() {
	It("rejects a missing OnRequest handler", func() {
		cfg := baseConfig(config.ThreadInternalSingle)
		_, err := New(cfg, conn.Handlers{}, nil, nil)
		Expect(err).To(HaveOccurred())
	})

	It("rejects an invalid config", func() {
		cfg := baseConfig(config.ThreadInternalSingle)
		cfg.Network = "not-a-network"
		_, err := New(cfg, echoHandlers(), nil, nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Daemon", func() {
	It("serves one request under the thread-per-connection model", func() {
		cfg := baseConfig(config.ThreadPerConnection)
		d, err := New(cfg, echoHandlers(), nil, nil)
		Expect(err).ToNot(HaveOccurred())

		Expect(d.Start(context.Background())).To(Succeed())
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = d.Stop(stopCtx)
		}()

		fd, ok := d.ListenerFD()
		Expect(ok).To(BeTrue())
		Expect(fd).To(BeNumerically(">", 0))

		addr := waitForListener(d)
		c, derr := net.DialTimeout("tcp", addr, time.Second)
		Expect(derr).ToNot(HaveOccurred())
		defer c.Close()

		_, _ = c.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, rerr := bufio.NewReader(c).ReadString('\n')
		Expect(rerr).ToNot(HaveOccurred())
		Expect(line).To(Equal("HTTP/1.1 200 OK\r\n"))
	})

	It("dispatches connections across worker-pool shards", func() {
		cfg := baseConfig(config.ThreadWorkerPool)
		cfg.WorkerPoolSize = 3
		d, err := New(cfg, echoHandlers(), nil, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.pool).ToNot(BeNil())
		Expect(d.pool.shards).To(HaveLen(3))

		Expect(d.Start(context.Background())).To(Succeed())
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = d.Stop(stopCtx)
		}()

		addr := waitForListener(d)
		for i := 0; i < 6; i++ {
			c, derr := net.DialTimeout("tcp", addr, time.Second)
			Expect(derr).ToNot(HaveOccurred())
			_, _ = c.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _ = bufio.NewReader(c).ReadString('\n')
			_ = c.Close()
		}
	})

	It("fails HealthCheck before Start", func() {
		cfg := baseConfig(config.ThreadInternalSingle)
		d, err := New(cfg, echoHandlers(), nil, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(d.HealthCheck(context.Background())).To(HaveOccurred())
	})

	It("ignores ProcessEvents outside the external-events model", func() {
		cfg := baseConfig(config.ThreadInternalSingle)
		d, err := New(cfg, echoHandlers(), nil, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(func() {
			d.ProcessEvents([]Event{{FD: 1, Readable: true}})
		}).ToNot(Panic())
	})
})
