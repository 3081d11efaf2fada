package pool_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/microd/action"
	"github.com/nabbar/microd/config"
	"github.com/nabbar/microd/conn"
	"github.com/nabbar/microd/daemon"
	. "github.com/nabbar/microd/pool"
	"github.com/nabbar/microd/reqrep"
)

func newTestDaemon(name string) *daemon.Daemon {
	cfg := config.Config{
		Name:              name,
		Network:           "tcp",
		Listen:            "127.0.0.1:0",
		Poller:            config.PollerPoll,
		Threads:           config.ThreadPerConnection,
		MaxConnections:    8,
		ConnectionTimeout: time.Second,
		SweepInterval:     20 * time.Millisecond,
		ArenaSize:         4096,
		MaxHeaderBytes:    8192,
	}
	h := conn.Handlers{
		OnRequest: func(req *reqrep.Request) action.Action {
			return action.Respond(reqrep.NewResponse(200, []byte("ok")))
		},
	}
	d, err := daemon.New(cfg, h, nil, nil)
	Expect(err).ToNot(HaveOccurred())
	return d
}

var _ = Describe("Pool.Add", func() {
	It("rejects a duplicate name while the existing daemon is running", func() {
		p := New()
		d1 := newTestDaemon("svc")
		Expect(p.Add(d1)).ToNot(HaveOccurred())

		Expect(d1.Start(context.Background())).To(Succeed())
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = d1.Stop(stopCtx)
		}()

		d2 := newTestDaemon("svc")
		Expect(p.Add(d2)).To(HaveOccurred())
	})
})

var _ = Describe("Pool.List / Pool.Filter", func() {
	It("matches by name and by substring", func() {
		p := New()
		a := newTestDaemon("alpha")
		b := newTestDaemon("beta")
		Expect(p.Add(a, b)).ToNot(HaveOccurred())

		names := p.List(FieldName, FieldName, "al", "")
		Expect(names).To(Equal([]string{"alpha"}))

		filtered := p.Filter(FieldName, "a", "")
		Expect(filtered).To(HaveLen(2))
	})
})

var _ = Describe("Pool.Has / Del / Len", func() {
	It("tracks membership across Add and Del", func() {
		p := New()
		d := newTestDaemon("gamma")
		Expect(p.Add(d)).ToNot(HaveOccurred())

		Expect(p.Has("gamma")).To(BeTrue())
		Expect(p.Len()).To(Equal(1))

		p.Del("gamma")
		Expect(p.Has("gamma")).To(BeFalse())
		Expect(p.Len()).To(Equal(0))
	})
})

var _ = Describe("Pool.IsRunning", func() {
	It("distinguishes at-least-one from all-running", func() {
		p := New()
		a := newTestDaemon("one")
		b := newTestDaemon("two")
		Expect(p.Add(a, b)).ToNot(HaveOccurred())

		Expect(a.Start(context.Background())).To(Succeed())
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = a.Stop(stopCtx)
		}()

		Expect(p.IsRunning(false)).To(BeFalse())
		Expect(p.IsRunning(true)).To(BeTrue())
	})
})

var _ = Describe("Pool.Merge", func() {
	It("surfaces validation failures and unknown names", func() {
		p := New()
		d := newTestDaemon("svc")
		Expect(p.Add(d)).ToNot(HaveOccurred())

		Expect(p.Merge("svc", config.Config{Network: "not-a-network"})).To(HaveOccurred())
		Expect(p.Merge("missing", config.Config{})).To(HaveOccurred())
	})
})
