package daemon

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	libsem "github.com/nabbar/golib/semaphore"
	loglvl "github.com/nabbar/golib/logger/level"

	"github.com/nabbar/microd/conn"
	"github.com/nabbar/microd/fdlimit"
	"github.com/nabbar/microd/registry"
)

// workerShard is one worker daemon (§3's "Worker daemon"): it owns a
// disjoint subset of connections in its own registry and runs its own
// accept-distribution inbox, entirely independent of the master.
type workerShard struct {
	reg   *registry.Registry
	inbox chan net.Conn
}

// workerPool implements the worker-pool threading model: the master
// accepts on the single listening socket and round-robins each accepted
// connection onto one worker's inbox; the master itself never looks at a
// Connection again afterward.
type workerPool struct {
	d       *Daemon
	size    int
	shards  []*workerShard
	sem     libsem.Sem
	next    uint64
	cancel  context.CancelFunc
	stopped chan struct{}
}

func newWorkerPool(d *Daemon, size int) *workerPool {
	if size < 1 {
		size = 1
	}
	p := &workerPool{d: d, size: size, stopped: make(chan struct{})}
	for i := 0; i < size; i++ {
		p.shards = append(p.shards, &workerShard{
			reg:   registry.New(d.cfg.MaxConnections),
			inbox: make(chan net.Conn, 64),
		})
	}
	return p
}

func (p *workerPool) len() int {
	n := 0
	for _, s := range p.shards {
		n += s.reg.Len()
	}
	return n
}

func (p *workerPool) run(parent context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	limit := p.d.cfg.MaxConnections
	p.sem = libsem.NewSemaphoreWithContext(ctx, limit)

	var wg sync.WaitGroup
	for i := range p.shards {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			p.workerLoop(ctx, idx)
		}(i)
	}

	go func() {
		p.masterAccept(ctx, ln)
		wg.Wait()
		close(p.stopped)
	}()

	return nil
}

// masterAccept is the master daemon's only job: accept and distribute.
// Round-robin distribution over each worker's inbox channel stands in for
// "distributed by round-robin over ITC wakeups" — the channel send is the
// Go-idiomatic equivalent of an ITC wakeup carrying the new connection.
func (p *workerPool) masterAccept(ctx context.Context, ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			if fdlimit.IsExhaustion(err) {
				p.d.logEntry(loglvl.WarningLevel, "accept failed: fd limit reached", fdlimit.Classify(err))
				time.Sleep(20 * time.Millisecond)
				continue
			}
			p.d.logEntry(loglvl.WarningLevel, "accept failed", ErrorAccept.Error(err))
			continue
		}

		idx := int(atomic.AddUint64(&p.next, 1) % uint64(p.size))
		select {
		case p.shards[idx].inbox <- raw:
		case <-ctx.Done():
			_ = raw.Close()
			return
		}
	}
}

func (p *workerPool) workerLoop(ctx context.Context, idx int) {
	shard := p.shards[idx]
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-shard.inbox:
			if !ok {
				return
			}
			p.handle(ctx, shard, raw)
		}
	}
}

func (p *workerPool) handle(ctx context.Context, shard *workerShard, raw net.Conn) {
	if err := p.sem.NewWorker(); err != nil {
		_ = raw.Close()
		return
	}

	c := p.d.buildConnection(raw)
	handle, rerr := shard.reg.Add(c)
	if rerr != nil {
		p.sem.DeferWorker()
		c.ForceClose()
		return
	}
	c.SetActivityHook(func() { shard.reg.Touch(handle) })

	go func() {
		defer p.sem.DeferWorker()
		c.Serve()
		shard.reg.MarkForClean(handle)
		shard.reg.Remove(handle)
	}()
}

func (p *workerPool) stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.stopped:
	case <-time.After(5 * time.Second):
	}
	for _, s := range p.shards {
		s.reg.ForEachPayload(func(v interface{}) {
			if c, ok := v.(*conn.Connection); ok {
				c.ForceClose()
			}
		})
	}
	if p.sem != nil {
		p.sem.DeferMain()
	}
	return nil
}
