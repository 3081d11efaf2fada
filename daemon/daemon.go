package daemon

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	libatm "github.com/nabbar/golib/atomic"
	libctx "github.com/nabbar/golib/context"
	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
	loglvl "github.com/nabbar/golib/logger/level"
	libptc "github.com/nabbar/golib/network/protocol"
	librun "github.com/nabbar/golib/runner/startStop"

	"github.com/nabbar/microd/config"
	"github.com/nabbar/microd/conn"
	"github.com/nabbar/microd/fdlimit"
	"github.com/nabbar/microd/registry"
	"github.com/nabbar/microd/sockio"
	"github.com/nabbar/microd/tlsadapter"
)

// Daemon is one process-wide server (§3's "Daemon" entity): owns the
// listening socket, a polling backend, the connection registry, and
// whichever threading model the configuration selects. A master daemon
// configured with ThreadWorkerPool delegates acceptance and connection
// ownership to N worker shards created internally by workerPool; callers
// never touch those shards directly (§4.8: "a master daemon never touches
// connections").
type Daemon struct {
	name string
	cfg  config.Config
	h    conn.Handlers
	tls  tlsadapter.Provider

	ctx libctx.Config[string]
	log libatm.Value[liblog.FuncLog]

	reg *registry.Registry
	itc *itc
	run librun.StartStop

	listener libatm.Value[net.Listener]
	poller   Poller
	pool     *workerPool

	startedAt libatm.Value[time.Time]
}

// New builds a Daemon from a validated Config. h.OnRequest is required;
// New returns config.ErrorMissingHandler if it is nil.
func New(cfg config.Config, h conn.Handlers, tls tlsadapter.Provider, defLog liblog.FuncLog) (*Daemon, liberr.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h.OnRequest == nil {
		return nil, config.ErrorMissingHandler.Error(nil)
	}

	d := &Daemon{
		name: cfg.Name,
		cfg:  cfg,
		h:    h,
		tls:  tls,
		ctx:  libctx.New[string](nil),
		log:  libatm.NewValue[liblog.FuncLog](),
		reg:  registry.New(cfg.MaxConnections),
		itc:  newITC(),

		listener:  libatm.NewValue[net.Listener](),
		startedAt: libatm.NewValue[time.Time](),
	}
	d.setLogger(defLog)
	d.run = librun.New(d.runStart, d.runStop)

	if cfg.Threads == config.ThreadWorkerPool {
		d.pool = newWorkerPool(d, cfg.WorkerPoolSize)
	}

	return d, nil
}

func (d *Daemon) setLogger(f liblog.FuncLog) {
	if f == nil {
		return
	}
	d.log.Store(f)
}

func (d *Daemon) logger() liblog.FuncLog { return d.log.Load() }

func (d *Daemon) logEntry(lvl loglvl.Level, msg string, err liberr.Error) {
	f := d.logger()
	if f == nil {
		return
	}
	l := f()
	if l == nil {
		return
	}
	ent := l.Entry(lvl, msg)
	if err != nil {
		ent.ErrorAdd(true, err)
	}
	ent.Log()
}

// Name returns the daemon's configured identifier.
func (d *Daemon) Name() string { return d.name }

// Config returns the daemon's current configuration snapshot.
func (d *Daemon) Config() config.Config { return d.cfg }

// Context exposes the daemon's side-value storage (TLS config snapshot,
// host-supplied extras), the way httpserver/interface.go's libctx.Config
// field is used for non-connection daemon state.
func (d *Daemon) Context() libctx.Config[string] { return d.ctx }

// Start implements librun.StartStop-compatible lifecycle management and
// begins accepting connections per the configured threading model.
func (d *Daemon) Start(ctx context.Context) error { return d.run.Start(ctx) }

// Stop implements graceful drain: stop accepting, let in-flight responses
// finish up to the deadline carried by ctx (or a 5s default), then
// hard-close, mirroring httpserver/run.go's runFuncStop pattern. Under the
// worker-pool model Stop does not wait for in-flight responses: it waits up
// to 5s for the shard loops to exit, then force-closes every remaining
// connection.
func (d *Daemon) Stop(ctx context.Context) error { return d.run.Stop(ctx) }

func (d *Daemon) Restart(ctx context.Context) error { return d.run.Restart(ctx) }

func (d *Daemon) IsRunning() bool { return d.run.IsRunning() }

func (d *Daemon) Uptime() time.Duration {
	start := d.startedAt.Load()
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// Len reports the number of currently registered connections. When
// running worker-pool, this is the sum over every worker shard's registry
// (the master's own registry never holds connections).
func (d *Daemon) Len() int {
	if d.pool != nil {
		return d.pool.len()
	}
	return d.reg.Len()
}

// ListenerFD exposes the raw fd backing the listening socket, for hosts
// running the external-events threading model that need to add it to
// their own readiness multiplexer before calling ProcessEvents.
func (d *Daemon) ListenerFD() (fd int, ok bool) {
	ln := d.listener.Load()
	if ln == nil {
		return 0, false
	}
	return listenerFD(ln)
}

// ProcessEvents drives one iteration of the external-events threading
// model (§4.8): the host calls this with whatever fds it observed ready
// (normally just the listener fd, once ListenerFD is registered with the
// host's own epoll/kqueue/IOCP loop). The daemon starts no accept or sweep
// goroutine for this model; Accept and the timeout sweep both run
// synchronously on the caller's goroutine, while each accepted connection
// is served on a goroutine of its own (see dispatch).
func (d *Daemon) ProcessEvents(events []Event) {
	if d.cfg.Threads != config.ThreadExternalEvents {
		return
	}
	ln := d.listener.Load()
	if ln == nil {
		return
	}

	lnFD, hasFD := listenerFD(ln)
	ready := !hasFD // if we can't determine the fd, just try Accept opportunistically
	for _, e := range events {
		if hasFD && e.FD == lnFD && e.Readable {
			ready = true
		}
	}
	if ready {
		d.acceptAvailable(ln)
	}
	d.sweepExpired()
	d.cleanUp()
}

func (d *Daemon) runStart(ctx context.Context) error {
	if _, _, e := fdlimit.Ensure(d.cfg.MaxConnections); e != nil {
		d.logEntry(loglvl.WarningLevel, "raising file-descriptor limit", e)
	}

	network := libptc.Parse(d.cfg.Network)
	ln, err := net.Listen(network.Code(), d.cfg.Listen)
	if err != nil {
		e := ErrorListen.Error(err)
		d.logEntry(loglvl.ErrorLevel, "opening listening socket", e)
		return e
	}
	d.listener.Store(ln)
	d.startedAt.Store(time.Now())
	d.logEntry(loglvl.InfoLevel, "daemon is starting", nil)

	if d.cfg.Threads == config.ThreadWorkerPool && d.pool != nil {
		return d.pool.run(ctx, ln)
	}

	if d.cfg.Threads == config.ThreadExternalEvents {
		// No owned goroutines: the host drives everything through
		// ProcessEvents from here on.
		return nil
	}

	poller, perr := newPoller(string(d.cfg.Poller))
	if perr != nil {
		_ = ln.Close()
		d.logEntry(loglvl.ErrorLevel, "initializing poller backend", perr)
		return perr
	}
	d.poller = poller

	go d.acceptLoop(ctx, ln)
	go d.sweepLoop(ctx, poller)
	return nil
}

func (d *Daemon) runStop(ctx context.Context) error {
	d.itc.Notify()
	ln := d.listener.Swap(nil)
	if ln != nil {
		_ = ln.Close()
	}
	if d.pool != nil {
		err := d.pool.stop(ctx)
		d.logEntry(loglvl.InfoLevel, "daemon has stopped", nil)
		return err
	}
	d.drainToDeadline(ctx)
	d.logEntry(loglvl.InfoLevel, "daemon has stopped", nil)
	return nil
}

// acceptLoop blocks in Accept (the idiomatic Go way to wait for listener
// readiness) for the internal-single-thread and thread-per-connection
// models; it exits once the listener is closed by Stop.
func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			if fdlimit.IsExhaustion(err) {
				d.logEntry(loglvl.WarningLevel, "accept failed: fd limit reached", fdlimit.Classify(err))
				time.Sleep(20 * time.Millisecond)
				continue
			}
			d.logEntry(loglvl.WarningLevel, "accept failed", ErrorAccept.Error(err))
			continue
		}
		d.handleAccepted(raw)
	}
}

// acceptAvailable drains every connection the listener currently has
// queued without blocking past a brief deadline, used by the
// external-events model where the host has already told us the listener
// is readable.
func (d *Daemon) acceptAvailable(ln net.Listener) {
	type deadliner interface {
		SetDeadline(time.Time) error
	}
	dl, hasDeadline := ln.(deadliner)

	for {
		if hasDeadline {
			_ = dl.SetDeadline(time.Now().Add(time.Millisecond))
		}
		raw, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			return
		}
		if hasDeadline {
			_ = dl.SetDeadline(time.Time{})
		}
		d.handleAccepted(raw)
	}
}

// sweepLoop paces the registry's keep-alive timeout sweep (§4.6) using the
// configured poller backend purely as a cycle timer: since no fd is ever
// registered with it here (the listener is watched by acceptLoop's own
// blocking Accept instead), Wait behaves as a plain sleep bounded by the
// next connection deadline or the configured sweep interval, whichever is
// sooner; the ITC channel is checked only after each Wait returns.
func (d *Daemon) sweepLoop(ctx context.Context, poller Poller) {
	for {
		if ctx.Err() != nil {
			return
		}
		now := time.Now()
		timeout := d.reg.NextTimeout(now, d.cfg.ConnectionTimeout)
		if d.cfg.SweepInterval > 0 && (timeout < 0 || timeout > d.cfg.SweepInterval) {
			timeout = d.cfg.SweepInterval
		}
		if timeout <= 0 {
			timeout = 50 * time.Millisecond
		}

		_, _ = poller.Wait(timeout)
		d.sweepExpired()
		d.cleanUp()

		select {
		case <-d.itc.C():
			if ctx.Err() != nil {
				return
			}
		default:
		}
	}
}

// buildConnection wraps a freshly accepted net.Conn per the configured
// limits and TLS provider. Shared by handleAccepted and the worker-pool's
// per-shard dispatch so both paths build connections identically.
func (d *Daemon) buildConnection(raw net.Conn) *conn.Connection {
	id, _ := uuid.GenerateUUID()
	sock := sockio.Wrap(raw)
	_ = sock.SetNoDelay(true)

	var session *tlsadapter.Session
	if d.cfg.TLSEnabled && d.tls != nil {
		session = tlsadapter.NewSession(raw, d.tls, "")
	}

	return conn.New(id, sock, session, conn.Limits{
		ArenaSize:      d.cfg.ArenaSize,
		ReadTimeout:    d.cfg.ReadTimeout,
		WriteTimeout:   d.cfg.WriteTimeout,
		IdleTimeout:    d.cfg.ConnectionTimeout,
		MaxHeaderBytes: int64(d.cfg.MaxHeaderBytes),
		Strictness:     strictnessFromConfig(d.cfg),
		SuppressDate:   d.cfg.SuppressDate,
	}, d.h)
}

func (d *Daemon) handleAccepted(raw net.Conn) {
	c := d.buildConnection(raw)

	handle, rerr := d.reg.Add(c)
	if rerr != nil {
		c.ForceClose()
		d.logEntry(loglvl.WarningLevel, "connection limit reached", rerr)
		return
	}
	c.SetActivityHook(func() { d.reg.Touch(handle) })

	dispatch(d.cfg.Threads, func() {
		c.Serve()
		d.reg.MarkForClean(handle)
	})
}

func (d *Daemon) sweepExpired() {
	now := time.Now()
	for _, h := range d.reg.ExpiredHandles(now, d.cfg.ConnectionTimeout) {
		if p, ok := d.reg.Get(h); ok {
			if c, ok := p.(*conn.Connection); ok {
				c.ForceClose()
			}
		}
	}
}

func (d *Daemon) cleanUp() {
	for _, h := range d.reg.DrainToClean() {
		d.reg.Remove(h)
	}
}

// drainToDeadline lets connections finish naturally until ctx's deadline
// (or a default grace period), then force-closes whatever remains.
func (d *Daemon) drainToDeadline(ctx context.Context) {
	deadline := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 {
			deadline = rem
		}
	}
	x, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	for {
		if d.reg.Len() == 0 {
			return
		}
		select {
		case <-x.Done():
			d.forceCloseAll()
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (d *Daemon) forceCloseAll() {
	d.reg.ForEachPayload(func(p interface{}) {
		if c, ok := p.(*conn.Connection); ok {
			c.ForceClose()
		}
	})
}

func strictnessFromConfig(cfg config.Config) conn.Strictness {
	if cfg.StrictLenient {
		return conn.StrictnessLenient
	}
	return conn.StrictnessDefault
}

// listenerFD extracts the raw fd backing ln via syscall.Conn, for
// registration with a Poller backend or exposure through ListenerFD.
func listenerFD(ln net.Listener) (fd int, ok bool) {
	sc, isConn := ln.(syscall.Conn)
	if !isConn {
		return 0, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var captured int
	if cerr := raw.Control(func(p uintptr) { captured = int(p) }); cerr != nil {
		return 0, false
	}
	return captured, true
}
