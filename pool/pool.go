// Package pool manages a set of daemons under one roof: registration by
// name, bulk lifecycle commands, name/bind/expose filtering, and
// composite health reporting, mirroring the multi-server pool a process
// embedding several listeners (plain + TLS + admin) needs.
package pool

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	liberr "github.com/nabbar/golib/errors"
	libsem "github.com/nabbar/golib/semaphore"

	"github.com/nabbar/microd/config"
	"github.com/nabbar/microd/daemon"
)

const MinPkgPool liberr.CodeError = liberr.MinAvailable + 1400

const (
	ErrorDuplicateName liberr.CodeError = iota + MinPkgPool
	ErrorUnknownName
)

func init() {
	liberr.RegisterIdFctMessage(ErrorDuplicateName, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorDuplicateName:
		return "a daemon with this name is already registered"
	case ErrorUnknownName:
		return "no daemon registered under this name"
	}
	return ""
}

const timeoutShutdown = 10 * time.Second

// FieldType selects which daemon attribute List/Filter match against.
type FieldType uint8

const (
	FieldName FieldType = iota
	FieldBind
	FieldExpose
)

type MapRunFunc func(d *daemon.Daemon)

// Pool owns a set of daemons keyed by name, each wrapping one bind
// address. It is safe for concurrent use.
type Pool struct {
	mu sync.RWMutex
	d  map[string]*daemon.Daemon
}

func New() *Pool {
	return &Pool{d: make(map[string]*daemon.Daemon)}
}

// Add registers one or more daemons. Adding under a name that already
// exists replaces the prior entry only if it is not currently running.
func (p *Pool) Add(ds ...*daemon.Daemon) liberr.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, d := range ds {
		if d == nil {
			continue
		}
		name := d.Name()
		if existing, ok := p.d[name]; ok && existing.IsRunning() {
			return ErrorDuplicateName.Error(nil)
		}
		p.d[name] = d
	}
	return nil
}

func (p *Pool) Get(name string) *daemon.Daemon {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.d[name]
}

// Del stops (if running) and removes the named daemon.
func (p *Pool) Del(name string) {
	p.mu.Lock()
	d, ok := p.d[name]
	if ok {
		delete(p.d, name)
	}
	p.mu.Unlock()

	if ok && d.IsRunning() {
		ctx, cancel := context.WithTimeout(context.Background(), timeoutShutdown)
		defer cancel()
		_ = d.Stop(ctx)
	}
}

func (p *Pool) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.d[name]
	return ok
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.d)
}

// snapshot returns a stable ordered copy of the registered daemons, taken
// under the read lock, so MapRun/List/Filter callbacks never run while
// holding it (a callback that calls back into the pool would deadlock
// otherwise).
func (p *Pool) snapshot() []*daemon.Daemon {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*daemon.Daemon, 0, len(p.d))
	for _, d := range p.d {
		out = append(out, d)
	}
	return out
}

func (p *Pool) MapRun(f MapRunFunc) {
	for _, d := range p.snapshot() {
		f(d)
	}
}

func fieldOf(d *daemon.Daemon, field FieldType) string {
	switch field {
	case FieldBind:
		return d.Config().Listen
	case FieldExpose:
		return d.Config().Expose
	default:
		return d.Name()
	}
}

// List returns the fieldReturn value of every daemon whose fieldFilter
// value contains pattern (case-insensitive) or matches regex.
func (p *Pool) List(fieldFilter, fieldReturn FieldType, pattern, regex string) []string {
	out := make([]string, 0)
	pattern = strings.ToLower(pattern)

	for _, d := range p.snapshot() {
		f := strings.ToLower(fieldOf(d, fieldFilter))
		if pattern != "" && strings.Contains(f, pattern) {
			out = append(out, fieldOf(d, fieldReturn))
			continue
		}
		if regex == "" {
			continue
		}
		if ok, err := regexp.MatchString(regex, fieldOf(d, fieldFilter)); err == nil && ok {
			out = append(out, fieldOf(d, fieldReturn))
		}
	}
	return out
}

// Filter returns the subset of daemons whose field value contains pattern
// or matches regex.
func (p *Pool) Filter(field FieldType, pattern, regex string) []*daemon.Daemon {
	out := make([]*daemon.Daemon, 0)
	pattern = strings.ToLower(pattern)

	for _, d := range p.snapshot() {
		f := strings.ToLower(fieldOf(d, field))
		if pattern != "" && strings.Contains(f, pattern) {
			out = append(out, d)
			continue
		}
		if regex == "" {
			continue
		}
		if ok, err := regexp.MatchString(regex, fieldOf(d, field)); err == nil && ok {
			out = append(out, d)
		}
	}
	return out
}

// IsRunning reports whether every daemon is running, or (atLeast) whether
// any single one is.
func (p *Pool) IsRunning(atLeast bool) bool {
	ds := p.snapshot()
	if len(ds) == 0 {
		return false
	}
	any := false
	for _, d := range ds {
		if d.IsRunning() {
			any = true
			continue
		}
		if !atLeast {
			return false
		}
	}
	return any
}

// WaitNotify blocks until SIGINT/SIGTERM/SIGQUIT or ctx is done, then
// shuts every daemon down and invokes cancel.
func (p *Pool) WaitNotify(ctx context.Context, cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case <-ctx.Done():
	}
	p.Shutdown()
	if cancel != nil {
		cancel()
	}
}

// runMapCommand fans f out across every daemon concurrently, bounded by a
// semaphore sized to the pool, and waits for every worker before
// returning.
func (p *Pool) runMapCommand(f func(d *daemon.Daemon)) {
	ds := p.snapshot()
	if len(ds) == 0 {
		return
	}

	x, c := context.WithTimeout(context.Background(), timeoutShutdown)
	defer c()

	s := libsem.NewSemaphoreWithContext(x, len(ds))
	defer s.DeferMain()

	for _, d := range ds {
		_ = s.NewWorker()
		go func(d *daemon.Daemon) {
			defer s.DeferWorker()
			f(d)
		}(d)
	}

	_ = s.WaitAll()
}

// Start brings every registered daemon up concurrently.
func (p *Pool) Start(ctx context.Context) {
	p.runMapCommand(func(d *daemon.Daemon) {
		_ = d.Start(ctx)
	})
}

// Restart restarts every registered daemon concurrently.
func (p *Pool) Restart() {
	p.runMapCommand(func(d *daemon.Daemon) {
		_ = d.Restart(context.Background())
	})
}

// Shutdown stops every registered daemon concurrently, each within its own
// shutdown deadline.
func (p *Pool) Shutdown() {
	p.runMapCommand(func(d *daemon.Daemon) {
		ctx, cancel := context.WithTimeout(context.Background(), timeoutShutdown)
		defer cancel()
		_ = d.Stop(ctx)
	})
}

// Merge overlays cfg onto the named daemon's configuration and returns the
// validation result of the merged configuration. The merged configuration
// is not applied to the daemon, whether it is running or stopped.
func (p *Pool) Merge(name string, cfg config.Config) liberr.Error {
	d := p.Get(name)
	if d == nil {
		return ErrorUnknownName.Error(nil)
	}
	merged := d.Config().Merge(cfg)
	return merged.Validate()
}

// StatusHealth runs the named daemon's health probe.
func (p *Pool) StatusHealth(ctx context.Context, name string) error {
	d := p.Get(name)
	if d == nil {
		return fmt.Errorf("missing daemon '%s'", name)
	}
	return d.HealthCheck(ctx)
}

// StatusInfo returns the named daemon's identity tuple, for a caller
// building its own composite status route out of StatusHealth/StatusInfo
// per daemon (mirrors database.StatusRouter's info+health pairing).
func (p *Pool) StatusInfo(name string) (daemonName string, release string, hash string) {
	d := p.Get(name)
	if d == nil {
		return fmt.Sprintf("missing daemon '%s'", name), "", ""
	}
	return d.StatusInfo()
}
