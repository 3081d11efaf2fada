// Package registry implements the connection registry and keep-alive
// timeout wheels: the four per-daemon intrusive doubly-linked lists from
// §4.6, re-architected per the "arenas of entities referenced by stable
// indices" design note instead of void-pointer prev/next fields — each
// Entry lives in a map owned by the Registry, keyed by a stable Handle;
// list membership is kept as entry fields, a to-clean slice and a
// proc-ready set rather than linked lists.
package registry

import (
	"sort"
	"sync"
	"time"

	libctx "github.com/nabbar/golib/context"
	liberr "github.com/nabbar/golib/errors"
)

const MinPkgRegistry liberr.CodeError = liberr.MinAvailable + 700

const (
	ErrorUnknownHandle liberr.CodeError = iota + MinPkgRegistry
	ErrorConnectionLimit
)

func init() {
	liberr.RegisterIdFctMessage(ErrorUnknownHandle, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorUnknownHandle:
		return "connection handle not found in registry"
	case ErrorConnectionLimit:
		return "per-daemon connection limit reached"
	}
	return ""
}

// Handle is a stable reference to a registered connection. It stays valid
// until Remove is called.
type Handle uint64

// Entry is the registry's bookkeeping record for one connection: the
// caller-supplied payload (normally a *conn.Connection, kept as an opaque
// interface{} here to avoid a registry→conn import cycle) plus the four
// list memberships.
type Entry struct {
	Handle       Handle
	Payload      interface{}
	LastActivity time.Time
	CustomDeadline time.Time // zero means "use the default timeout list"
	Suspended    bool
}

// Registry owns the all/default-timeout/custom-timeout/to-clean lists plus
// the per-cycle proc-ready list, for exactly one daemon/worker. It is
// called from the daemon's loops and from connection goroutines alike, so
// every method takes the internal mutex.
type Registry struct {
	mu       sync.Mutex
	nextID   uint64
	all      map[Handle]*Entry
	toClean  []Handle
	procRdy  map[Handle]struct{}
	maxConns int
	ctx      libctx.Config[string]
}

func New(maxConns int) *Registry {
	return &Registry{
		all:      make(map[Handle]*Entry),
		procRdy:  make(map[Handle]struct{}),
		maxConns: maxConns,
		ctx:      libctx.New[string](nil),
	}
}

// Add registers a new connection. It fails with ErrorConnectionLimit once
// the daemon's configured connection limit is reached.
func (r *Registry) Add(payload interface{}) (Handle, liberr.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxConns > 0 && len(r.all) >= r.maxConns {
		return 0, ErrorConnectionLimit.Error(nil)
	}
	r.nextID++
	h := Handle(r.nextID)
	r.all[h] = &Entry{Handle: h, Payload: payload, LastActivity: time.Now()}
	return h, nil
}

// Touch records activity, keeping the default-timeout list's FIFO-by-
// last-activity ordering correct (looked up lazily at sweep time rather
// than re-sorted on every touch).
func (r *Registry) Touch(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.all[h]; ok {
		e.LastActivity = time.Now()
	}
}

// SetDeadline installs a custom per-connection deadline, moving the entry
// conceptually from the default-timeout list to the custom-timeout list.
func (r *Registry) SetDeadline(h Handle, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.all[h]; ok {
		e.CustomDeadline = at
	}
}

// Suspend removes a connection from event-monitoring and timeout
// consideration until Resume is called.
func (r *Registry) Suspend(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.all[h]; ok {
		e.Suspended = true
	}
}

func (r *Registry) Resume(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.all[h]; ok {
		e.Suspended = false
		e.LastActivity = time.Now()
	}
}

// MarkReady adds h to the per-cycle proc-ready list.
func (r *Registry) MarkReady(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procRdy[h] = struct{}{}
}

// DrainReady returns and clears the proc-ready list for one event-loop
// cycle.
func (r *Registry) DrainReady() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.procRdy))
	for h := range r.procRdy {
		out = append(out, h)
	}
	r.procRdy = make(map[Handle]struct{})
	return out
}

// MarkForClean appends h to the to-clean list. It neither evicts h nor
// runs any callback; eviction is a separate Remove call.
func (r *Registry) MarkForClean(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toClean = append(r.toClean, h)
}

// Get returns the payload for h.
func (r *Registry) Get(h Handle) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.all[h]
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// Remove permanently evicts h from every list.
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.all, h)
	delete(r.procRdy, h)
}

// ForEachPayload invokes fn once per currently-registered payload, used by
// the daemon's drain/force-close path during shutdown.
func (r *Registry) ForEachPayload(fn func(interface{})) {
	r.mu.Lock()
	payloads := make([]interface{}, 0, len(r.all))
	for _, e := range r.all {
		payloads = append(payloads, e.Payload)
	}
	r.mu.Unlock()
	for _, p := range payloads {
		fn(p)
	}
}

// Len reports the number of registered connections, including those
// marked for clean that have not yet been removed.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.all)
}

// NextTimeout computes the minimum time until the next deadline across the
// default-timeout list (oldest last-activity + defaultTimeout) and the
// custom-timeout list, capping the event loop's next poll wait.
func (r *Registry) NextTimeout(now time.Time, defaultTimeout time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.procRdy) > 0 {
		return 0
	}

	var min time.Duration = -1
	for _, e := range r.all {
		if e.Suspended {
			continue
		}
		var deadline time.Time
		if !e.CustomDeadline.IsZero() {
			deadline = e.CustomDeadline
		} else if defaultTimeout > 0 {
			deadline = e.LastActivity.Add(defaultTimeout)
		} else {
			continue
		}
		remaining := deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if min < 0 || remaining < min {
			min = remaining
		}
	}
	if min < 0 {
		return defaultTimeout
	}
	return min
}

// ExpiredHandles returns every non-suspended connection whose deadline has
// passed, sorted oldest-first (mirrors "the default list needs only head
// inspection until the first non-expired entry").
func (r *Registry) ExpiredHandles(now time.Time, defaultTimeout time.Duration) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	type cand struct {
		h        Handle
		deadline time.Time
	}
	var cands []cand
	for h, e := range r.all {
		if e.Suspended {
			continue
		}
		var deadline time.Time
		if !e.CustomDeadline.IsZero() {
			deadline = e.CustomDeadline
		} else if defaultTimeout > 0 {
			deadline = e.LastActivity.Add(defaultTimeout)
		} else {
			continue
		}
		if !deadline.After(now) {
			cands = append(cands, cand{h: h, deadline: deadline})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].deadline.Before(cands[j].deadline) })
	out := make([]Handle, len(cands))
	for i, c := range cands {
		out[i] = c.h
	}
	return out
}

// DrainToClean returns and clears the to-clean list.
func (r *Registry) DrainToClean() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.toClean
	r.toClean = nil
	return out
}

// Context exposes the registry's side-value storage (per-daemon config
// snapshot, shared handler set) the way httpserver's libctx.Config is used
// for non-connection daemon state.
func (r *Registry) Context() libctx.Config[string] { return r.ctx }
