package daemon

import "sync"

// itc is the inter-thread-communication wakeup channel (§7.7's "Drain
// ITC" phase, GLOSSARY "ITC"): a small signal that Stop raises; the sweep
// loop checks it without blocking after each Poller Wait returns, so a
// Wait already in progress is not interrupted. No other caller raises it — not Suspend/Resume, not the worker-pool shards. Implemented as a
// coalescing buffered channel rather than a real pipe/eventfd pair: no
// Poller backend ever select(2)s on an ITC fd, so a channel is the idiomatic equivalent of the pipe-based wakeup the spec
// describes.
type itc struct {
	mu sync.Mutex
	ch chan struct{}
}

func newITC() *itc {
	return &itc{ch: make(chan struct{}, 1)}
}

// Notify raises the signal; redundant notifications coalesce.
func (w *itc) Notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *itc) C() <-chan struct{} { return w.ch }

// Drain clears any pending notification without waiting. Nothing in this
// package calls it; sweepLoop consumes the signal through C.
func (w *itc) Drain() {
	select {
	case <-w.ch:
	default:
	}
}
