package daemon

import "github.com/nabbar/microd/config"

// dispatch hands fn off according to the configured threading model
// (§4.8). It is never called for ThreadWorkerPool (workerPool owns its
// own per-shard dispatch). For ThreadExternalEvents it is reached through
// ProcessEvents and takes the default branch, so each connection accepted
// there is served on its own goroutine.
func dispatch(model config.ThreadModel, fn func()) {
	switch model {
	case config.ThreadInternalSingle:
		// One owned thread runs everything: connection handling is
		// serialized on the same goroutine that accepted it, matching
		// "all connection work is serialized; no locks are needed beyond
		// the library-global counters" (§5).
		fn()
	default:
		// thread-per-connection and the (non-worker-pool) fallback both
		// give the connection its own goroutine — Go's scheduler plays
		// the role the spec's "thread-per-connection" OS-thread model
		// plays in the source system.
		go fn()
	}
}
