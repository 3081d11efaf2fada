// Package daemon implements the process-wide server: the event loop and
// socket-readiness dispatcher (§4.7) across the four polling strategies,
// acceptance of new connections, the connection registry's timeout sweep,
// and the four threading models (§4.8) that decide how accepted
// connections are handed off to goroutines.
package daemon

import (
	"time"

	liberr "github.com/nabbar/golib/errors"
)

const MinPkgDaemon liberr.CodeError = liberr.MinAvailable + 1300

const (
	ErrorListen liberr.CodeError = iota + MinPkgDaemon
	ErrorAccept
	ErrorAlreadyRunning
	ErrorNotRunning
	ErrorPollerInit
	ErrorHealthCheck
)

func init() {
	liberr.RegisterIdFctMessage(ErrorListen, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorListen:
		return "daemon failed to open its listening socket"
	case ErrorAccept:
		return "daemon failed to accept a connection"
	case ErrorAlreadyRunning:
		return "daemon is already running"
	case ErrorNotRunning:
		return "daemon is not running"
	case ErrorPollerInit:
		return "poller backend failed to initialize"
	case ErrorHealthCheck:
		return "daemon health probe failed"
	}
	return ""
}

// Event reports one fd's readiness, mirroring the three-bit readiness mask
// from §3 (recv-ready | send-ready | error-ready). Events come from a
// Poller's Wait or from the host through ProcessEvents, where only the
// listening fd is acted on — per-connection recv/send readiness is handled by the Go
// runtime netpoller underneath conn.Connection's blocking net.Conn calls
// once a connection has been dispatched to its own goroutine (see
// threading.go).
type Event struct {
	FD       int
	Readable bool
	Writable bool
	Error    bool
}

// Poller is the narrow readiness-notification contract every backend
// (select, poll, epoll, external) satisfies. The daemon registers no fd
// with it: sweepLoop uses Wait only as a cycle timer between timeout
// sweeps, while the listener is watched by a blocking Accept and ITC is a
// Go channel, so a real per-connection readiness multiplexer — which the
// spec's original C implementation needs because it parks partially-read
// requests across poll cycles — is not needed here.
type Poller interface {
	// Add registers fd for readability notifications (and writability too
	// when writable is true).
	Add(fd int, writable bool) error
	// Remove deregisters fd. Removing an fd that was never added is a no-op.
	Remove(fd int) error
	// Wait blocks up to timeout for at least one registered fd to become
	// ready, or returns immediately with whatever is already ready. A
	// negative timeout waits indefinitely.
	Wait(timeout time.Duration) ([]Event, error)
	// Close releases backend resources (epoll fd, pipe fds, ...).
	Close() error
}

// newPoller builds the backend selected by kind. PollerEpoll is only
// available on Linux; selecting it elsewhere falls back to PollerPoll.
func newPoller(kind string) (Poller, liberr.Error) {
	switch kind {
	case "epoll":
		if p, err := newEpollPoller(); err == nil {
			return p, nil
		}
		return newPollPoller()
	case "select":
		return newSelectPoller()
	case "external":
		return newExternalPoller(), nil
	default:
		return newPollPoller()
	}
}
