//go:build linux

package daemon

import (
	"time"

	"golang.org/x/sys/unix"

	liberr "github.com/nabbar/golib/errors"
)

// epollPoller is the edge-triggered backend described in §4.7: readiness
// bits are sticky within a state, so the caller (not epoll itself) clears
// RECV-READY once a read returns would-block. EPOLLET is set on every
// registration to get that semantics from the kernel.
type epollPoller struct {
	fd int
}

func newEpollPoller() (Poller, liberr.Error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, ErrorPollerInit.Error(err)
	}
	return &epollPoller{fd: fd}, nil
}

func (p *epollPoller) Add(fd int, writable bool) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: unix.EPOLLIN | unix.EPOLLET}
	if writable {
		ev.Events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) Remove(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) Wait(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	raw := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(p.fd, raw, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := raw[i]
		out = append(out, Event{
			FD:       int(e.Fd),
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Error:    e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.fd)
}
