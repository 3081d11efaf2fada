//go:build !windows

package daemon

import (
	"time"

	"golang.org/x/sys/unix"

	liberr "github.com/nabbar/golib/errors"
)

// pollPoller is the level-triggered poll(2) backend: every Wait rebuilds
// the pollfd slice from the registered set and re-reports any fd that is
// still ready, unlike epoll's edge-triggered stickiness.
type pollPoller struct {
	fds map[int]bool // fd -> also-watch-writable
}

func newPollPoller() (Poller, liberr.Error) {
	return &pollPoller{fds: make(map[int]bool)}, nil
}

func (p *pollPoller) Add(fd int, writable bool) error {
	p.fds[fd] = writable
	return nil
}

func (p *pollPoller) Remove(fd int) error {
	delete(p.fds, fd)
	return nil
}

func (p *pollPoller) Wait(timeout time.Duration) ([]Event, error) {
	if len(p.fds) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil
	}

	fds := make([]unix.PollFd, 0, len(p.fds))
	for fd, writable := range p.fds {
		ev := int16(unix.POLLIN)
		if writable {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]Event, 0, n)
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		out = append(out, Event{
			FD:       int(pfd.Fd),
			Readable: pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0,
			Writable: pfd.Revents&unix.POLLOUT != 0,
			Error:    pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0,
		})
	}
	return out, nil
}

func (p *pollPoller) Close() error {
	p.fds = nil
	return nil
}
