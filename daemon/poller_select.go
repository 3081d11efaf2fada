//go:build linux

package daemon

// unix.FdSet's Bits layout (64-bit words) is architecture/OS specific;
// this backend is restricted to linux where that layout is stable instead
// of guessing at darwin/bsd's 32-bit-word variant.

import (
	"time"

	"golang.org/x/sys/unix"

	liberr "github.com/nabbar/golib/errors"
)

// selectPoller is the original POSIX select(2) backend: limited to
// fds below FD_SETSIZE, rebuilding the fd_set bitmaps on every Wait.
// Kept mainly for embedding into hosts that still run on ancient kernels
// lacking poll/epoll, matching the spec's four-backend enumeration.
type selectPoller struct {
	fds map[int]bool
}

func newSelectPoller() (Poller, liberr.Error) {
	return &selectPoller{fds: make(map[int]bool)}, nil
}

func (p *selectPoller) Add(fd int, writable bool) error {
	if fd >= unix.FD_SETSIZE {
		return unix.EINVAL
	}
	p.fds[fd] = writable
	return nil
}

func (p *selectPoller) Remove(fd int) error {
	delete(p.fds, fd)
	return nil
}

func (p *selectPoller) Wait(timeout time.Duration) ([]Event, error) {
	if len(p.fds) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil
	}

	var rset, wset, eset unix.FdSet
	maxFD := 0
	for fd, writable := range p.fds {
		fdSetSet(&rset, fd)
		fdSetSet(&eset, fd)
		if writable {
			fdSetSet(&wset, fd)
		}
		if fd > maxFD {
			maxFD = fd
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err := unix.Select(maxFD+1, &rset, &wset, &eset, tv)
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
	for fd := range p.fds {
		r := fdSetIsSet(&rset, fd)
		w := fdSetIsSet(&wset, fd)
		e := fdSetIsSet(&eset, fd)
		if r || w || e {
			out = append(out, Event{FD: fd, Readable: r, Writable: w, Error: e})
		}
	}
	return out, nil
}

func (p *selectPoller) Close() error {
	p.fds = nil
	return nil
}

func fdSetSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
