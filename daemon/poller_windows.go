//go:build windows

package daemon

import (
	"time"

	liberr "github.com/nabbar/golib/errors"
)

// timerPoller is the Windows fallback for the select/poll backends: the
// daemon registers no fd with a Poller and uses Wait only to pace its
// timeout sweep, so this backend ignores Add/Remove and just sleeps for at
// most 50ms per Wait. WinSock's readiness model stays isolated behind this
// narrow Poller trait per the platform-forked-socket design note.
type timerPoller struct{}

func newPollPoller() (Poller, liberr.Error)   { return &timerPoller{}, nil }
func newSelectPoller() (Poller, liberr.Error) { return &timerPoller{}, nil }

func (p *timerPoller) Add(fd int, writable bool) error { return nil }
func (p *timerPoller) Remove(fd int) error              { return nil }

func (p *timerPoller) Wait(timeout time.Duration) ([]Event, error) {
	if timeout < 0 || timeout > 50*time.Millisecond {
		timeout = 50 * time.Millisecond
	}
	time.Sleep(timeout)
	return nil, nil
}

func (p *timerPoller) Close() error { return nil }
