//go:build !linux

package daemon

import (
	"errors"

	liberr "github.com/nabbar/golib/errors"
)

func newEpollPoller() (Poller, liberr.Error) {
	return nil, ErrorPollerInit.Error(errors.New("epoll backend is only available on linux"))
}
