//go:build !linux

package daemon

import (
	liberr "github.com/nabbar/golib/errors"
)

// newSelectPoller falls back to the poll(2) backend outside linux, where
// unix.FdSet's bitmap word size is not guaranteed 64-bit.
func newSelectPoller() (Poller, liberr.Error) {
	return newPollPoller()
}
