package daemon

import (
	"context"
	"errors"
	"net"
	"time"

	liberr "github.com/nabbar/golib/errors"
	loglvl "github.com/nabbar/golib/logger/level"
	libptc "github.com/nabbar/golib/network/protocol"
)

var errNotRunning = errors.New("daemon is not running")

// HealthCheck reports whether the daemon is running and its listening
// socket actually accepts a connection, mirroring httpserver's
// runAndHealthy dial-probe: a bound-but-deaf listener (accept loop wedged,
// backlog exhausted) fails health even though IsRunning is still true.
func (d *Daemon) HealthCheck(ctx context.Context) error {
	if !d.IsRunning() {
		d.logEntry(loglvl.ErrorLevel, "healthcheck", ErrorHealthCheck.Error(errNotRunning))
		return errNotRunning
	}

	ln := d.listener.Load()
	if ln == nil {
		d.logEntry(loglvl.ErrorLevel, "healthcheck", ErrorHealthCheck.Error(errNotRunning))
		return errNotRunning
	}

	x, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	network := libptc.Parse(d.cfg.Network)
	dialer := &net.Dialer{}
	co, err := dialer.DialContext(x, network.Code(), d.cfg.Listen)
	if err != nil {
		e := ErrorHealthCheck.Error(err)
		d.logEntry(loglvl.ErrorLevel, "healthcheck", e)
		return e
	}
	_ = co.Close()
	return nil
}

// StatusInfo reports the daemon's identity for a status/health report.
func (d *Daemon) StatusInfo() (name string, release string, hash string) {
	return d.name, d.Uptime().String(), ""
}
