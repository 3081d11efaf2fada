package daemon

import (
	"fmt"
	"runtime"

	libmon "github.com/nabbar/golib/monitor"
	moninf "github.com/nabbar/golib/monitor/info"
	montps "github.com/nabbar/golib/monitor/types"
	libver "github.com/nabbar/golib/version"
)

const defaultMonitorName = "microd Daemon"

// MonitorName reports the monitor identity for this daemon, combining the
// fixed prefix with the configured listen address the way httpserver's
// MonitorName combines DefaultNameMonitor with GetBindable.
func (d *Daemon) MonitorName() string {
	return fmt.Sprintf("%s [%s]", defaultMonitorName, d.cfg.Listen)
}

// Monitor builds a montps.Monitor wired to this daemon's HealthCheck and
// carrying runtime/release build info, the way httpserver.Monitor wires
// libmon.New around moninf.Info. The caller owns starting/stopping the
// returned monitor; Monitor itself performs no side effects beyond info
// registration.
func (d *Daemon) Monitor(vrs libver.Version) (montps.Monitor, error) {
	res := map[string]interface{}{
		"runtime": runtime.Version()[2:],
		"name":    d.name,
	}
	if vrs != nil {
		res["release"] = vrs.GetRelease()
		res["build"] = vrs.GetBuild()
		res["date"] = vrs.GetDate()
	}

	inf, e := moninf.New(defaultMonitorName)
	if e != nil {
		return nil, e
	}
	inf.RegisterName(func() (string, error) {
		return d.MonitorName(), nil
	})
	inf.RegisterInfo(func() (map[string]interface{}, error) {
		return res, nil
	})

	mon, e := libmon.New(d.ctx, inf)
	if e != nil {
		return nil, e
	}
	mon.SetHealthCheck(d.HealthCheck)
	return mon, nil
}
