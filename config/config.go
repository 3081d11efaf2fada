// Package config defines the daemon's validated configuration struct,
// styled on the mapstructure/json/yaml/toml-tagged option pattern used
// throughout the ambient stack's configuration types, plus Clone/Merge
// helpers for hot-reload scenarios.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"

	liberr "github.com/nabbar/golib/errors"
)

const MinPkgConfig liberr.CodeError = liberr.MinAvailable + 900

const (
	ErrorValidation liberr.CodeError = iota + MinPkgConfig
	ErrorMissingHandler
)

func init() {
	liberr.RegisterIdFctMessage(ErrorValidation, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case ErrorValidation:
		return "daemon configuration failed validation"
	case ErrorMissingHandler:
		return "at least one request handler must be configured"
	}
	return ""
}

// PollerKind selects which readiness-notification backend the daemon's
// accept loop consults before calling Accept, mirroring the four
// connection-monitoring methods an embeddable HTTP engine traditionally
// supports.
type PollerKind string

const (
	PollerSelect   PollerKind = "select"
	PollerPoll     PollerKind = "poll"
	PollerEpoll    PollerKind = "epoll"
	PollerExternal PollerKind = "external"
)

// ThreadModel selects how accepted connections are dispatched to
// goroutines.
type ThreadModel string

const (
	ThreadInternalSingle   ThreadModel = "internal-single-thread"
	ThreadPerConnection    ThreadModel = "thread-per-connection"
	ThreadWorkerPool       ThreadModel = "worker-pool"
	ThreadExternalEvents   ThreadModel = "external-events"
)

// Config is one daemon's full configuration: network bind options,
// threading/polling model selection, and per-connection limits.
type Config struct {
	// Name identifies this daemon instance among others in a Pool.
	Name string `mapstructure:"name" json:"name" yaml:"name" toml:"name" validate:"required"`

	// Network selects the listen family: "tcp", "tcp4", "tcp6", or "unix".
	Network string `mapstructure:"network" json:"network" yaml:"network" toml:"network" validate:"required,oneof=tcp tcp4 tcp6 unix"`

	// Listen is host:port for tcp networks, or a filesystem path for unix.
	Listen string `mapstructure:"listen" json:"listen" yaml:"listen" toml:"listen" validate:"required"`

	// Expose is the externally-reachable URL used for health probes and
	// self-description, following the httpserver "bindable vs expose"
	// split.
	Expose string `mapstructure:"expose" json:"expose" yaml:"expose" toml:"expose" validate:"omitempty,url"`

	Poller  PollerKind  `mapstructure:"poller" json:"poller" yaml:"poller" toml:"poller" validate:"required,oneof=select poll epoll external"`
	Threads ThreadModel `mapstructure:"threads" json:"threads" yaml:"threads" toml:"threads" validate:"required,oneof=internal-single-thread thread-per-connection worker-pool external-events"`

	// WorkerPoolSize is the number of worker shards accepted connections
	// are distributed across when Threads is worker-pool; ignored
	// otherwise.
	WorkerPoolSize int `mapstructure:"worker_pool_size" json:"worker_pool_size" yaml:"worker_pool_size" toml:"worker_pool_size" validate:"omitempty,min=1"`

	// MaxConnections is the daemon-wide connection cap; 0 means unbounded.
	MaxConnections int `mapstructure:"max_connections" json:"max_connections" yaml:"max_connections" toml:"max_connections" validate:"omitempty,min=0"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`

	// ConnectionTimeout is the default keep-alive idle timeout fed to the
	// registry's sweep; 0 disables idle reclamation.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" json:"connection_timeout" yaml:"connection_timeout" toml:"connection_timeout"`

	// SweepInterval is how often the registry checks for expired
	// connections.
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval" yaml:"sweep_interval" toml:"sweep_interval" validate:"omitempty,min=0"`

	ArenaSize      int  `mapstructure:"arena_size" json:"arena_size" yaml:"arena_size" toml:"arena_size" validate:"omitempty,min=0"`
	MaxHeaderBytes int  `mapstructure:"max_header_bytes" json:"max_header_bytes" yaml:"max_header_bytes" toml:"max_header_bytes" validate:"omitempty,min=0"`
	StrictLenient  bool `mapstructure:"strict_lenient" json:"strict_lenient" yaml:"strict_lenient" toml:"strict_lenient"`
	SuppressDate   bool `mapstructure:"suppress_date" json:"suppress_date" yaml:"suppress_date" toml:"suppress_date"`

	TLSEnabled bool `mapstructure:"tls_enabled" json:"tls_enabled" yaml:"tls_enabled" toml:"tls_enabled"`
}

// Validate runs struct-tag validation, the way ServerConfig.Validate does
// over its go-playground/validator instance.
func (c Config) Validate() liberr.Error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return ErrorValidation.Error(err)
	}
	if c.Threads == ThreadWorkerPool && c.WorkerPoolSize < 1 {
		return ErrorValidation.Error(nil)
	}
	return nil
}

// Clone returns a deep, independent copy (the struct holds no pointers or
// slices today, but Clone keeps the call site stable if that changes).
func (c Config) Clone() Config {
	return c
}

// Merge overlays non-zero fields of o onto a copy of c, mirroring the
// pool-level configuration merge used to apply partial overrides without
// clobbering unrelated settings.
func (c Config) Merge(o Config) Config {
	r := c.Clone()
	if o.Name != "" {
		r.Name = o.Name
	}
	if o.Network != "" {
		r.Network = o.Network
	}
	if o.Listen != "" {
		r.Listen = o.Listen
	}
	if o.Expose != "" {
		r.Expose = o.Expose
	}
	if o.Poller != "" {
		r.Poller = o.Poller
	}
	if o.Threads != "" {
		r.Threads = o.Threads
	}
	if o.WorkerPoolSize != 0 {
		r.WorkerPoolSize = o.WorkerPoolSize
	}
	if o.MaxConnections != 0 {
		r.MaxConnections = o.MaxConnections
	}
	if o.ReadTimeout != 0 {
		r.ReadTimeout = o.ReadTimeout
	}
	if o.WriteTimeout != 0 {
		r.WriteTimeout = o.WriteTimeout
	}
	if o.ConnectionTimeout != 0 {
		r.ConnectionTimeout = o.ConnectionTimeout
	}
	if o.SweepInterval != 0 {
		r.SweepInterval = o.SweepInterval
	}
	if o.ArenaSize != 0 {
		r.ArenaSize = o.ArenaSize
	}
	if o.MaxHeaderBytes != 0 {
		r.MaxHeaderBytes = o.MaxHeaderBytes
	}
	if o.StrictLenient {
		r.StrictLenient = true
	}
	if o.SuppressDate {
		r.SuppressDate = true
	}
	if o.TLSEnabled {
		r.TLSEnabled = true
	}
	return r
}
