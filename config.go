package boxproxy

//
// Configuration surface (spec §6 "Configuration surface").
//

import (
	"flag"
	"fmt"
	"time"
)

// Config is the proxy's full configuration surface. Every field has a
// spec-documented default; unknown keys in an external source are
// ignored and invalid values fall back to defaults with a logged
// warning, per spec §6.
type Config struct {
	ListenHost string
	ListenPort int

	CloudHost string
	CloudPort int

	CloudConnectTimeout time.Duration
	CloudAckTimeout     time.Duration

	QueueMax          int
	QueueRetryCeiling int

	HealthProbeEnabled  bool
	HealthProbeInterval time.Duration

	HybridRetryInterval time.Duration

	// ModeOverride is one of "auto", "online", "offline", "hybrid".
	ModeOverride string

	// QueuePath is the durable queue's backing file (not part of the
	// spec's named knobs, but required to locate it on disk).
	QueuePath string
}

// DefaultConfig returns the spec §6 documented defaults.
func DefaultConfig() Config {
	return Config{
		ListenHost:          "0.0.0.0",
		ListenPort:          5710,
		CloudPort:           5710,
		CloudConnectTimeout: 5 * time.Second,
		CloudAckTimeout:     1800 * time.Second,
		QueueMax:            10000,
		QueueRetryCeiling:   10,
		HealthProbeEnabled:  false,
		HealthProbeInterval: 30 * time.Second,
		HybridRetryInterval: 60 * time.Second,
		ModeOverride:        "auto",
		QueuePath:           "boxproxy-queue.db",
	}
}

// RegisterFlags binds cfg's fields to flag.FlagSet fs, in the teacher's
// cmd/throttle/main.go style (flat flag.* calls, no framework). Invalid
// values are handled by the flag package itself; callers get
// spec-documented defaults unless overridden.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ListenHost, "listen-host", c.ListenHost, "address to listen for BOX connections on")
	fs.IntVar(&c.ListenPort, "listen-port", c.ListenPort, "port to listen for BOX connections on")
	fs.StringVar(&c.CloudHost, "cloud-host", c.CloudHost, "vendor cloud hostname")
	fs.IntVar(&c.CloudPort, "cloud-port", c.CloudPort, "vendor cloud port")
	fs.DurationVar(&c.CloudConnectTimeout, "cloud-connect-timeout", c.CloudConnectTimeout, "cloud dial timeout")
	fs.DurationVar(&c.CloudAckTimeout, "cloud-ack-timeout", c.CloudAckTimeout, "default cloud ACK deadline")
	fs.IntVar(&c.QueueMax, "queue-max", c.QueueMax, "durable queue cardinality bound")
	fs.IntVar(&c.QueueRetryCeiling, "queue-retry-ceiling", c.QueueRetryCeiling, "durable queue retry ceiling before a drop")
	fs.BoolVar(&c.HealthProbeEnabled, "health-probe-enabled", c.HealthProbeEnabled, "enable the out-of-band cloud health prober")
	fs.DurationVar(&c.HealthProbeInterval, "health-probe-interval", c.HealthProbeInterval, "health prober interval")
	fs.DurationVar(&c.HybridRetryInterval, "hybrid-retry-interval", c.HybridRetryInterval, "HYBRID single-frame probe interval")
	fs.StringVar(&c.ModeOverride, "mode-override", c.ModeOverride, "auto, online, offline, or hybrid")
	fs.StringVar(&c.QueuePath, "queue-path", c.QueuePath, "durable queue backing file")
}

// Validate checks c for the values this package can actually act on,
// falling back to defaults, and logging a warning, for anything out of
// range. A listen port of 0 is kept: the OS then picks a free port.
func (c *Config) Validate(logger Logger) {
	def := DefaultConfig()

	if c.ListenPort < 0 || c.ListenPort > 65535 {
		logger.Warnf("boxproxy: config: invalid listen-port %d, using default %d", c.ListenPort, def.ListenPort)
		c.ListenPort = def.ListenPort
	}
	if c.CloudPort <= 0 || c.CloudPort > 65535 {
		logger.Warnf("boxproxy: config: invalid cloud-port %d, using default %d", c.CloudPort, def.CloudPort)
		c.CloudPort = def.CloudPort
	}
	if c.CloudConnectTimeout <= 0 {
		logger.Warnf("boxproxy: config: invalid cloud-connect-timeout %s, using default %s", c.CloudConnectTimeout, def.CloudConnectTimeout)
		c.CloudConnectTimeout = def.CloudConnectTimeout
	}
	if c.CloudAckTimeout <= 0 {
		logger.Warnf("boxproxy: config: invalid cloud-ack-timeout %s, using default %s", c.CloudAckTimeout, def.CloudAckTimeout)
		c.CloudAckTimeout = def.CloudAckTimeout
	}
	if c.QueueMax <= 0 {
		logger.Warnf("boxproxy: config: invalid queue-max %d, using default %d", c.QueueMax, def.QueueMax)
		c.QueueMax = def.QueueMax
	}
	if c.QueueRetryCeiling <= 0 {
		logger.Warnf("boxproxy: config: invalid queue-retry-ceiling %d, using default %d", c.QueueRetryCeiling, def.QueueRetryCeiling)
		c.QueueRetryCeiling = def.QueueRetryCeiling
	}
	if c.HealthProbeInterval <= 0 {
		logger.Warnf("boxproxy: config: invalid health-probe-interval %s, using default %s", c.HealthProbeInterval, def.HealthProbeInterval)
		c.HealthProbeInterval = def.HealthProbeInterval
	}
	if c.HybridRetryInterval <= 0 {
		logger.Warnf("boxproxy: config: invalid hybrid-retry-interval %s, using default %s", c.HybridRetryInterval, def.HybridRetryInterval)
		c.HybridRetryInterval = def.HybridRetryInterval
	}
	switch c.ModeOverride {
	case "auto", "online", "offline", "hybrid":
	default:
		logger.Warnf("boxproxy: config: invalid mode-override %q, using %q", c.ModeOverride, def.ModeOverride)
		c.ModeOverride = def.ModeOverride
	}
}

// CloudAddr returns the "host:port" dial target for the cloud session.
func (c *Config) CloudAddr() string {
	return fmt.Sprintf("%s:%d", c.CloudHost, c.CloudPort)
}

// ListenAddr returns the "host:port" listen target for the BOX socket.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// InitialMode derives the engine's starting [Mode] from ModeOverride.
// "auto" starts ONLINE, matching spec §4.6's initial-state assumption.
func (c *Config) InitialMode() (Mode, bool) {
	switch c.ModeOverride {
	case "online":
		return ModeOnline, true
	case "offline":
		return ModeOffline, true
	case "hybrid":
		return ModeHybrid, true
	default:
		return ModeOnline, false
	}
}
