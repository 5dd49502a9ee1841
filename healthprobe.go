package boxproxy

//
// Health prober: out-of-band cloud reachability detection (spec §4.4).
//

import (
	"net"
	"sync"
	"time"
)

// ProberConfig configures a [Prober].
type ProberConfig struct {
	// Addr is the cloud endpoint to probe, "host:port".
	Addr string

	// Interval between probe attempts (spec default 30s).
	Interval time.Duration

	// Timeout per connect attempt (spec default 2s).
	Timeout time.Duration

	// UpThreshold is the number of consecutive successes required to
	// flip down->up (spec default 2).
	UpThreshold int

	// DownThreshold is the number of consecutive failures required to
	// flip up->down (spec default 3).
	DownThreshold int

	// Enabled gates whether the prober runs at all; disabled by
	// default in stealth configurations (spec §4.4).
	Enabled bool
}

// DefaultProberConfig returns the spec's documented defaults, disabled.
func DefaultProberConfig(addr string) ProberConfig {
	return ProberConfig{
		Addr:          addr,
		Interval:      30 * time.Second,
		Timeout:       2 * time.Second,
		UpThreshold:   2,
		DownThreshold: 3,
		Enabled:       false,
	}
}

// Prober periodically dials the cloud endpoint to detect reachability
// without disturbing the BOX-facing traffic: on connect the socket is
// closed immediately and no protocol bytes flow (spec §4.4).
//
// Prober runs a single goroutine driven by a ticker, in the same style
// as the teacher's ticker-driven select loops (e.g. RunNDT0Client's
// sampling ticker). Hysteresis counters live behind a mutex, not
// atomics, because incrementing one counter and resetting its sibling
// must happen together.
type Prober struct {
	cfg    ProberConfig
	logger Logger

	mu         sync.Mutex
	reachable  bool
	upStreak   int
	downStreak int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewProber constructs a [Prober]. The cloud is assumed unreachable
// (conservative default) until UpThreshold consecutive probes succeed.
func NewProber(cfg ProberConfig, logger Logger) *Prober {
	return &Prober{
		cfg:       cfg,
		logger:    logger,
		reachable: false,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the probe loop. It is a no-op if cfg.Enabled is false,
// matching spec §4.4's "disabled by default in stealth configurations".
func (p *Prober) Start() {
	if !p.cfg.Enabled {
		close(p.doneCh)
		return
	}
	go p.run()
}

// Stop terminates the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}

// Reachable returns the current hysteresis-debounced reachability
// signal consumed by the mode engine (spec §4.4's "cloud_reachable").
func (p *Prober) Reachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable
}

func (p *Prober) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.probeOnce()
		}
	}
}

func (p *Prober) probeOnce() {
	conn, err := net.DialTimeout("tcp", p.cfg.Addr, p.cfg.Timeout)
	ok := err == nil
	if ok {
		conn.Close()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ok {
		p.upStreak++
		p.downStreak = 0
		if !p.reachable && p.upStreak >= p.cfg.UpThreshold {
			p.reachable = true
			p.logger.Infof("boxproxy: prober: cloud reachable after %d consecutive successes", p.upStreak)
		}
		return
	}

	p.downStreak++
	p.upStreak = 0
	if p.reachable && p.downStreak >= p.cfg.DownThreshold {
		p.reachable = false
		p.logger.Warnf("boxproxy: prober: cloud unreachable after %d consecutive failures", p.downStreak)
	}
}
