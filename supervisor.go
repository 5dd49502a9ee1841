package boxproxy

//
// Supervisor: owns the shared singletons and the BOX-facing listener,
// and coordinates graceful shutdown (spec §4 intro, §5).
//

import (
	"context"
	"net"
	"sync"
	"time"
)

// Supervisor owns the proxy's shared singletons (queue, cloud session,
// mode engine, control pipeline, health prober) and the net.Listener
// accepting BOX connections. Grounded on the teacher's RunNDT0Server
// ready/errch channel handshake and Link.Close's sync.Once-guarded
// teardown.
type Supervisor struct {
	cfg      Config
	logger   Logger
	counters *Counters

	Queue   *Queue
	Cloud   *CloudSession
	Mode    *Engine
	Control *ControlPipeline
	Prober  *Prober
	Pub     Publisher

	ctrlSource ControlSource

	listener net.Listener

	closeOnce sync.Once
	wg        sync.WaitGroup
	bgWg      sync.WaitGroup
}

// NewSupervisor wires together the shared singletons from cfg. The
// listener is not opened until [Supervisor.Run]. ctrl may be nil, in
// which case no external control ingress is ever read (spec §6's
// default wiring).
func NewSupervisor(cfg Config, logger Logger, pub Publisher, ctrl ControlSource) (*Supervisor, error) {
	cfg.Validate(logger)
	counters := &Counters{}

	queue, err := OpenQueue(QueueConfig{
		Path:         cfg.QueuePath,
		MaxEntries:   cfg.QueueMax,
		RetryCeiling: cfg.QueueRetryCeiling,
	}, logger, counters)
	if err != nil {
		return nil, err
	}

	cloud := NewCloudSession(CloudSessionConfig{
		Addr:              cfg.CloudAddr(),
		ConnectTimeout:    cfg.CloudConnectTimeout,
		DefaultAckTimeout: cfg.CloudAckTimeout,
	}, logger, counters)

	mode := NewEngine(logger, counters)
	if m, overridden := cfg.InitialMode(); overridden {
		mode.Override(m)
	}

	control := NewControlPipeline(DefaultControlPipelineConfig(), logger, counters)

	prober := NewProber(ProberConfig{
		Addr:          cfg.CloudAddr(),
		Interval:      cfg.HealthProbeInterval,
		Timeout:       2 * time.Second,
		UpThreshold:   2,
		DownThreshold: 3,
		Enabled:       cfg.HealthProbeEnabled,
	}, logger)

	if pub == nil {
		pub = &LoggingPublisher{Logger: logger}
	}
	if ctrl == nil {
		ctrl = NewNullControlSource()
	}

	return &Supervisor{
		cfg:        cfg,
		logger:     logger,
		counters:   counters,
		Queue:      queue,
		Cloud:      cloud,
		Mode:       mode,
		Control:    control,
		Prober:     prober,
		Pub:        pub,
		ctrlSource: ctrl,
	}, nil
}

// Counters returns the supervisor's shared observability counters.
func (s *Supervisor) Counters() *Counters { return s.counters }

// Run opens the listener, notifies readyCh, and accepts BOX connections
// until ctx is cancelled. It blocks until shutdown completes.
//
// readyCh mirrors the teacher's RunNDT0Server ready-channel handshake:
// callers (tests, cmd/boxproxyd) that need to know the listener is up
// before dialing can wait on it.
func (s *Supervisor) Run(ctx context.Context, readyCh chan<- net.Addr) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return err
	}
	s.listener = ln

	s.Prober.Start()
	s.startBackgroundWorkers(ctx)

	if readyCh != nil {
		readyCh <- ln.Addr()
	}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			s.bgWg.Wait()
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, conn)
		}()
	}
}

// serve runs one Handler to completion and closes its connection.
func (s *Supervisor) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	h := NewHandler(conn, DefaultHandlerConfig(), s.Cloud, s.Queue, s.Mode, s.Control, s.ctrlSource, s.Pub, s.logger, s.counters)
	if err := h.Run(ctx); err != nil {
		s.logger.Debugf("boxproxy: conn: %s closed: %s", conn.RemoteAddr(), err.Error())
	}
}

// startBackgroundWorkers launches the supervisor-owned loops that feed
// the health prober's reachability signal and the durable queue's
// backlog into the mode engine, drive HYBRID's periodic probe and
// REPLAY's drain, and connect the control pipeline's ingress and
// expiry to ctrlSource. No per-connection Handler can see any of these
// signals on its own (spec §4.4, §4.6, §4.8).
func (s *Supervisor) startBackgroundWorkers(ctx context.Context) {
	workers := []func(context.Context){
		s.runReachabilityWatcher,
		s.runQueueBacklogWatcher,
		s.runHybridProbe,
		s.runReplayDrain,
		s.runControlIngress,
		s.runControlExpiry,
	}
	for _, w := range workers {
		s.bgWg.Add(1)
		go func(w func(context.Context)) {
			defer s.bgWg.Done()
			w(ctx)
		}(w)
	}
}

// runReachabilityWatcher polls the health prober and reports edge
// transitions to the mode engine, consuming the cloud_reachable signal
// spec §4.4 requires (previously computed but never read by anything).
func (s *Supervisor) runReachabilityWatcher(ctx context.Context) {
	ticker := time.NewTicker(reachabilityPollInterval)
	defer ticker.Stop()

	lastReachable := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reachable := s.Prober.Reachable()
			if reachable == lastReachable {
				continue
			}
			lastReachable = reachable
			if reachable {
				s.Mode.ProberUp(s.Queue.Size() == 0)
			} else {
				s.Mode.ProberDown()
			}
		}
	}
}

// runQueueBacklogWatcher reports queue-size edge transitions to the
// mode engine independent of the health prober: a queue that drains to
// zero (entries acked, or dropped at the retry ceiling) or gains its
// first entry while OFFLINE moves the mode engine on its own, the same
// way a prober transition does (spec §4.6's OFFLINE exits "prober up
// AND queue empty" / "prober up AND queue non-empty" are two of several
// ways the queue's backlog state can change; this covers the ones that
// do not go through ProberUp).
func (s *Supervisor) runQueueBacklogWatcher(ctx context.Context) {
	ticker := time.NewTicker(reachabilityPollInterval)
	defer ticker.Stop()

	lastEmpty := s.Queue.Size() == 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			empty := s.Queue.Size() == 0
			if empty == lastEmpty {
				continue
			}
			lastEmpty = empty
			if empty {
				s.Mode.QueueEmpty()
			} else {
				s.Mode.QueueNonEmpty()
			}
		}
	}
}

// runHybridProbe fires a single poll-class frame through the cloud
// session every cfg.HybridRetryInterval while the mode engine is in
// HYBRID, and moves it to REPLAY on success (spec §4.6's HYBRID
// semantics).
func (s *Supervisor) runHybridProbe(ctx context.Context) {
	interval := s.cfg.HybridRetryInterval
	if interval <= 0 {
		interval = DefaultConfig().HybridRetryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Mode.Current() != ModeHybrid {
				continue
			}
			probe := NewBuilder().
				Set("Result", "IsNewFW").
				Set("ID", nextSynthID()).
				Build()
			deadline := time.Now().Add(s.cfg.CloudConnectTimeout)
			if _, err := s.Cloud.SendAndWaitAck(ctx, probe, ClassPoll, deadline); err == nil {
				s.Mode.HybridProbeSucceeded()
			}
		}
	}
}

// runReplayDrain is the single REPLAY drainer spec §4.6 and spec §1
// both call for: while in REPLAY, it pops the queue's FIFO head,
// forwards it through the cloud session, and marks it sent on success
// or defers it (with back-off) on failure. Because it is the only
// reader of the queue's head, live appenders (Handlers calling
// Queue.Enqueue) never
// race it. A send failure also reports back to the mode engine, since
// it means the cloud connection that justified REPLAY is down again.
func (s *Supervisor) runReplayDrain(ctx context.Context) {
	ticker := time.NewTicker(replayDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Mode.Current() != ModeReplay {
				continue
			}
			s.drainOne(ctx)
		}
	}
}

func (s *Supervisor) drainOne(ctx context.Context) {
	entry, ok := s.Queue.PeekNext(time.Now())
	if !ok {
		if s.Queue.Size() == 0 {
			s.Mode.ReplayDrained()
		}
		return
	}

	deadline := time.Now().Add(s.cfg.CloudAckTimeout)
	reply, err := s.Cloud.SendAndWaitAck(ctx, entry.Raw, entry.Class, deadline)
	if err == nil {
		if reply.Class() == ClassNACK {
			// the cloud rejected the entry outright; retrying it
			// unchanged would only get the same NACK again, so it is
			// dropped rather than deferred.
			if err := s.Queue.Drop(entry.ID, "cloud NACK: "+reply.NewValue); err != nil {
				s.logger.Warnf("boxproxy: supervisor: dropping NACKed entry %d: %s", entry.ID, err.Error())
			}
			return
		}
		if err := s.Queue.MarkSent(entry.ID); err != nil {
			s.logger.Warnf("boxproxy: supervisor: marking entry %d sent: %s", entry.ID, err.Error())
		}
		return
	}

	if err := s.Queue.Defer(entry.ID, time.Now()); err != nil {
		s.logger.Warnf("boxproxy: supervisor: deferring entry %d: %s", entry.ID, err.Error())
	}
	s.Mode.CloudSendFailed()
}

// runControlIngress reads ctrlSource's inbound requests and submits
// each to the control pipeline, reporting a rejection straight back if
// Submit refuses the request (spec §4.8's ingress half, previously
// wired to nothing).
func (s *Supervisor) runControlIngress(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.ctrlSource.Requests():
			corrID, err := s.Control.Submit(req)
			if err != nil {
				s.ctrlSource.Respond(ControlResult{
					CorrelationID: req.CorrelationID,
					Status:        PendingFailed,
					Reason:        err.Error(),
				})
				continue
			}
			s.logger.Debugf("boxproxy: control: accepted %s", corrID)
		}
	}
}

// runControlExpiry periodically ticks the control pipeline's deadline
// check and reports any terminal outcome to ctrlSource (spec §4.8's
// 30s ACK deadline, previously never ticked by anything).
func (s *Supervisor) runControlExpiry(ctx context.Context) {
	ticker := time.NewTicker(controlExpiryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if result, ok := s.Control.Tick(time.Now()); ok {
				s.ctrlSource.Respond(result)
			}
		}
	}
}

const (
	reachabilityPollInterval  = 500 * time.Millisecond
	replayDrainInterval       = 100 * time.Millisecond
	controlExpiryPollInterval = time.Second
)

// shutdown implements spec §5's cancellation contract: stop accepting,
// give in-flight frames a short grace period, then close everything.
// It is idempotent (sync.Once), mirroring the teacher's Link.Close.
func (s *Supervisor) shutdown() {
	s.closeOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close()
		}
		s.Prober.Stop()

		grace := make(chan struct{})
		go func() {
			s.wg.Wait()
			s.bgWg.Wait()
			close(grace)
		}()
		select {
		case <-grace:
		case <-time.After(2 * time.Second):
			s.logger.Warnf("boxproxy: supervisor: shutdown grace period elapsed with connections or background workers still active")
		}

		s.Cloud.Close()
		s.Mode.Close()
		if err := s.Queue.Close(); err != nil {
			s.logger.Warnf("boxproxy: supervisor: closing queue: %s", err.Error())
		}
	})
}

// LoggingPublisher is the default [Publisher]: it logs every event at
// debug level and never blocks (spec §7's default-wiring requirement
// for when no embedder supplies a real sink).
type LoggingPublisher struct {
	Logger Logger
}

// Publish implements [Publisher].
func (p *LoggingPublisher) Publish(ev PublishedFrame) {
	p.Logger.Debugf("boxproxy: publish: dir=%d class=%s device=%s tbl=%s item=%s value=%s",
		ev.Direction, ev.Class, ev.DeviceID, ev.TblName, ev.TblItem, ev.NewValue)
}

// NullControlSource is the default [ControlSource]: an always-empty
// request channel, used when no embedder wires in a real control
// ingress (spec §7).
type NullControlSource struct {
	ch chan ControlRequest
}

// NewNullControlSource returns a [NullControlSource] whose Requests
// channel never yields a value.
func NewNullControlSource() *NullControlSource {
	return &NullControlSource{ch: make(chan ControlRequest)}
}

// Requests implements [ControlSource].
func (n *NullControlSource) Requests() <-chan ControlRequest { return n.ch }

// Respond implements [ControlSource] as a no-op.
func (n *NullControlSource) Respond(ControlResult) {}
