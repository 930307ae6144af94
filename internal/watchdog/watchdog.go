package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for liveness inference.
const (
	DefaultReadyWait    = 30 * time.Second
	DefaultProbeTimeout = 10 * time.Second
	DefaultSettleDelay  = 2 * time.Second
)

// Connection is the channel lifecycle surface the watchdog drives.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect()
	Probe(ctx context.Context) error
}

// Poller is the fallback inbound puller the watchdog starts and stops.
type Poller interface {
	Start()
	Stop()
}

// Opts holds configuration options for the watchdog.
type Opts struct {
	ReadyWait          time.Duration
	ProbeTimeout       time.Duration
	SettleDelay        time.Duration
	AutoRestartOnStuck bool
	Policy             *RestartPolicy
}

// Option defines a configuration option for the watchdog.
type Option func(*Opts)

// WithReadyWait sets how long to wait for the ready signal after authentication.
func WithReadyWait(d time.Duration) Option {
	return func(o *Opts) { o.ReadyWait = d }
}

// WithProbeTimeout sets the liveness probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ProbeTimeout = d }
}

// WithSettleDelay sets the pause before tearing down the connection in a restart.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Opts) { o.SettleDelay = d }
}

// WithAutoRestartOnStuck enables a single restart attempt per authentication
// cycle when the connection authenticates but never becomes usable.
func WithAutoRestartOnStuck() Option {
	return func(o *Opts) { o.AutoRestartOnStuck = true }
}

// WithPolicy sets the restart policy. The policy should outlive reconnects.
func WithPolicy(p *RestartPolicy) Option {
	return func(o *Opts) { o.Policy = p }
}

// Watchdog observes connection lifecycle signals, infers liveness when the
// ready signal never arrives, and performs bounded restarts. It never
// terminates the process; on unrecoverable failure it leaves the connection
// down and waits for the next signal.
type Watchdog struct {
	conn   Connection
	poller Poller
	policy *RestartPolicy

	readyWait          time.Duration
	probeTimeout       time.Duration
	settleDelay        time.Duration
	autoRestartOnStuck bool

	mu                sync.Mutex
	isReady           bool
	stuckTimer        *time.Timer
	restartedThisAuth bool
}

// New creates a watchdog supervising the given connection and poller.
func New(conn Connection, poller Poller, opts ...Option) *Watchdog {
	cfg := Opts{
		ReadyWait:    DefaultReadyWait,
		ProbeTimeout: DefaultProbeTimeout,
		SettleDelay:  DefaultSettleDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Policy == nil {
		cfg.Policy = NewRestartPolicy(0, 0, 0)
	}
	return &Watchdog{
		conn:               conn,
		poller:             poller,
		policy:             cfg.Policy,
		readyWait:          cfg.ReadyWait,
		probeTimeout:       cfg.ProbeTimeout,
		settleDelay:        cfg.SettleDelay,
		autoRestartOnStuck: cfg.AutoRestartOnStuck,
	}
}

// IsReady reports whether the connection is considered usable.
func (w *Watchdog) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isReady
}

// OnScanRequired handles the scan-required signal: the session is gone, so
// nothing event-driven can be trusted until re-login completes.
func (w *Watchdog) OnScanRequired() {
	slog.Info("Watchdog: scan required, marking connection not ready")
	w.mu.Lock()
	w.isReady = false
	w.cancelStuckTimerLocked()
	w.mu.Unlock()
	w.poller.Stop()
}

// OnAuthenticated handles the authenticated signal. It starts the bounded wait
// for the ready signal; if that never arrives, liveness is probed directly.
func (w *Watchdog) OnAuthenticated() {
	w.mu.Lock()
	w.restartedThisAuth = false
	w.cancelStuckTimerLocked()
	w.stuckTimer = time.AfterFunc(w.readyWait, w.onReadyWaitExpired)
	w.mu.Unlock()
	slog.Info("Watchdog: authenticated, waiting for ready signal", "wait", w.readyWait)
}

// OnReady handles the explicit ready signal.
func (w *Watchdog) OnReady() {
	slog.Info("Watchdog: connection ready")
	w.mu.Lock()
	w.isReady = true
	w.cancelStuckTimerLocked()
	w.mu.Unlock()
	w.poller.Start()
}

// OnDisconnected handles the disconnected signal and schedules a safe restart.
func (w *Watchdog) OnDisconnected() {
	slog.Warn("Watchdog: connection lost")
	w.mu.Lock()
	w.isReady = false
	w.cancelStuckTimerLocked()
	w.mu.Unlock()
	w.poller.Stop()
	go w.SafeRestart("disconnected")
}

// onReadyWaitExpired runs when authentication happened but no ready signal
// arrived inside the wait window.
func (w *Watchdog) onReadyWaitExpired() {
	slog.Warn("Watchdog: ready signal never arrived, probing liveness directly")

	ctx, cancel := context.WithTimeout(context.Background(), w.probeTimeout)
	defer cancel()
	if err := w.conn.Probe(ctx); err == nil {
		// Inferred readiness: the connection works even though the event
		// path never confirmed it, so that path is suspect and the polling
		// fallback must carry inbound traffic.
		slog.Info("Watchdog: liveness probe succeeded, declaring inferred readiness")
		w.mu.Lock()
		w.isReady = true
		w.mu.Unlock()
		w.poller.Start()
		return
	} else {
		slog.Error("Watchdog: liveness probe failed", "error", err)
	}

	w.mu.Lock()
	alreadyRestarted := w.restartedThisAuth
	w.restartedThisAuth = true
	w.mu.Unlock()

	if !w.autoRestartOnStuck {
		slog.Warn("Watchdog: connection stuck after authentication, auto-restart disabled")
		return
	}
	if alreadyRestarted {
		slog.Warn("Watchdog: connection stuck again in same authentication cycle, not restarting twice")
		return
	}
	w.SafeRestart("stuck after authentication")
}

// SafeRestart tears down and re-establishes the connection, subject to the
// restart policy. Failures are logged and leave the system disconnected; the
// watchdog waits for the next external signal rather than crashing.
func (w *Watchdog) SafeRestart(reason string) {
	if err := w.policy.Begin(); err != nil {
		slog.Warn("Watchdog: restart rejected", "reason", reason, "error", err)
		return
	}
	defer w.policy.End()

	slog.Info("Watchdog: restarting connection", "reason", reason, "attempts_in_window", w.policy.AttemptsInWindow())
	time.Sleep(w.settleDelay)

	w.mu.Lock()
	w.isReady = false
	w.cancelStuckTimerLocked()
	w.mu.Unlock()
	w.poller.Stop()
	w.conn.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := w.conn.Connect(ctx); err != nil {
		slog.Error("Watchdog: restart failed, leaving connection down", "reason", reason, "error", err)
		return
	}
	slog.Info("Watchdog: restart completed", "reason", reason)
}

// Stop cancels any pending stuck-timer. Called on shutdown.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.cancelStuckTimerLocked()
	w.mu.Unlock()
}

func (w *Watchdog) cancelStuckTimerLocked() {
	if w.stuckTimer != nil {
		w.stuckTimer.Stop()
		w.stuckTimer = nil
	}
}
