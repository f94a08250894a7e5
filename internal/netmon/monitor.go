// Package netmon is the single source of truth for connectivity state.
// OS-level "online" signals are unreliable, so they only start a probe;
// the monitor reports Online strictly after a probe confirms the server
// is reachable. "Offline" signals are applied immediately since a false
// offline is harmless.
package netmon

import (
	"context"
	stdsync "sync"
	"time"

	"edusync/internal/offline"
)

// State is the monitor's connectivity state.
type State int

const (
	Offline State = iota
	Probing
	Online
)

func (s State) String() string {
	switch s {
	case Online:
		return "online"
	case Probing:
		return "probing"
	default:
		return "offline"
	}
}

// Prober confirms server reachability. offline.Transport satisfies it.
type Prober interface {
	Probe(ctx context.Context) error
}

// Options tunes the monitor. Zero values select the defaults.
type Options struct {
	// ProbeTimeout bounds a single reachability probe. Keep it short;
	// the probe exists only to confirm the server answers at all.
	ProbeTimeout time.Duration
	// Retry is the backoff policy between failed probes.
	Retry offline.Backoff
	// MaxAttempts bounds probe retries; after that the monitor stays
	// offline until the next online signal.
	MaxAttempts int
	// Schedule arms the retry timer. Defaults to time.AfterFunc.
	Schedule func(d time.Duration, fn func()) (stop func())
}

const (
	defaultProbeTimeout     = 3 * time.Second
	defaultProbeMaxAttempts = 8
)

// Monitor tracks connectivity transitions and fans them out to
// subscribers. Probes run synchronously inside HandleOnline and the
// retry callback so behavior stays deterministic under a stub scheduler.
type Monitor struct {
	prober Prober
	logger offline.Logger
	opts   Options

	mu        stdsync.Mutex
	state     State
	attempt   int
	gen       int
	subs      map[int]func(online bool)
	nextSubID int
	stopRetry func()
	closed    bool
}

// NewMonitor creates a Monitor in the Offline state. Callers feed it
// OS-level connectivity signals via HandleOnline and HandleOffline.
func NewMonitor(prober Prober, logger offline.Logger, opts Options) *Monitor {
	if logger == nil {
		logger = offline.NewNopLogger()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.Retry == (offline.Backoff{}) {
		opts.Retry = offline.Backoff{Base: time.Second, Max: time.Minute}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultProbeMaxAttempts
	}
	if opts.Schedule == nil {
		opts.Schedule = func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		}
	}
	return &Monitor{
		prober: prober,
		logger: logger,
		opts:   opts,
		state:  Offline,
		subs:   make(map[int]func(online bool)),
	}
}

// IsOnline reports whether connectivity has been confirmed.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Online
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for confirmed transitions. fn is invoked
// synchronously with the current state before Subscribe returns, so a
// subscriber can never miss the initial state. The returned function
// cancels the subscription.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	online := m.state == Online
	m.mu.Unlock()

	fn(online)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// HandleOffline applies an OS-level offline signal immediately: any
// probing stops and subscribers are told the device is offline.
func (m *Monitor) HandleOffline() {
	m.mu.Lock()
	wasOnline := m.state == Online
	m.state = Offline
	m.attempt = 0
	m.gen++
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	m.mu.Unlock()

	m.logger.Info("connectivity lost")
	if wasOnline {
		m.notify(false)
	}
}

// HandleOnline reacts to an OS-level online signal by probing the server.
// The transition to Online is only reported once a probe succeeds.
func (m *Monitor) HandleOnline(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.state == Online {
		m.mu.Unlock()
		return
	}
	m.attempt = 0
	m.gen++
	gen := m.gen
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	m.mu.Unlock()

	m.probe(ctx, gen)
}

// probe runs one reachability check and either confirms Online or
// schedules a backed-off retry. gen ties the probe to the signal that
// started it: a connectivity signal arriving while the probe is in
// flight bumps the generation, and the stale result is discarded.
func (m *Monitor) probe(ctx context.Context, gen int) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = Probing
	attempt := m.attempt
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	if err == nil {
		m.mu.Lock()
		if m.closed || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.state = Online
		m.attempt = 0
		m.mu.Unlock()

		m.logger.Info("connectivity confirmed")
		m.notify(true)
		return
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = Offline
	m.attempt = attempt + 1
	giveUp := m.attempt >= m.opts.MaxAttempts
	delay := m.opts.Retry.Delay(attempt)
	if !giveUp {
		m.stopRetry = m.opts.Schedule(delay, func() {
			m.mu.Lock()
			m.stopRetry = nil
			m.mu.Unlock()
			m.probe(ctx, gen)
		})
	}
	m.mu.Unlock()

	if giveUp {
		m.logger.Warn("probe failed, giving up until next online signal", "attempts", m.attempt, "error", err)
	} else {
		m.logger.Debug("probe failed", "attempt", m.attempt, "retry_in", delay, "error", err)
	}
}

// Close cancels any pending probe retry. Subscribers are not notified.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
}

func (m *Monitor) notify(online bool) {
	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}
