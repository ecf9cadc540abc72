// Package timers owns the failure-policy timers of a call attempt: how long a
// call may ring before no_answer, how long connecting may take before failed,
// and how long a connected call may stay disconnected before network_lost.
//
// Timers are keyed by call id and kind. Starting an already-armed timer
// replaces it; cancelling guarantees the fire callback will not run anymore,
// so a stale timer can never fire against a reused or already-closed call.
package timers

import (
	"sync"
	"time"
)

// Kind identifies one of the per-call timers.
type Kind string

const (
	// KindRing bounds how long a call may stay ringing.
	KindRing Kind = "ring"
	// KindConnect bounds how long an accepted call may take to connect.
	KindConnect Kind = "connect"
	// KindICERestart bounds the recovery window after a transport disconnect.
	KindICERestart Kind = "ice_restart"
)

const (
	DefaultRingTimeout      = 30 * time.Second
	DefaultConnectTimeout   = 15 * time.Second
	DefaultICERestartWindow = 7 * time.Second

	minICERestartWindow = 5 * time.Second
	maxICERestartWindow = 8 * time.Second
)

type Config struct {
	RingTimeout      time.Duration
	ConnectTimeout   time.Duration
	ICERestartWindow time.Duration
}

// withDefaults fills zero values and clamps the restart window into its
// documented range.
func (cfg Config) withDefaults() Config {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	if cfg.ICERestartWindow <= 0 {
		cfg.ICERestartWindow = DefaultICERestartWindow
	}

	if cfg.ICERestartWindow < minICERestartWindow {
		cfg.ICERestartWindow = minICERestartWindow
	}

	if cfg.ICERestartWindow > maxICERestartWindow {
		cfg.ICERestartWindow = maxICERestartWindow
	}

	return cfg
}

type timerKey struct {
	callID string
	kind   Kind
}

// Manager owns all per-call timers of one engine.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	timers map[timerKey]*time.Timer
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		timers: make(map[timerKey]*time.Timer),
	}
}

// Duration returns the configured duration for kind.
func (m *Manager) Duration(kind Kind) time.Duration {
	switch kind {
	case KindRing:
		return m.cfg.RingTimeout
	case KindConnect:
		return m.cfg.ConnectTimeout
	case KindICERestart:
		return m.cfg.ICERestartWindow
	}

	return 0
}

// SetDuration overrides the duration for kind, bypassing the construction-time
// defaults and clamping. Meant for setup, before any timer of that kind is
// armed; already-armed timers keep their original duration.
func (m *Manager) SetDuration(kind Kind, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch kind {
	case KindRing:
		m.cfg.RingTimeout = d
	case KindConnect:
		m.cfg.ConnectTimeout = d
	case KindICERestart:
		m.cfg.ICERestartWindow = d
	}
}

// Start arms the kind timer for callID, replacing any already-armed one. The
// fire callback runs only if the timer is still armed when it expires.
func (m *Manager) Start(callID string, kind Kind, fire func()) {
	key := timerKey{callID: callID, kind: kind}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.timers[key]; ok {
		old.Stop()
	}

	var timer *time.Timer

	timer = time.AfterFunc(m.Duration(kind), func() {
		// Fire only while still registered. Cancel may have won the race
		// between expiry and callback scheduling.
		m.mu.Lock()

		current, ok := m.timers[key]
		if !ok || current != timer {
			m.mu.Unlock()

			return
		}

		delete(m.timers, key)
		m.mu.Unlock()

		fire()
	})

	m.timers[key] = timer
}

// Cancel disarms the kind timer for callID. Safe to call for a timer that was
// never started or already fired.
func (m *Manager) Cancel(callID string, kind Kind) {
	key := timerKey{callID: callID, kind: kind}

	m.mu.Lock()
	defer m.mu.Unlock()

	if timer, ok := m.timers[key]; ok {
		timer.Stop()
		delete(m.timers, key)
	}
}

// CancelAll disarms every timer of callID. Called on any terminal transition
// and on teardown.
func (m *Manager) CancelAll(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, timer := range m.timers {
		if key.callID == callID {
			timer.Stop()
			delete(m.timers, key)
		}
	}
}

// Armed reports whether the kind timer for callID is currently armed.
func (m *Manager) Armed(callID string, kind Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.timers[timerKey{callID: callID, kind: kind}]

	return ok
}
