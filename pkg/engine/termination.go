package engine

import (
	"sync"

	"kincall/pkg/call"
	"kincall/pkg/log"
)

// TerminationListener detects, exactly once per call attempt, that the call
// reached a terminal state, whatever the origin: a remote update, a local
// timer, or a transport that already closed underneath us.
//
// The multi-branch condition in Observe exists to close two historic holes at
// the same time: a termination missed because the subscription attached after
// the call already ended, and a termination processed twice because the local
// side and a late remote notification both reported it.
type TerminationListener struct {
	transportClosed func() bool

	mu       sync.Mutex
	consumed bool
	observed bool
	prevTerm bool
}

// NewTerminationListener builds a listener for one call attempt.
// transportClosed reports whether the local transport is already closed; it
// may be nil when no transport exists yet.
func NewTerminationListener(transportClosed func() bool) *TerminationListener {
	return &TerminationListener{transportClosed: transportClosed}
}

// Observe inspects one record snapshot and reports whether it is the single
// termination-worthy observation of this call. Termination-worthy means any
// of: the first observation is already terminal, a non-terminal→terminal
// edge, or the local transport is already closed. Once consumed, Observe
// never reports true again.
func (l *TerminationListener) Observe(rec *call.Record) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	first := !l.observed
	prevTerm := l.prevTerm

	l.observed = true
	l.prevTerm = rec.Terminal()

	if l.consumed {
		return false
	}

	worthy := (first && rec.Terminal()) ||
		(!prevTerm && rec.Terminal()) ||
		(l.transportClosed != nil && l.transportClosed())

	if !worthy {
		return false
	}

	l.consumed = true

	log.WithFields(log.Fields{
		"call_id":    rec.ID,
		"status":     rec.Status,
		"end_reason": rec.EndReason,
	}).Debug("termination observed")

	return true
}

// Consume marks the termination as already handled by the local side, so a
// late remote notification cannot trigger a second teardown.
func (l *TerminationListener) Consume() {
	l.mu.Lock()
	l.consumed = true
	l.mu.Unlock()
}

// Consumed reports whether termination handling already ran.
func (l *TerminationListener) Consumed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.consumed
}
