package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"kincall/pkg/call"
	"kincall/pkg/log"
	"kincall/pkg/peer"
	"kincall/pkg/signaling"
	"kincall/pkg/timers"
)

// errAlreadyTerminal aborts a record patch because the call ended first.
// Benign: the losing side adopts the committed terminal state instead.
var errAlreadyTerminal = errors.New("record already terminal")

// errStaleStatus aborts a record patch because the status it expected moved
// on. Benign: silent no-op, logged but never fatal.
var errStaleStatus = errors.New("record status moved past this transition")

// Session is the per-attempt state machine. Every mutation runs on the
// engine's serialized loop; the only cross-goroutine surface is Snapshot and
// OnUpdate.
type Session struct {
	eng *Engine

	id        string
	side      call.Side
	localRole call.Role
	incoming  bool

	status      call.Status
	endReason   call.EndReason
	remoteTrack bool

	transport   Transport
	exchange    *signaling.Exchange
	term        *TerminationListener
	unsubscribe func()
	hasMedia    bool

	snapMu        sync.Mutex
	updateHandler func(Snapshot)
}

func newSession(eng *Engine, rec *call.Record, side call.Side) *Session {
	s := &Session{
		eng:       eng,
		id:        rec.ID,
		side:      side,
		localRole: rec.RoleOf(eng.cfg.SelfID),
		// Whether this attempt rings locally is fixed here, from the record
		// itself, never from a separately fetched flag that can lag state.
		incoming:  side == call.SideResponder,
		status:    rec.Status,
		endReason: rec.EndReason,
	}

	s.term = NewTerminationListener(func() bool {
		return s.transport != nil && s.transport.Closed()
	})

	return s
}

func (s *Session) ID() string {
	return s.id
}

// OnUpdate registers the UI-facing snapshot callback. Snapshots are delivered
// in order on a dedicated goroutine, so the handler may call back into the
// engine.
func (s *Session) OnUpdate(h func(Snapshot)) {
	s.snapMu.Lock()
	s.updateHandler = h
	s.snapMu.Unlock()
}

// Snapshot returns the current UI-visible state.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	return Snapshot{
		CallID:               s.id,
		Incoming:             s.incoming,
		Status:               s.status,
		EndReason:            s.endReason,
		RemoteTrackAvailable: s.remoteTrack,
	}
}

// publishSnapshot refreshes the locked snapshot fields and hands the result
// to the engine's ordered notifier.
func (s *Session) publishSnapshot() {
	s.snapMu.Lock()
	snap := Snapshot{
		CallID:               s.id,
		Incoming:             s.incoming,
		Status:               s.status,
		EndReason:            s.endReason,
		RemoteTrackAvailable: s.remoteTrack,
	}
	handler := s.updateHandler
	s.snapMu.Unlock()

	if handler != nil {
		s.eng.notify(func() { handler(snap) })
	}
}

// setStatus moves the local status along a validated edge. Invalid moves are
// silent no-ops.
func (s *Session) setStatus(next call.Status) bool {
	if s.status == next {
		return false
	}

	if !call.CanTransition(s.status, next) {
		log.WithFields(log.Fields{
			"call_id": s.id,
			"from":    s.status,
			"to":      next,
		}).Warn("ignoring invalid status transition")

		return false
	}

	s.snapMu.Lock()
	s.status = next
	s.snapMu.Unlock()

	s.publishSnapshot()

	return true
}

// attachTransport wires a freshly built transport's callbacks into the engine
// loop and creates the signaling exchange for it.
func (s *Session) attachTransport(transport Transport) {
	s.transport = transport
	s.exchange = signaling.New(s.eng.store, s.id, s.side, transport)

	transport.OnLocalCandidate(func(payload *string) {
		s.eng.post(func() { s.onLocalCandidate(payload) })
	})

	transport.OnStateChange(func(st peer.State) {
		s.eng.post(func() { s.onTransportState(st) })
	})

	transport.OnRemoteTrack(func(kind string) {
		s.eng.post(func() { s.onRemoteTrack(kind) })
	})
}

func (s *Session) onLocalCandidate(payload *string) {
	if s.exchange == nil || s.status == call.StatusEnded {
		return
	}

	if err := s.exchange.AppendCandidate(context.Background(), payload); err != nil {
		log.Error(errors.Wrap(err, "append local candidate"))
	}
}

func (s *Session) onRemoteTrack(kind string) {
	if s.status == call.StatusEnded {
		return
	}

	log.WithFields(log.Fields{
		"call_id": s.id,
		"kind":    kind,
	}).Info("remote media available")

	s.snapMu.Lock()
	s.remoteTrack = true
	s.snapMu.Unlock()

	s.publishSnapshot()
}

// onStoreChange is the session's view of every committed record snapshot.
func (s *Session) onStoreChange(rec *call.Record) {
	if s.term.Observe(rec) {
		s.adoptTerminal(rec)

		return
	}

	if rec.Terminal() || s.status == call.StatusEnded {
		return
	}

	if s.exchange != nil {
		if err := s.exchange.ApplyRemote(context.Background(), rec); err != nil {
			log.Error(errors.Wrap(err, "apply remote signaling"))
		}
	}

	s.advanceFrom(rec)
}

// advanceFrom folds remotely observed status movement into the local state
// machine, attaching the timer side effects to the transition itself.
func (s *Session) advanceFrom(rec *call.Record) {
	switch rec.Status {
	case call.StatusRinging:
		s.setStatus(call.StatusRinging)

	case call.StatusConnecting:
		if s.status != call.StatusInitiating && s.status != call.StatusRinging {
			return
		}

		if s.setStatus(call.StatusConnecting) {
			s.eng.timers.Cancel(s.id, timers.KindRing)
			s.startConnectTimer()
		}

	case call.StatusConnected:
		if s.setStatus(call.StatusConnected) {
			s.eng.timers.Cancel(s.id, timers.KindConnect)
			s.eng.timers.Cancel(s.id, timers.KindICERestart)
		}
	}
}

func (s *Session) onTransportState(st peer.State) {
	if s.status == call.StatusEnded {
		return
	}

	switch st {
	case peer.StateConnected:
		// Recovery inside the restart window leaves connected state with no
		// externally visible change.
		s.eng.timers.Cancel(s.id, timers.KindICERestart)

		if s.status == call.StatusConnecting {
			s.markConnected()
		}

	case peer.StateDisconnected, peer.StateFailed:
		s.onTransportTrouble(st)

	case peer.StateClosed:
		// Teardown paths close the transport themselves; nothing to do.
	}
}

// onTransportTrouble handles a definitive connectivity problem: while
// connecting it escalates to the connect-timeout failure already armed, while
// connected it opens the restart window and spends the single permitted
// renegotiation attempt.
func (s *Session) onTransportTrouble(st peer.State) {
	if s.status != call.StatusConnected {
		return
	}

	if !s.eng.timers.Armed(s.id, timers.KindICERestart) {
		s.eng.timers.Start(s.id, timers.KindICERestart, func() {
			s.eng.post(func() {
				s.finalizeFrom(call.StatusConnected, call.EndNetworkLost, call.RoleSystem, false)
			})
		})
	}

	if s.transport == nil {
		return
	}

	err := s.transport.RestartNegotiation()

	switch {
	case err == nil:
		log.WithFields(log.Fields{
			"call_id": s.id,
			"state":   st,
		}).Info("attempting single negotiation restart")
	case errors.Is(err, peer.ErrRestartConsumed):
		log.WithFields(log.Fields{
			"call_id": s.id,
		}).Debug("negotiation restart already spent, waiting out the window")
	default:
		log.Error(errors.Wrap(err, "negotiation restart"))
	}
}

// markConnected commits connecting→connected. A record that moved on first
// makes this a silent no-op.
func (s *Session) markConnected() {
	_, err := s.eng.store.Update(context.Background(), s.id, func(rec *call.Record) error {
		if rec.Terminal() {
			return errAlreadyTerminal
		}

		if rec.Status != call.StatusConnecting {
			return errStaleStatus
		}

		rec.Status = call.StatusConnected

		return nil
	}, 0)

	if err != nil && !errors.Is(err, errStaleStatus) && !errors.Is(err, errAlreadyTerminal) {
		log.Error(errors.Wrap(err, "mark connected"))

		return
	}

	if s.setStatus(call.StatusConnected) {
		s.eng.timers.Cancel(s.id, timers.KindConnect)
	}
}

func (s *Session) startRingTimer() {
	s.eng.timers.Start(s.id, timers.KindRing, func() {
		s.eng.post(func() {
			s.finalizeFrom(call.StatusRinging, call.EndNoAnswer, call.RoleSystem, true)
		})
	})
}

func (s *Session) startConnectTimer() {
	s.eng.timers.Start(s.id, timers.KindConnect, func() {
		s.eng.post(func() {
			s.finalizeFrom(call.StatusConnecting, call.EndFailed, call.RoleSystem, false)
		})
	})
}

// finalize drives the terminal transition exactly once: end fields are
// written atomically with the status, and losing a finalize race simply
// adopts the winner's terminal record.
func (s *Session) finalize(reason call.EndReason, endedBy call.Role, missed bool) {
	s.finalizeFrom("", reason, endedBy, missed)
}

// finalizeFrom is finalize for expiry paths: it ends the call only if it is
// still in the status the timer was guarding. A timer whose fire slipped past
// cancellation but lands after the transition it guarded is a silent no-op,
// checked against both the session's own status and the committed record.
func (s *Session) finalizeFrom(onlyFrom call.Status, reason call.EndReason, endedBy call.Role, missed bool) {
	if s.status == call.StatusEnded {
		return
	}

	if onlyFrom != "" && s.status != onlyFrom {
		return
	}

	now := time.Now().UTC()

	committed, err := s.eng.store.Update(context.Background(), s.id, func(rec *call.Record) error {
		if rec.Terminal() {
			return errAlreadyTerminal
		}

		if onlyFrom != "" && rec.Status != onlyFrom {
			return errStaleStatus
		}

		rec.Status = call.StatusEnded
		rec.EndedAt = &now
		rec.EndedBy = endedBy
		rec.EndReason = reason

		if missed {
			rec.Missed = true
		}

		return nil
	}, 0)

	switch {
	case err == nil:
		if committed.Missed {
			s.eng.notifyMissed(committed)
		}

		s.adoptTerminal(committed)

	case errors.Is(err, errAlreadyTerminal):
		// The other origin finalized first; its subscription snapshot or a
		// direct read supplies the canonical end reason.
		rec, getErr := s.eng.store.Get(context.Background(), s.id)
		if getErr != nil {
			log.Error(errors.Wrap(getErr, "read terminal record"))

			rec = nil
		}

		s.adoptTerminal(rec)

	case errors.Is(err, errStaleStatus):
		log.WithFields(log.Fields{
			"call_id": s.id,
			"status":  onlyFrom,
		}).Debug("expiry raced a committed transition, ignoring")

	default:
		log.Error(errors.Wrap(err, "finalize call"))
	}
}

// adoptTerminal is the single teardown path: cancel timers, close the
// transport, release the capture devices, surface the end reason. Idempotent.
func (s *Session) adoptTerminal(rec *call.Record) {
	s.term.Consume()

	if s.status == call.StatusEnded && rec == nil {
		return
	}

	s.snapMu.Lock()
	s.status = call.StatusEnded

	if rec != nil {
		s.endReason = rec.EndReason
	}

	s.snapMu.Unlock()

	s.eng.timers.CancelAll(s.id)

	if s.transport != nil && !s.transport.Closed() {
		s.transport.Close()
	}

	if s.hasMedia {
		s.hasMedia = false
		s.eng.releaseMediaIfIdle()
	}

	if s.unsubscribe != nil {
		unsub := s.unsubscribe
		s.unsubscribe = nil

		// The callback goroutine must not cancel itself; detach lazily.
		go unsub()
	}

	s.publishSnapshot()
}
