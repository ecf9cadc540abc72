// Package engine is the call orchestrator: it owns the canonical status of
// every local call attempt, validates transitions against the state-machine
// edge table, and drives the store, media, transport, signaling and timer
// components as transition side effects.
//
// Concurrency model: one cooperative event loop per engine. User commands,
// store change notifications, timer firings and transport callbacks are all
// serialized onto the loop goroutine, so no two operations ever mutate the
// same call's state concurrently. Cancellation is expressed only as a
// transition to ended: components react to the terminal transition, not to
// a separate cancel signal.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"kincall/pkg/call"
	"kincall/pkg/log"
	"kincall/pkg/media"
	"kincall/pkg/peer"
	"kincall/pkg/store"
	"kincall/pkg/timers"
)

// ErrEngineClosed is returned by commands issued after Close.
var ErrEngineClosed = errors.New("engine closed")

// ErrUnknownCall means no session exists for the given call id.
var ErrUnknownCall = errors.New("unknown call id")

// ErrNotResponder means answer/decline was issued by the side that initiated
// the call.
var ErrNotResponder = errors.New("only the responder may answer or decline")

// ErrNotRinging means the call left the ringing state before the command
// arrived.
var ErrNotRinging = errors.New("call is not ringing")

// ErrBadTarget means the dialed pairing is invalid: every call connects one
// child with exactly one adult.
var ErrBadTarget = errors.New("call target must pair one child with one adult")

type Config struct {
	SelfID   string
	SelfRole call.Role

	Store store.Store
	Media *media.Coordinator

	Timers timers.Config
	Peer   peer.Config

	// Push and Presence are optional collaborators.
	Push     PushNotifier
	Presence Presence

	// NewTransport overrides the default peer.Conn factory; tests use this.
	NewTransport TransportFactory
}

// Engine orchestrates all call attempts of one endpoint.
type Engine struct {
	cfg    Config
	store  store.Store
	media  *media.Coordinator
	timers *timers.Manager
	guard  *BusyGuard

	loop chan func()
	done chan struct{}

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	notifyMu    sync.Mutex
	notifyQueue []func()
	notifyWake  chan struct{}
}

func New(cfg Config) (*Engine, error) {
	if len(cfg.SelfID) == 0 {
		return nil, errors.New("self id is required")
	}

	switch cfg.SelfRole {
	case call.RoleGuardian, call.RoleSecondaryAdult, call.RoleChild:
	default:
		return nil, errors.Errorf("invalid self role %q", cfg.SelfRole)
	}

	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}

	if cfg.Media == nil {
		return nil, errors.New("media coordinator is required")
	}

	e := &Engine{
		cfg:        cfg,
		store:      cfg.Store,
		media:      cfg.Media,
		timers:     timers.NewManager(cfg.Timers),
		guard:      NewBusyGuard(cfg.Store, cfg.Presence),
		loop:       make(chan func(), 64),
		done:       make(chan struct{}),
		sessions:   make(map[string]*Session),
		notifyWake: make(chan struct{}, 1),
	}

	if e.cfg.NewTransport == nil {
		e.cfg.NewTransport = func() (Transport, error) {
			return peer.New(e.cfg.Peer)
		}
	}

	go e.run()
	go e.runNotifier()

	return e, nil
}

// run is the cooperative event loop. Everything that mutates call state
// executes here.
func (e *Engine) run() {
	for {
		select {
		case <-e.done:
			return
		case fn := <-e.loop:
			fn()
		}
	}
}

// post schedules fn on the loop. Safe from any goroutine; drops the event if
// the engine already shut down.
func (e *Engine) post(fn func()) {
	select {
	case <-e.done:
	case e.loop <- fn:
	}
}

// do runs fn on the loop and waits for its result.
func (e *Engine) do(fn func() error) error {
	result := make(chan error, 1)

	select {
	case <-e.done:
		return ErrEngineClosed
	case e.loop <- func() { result <- fn() }:
	}

	select {
	case <-e.done:
		return ErrEngineClosed
	case err := <-result:
		return err
	}
}

// notify queues a UI callback for in-order delivery off the loop goroutine,
// so handlers may call back into the engine without deadlocking.
func (e *Engine) notify(fn func()) {
	e.notifyMu.Lock()
	e.notifyQueue = append(e.notifyQueue, fn)
	e.notifyMu.Unlock()

	select {
	case e.notifyWake <- struct{}{}:
	default:
	}
}

func (e *Engine) runNotifier() {
	for {
		select {
		case <-e.done:
			return
		case <-e.notifyWake:
		}

		for {
			e.notifyMu.Lock()

			if len(e.notifyQueue) == 0 {
				e.notifyMu.Unlock()

				break
			}

			fn := e.notifyQueue[0]
			e.notifyQueue = e.notifyQueue[1:]
			e.notifyMu.Unlock()

			fn()
		}
	}
}

// Session returns the local session for callID, if any.
func (e *Engine) Session(callID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[callID]

	return s, ok
}

func (e *Engine) addSession(s *Session) {
	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()
}

// releaseMediaIfIdle returns the capture devices once no non-terminal session
// still needs them. Release-before-reuse is enforced here, not left to
// deferred cleanup timing.
func (e *Engine) releaseMediaIfIdle() {
	e.mu.Lock()

	for _, s := range e.sessions {
		if s.hasMedia && s.status != call.StatusEnded {
			e.mu.Unlock()

			return
		}
	}

	e.mu.Unlock()

	e.media.Release()
}

func (e *Engine) notifyMissed(rec *call.Record) {
	if e.cfg.Push == nil {
		return
	}

	e.cfg.Push.CallMissed(context.Background(), Notification{
		CallID:       rec.ID,
		Participants: rec.Participants(),
		Missed:       true,
	})
}

func (e *Engine) notifyRinging(rec *call.Record) {
	if e.cfg.Push == nil {
		return
	}

	e.cfg.Push.CallRinging(context.Background(), Notification{
		CallID:       rec.ID,
		Participants: rec.Participants(),
	})
}

// buildRecord assembles the initial record for a locally initiated attempt.
func (e *Engine) buildRecord(target Target) (*call.Record, error) {
	rec := &call.Record{
		ID:            uuid.New().String(),
		InitiatorRole: e.cfg.SelfRole,
		Status:        call.StatusInitiating,
		CreatedAt:     time.Now().UTC(),
	}

	selfIsChild := e.cfg.SelfRole == call.RoleChild
	targetIsChild := target.Role == call.RoleChild

	if selfIsChild == targetIsChild {
		return nil, ErrBadTarget
	}

	childID := target.ID
	adultID := e.cfg.SelfID
	adultRole := e.cfg.SelfRole

	if selfIsChild {
		childID = e.cfg.SelfID
		adultID = target.ID
		adultRole = target.Role
	}

	rec.ChildID = childID

	switch adultRole {
	case call.RoleGuardian:
		rec.GuardianID = adultID
	case call.RoleSecondaryAdult:
		rec.SecondaryAdultID = adultID
	default:
		return nil, ErrBadTarget
	}

	return rec, nil
}

// Initiate dials target. The returned session may already be terminal: a busy
// callee resolves the attempt to ended(busy) without the callee ever
// observing ringing.
func (e *Engine) Initiate(ctx context.Context, target Target, kind call.MediaKind) (*Session, error) {
	var session *Session

	err := e.do(func() error {
		var innerErr error
		session, innerErr = e.initiate(ctx, target, kind)

		return innerErr
	})

	return session, err
}

func (e *Engine) initiate(ctx context.Context, target Target, kind call.MediaKind) (*Session, error) {
	guardErr := e.guard.Check(ctx, e.cfg.SelfID, target.ID)

	switch {
	case errors.Is(guardErr, ErrCallerBusy):
		// Rejected before any record exists.
		return nil, guardErr

	case errors.Is(guardErr, ErrCalleeBusy):
		return e.initiateBusy(ctx, target)

	case guardErr != nil:
		return nil, guardErr
	}

	rec, err := e.buildRecord(target)
	if err != nil {
		return nil, err
	}

	if _, err := e.store.Insert(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "insert call record")
	}

	log.WithFields(log.Fields{
		"call_id": rec.ID,
		"child":   rec.ChildID,
		"adult":   rec.AdultID(),
	}).Info("call attempt created")

	s := newSession(e, rec, call.SideInitiator)
	e.addSession(s)

	if err := e.subscribeSession(s); err != nil {
		s.finalize(call.EndFailed, call.RoleSystem, false)

		return s, err
	}

	if err := e.setupTransport(ctx, s, kind); err != nil {
		s.finalize(call.EndFailed, call.RoleSystem, false)

		return s, err
	}

	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		s.finalize(call.EndFailed, call.RoleSystem, false)

		return s, errors.Wrap(err, "create offer")
	}

	if err := s.exchange.PublishOffer(ctx, offer); err != nil {
		s.finalize(call.EndFailed, call.RoleSystem, false)

		return s, errors.Wrap(err, "publish offer")
	}

	s.setStatus(call.StatusRinging)
	s.startRingTimer()
	e.notifyRinging(rec)

	return s, nil
}

// initiateBusy persists the attempt directly in its terminal state so the
// caller sees a definite outcome and the callee sees nothing ring.
func (e *Engine) initiateBusy(ctx context.Context, target Target) (*Session, error) {
	rec, err := e.buildRecord(target)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec.Status = call.StatusEnded
	rec.EndedAt = &now
	rec.EndedBy = call.RoleSystem
	rec.EndReason = call.EndBusy

	if _, err := e.store.Insert(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "insert busy record")
	}

	log.WithFields(log.Fields{
		"call_id": rec.ID,
		"callee":  target.ID,
	}).Info("callee busy, attempt auto-resolved")

	s := newSession(e, rec, call.SideInitiator)
	s.term.Consume()
	e.addSession(s)
	s.publishSnapshot()

	return s, nil
}

// WatchIncoming attaches a responder-side session to a remotely created
// record, normally after a push alert delivered the call id.
func (e *Engine) WatchIncoming(ctx context.Context, callID string) (*Session, error) {
	var session *Session

	err := e.do(func() error {
		var innerErr error
		session, innerErr = e.watchIncoming(ctx, callID)

		return innerErr
	})

	return session, err
}

func (e *Engine) watchIncoming(ctx context.Context, callID string) (*Session, error) {
	if s, ok := e.Session(callID); ok {
		return s, nil
	}

	rec, err := e.store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}

	side, ok := rec.LocalSide(e.cfg.SelfID)
	if !ok {
		return nil, errors.Errorf("not a participant of call %s", callID)
	}

	s := newSession(e, rec, side)
	e.addSession(s)

	if rec.Terminal() {
		// Ended before we attached; surface it without ever ringing.
		s.term.Consume()
		s.publishSnapshot()

		return s, nil
	}

	if err := e.subscribeSession(s); err != nil {
		return nil, err
	}

	// Both sides arm the ring timeout: finalize is idempotent, and the
	// responder must dismiss on its own even if the initiator vanished.
	if rec.Status == call.StatusRinging && side == call.SideResponder {
		s.startRingTimer()
	}

	s.publishSnapshot()

	return s, nil
}

// Answer accepts a ringing incoming call.
func (e *Engine) Answer(ctx context.Context, callID string) error {
	return e.do(func() error { return e.answer(ctx, callID) })
}

func (e *Engine) answer(ctx context.Context, callID string) error {
	s, err := e.sessionForCommand(ctx, callID)
	if err != nil {
		return err
	}

	if s.side != call.SideResponder {
		return ErrNotResponder
	}

	if s.status != call.StatusRinging {
		return ErrNotRinging
	}

	rec, err := e.store.Get(ctx, callID)
	if err != nil {
		return err
	}

	if rec.Terminal() {
		s.adoptTerminal(rec)

		return ErrNotRinging
	}

	if err := e.setupTransport(ctx, s, call.MediaAudioVideo); err != nil {
		s.finalize(call.EndFailed, call.RoleSystem, false)

		return err
	}

	answer, err := s.transport.AcceptOffer(ctx, rec.Offer)
	if err != nil {
		s.finalize(call.EndFailed, call.RoleSystem, false)

		return errors.Wrap(err, "accept offer")
	}

	if err := s.exchange.PublishAnswer(ctx, answer); err != nil {
		s.finalize(call.EndFailed, call.RoleSystem, false)

		return errors.Wrap(err, "publish answer")
	}

	// Candidates the initiator gathered before we attached the transport.
	if err := s.exchange.ApplyRemote(ctx, rec); err != nil {
		log.Error(errors.Wrap(err, "apply buffered signaling"))
	}

	if s.setStatus(call.StatusConnecting) {
		e.timers.Cancel(s.id, timers.KindRing)
		s.startConnectTimer()
	}

	return nil
}

// Decline rejects a ringing incoming call.
func (e *Engine) Decline(ctx context.Context, callID string) error {
	return e.do(func() error { return e.decline(ctx, callID) })
}

func (e *Engine) decline(ctx context.Context, callID string) error {
	s, err := e.sessionForCommand(ctx, callID)
	if err != nil {
		return err
	}

	if s.side != call.SideResponder {
		return ErrNotResponder
	}

	if s.status != call.StatusRinging {
		return ErrNotRinging
	}

	s.finalize(call.EndDeclined, s.localRole, false)

	return nil
}

// Hangup ends a call attempt from any non-terminal state.
func (e *Engine) Hangup(ctx context.Context, callID string) error {
	return e.do(func() error { return e.hangup(ctx, callID) })
}

func (e *Engine) hangup(ctx context.Context, callID string) error {
	s, err := e.sessionForCommand(ctx, callID)
	if err != nil {
		return err
	}

	s.finalize(call.EndHangup, s.localRole, false)

	return nil
}

// MarkMissedRead records that the missed-call indicator was seen. This is the
// only write permitted on a terminal record.
func (e *Engine) MarkMissedRead(ctx context.Context, callID string) error {
	now := time.Now().UTC()

	_, err := e.store.Update(ctx, callID, func(rec *call.Record) error {
		if !rec.Missed || rec.MissedReadAt != nil {
			return nil
		}

		rec.MissedReadAt = &now

		return nil
	}, 0)

	return err
}

// sessionForCommand resolves a UI command's call id, attaching to the record
// on demand so a command can race the push alert.
func (e *Engine) sessionForCommand(ctx context.Context, callID string) (*Session, error) {
	if s, ok := e.Session(callID); ok {
		return s, nil
	}

	s, err := e.watchIncoming(ctx, callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownCall
		}

		return nil, err
	}

	return s, nil
}

// subscribeSession routes the record's change feed into the loop.
func (e *Engine) subscribeSession(s *Session) error {
	unsubscribe, err := e.store.Subscribe(s.id, func(rec *call.Record) {
		e.post(func() { s.onStoreChange(rec) })
	})
	if err != nil {
		return errors.Wrap(err, "subscribe call record")
	}

	s.unsubscribe = unsubscribe

	return nil
}

// setupTransport acquires the capture devices and builds the per-attempt
// transport with its callbacks wired into the loop.
func (e *Engine) setupTransport(ctx context.Context, s *Session, kind call.MediaKind) error {
	constraints := media.Constraints{Audio: true, Video: kind == call.MediaAudioVideo}

	stream, err := e.media.Acquire(ctx, constraints)
	if err != nil {
		return errors.Wrap(err, "acquire local media")
	}

	s.hasMedia = true

	transport, err := e.cfg.NewTransport()
	if err != nil {
		return errors.Wrap(err, "build transport")
	}

	s.attachTransport(transport)

	locals := make([]webrtc.TrackLocal, 0, len(stream.Tracks()))
	for _, track := range stream.Tracks() {
		locals = append(locals, track.Local())
	}

	if err := transport.AttachLocalTracks(locals...); err != nil {
		return errors.Wrap(err, "attach local media")
	}

	return nil
}

// Close finalizes every live attempt as a system hangup and stops the loop.
func (e *Engine) Close() {
	err := e.do(func() error {
		e.mu.Lock()
		sessions := make([]*Session, 0, len(e.sessions))

		for _, s := range e.sessions {
			sessions = append(sessions, s)
		}

		e.mu.Unlock()

		for _, s := range sessions {
			if s.status != call.StatusEnded {
				s.finalize(call.EndHangup, call.RoleSystem, false)
			}
		}

		return nil
	})
	if err != nil {
		return
	}

	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()

		return
	}

	e.closed = true
	e.mu.Unlock()

	close(e.done)
	e.media.Release()
}
