// Package signaling maps the local side of the offer/answer/candidate
// exchange onto call record fields and applies the remote side onto the
// transport.
//
// The offer is published once, by the initiator, while the record is still
// initiating or ringing; publishing it also moves an initiating record to
// ringing so that ringing is never observable without a persisted offer. The
// answer is published once, by the responder, moving a ringing record to
// connecting. Candidates are appended incrementally to the publishing side's
// sequence; a nil candidate appends the end-of-gathering sentinel, which is
// forwarded to the transport as "no more candidates", never dropped.
//
// Remote snapshots may arrive duplicated or reordered. Application is
// idempotent: a positional cursor skips already-consumed candidates and the
// remote description is applied at most once (see: ApplyRemote()).
package signaling

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"kincall/pkg/call"
	"kincall/pkg/log"
	"kincall/pkg/store"
)

// ErrCallEnded means the record is terminal and accepts no signaling writes.
var ErrCallEnded = errors.New("call already ended")

// ErrWrongSide means the operation belongs to the other side of the call.
var ErrWrongSide = errors.New("operation not permitted for this side")

// ErrAlreadyPublished means the description for this side was already
// recorded; reapplying is a benign no-op for the caller.
var ErrAlreadyPublished = errors.New("description already published")

// ErrBadStatus means the record left the states in which the description may
// be written.
var ErrBadStatus = errors.New("call status does not permit this write")

// Transport is the slice of the peer connection the exchange feeds with
// remote signaling data.
type Transport interface {
	ApplyAnswer(ctx context.Context, payload string) error
	AddRemoteCandidate(payload *string) error
}

// Exchange binds one side of one call attempt to its record.
type Exchange struct {
	store     store.Store
	callID    string
	side      call.Side
	transport Transport

	mu              sync.Mutex
	offerPublished  bool
	answerPublished bool
	localEnded      bool
	remoteConsumed  int
	answerApplied   bool
}

func New(st store.Store, callID string, side call.Side, transport Transport) *Exchange {
	return &Exchange{
		store:     st,
		callID:    callID,
		side:      side,
		transport: transport,
	}
}

// PublishOffer records the initiator's session description, moving an
// initiating record to ringing in the same write.
func (e *Exchange) PublishOffer(ctx context.Context, sdp string) error {
	if e.side != call.SideInitiator {
		return ErrWrongSide
	}

	e.mu.Lock()

	if e.offerPublished {
		e.mu.Unlock()

		return ErrAlreadyPublished
	}

	e.mu.Unlock()

	_, err := e.store.Update(ctx, e.callID, func(rec *call.Record) error {
		if rec.Terminal() {
			return ErrCallEnded
		}

		if len(rec.Offer) != 0 {
			return ErrAlreadyPublished
		}

		if rec.Status != call.StatusInitiating && rec.Status != call.StatusRinging {
			return ErrBadStatus
		}

		rec.Offer = sdp

		if rec.Status == call.StatusInitiating {
			rec.Status = call.StatusRinging
		}

		return nil
	}, 0)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.offerPublished = true
	e.mu.Unlock()

	return nil
}

// PublishAnswer records the responder's session description, moving a ringing
// record to connecting in the same write.
func (e *Exchange) PublishAnswer(ctx context.Context, sdp string) error {
	if e.side != call.SideResponder {
		return ErrWrongSide
	}

	e.mu.Lock()

	if e.answerPublished {
		e.mu.Unlock()

		return ErrAlreadyPublished
	}

	e.mu.Unlock()

	_, err := e.store.Update(ctx, e.callID, func(rec *call.Record) error {
		if rec.Terminal() {
			return ErrCallEnded
		}

		if len(rec.Answer) != 0 {
			return ErrAlreadyPublished
		}

		if rec.Status != call.StatusRinging && rec.Status != call.StatusConnecting {
			return ErrBadStatus
		}

		rec.Answer = sdp

		if rec.Status == call.StatusRinging {
			rec.Status = call.StatusConnecting
		}

		return nil
	}, 0)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.answerPublished = true
	e.mu.Unlock()

	return nil
}

// AppendCandidate appends one locally gathered candidate to this side's
// sequence. A nil payload appends the sentinel; once the sentinel is
// recorded, further appends are no-ops.
func (e *Exchange) AppendCandidate(ctx context.Context, payload *string) error {
	e.mu.Lock()

	if e.localEnded {
		e.mu.Unlock()

		return nil
	}

	if payload == nil {
		e.localEnded = true
	}

	e.mu.Unlock()

	entry := call.CandidateEntry{EndOfCandidates: true}
	if payload != nil {
		entry = call.CandidateEntry{Candidate: *payload}
	}

	_, err := e.store.Update(ctx, e.callID, func(rec *call.Record) error {
		if rec.Terminal() {
			return ErrCallEnded
		}

		if e.side == call.SideInitiator {
			if sequenceEnded(rec.ICEFromInitiator) {
				return nil
			}

			rec.ICEFromInitiator = append(rec.ICEFromInitiator, entry)
		} else {
			if sequenceEnded(rec.ICEFromResponder) {
				return nil
			}

			rec.ICEFromResponder = append(rec.ICEFromResponder, entry)
		}

		return nil
	}, 0)

	// Candidates gathered after the call ended have nowhere to go; that is
	// expected during teardown, not a failure.
	if errors.Is(err, ErrCallEnded) {
		log.WithFields(log.Fields{
			"call_id": e.callID,
		}).Debug("dropping candidate for ended call")

		return nil
	}

	return err
}

// ApplyRemote feeds whatever the given snapshot carries from the remote side
// into the transport: the remote description at most once, then any
// candidates past the consumption cursor, the sentinel as nil. Safe to call
// with duplicate or stale snapshots.
func (e *Exchange) ApplyRemote(ctx context.Context, rec *call.Record) error {
	if e.side == call.SideInitiator && len(rec.Answer) != 0 {
		e.mu.Lock()
		applied := e.answerApplied
		e.answerApplied = true
		e.mu.Unlock()

		if !applied {
			if err := e.transport.ApplyAnswer(ctx, rec.Answer); err != nil {
				return errors.Wrap(err, "apply remote answer")
			}
		}
	}

	remote := rec.CandidatesFrom(otherSide(e.side))

	for {
		e.mu.Lock()

		if e.remoteConsumed >= len(remote) {
			e.mu.Unlock()

			return nil
		}

		entry := remote[e.remoteConsumed]
		e.remoteConsumed++
		e.mu.Unlock()

		var payload *string
		if !entry.EndOfCandidates {
			candidate := entry.Candidate
			payload = &candidate
		}

		if err := e.transport.AddRemoteCandidate(payload); err != nil {
			return errors.Wrap(err, "apply remote candidate")
		}
	}
}

// sequenceEnded reports whether a candidate sequence already carries its
// sentinel.
func sequenceEnded(seq []call.CandidateEntry) bool {
	return len(seq) > 0 && seq[len(seq)-1].EndOfCandidates
}

func otherSide(side call.Side) call.Side {
	if side == call.SideInitiator {
		return call.SideResponder
	}

	return call.SideInitiator
}
