package engine

import (
	"context"

	"github.com/pkg/errors"

	"kincall/pkg/log"
	"kincall/pkg/store"
)

// ErrCallerBusy rejects a new attempt before any record is created: the
// caller already holds a non-terminal call.
var ErrCallerBusy = errors.New("caller already in a call")

// ErrCalleeBusy means the callee holds a non-terminal call. The attempt still
// produces a record, created directly in ended(busy), so the callee never
// observes ringing (see: Engine.Initiate()).
var ErrCalleeBusy = errors.New("callee already in a call")

// BusyGuard is the precondition check run before a call record is created.
type BusyGuard struct {
	store    store.Store
	presence Presence
}

func NewBusyGuard(st store.Store, presence Presence) *BusyGuard {
	return &BusyGuard{
		store:    st,
		presence: presence,
	}
}

// Check verifies that neither intended participant already holds a
// non-terminal record. The caller is checked first so a double-dial is
// rejected without touching the callee at all.
func (g *BusyGuard) Check(ctx context.Context, callerID, calleeID string) error {
	if _, err := g.store.ActiveForParticipant(ctx, callerID); err == nil {
		return ErrCallerBusy
	} else if !errors.Is(err, store.ErrNotFound) {
		return errors.Wrap(err, "busy guard caller lookup")
	}

	// Presence is advisory only: an offline callee still gets the attempt
	// (push delivery may wake the device), it is just worth logging.
	if g.presence != nil {
		reachable, err := g.presence.Reachable(ctx, calleeID)
		if err == nil && !reachable {
			log.WithFields(log.Fields{
				"callee": calleeID,
			}).Info("callee not reachable by presence, dialing anyway")
		}
	}

	if _, err := g.store.ActiveForParticipant(ctx, calleeID); err == nil {
		return ErrCalleeBusy
	} else if !errors.Is(err, store.ErrNotFound) {
		return errors.Wrap(err, "busy guard callee lookup")
	}

	return nil
}
