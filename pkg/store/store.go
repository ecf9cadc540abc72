// Package store defines the narrow contract over the durable store that
// relays call records between the two endpoints of a call attempt.
//
// Updates use optimistic concurrency: a caller passes the version it last
// observed and receives ErrVersionConflict if the record moved underneath it.
// Change subscriptions deliver full record snapshots per call id, in the order
// the store committed them for that subscriber.
package store

import (
	"context"

	"github.com/pkg/errors"

	"kincall/pkg/call"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("call record not found")

// ErrVersionConflict is returned by Update when the expected version does not
// match the committed one. Callers resolve it by re-reading and reapplying;
// it is never fatal.
var ErrVersionConflict = errors.New("call record version conflict")

// Patch mutates a record in place inside an update transaction. Returning an
// error aborts the update without committing.
type Patch func(*call.Record) error

// Store is the durable store contract. Implementations must bump Version on
// every committed update and fan the committed snapshot out to subscribers of
// that call id.
type Store interface {
	// Insert persists a new record and returns its id. The record's Version
	// is set to 1.
	Insert(ctx context.Context, rec *call.Record) (string, error)

	// Update applies patch to the record under optimistic concurrency.
	// expectedVersion <= 0 skips the version check. The committed snapshot is
	// returned.
	Update(ctx context.Context, id string, patch Patch, expectedVersion int64) (*call.Record, error)

	// Get returns the current snapshot of the record.
	Get(ctx context.Context, id string) (*call.Record, error)

	// ActiveForParticipant returns the participant's non-terminal record, or
	// ErrNotFound if the participant holds none.
	ActiveForParticipant(ctx context.Context, participantID string) (*call.Record, error)

	// Subscribe registers onChange for committed snapshots of one call id and
	// returns a cancel function. Snapshots for one subscriber are delivered in
	// commit order.
	Subscribe(id string, onChange func(*call.Record)) (func(), error)
}
