package engine

import (
	"context"

	"github.com/pion/webrtc/v4"

	"kincall/pkg/call"
	"kincall/pkg/peer"
	"kincall/pkg/signaling"
)

// Notification is the payload handed to the push collaborator when a call
// starts ringing or is finalized as missed.
type Notification struct {
	CallID       string
	Participants []string
	Missed       bool
}

// PushNotifier is the outbound alert collaborator. Delivery mechanics are out
// of scope here; failures are logged, never propagated into call state.
type PushNotifier interface {
	CallRinging(ctx context.Context, n Notification)
	CallMissed(ctx context.Context, n Notification)
}

// Presence is the optional reachability collaborator consulted, not required,
// by the busy guard.
type Presence interface {
	Reachable(ctx context.Context, participantID string) (bool, error)
}

// Snapshot is what the UI layer observes about one call attempt. Incoming is
// derived once at session construction from the record's initiator role and
// the local identity.
type Snapshot struct {
	CallID               string
	Incoming             bool
	Status               call.Status
	EndReason            call.EndReason
	RemoteTrackAvailable bool
}

// Target identifies the participant being called.
type Target struct {
	ID   string
	Role call.Role
}

// Transport is the slice of the peer connection the engine drives. pkg/peer
// provides the production implementation; tests inject fakes.
type Transport interface {
	signaling.Transport

	AttachLocalTracks(tracks ...webrtc.TrackLocal) error
	CreateOffer(ctx context.Context) (string, error)
	AcceptOffer(ctx context.Context, payload string) (string, error)
	RestartNegotiation() error
	Close()
	Closed() bool
	OnLocalCandidate(func(payload *string))
	OnStateChange(func(peer.State))
	OnRemoteTrack(func(kind string))
}

// TransportFactory builds one fresh Transport per call attempt.
type TransportFactory func() (Transport, error)
