// Record is the durable entity representing one call attempt between a child
// and exactly one adult (guardian or secondary adult). It is created by the
// initiating side, mutated by both sides through the signaling exchange, and
// finalized exactly once. A shared store relays it between the two endpoints
// (see: pkg/store).
//
// Status moves strictly forward through the lifecycle and is never resurrected
// from StatusEnded. The offer is written only by the initiator before the
// record leaves StatusRinging; the answer only by the responder on entering
// StatusConnecting. Candidate sequences are append-only and may be terminated
// by a sentinel entry (see: CandidateEntry).

package call

import (
	"time"
)

// Role identifies a call participant or the system itself.
type Role string

const (
	RoleGuardian       Role = "guardian"
	RoleSecondaryAdult Role = "secondary_adult"
	RoleChild          Role = "child"
	RoleSystem         Role = "system"
)

// Side is the position of the local endpoint within one call attempt. It is
// derived once, at construction time, from the record's initiator role and the
// local participant identity, never from an asynchronously fetched flag.
type Side string

const (
	SideInitiator Side = "initiator"
	SideResponder Side = "responder"
)

// Status is the canonical call state. Transitions are validated against the
// edge table (see: CanTransition).
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
)

// EndReason explains why a record reached StatusEnded.
type EndReason string

const (
	EndNoAnswer    EndReason = "no_answer"
	EndDeclined    EndReason = "declined"
	EndBusy        EndReason = "busy"
	EndFailed      EndReason = "failed"
	EndHangup      EndReason = "hangup"
	EndNetworkLost EndReason = "network_lost"

	// EndAnsweredElsewhere is reserved for multi-device ringing. No transition
	// produces it yet.
	EndAnsweredElsewhere EndReason = "answered_elsewhere"
)

// MediaKind selects which local capture devices a call wants.
type MediaKind string

const (
	MediaAudio      MediaKind = "audio"
	MediaAudioVideo MediaKind = "audio_video"
)

// CandidateEntry is one element of an append-only connectivity candidate
// sequence. An entry with EndOfCandidates set carries no candidate payload and
// marks the end of gathering; it must still be forwarded to the transport as
// "no more candidates", never dropped.
type CandidateEntry struct {
	Candidate       string `json:"candidate,omitempty"`
	EndOfCandidates bool   `json:"end_of_candidates,omitempty"`
}

// Record is one call attempt.
type Record struct {
	ID string `json:"id"`

	InitiatorRole    Role   `json:"initiator_role"`
	ChildID          string `json:"child_id"`
	GuardianID       string `json:"guardian_id,omitempty"`
	SecondaryAdultID string `json:"secondary_adult_id,omitempty"`

	Status Status `json:"status"`

	Offer  string `json:"offer,omitempty"`
	Answer string `json:"answer,omitempty"`

	ICEFromInitiator []CandidateEntry `json:"ice_from_initiator,omitempty"`
	ICEFromResponder []CandidateEntry `json:"ice_from_responder,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndedBy   Role       `json:"ended_by,omitempty"`
	EndReason EndReason  `json:"end_reason,omitempty"`

	Version int64 `json:"version"`

	Missed       bool       `json:"missed,omitempty"`
	MissedReadAt *time.Time `json:"missed_read_at,omitempty"`
}

// edges is the full transition table. StatusEnded is absorbing.
var edges = map[Status][]Status{
	StatusInitiating: {StatusRinging, StatusEnded},
	StatusRinging:    {StatusConnecting, StatusEnded},
	StatusConnecting: {StatusConnected, StatusEnded},
	StatusConnected:  {StatusEnded},
	StatusEnded:      {},
}

// CanTransition reports whether from → to is a permitted status edge.
func CanTransition(from, to Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Terminal reports whether the record reached a state from which no further
// transition is permitted.
func (r *Record) Terminal() bool {
	return r.Status == StatusEnded
}

// AdultID returns the identity of the non-child participant.
func (r *Record) AdultID() string {
	if len(r.GuardianID) != 0 {
		return r.GuardianID
	}

	return r.SecondaryAdultID
}

// Participants returns both participant identities.
func (r *Record) Participants() []string {
	return []string{r.ChildID, r.AdultID()}
}

// InitiatorID returns the identity of the participant that created the record.
func (r *Record) InitiatorID() string {
	if r.InitiatorRole == RoleChild {
		return r.ChildID
	}

	return r.AdultID()
}

// ResponderID returns the identity of the participant being called.
func (r *Record) ResponderID() string {
	if r.InitiatorRole == RoleChild {
		return r.AdultID()
	}

	return r.ChildID
}

// LocalSide derives which side of the attempt the given participant is on.
// The second return value is false if the participant is not part of the call.
func (r *Record) LocalSide(participantID string) (Side, bool) {
	switch participantID {
	case r.InitiatorID():
		return SideInitiator, true
	case r.ResponderID():
		return SideResponder, true
	}

	return "", false
}

// RoleOf returns the role of the given participant within this record.
func (r *Record) RoleOf(participantID string) Role {
	if participantID == r.ChildID {
		return RoleChild
	}

	if participantID == r.GuardianID {
		return RoleGuardian
	}

	if participantID == r.SecondaryAdultID {
		return RoleSecondaryAdult
	}

	return ""
}

// CandidatesFrom returns the candidate sequence written by the given side.
func (r *Record) CandidatesFrom(side Side) []CandidateEntry {
	if side == SideInitiator {
		return r.ICEFromInitiator
	}

	return r.ICEFromResponder
}

// Clone returns a deep copy so subscribers can never alias store state.
func (r *Record) Clone() *Record {
	clone := *r

	clone.ICEFromInitiator = append([]CandidateEntry(nil), r.ICEFromInitiator...)
	clone.ICEFromResponder = append([]CandidateEntry(nil), r.ICEFromResponder...)

	if r.EndedAt != nil {
		endedAt := *r.EndedAt
		clone.EndedAt = &endedAt
	}

	if r.MissedReadAt != nil {
		readAt := *r.MissedReadAt
		clone.MissedReadAt = &readAt
	}

	return &clone
}
