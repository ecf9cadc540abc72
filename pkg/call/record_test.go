package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionForwardOnly(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusInitiating, StatusRinging},
		{StatusInitiating, StatusEnded},
		{StatusRinging, StatusConnecting},
		{StatusRinging, StatusEnded},
		{StatusConnecting, StatusConnected},
		{StatusConnecting, StatusEnded},
		{StatusConnected, StatusEnded},
	}

	for _, edge := range allowed {
		assert.True(t, CanTransition(edge.from, edge.to), "%s -> %s should be permitted", edge.from, edge.to)
	}

	forbidden := []struct{ from, to Status }{
		{StatusInitiating, StatusConnecting},
		{StatusInitiating, StatusConnected},
		{StatusRinging, StatusInitiating},
		{StatusRinging, StatusConnected},
		{StatusConnecting, StatusRinging},
		{StatusConnected, StatusConnecting},
		{StatusConnected, StatusRinging},
	}

	for _, edge := range forbidden {
		assert.False(t, CanTransition(edge.from, edge.to), "%s -> %s should be rejected", edge.from, edge.to)
	}
}

func TestEndedIsAbsorbing(t *testing.T) {
	for _, to := range []Status{StatusInitiating, StatusRinging, StatusConnecting, StatusConnected, StatusEnded} {
		assert.False(t, CanTransition(StatusEnded, to), "ended -> %s should be rejected", to)
	}
}

func TestTerminal(t *testing.T) {
	rec := &Record{Status: StatusConnected}
	assert.False(t, rec.Terminal())

	rec.Status = StatusEnded
	assert.True(t, rec.Terminal())
}

func TestParticipantDerivation(t *testing.T) {
	rec := &Record{
		InitiatorRole: RoleChild,
		ChildID:       "child-1",
		GuardianID:    "guardian-1",
	}

	assert.Equal(t, "guardian-1", rec.AdultID())
	assert.Equal(t, "child-1", rec.InitiatorID())
	assert.Equal(t, "guardian-1", rec.ResponderID())
	assert.ElementsMatch(t, []string{"child-1", "guardian-1"}, rec.Participants())
}

func TestParticipantDerivationSecondaryAdult(t *testing.T) {
	rec := &Record{
		InitiatorRole:    RoleSecondaryAdult,
		ChildID:          "child-1",
		SecondaryAdultID: "aunt-1",
	}

	assert.Equal(t, "aunt-1", rec.AdultID())
	assert.Equal(t, "aunt-1", rec.InitiatorID())
	assert.Equal(t, "child-1", rec.ResponderID())
}

func TestLocalSide(t *testing.T) {
	rec := &Record{
		InitiatorRole: RoleGuardian,
		ChildID:       "child-1",
		GuardianID:    "guardian-1",
	}

	side, ok := rec.LocalSide("guardian-1")
	require.True(t, ok)
	assert.Equal(t, SideInitiator, side)

	side, ok = rec.LocalSide("child-1")
	require.True(t, ok)
	assert.Equal(t, SideResponder, side)

	_, ok = rec.LocalSide("stranger")
	assert.False(t, ok)
}

func TestRoleOf(t *testing.T) {
	rec := &Record{
		ChildID:          "child-1",
		SecondaryAdultID: "aunt-1",
	}

	assert.Equal(t, RoleChild, rec.RoleOf("child-1"))
	assert.Equal(t, RoleSecondaryAdult, rec.RoleOf("aunt-1"))
	assert.Equal(t, Role(""), rec.RoleOf("stranger"))
}

func TestCandidatesFrom(t *testing.T) {
	rec := &Record{
		ICEFromInitiator: []CandidateEntry{{Candidate: "a"}},
		ICEFromResponder: []CandidateEntry{{Candidate: "b"}, {EndOfCandidates: true}},
	}

	require.Len(t, rec.CandidatesFrom(SideInitiator), 1)
	assert.Equal(t, "a", rec.CandidatesFrom(SideInitiator)[0].Candidate)

	responder := rec.CandidatesFrom(SideResponder)
	require.Len(t, responder, 2)
	assert.True(t, responder[1].EndOfCandidates)
}

func TestCloneDoesNotAlias(t *testing.T) {
	endedAt := time.Now()
	rec := &Record{
		ID:               "call-1",
		Status:           StatusEnded,
		ICEFromInitiator: []CandidateEntry{{Candidate: "a"}},
		EndedAt:          &endedAt,
	}

	clone := rec.Clone()
	require.Equal(t, rec, clone)

	clone.ICEFromInitiator = append(clone.ICEFromInitiator, CandidateEntry{Candidate: "b"})
	clone.ICEFromInitiator[0].Candidate = "mutated"
	*clone.EndedAt = clone.EndedAt.Add(time.Hour)

	assert.Len(t, rec.ICEFromInitiator, 1)
	assert.Equal(t, "a", rec.ICEFromInitiator[0].Candidate)
	assert.Equal(t, endedAt, *rec.EndedAt)
}
