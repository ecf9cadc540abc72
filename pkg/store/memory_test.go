package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kincall/pkg/call"
)

func newTestRecord() *call.Record {
	return &call.Record{
		InitiatorRole: call.RoleChild,
		ChildID:       "child-1",
		GuardianID:    "guardian-1",
		Status:        call.StatusInitiating,
		CreatedAt:     time.Now(),
	}
}

func TestMemoryInsertAssignsIDAndVersion(t *testing.T) {
	s := NewMemory()

	id, err := s.Insert(context.Background(), newTestRecord())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, int64(1), rec.Version)
}

func TestMemoryGetUnknown(t *testing.T) {
	s := NewMemory()

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateBumpsVersion(t *testing.T) {
	s := NewMemory()

	id, err := s.Insert(context.Background(), newTestRecord())
	require.NoError(t, err)

	rec, err := s.Update(context.Background(), id, func(r *call.Record) error {
		r.Status = call.StatusRinging

		return nil
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, call.StatusRinging, rec.Status)
	assert.Equal(t, int64(2), rec.Version)
}

func TestMemoryUpdateVersionConflict(t *testing.T) {
	s := NewMemory()

	id, err := s.Insert(context.Background(), newTestRecord())
	require.NoError(t, err)

	_, err = s.Update(context.Background(), id, func(r *call.Record) error {
		r.Status = call.StatusRinging

		return nil
	}, 7)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// expectedVersion <= 0 skips the check.
	_, err = s.Update(context.Background(), id, func(r *call.Record) error {
		return nil
	}, 0)
	assert.NoError(t, err)
}

func TestMemoryUpdatePatchErrorAbortsCommit(t *testing.T) {
	s := NewMemory()

	id, err := s.Insert(context.Background(), newTestRecord())
	require.NoError(t, err)

	boom := fmt.Errorf("patch rejected")

	_, err = s.Update(context.Background(), id, func(r *call.Record) error {
		r.Status = call.StatusEnded

		return boom
	}, 0)
	assert.ErrorIs(t, err, boom)

	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, call.StatusInitiating, rec.Status, "aborted patch must leave the record untouched")
	assert.Equal(t, int64(1), rec.Version)
}

func TestMemoryActiveForParticipant(t *testing.T) {
	s := NewMemory()

	id, err := s.Insert(context.Background(), newTestRecord())
	require.NoError(t, err)

	active, err := s.ActiveForParticipant(context.Background(), "guardian-1")
	require.NoError(t, err)
	assert.Equal(t, id, active.ID)

	_, err = s.ActiveForParticipant(context.Background(), "stranger")
	assert.ErrorIs(t, err, ErrNotFound)

	// Terminal records no longer count as active.
	_, err = s.Update(context.Background(), id, func(r *call.Record) error {
		r.Status = call.StatusEnded

		return nil
	}, 0)
	require.NoError(t, err)

	_, err = s.ActiveForParticipant(context.Background(), "guardian-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySubscribeDeliversInCommitOrder(t *testing.T) {
	s := NewMemory()

	rec := newTestRecord()
	rec.ID = "call-1"

	var (
		mu       sync.Mutex
		versions []int64
	)

	cancel, err := s.Subscribe("call-1", func(r *call.Record) {
		mu.Lock()
		versions = append(versions, r.Version)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	_, err = s.Insert(context.Background(), rec)
	require.NoError(t, err)

	for _, status := range []call.Status{call.StatusRinging, call.StatusConnecting, call.StatusConnected} {
		status := status

		_, err = s.Update(context.Background(), "call-1", func(r *call.Record) error {
			r.Status = status

			return nil
		}, 0)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(versions) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3, 4}, versions)
}

func TestMemorySubscribeCancelStopsDelivery(t *testing.T) {
	s := NewMemory()

	rec := newTestRecord()
	rec.ID = "call-1"

	_, err := s.Insert(context.Background(), rec)
	require.NoError(t, err)

	delivered := make(chan struct{}, 16)

	cancel, err := s.Subscribe("call-1", func(*call.Record) {
		delivered <- struct{}{}
	})
	require.NoError(t, err)

	cancel()

	_, err = s.Update(context.Background(), "call-1", func(r *call.Record) error {
		r.Status = call.StatusRinging

		return nil
	}, 0)
	require.NoError(t, err)

	select {
	case <-delivered:
		t.Fatal("delivery after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemorySubscriberGetsClones(t *testing.T) {
	s := NewMemory()

	rec := newTestRecord()
	rec.ID = "call-1"

	got := make(chan *call.Record, 1)

	cancel, err := s.Subscribe("call-1", func(r *call.Record) {
		select {
		case got <- r:
		default:
		}
	})
	require.NoError(t, err)
	defer cancel()

	_, err = s.Insert(context.Background(), rec)
	require.NoError(t, err)

	var snap *call.Record
	select {
	case snap = <-got:
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	snap.Status = call.StatusEnded

	stored, err := s.Get(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, call.StatusInitiating, stored.Status, "subscriber snapshot must not alias store state")
}
