package media

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTrack implements Track without touching any device.
type fakeTrack struct {
	kind   string
	live   atomic.Bool
	closed atomic.Bool
}

func newFakeTrack(kind string) *fakeTrack {
	track := &fakeTrack{kind: kind}
	track.live.Store(true)

	return track
}

func (f *fakeTrack) Kind() string { return f.kind }

func (f *fakeTrack) Live() bool { return f.live.Load() }

func (f *fakeTrack) Local() webrtc.TrackLocal { return nil }

func (f *fakeTrack) Close() error {
	f.live.Store(false)
	f.closed.Store(true)

	return nil
}

func newCoordinator(t *testing.T, opener Opener) *Coordinator {
	t.Helper()

	c, err := NewCoordinator(Config{
		Opener:       opener,
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	return c
}

func TestNewCoordinatorRequiresOpener(t *testing.T) {
	_, err := NewCoordinator(Config{})
	assert.Error(t, err)
}

func TestAcquireOpensOnce(t *testing.T) {
	var opens atomic.Int32

	c := newCoordinator(t, func(Constraints) (*Stream, error) {
		opens.Add(1)

		return NewStream(newFakeTrack("audio")), nil
	})

	first, err := c.Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	require.True(t, first.Live())

	// A second acquisition reuses the live stream without touching devices.
	second, err := c.Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), opens.Load())
	assert.True(t, c.AttachedLive())
}

func TestAcquireReplacesDeadStream(t *testing.T) {
	var opens atomic.Int32

	c := newCoordinator(t, func(Constraints) (*Stream, error) {
		opens.Add(1)

		return NewStream(newFakeTrack("audio")), nil
	})

	first, err := c.Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)

	// Simulate the platform ending the track underneath us.
	first.Tracks()[0].(*fakeTrack).live.Store(false)
	require.False(t, c.AttachedLive())

	second, err := c.Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), opens.Load())
	assert.True(t, first.Tracks()[0].(*fakeTrack).closed.Load(), "dead stream must be closed before re-acquiring")
}

func TestAcquireJoinsPendingOperation(t *testing.T) {
	var opens atomic.Int32

	release := make(chan struct{})
	entered := make(chan struct{})

	c := newCoordinator(t, func(Constraints) (*Stream, error) {
		opens.Add(1)
		close(entered)
		<-release

		return NewStream(newFakeTrack("audio")), nil
	})

	type result struct {
		stream *Stream
		err    error
	}

	results := make(chan result, 2)

	go func() {
		stream, err := c.Acquire(context.Background(), Constraints{Audio: true})
		results <- result{stream, err}
	}()

	<-entered

	go func() {
		stream, err := c.Acquire(context.Background(), Constraints{Audio: true})
		results <- result{stream, err}
	}()

	// Give the second caller time to land on the pending operation.
	time.Sleep(10 * time.Millisecond)
	close(release)

	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Same(t, first.stream, second.stream, "joined acquisition must share one stream")
	assert.Equal(t, int32(1), opens.Load(), "devices must be opened once")
}

func TestAcquireClearsStaleFlag(t *testing.T) {
	var opens atomic.Int32

	c := newCoordinator(t, func(Constraints) (*Stream, error) {
		opens.Add(1)

		return NewStream(newFakeTrack("audio")), nil
	})

	// Wedge the coordinator the way a torn-down acquisition would: flag set,
	// nothing pending behind it.
	c.mu.Lock()
	c.acquiring = true
	c.pending = nil
	c.mu.Unlock()

	done := make(chan error, 1)

	go func() {
		_, err := c.Acquire(context.Background(), Constraints{Audio: true})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire blocked on stale flag")
	}

	assert.Equal(t, int32(1), opens.Load())
}

func TestAcquirePermissionDeniedIsFatal(t *testing.T) {
	var opens atomic.Int32

	c := newCoordinator(t, func(Constraints) (*Stream, error) {
		opens.Add(1)

		return nil, errors.New("camera access not permitted")
	})

	_, err := c.Acquire(context.Background(), Constraints{Video: true})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, int32(1), opens.Load(), "permission denial must not be retried")
}

func TestAcquireRetriesBusyDevice(t *testing.T) {
	var opens atomic.Int32

	c := newCoordinator(t, func(Constraints) (*Stream, error) {
		if opens.Add(1) < 3 {
			return nil, errors.New("device busy")
		}

		return NewStream(newFakeTrack("video")), nil
	})

	stream, err := c.Acquire(context.Background(), Constraints{Video: true})
	require.NoError(t, err)
	assert.True(t, stream.Live())
	assert.Equal(t, int32(3), opens.Load())
}

func TestAcquireGivesUpAfterRetryBudget(t *testing.T) {
	var opens atomic.Int32

	c := newCoordinator(t, func(Constraints) (*Stream, error) {
		opens.Add(1)

		return nil, errors.New("device busy")
	})

	_, err := c.Acquire(context.Background(), Constraints{Video: true})
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, int32(3), opens.Load())
}

func TestReleaseClosesStream(t *testing.T) {
	c := newCoordinator(t, func(Constraints) (*Stream, error) {
		return NewStream(newFakeTrack("audio")), nil
	})

	stream, err := c.Acquire(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)

	c.Release()

	assert.True(t, stream.Tracks()[0].(*fakeTrack).closed.Load())
	assert.False(t, c.AttachedLive())

	// Idempotent.
	c.Release()
}

func TestAwaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	defer close(release)

	c := newCoordinator(t, func(Constraints) (*Stream, error) {
		close(entered)
		<-release

		return NewStream(newFakeTrack("audio")), nil
	})

	go func() {
		_, _ = c.Acquire(context.Background(), Constraints{Audio: true})
	}()

	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Acquire(ctx, Constraints{Audio: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
