// Package media serializes exclusive acquisition of the local capture devices
// across overlapping call attempts. The camera and microphone are the only
// truly exclusive resources of the engine: at most one acquisition may be in
// flight and at most one stream may hold the devices at a time, and a
// teardown racing a startup must never leave the devices wedged.
//
// A new Acquire waits for and reuses an in-flight result only if a genuine
// pending operation exists; an "acquiring" flag with no pending operation is
// stale state and is cleared rather than trusted (see: Acquire()). A stream
// whose tracks are still live is reused without touching the devices again; a
// stream with no live tracks forces a fresh acquisition regardless of any
// cached state.
package media

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"kincall/pkg/log"
)

// ErrPermissionDenied means the platform refused device access. Retrying
// cannot help; the caller surfaces a fatal local-media error.
var ErrPermissionDenied = errors.New("media device permission denied")

// ErrDeviceUnavailable means the device stayed busy or absent through the
// bounded retry budget.
var ErrDeviceUnavailable = errors.New("media device unavailable")

// Track is one live capture track. Local returns the transport-attachable
// representation, nil when the track has none (test fakes).
type Track interface {
	Kind() string
	Live() bool
	Local() webrtc.TrackLocal
	Close() error
}

// Stream is one acquired set of capture tracks.
type Stream struct {
	tracks []Track
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []Track {
	return s.tracks
}

// Live reports whether at least one track is still capturing.
func (s *Stream) Live() bool {
	for _, track := range s.tracks {
		if track.Live() {
			return true
		}
	}

	return false
}

func (s *Stream) Close() {
	for _, track := range s.tracks {
		if err := track.Close(); err != nil {
			log.Error(err)
		}
	}
}

// Constraints selects which devices to open.
type Constraints struct {
	Audio bool
	Video bool
}

// Opener performs one raw device acquisition. The production opener drives
// pion/mediadevices (see: capture_linux.go); tests inject fakes.
type Opener func(Constraints) (*Stream, error)

// EngineConfigurer registers the capture codecs on a peer connection's media
// engine so captured tracks can bind to it.
type EngineConfigurer func(*webrtc.MediaEngine) error

type Config struct {
	Opener Opener

	// RetryAttempts bounds device-busy retries. Zero means the default of 3.
	RetryAttempts int
	// RetryBackoff is the base delay between attempts, scaled linearly.
	RetryBackoff time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}

	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}

	return cfg
}

type pendingAcquire struct {
	done   chan struct{}
	stream *Stream
	err    error
}

// Coordinator owns the exclusive devices for one engine.
type Coordinator struct {
	cfg Config

	mu        sync.Mutex
	acquiring bool
	pending   *pendingAcquire
	current   *Stream
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Opener == nil {
		return nil, errors.New("media opener is required")
	}

	return &Coordinator{cfg: cfg.withDefaults()}, nil
}

// Acquire returns a stream satisfying constraints, reusing the current stream
// when its tracks are still live and joining an in-flight acquisition when
// one genuinely exists.
func (c *Coordinator) Acquire(ctx context.Context, constraints Constraints) (*Stream, error) {
	c.mu.Lock()

	if c.current != nil {
		if c.current.Live() {
			stream := c.current
			c.mu.Unlock()

			return stream, nil
		}

		// Dead tracks: the cached stream is useless whatever any flag says.
		dead := c.current
		c.current = nil
		c.mu.Unlock()

		dead.Close()
		c.mu.Lock()
	}

	if c.acquiring {
		if c.pending != nil {
			pending := c.pending
			c.mu.Unlock()

			return c.await(ctx, pending)
		}

		// Flag set with no pending operation behind it. Trusting it would
		// block every later call attempt forever; clear and acquire fresh.
		log.Warn("media acquire flag set with no pending operation, clearing stale state")
		c.acquiring = false
	}

	pending := &pendingAcquire{done: make(chan struct{})}
	c.acquiring = true
	c.pending = pending
	c.mu.Unlock()

	stream, err := c.openWithRetry(ctx, constraints)

	c.mu.Lock()
	c.acquiring = false
	c.pending = nil

	if err == nil {
		c.current = stream
	}

	c.mu.Unlock()

	pending.stream = stream
	pending.err = err
	close(pending.done)

	return stream, err
}

func (c *Coordinator) await(ctx context.Context, pending *pendingAcquire) (*Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pending.done:
		return pending.stream, pending.err
	}
}

// openWithRetry retries busy-class failures with bounded backoff and gives up
// immediately on permission denials.
func (c *Coordinator) openWithRetry(ctx context.Context, constraints Constraints) (*Stream, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		stream, err := c.cfg.Opener(constraints)
		if err == nil {
			return stream, nil
		}

		if permissionClass(err) {
			return nil, errors.Wrap(ErrPermissionDenied, err.Error())
		}

		if !busyClass(err) {
			return nil, err
		}

		lastErr = err

		log.WithFields(log.Fields{
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("capture device busy, backing off")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
		}
	}

	return nil, errors.Wrap(ErrDeviceUnavailable, lastErr.Error())
}

// Release closes and forgets the current stream. The next Acquire performs a
// fresh device acquisition.
func (c *Coordinator) Release() {
	c.mu.Lock()
	current := c.current
	c.current = nil
	c.mu.Unlock()

	if current != nil {
		current.Close()
	}
}

// AttachedLive reports whether the coordinator currently holds a stream with
// live tracks.
func (c *Coordinator) AttachedLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current != nil && c.current.Live()
}

func busyClass(err error) bool {
	if errors.Is(err, ErrDeviceUnavailable) {
		return true
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "busy") || strings.Contains(msg, "in use")
}

func permissionClass(err error) bool {
	if errors.Is(err, ErrPermissionDenied) {
		return true
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "not permitted")
}
