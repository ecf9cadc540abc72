//go:build linux

package media

import (
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"kincall/pkg/log"
)

// deviceTrack adapts one mediadevices capture track to the coordinator's
// Track contract. Liveness flips off when the driver reports the track ended
// or when the track is closed locally.
type deviceTrack struct {
	track mediadevices.Track

	mu    sync.Mutex
	ended bool
}

func newDeviceTrack(track mediadevices.Track) *deviceTrack {
	dt := &deviceTrack{track: track}

	track.OnEnded(func(err error) {
		if err != nil {
			log.WithFields(log.Fields{
				"track": track.ID(),
				"error": err.Error(),
			}).Warn("capture track ended")
		}

		dt.mu.Lock()
		dt.ended = true
		dt.mu.Unlock()
	})

	return dt
}

func (dt *deviceTrack) Kind() string {
	return dt.track.Kind().String()
}

func (dt *deviceTrack) Live() bool {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	return !dt.ended
}

func (dt *deviceTrack) Local() webrtc.TrackLocal {
	return dt.track
}

func (dt *deviceTrack) Close() error {
	dt.mu.Lock()
	dt.ended = true
	dt.mu.Unlock()

	return dt.track.Close()
}

// DeviceOpener captures the local camera and microphone through
// pion/mediadevices (V4L2 + malgo). MJPEG camera nodes are excluded: some
// expose malformed JPEG frames that poison the VP8 encoder and break SDP
// negotiation. Resolution is capped at 640x480 to keep encoding latency low
// on the target hardware.
//
// The returned configurer registers the same VP8/Opus codecs on a peer
// connection's media engine; the tracks can only bind to a connection built
// from the selector that produced them.
func DeviceOpener() (Opener, EngineConfigurer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}

	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	opener := func(constraints Constraints) (*Stream, error) {
		mdc := mediadevices.MediaStreamConstraints{Codec: selector}

		if constraints.Video {
			mdc.Video = func(c *mediadevices.MediaTrackConstraints) {
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		if constraints.Audio {
			mdc.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(mdc)
		if err != nil {
			return nil, err
		}

		raw := stream.GetTracks()
		tracks := make([]Track, 0, len(raw))

		for _, track := range raw {
			tracks = append(tracks, newDeviceTrack(track))
		}

		log.Infof("local media captured: %d tracks", len(tracks))

		return NewStream(tracks...), nil
	}

	configurer := func(engine *webrtc.MediaEngine) error {
		selector.Populate(engine)

		return nil
	}

	return opener, configurer, nil
}
