//go:build !linux

package media

import (
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// DeviceOpener has no capture backend off linux; the engine still runs for
// receive-only diagnostics with default codecs.
func DeviceOpener() (Opener, EngineConfigurer, error) {
	opener := func(Constraints) (*Stream, error) {
		return nil, errors.New("no capture backend on this platform")
	}

	configurer := func(engine *webrtc.MediaEngine) error {
		return engine.RegisterDefaultCodecs()
	}

	return opener, configurer, nil
}
