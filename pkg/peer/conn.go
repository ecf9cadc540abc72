// Package peer owns the media-transport object of one call attempt. A Conn
// wraps exactly one Pion PeerConnection and is never reused across attempts:
// the next attempt builds a fresh Conn.
//
// The package is deliberately standalone: it imports only Pion libraries,
// pkg/log and stdlib. Session descriptions and candidates cross its boundary
// as opaque JSON payloads; coupling to the signaling layer happens one level
// up (see: pkg/signaling).
package peer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"kincall/pkg/log"
)

// ErrClosed is returned by operations on a Conn that was already closed.
var ErrClosed = errors.New("peer connection closed")

// ErrRestartConsumed is returned by RestartNegotiation after the single
// permitted renegotiation attempt was already made.
var ErrRestartConsumed = errors.New("negotiation restart already attempted")

// State is the coarse connection condition surfaced to the call engine.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// TURNServer is one relay endpoint with its credentials.
type TURNServer struct {
	URL        string
	Username   string
	Credential string
}

type Config struct {
	STUN []string
	TURN []TURNServer

	// CandidatePoolSize pre-gathers candidates before the first offer to cut
	// negotiation latency. Zero means the default of 2.
	CandidatePoolSize uint8

	// ConfigureMedia registers codecs on the media engine. Nil registers the
	// Pion defaults.
	ConfigureMedia func(*webrtc.MediaEngine) error

	// ICE timeout tuning; zeros take Pion-appropriate defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.CandidatePoolSize == 0 {
		cfg.CandidatePoolSize = 2
	}

	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = 5 * time.Second
	}

	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = 25 * time.Second
	}

	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 2 * time.Second
	}

	return cfg
}

// Conn is the media transport of one call attempt.
type Conn struct {
	conn *webrtc.PeerConnection

	mu            sync.Mutex
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	pendingEnd    bool
	restartDone   bool
	closed        bool

	localCandidateHandler func(*string)
	stateHandler          func(State)
	remoteTrackHandler    func(kind string)
}

func New(cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()

	ice := make([]webrtc.ICEServer, 0, len(cfg.STUN)+len(cfg.TURN))

	for _, stun := range cfg.STUN {
		ice = append(ice, webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		})
	}

	for _, turn := range cfg.TURN {
		ice = append(ice, webrtc.ICEServer{
			URLs:       []string{turn.URL},
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	mediaEngine := &webrtc.MediaEngine{}

	if cfg.ConfigureMedia != nil {
		if err := cfg.ConfigureMedia(mediaEngine); err != nil {
			return nil, errors.Wrap(err, "media engine")
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "media engine")
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, errors.Wrap(err, "interceptor registry")
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	conn, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice,
		// One bundled network flow for all media keeps the NAT/relay surface
		// minimal on mobile networks.
		BundlePolicy:         webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:        webrtc.RTCPMuxPolicyRequire,
		ICECandidatePoolSize: cfg.CandidatePoolSize,
	})
	if err != nil {
		return nil, err
	}

	p := &Conn{
		conn:                  conn,
		localCandidateHandler: func(*string) {},
		stateHandler:          func(State) {},
		remoteTrackHandler:    func(string) {},
	}

	p.conn.OnICECandidate(p.onICECandidate)
	p.conn.OnConnectionStateChange(p.onConnectionStateChange)
	p.conn.OnTrack(p.onTrack)

	return p, nil
}

// OnLocalCandidate registers the handler for locally gathered candidates. A
// nil payload marks end of gathering and must be relayed, not dropped.
func (p *Conn) OnLocalCandidate(h func(payload *string)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.localCandidateHandler = h
}

// OnStateChange registers the handler for connection state transitions.
func (p *Conn) OnStateChange(h func(State)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stateHandler = h
}

// OnRemoteTrack registers the handler fired when remote media arrives.
func (p *Conn) OnRemoteTrack(h func(kind string)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.remoteTrackHandler = h
}

// AttachLocalTracks adds the local capture tracks. With no tracks the
// connection still negotiates receive-only transceivers so the offer carries
// valid media sections.
func (p *Conn) AttachLocalTracks(tracks ...webrtc.TrackLocal) error {
	attached := 0

	for _, track := range tracks {
		if track == nil {
			continue
		}

		if _, err := p.conn.AddTrack(track); err != nil {
			return errors.Wrap(err, "attach local track")
		}

		attached++
	}

	if attached > 0 {
		return nil
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		_, err := p.conn.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return errors.Wrap(err, "add recvonly transceiver")
		}
	}

	return nil
}

// CreateOffer produces the local session description of the initiator side.
func (p *Conn) CreateOffer(_ context.Context) (string, error) {
	if p.Closed() {
		return "", ErrClosed
	}

	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return "", err
	}

	if err := p.conn.SetLocalDescription(offer); err != nil {
		return "", err
	}

	return marshalDescription(offer)
}

// AcceptOffer applies the remote offer and produces the local answer,
// flushing any remote candidates buffered before the description existed.
func (p *Conn) AcceptOffer(_ context.Context, payload string) (string, error) {
	if p.Closed() {
		return "", ErrClosed
	}

	offer, err := unmarshalDescription(payload)
	if err != nil {
		return "", err
	}

	if err := p.conn.SetRemoteDescription(offer); err != nil {
		return "", err
	}

	p.flushPendingRemote()

	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return "", err
	}

	if err := p.conn.SetLocalDescription(answer); err != nil {
		return "", err
	}

	return marshalDescription(answer)
}

// ApplyAnswer applies the remote answer on the initiator side. Reapplying the
// same answer is a no-op: duplicate signaling snapshots are expected under
// store reordering.
func (p *Conn) ApplyAnswer(_ context.Context, payload string) error {
	if p.Closed() {
		return ErrClosed
	}

	p.mu.Lock()

	if p.remoteSet {
		p.mu.Unlock()

		return nil
	}

	p.mu.Unlock()

	answer, err := unmarshalDescription(payload)
	if err != nil {
		return err
	}

	if err := p.conn.SetRemoteDescription(answer); err != nil {
		return err
	}

	p.flushPendingRemote()

	return nil
}

// AddRemoteCandidate feeds one remote candidate to ICE. A nil payload is the
// end-of-gathering sentinel and is forwarded to the transport as "no more
// candidates". Candidates arriving before a remote description are buffered
// and flushed once the description is applied.
func (p *Conn) AddRemoteCandidate(payload *string) error {
	if p.Closed() {
		return ErrClosed
	}

	init, err := candidateInit(payload)
	if err != nil {
		return err
	}

	p.mu.Lock()

	if !p.remoteSet {
		if payload == nil {
			p.pendingEnd = true
		} else {
			p.pendingRemote = append(p.pendingRemote, init)
		}

		p.mu.Unlock()

		return nil
	}

	p.mu.Unlock()

	return p.conn.AddICECandidate(init)
}

// flushPendingRemote delivers candidates buffered before the remote
// description, the sentinel last.
func (p *Conn) flushPendingRemote() {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingRemote
	p.pendingRemote = nil
	end := p.pendingEnd
	p.pendingEnd = false
	p.mu.Unlock()

	for _, init := range pending {
		if err := p.conn.AddICECandidate(init); err != nil {
			log.Error(errors.Wrap(err, "flush remote candidate"))
		}
	}

	if end {
		if err := p.conn.AddICECandidate(webrtc.ICECandidateInit{}); err != nil {
			log.Error(errors.Wrap(err, "flush end-of-candidates"))
		}
	}
}

// RestartNegotiation performs the single permitted ICE restart of this call
// attempt. The restart offer is applied locally; recovery then rides on the
// append-only candidate exchange. A second call returns ErrRestartConsumed.
func (p *Conn) RestartNegotiation() error {
	if p.Closed() {
		return ErrClosed
	}

	p.mu.Lock()

	if p.restartDone {
		p.mu.Unlock()

		return ErrRestartConsumed
	}

	p.restartDone = true
	p.mu.Unlock()

	offer, err := p.conn.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return err
	}

	return p.conn.SetLocalDescription(offer)
}

// Close tears the transport down. Idempotent; always drives the underlying
// connection to closed.
func (p *Conn) Close() {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return
	}

	p.closed = true
	p.mu.Unlock()

	if err := p.conn.Close(); err != nil {
		log.Error(errors.Wrap(err, "close peer connection"))
	}
}

// Closed reports whether Close was called.
func (p *Conn) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

func (p *Conn) onICECandidate(candidate *webrtc.ICECandidate) {
	p.mu.Lock()
	handler := p.localCandidateHandler
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return
	}

	if candidate == nil {
		handler(nil)

		return
	}

	payload, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		log.Error(errors.Wrap(err, "marshal local candidate"))

		return
	}

	s := string(payload)
	handler(&s)
}

func (p *Conn) onConnectionStateChange(state webrtc.PeerConnectionState) {
	mapped := mapState(state)

	log.Infof("peer connection state changed: %s", mapped)

	if mapped == StateFailed || mapped == StateDisconnected {
		p.logNegotiationDetail(mapped)
	}

	p.mu.Lock()
	handler := p.stateHandler
	p.mu.Unlock()

	handler(mapped)
}

func (p *Conn) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.mu.Lock()
	handler := p.remoteTrackHandler
	p.mu.Unlock()

	handler(track.Kind().String())
}

// logNegotiationDetail records the selected candidate pair with its relay
// endpoint. Diagnostics only: control flow reacts to the mapped state, never
// to this detail.
func (p *Conn) logNegotiationDetail(state State) {
	sctp := p.conn.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return
	}

	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil {
		log.WithFields(log.Fields{
			"state": state,
		}).Warn("no selected candidate pair on connectivity failure")

		return
	}

	log.WithFields(log.Fields{
		"state":          state,
		"local_type":     pair.Local.Typ.String(),
		"local_address":  pair.Local.Address,
		"local_port":     pair.Local.Port,
		"remote_type":    pair.Remote.Typ.String(),
		"remote_address": pair.Remote.Address,
		"remote_port":    pair.Remote.Port,
	}).Warn("connectivity failure detail")
}

func mapState(state webrtc.PeerConnectionState) State {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}

	return StateNew
}

func marshalDescription(desc webrtc.SessionDescription) (string, error) {
	payload, err := json.Marshal(desc)
	if err != nil {
		return "", errors.Wrap(err, "marshal session description")
	}

	return string(payload), nil
}

func unmarshalDescription(payload string) (webrtc.SessionDescription, error) {
	desc := webrtc.SessionDescription{}

	if err := json.Unmarshal([]byte(payload), &desc); err != nil {
		return desc, errors.Wrap(err, "unmarshal session description")
	}

	return desc, nil
}

func candidateInit(payload *string) (webrtc.ICECandidateInit, error) {
	if payload == nil {
		return webrtc.ICECandidateInit{}, nil
	}

	init := webrtc.ICECandidateInit{}

	if err := json.Unmarshal([]byte(*payload), &init); err != nil {
		return init, errors.Wrap(err, "unmarshal candidate")
	}

	return init, nil
}
