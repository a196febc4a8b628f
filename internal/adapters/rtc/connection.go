package rtc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const trackEventBuffer = 16

var ErrConnectionFailed = errors.New("peer connection failed")

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: iceServers,
			},
		},
	}
}

// Factory builds pion peer connections with default codecs and interceptors.
type Factory struct {
	cfg webrtc.Configuration
}

func NewFactory(cfg webrtc.Configuration) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) Create(dir domain.Direction) (core.PeerConnection, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:     pc,
		dir:    dir,
		events: make(chan core.TrackEvent, trackEventBuffer),
		logger: log.With().Str("module", "webrtc").Str("direction", string(dir)).Logger(),
	}
	c.bind()
	return c, nil
}

// WebRTCConnection implements core.PeerConnection over *webrtc.PeerConnection.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	dir    domain.Direction
	logger zerolog.Logger

	mu     sync.Mutex
	events chan core.TrackEvent
	closed bool
}

func (c *WebRTCConnection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			c.push(core.TrackEvent{Err: ErrConnectionFailed})
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		mid := c.midOf(receiver)
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("mid", mid).
			Msg("OnTrack received")
		c.push(core.TrackEvent{Track: track, Mid: mid})
	})
}

func (c *WebRTCConnection) midOf(receiver *webrtc.RTPReceiver) string {
	for _, t := range c.pc.GetTransceivers() {
		if t.Receiver() == receiver {
			return t.Mid()
		}
	}
	return ""
}

func (c *WebRTCConnection) push(ev core.TrackEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Msg("track event dropped, buffer full")
	}
}

func (c *WebRTCConnection) AddSendTracks(ctx context.Context, tracks []webrtc.TrackLocal) (string, error) {
	for _, t := range tracks {
		if _, err := c.pc.AddTransceiverFromTrack(t, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		}); err != nil {
			return "", fmt.Errorf("add track %s: %w", t.ID(), err)
		}
	}
	return c.offer(ctx)
}

func (c *WebRTCConnection) CreateSubscribeOffer(ctx context.Context, publishers []domain.Publisher) (string, error) {
	for _, p := range publishers {
		kind, err := codecType(p.Kind)
		if err != nil {
			return "", err
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return "", fmt.Errorf("add %s transceiver: %w", p.Kind, err)
		}
	}
	return c.offer(ctx)
}

func codecType(kind domain.MediaKind) (webrtc.RTPCodecType, error) {
	switch kind {
	case domain.MediaAudio:
		return webrtc.RTPCodecTypeAudio, nil
	case domain.MediaVideo:
		return webrtc.RTPCodecTypeVideo, nil
	}
	return 0, fmt.Errorf("%w: %q", core.ErrUnknownMediaKind, kind)
}

// offer creates and sets the local offer, waiting for ICE gathering to finish.
func (c *WebRTCConnection) offer(ctx context.Context) (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.pc.LocalDescription().SDP, nil
}

func (c *WebRTCConnection) SetRemoteAnswer(sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (c *WebRTCConnection) SetRemoteSubscribeAnswer(sdp string) error {
	return c.SetRemoteAnswer(sdp)
}

func (c *WebRTCConnection) RemoveMediaLines(mids []string) error {
	var errs []error
	for _, t := range c.pc.GetTransceivers() {
		if !slices.Contains(mids, t.Mid()) {
			continue
		}
		if s := t.Sender(); s != nil && s.Track() != nil {
			if err := c.pc.RemoveTrack(s); err != nil {
				errs = append(errs, fmt.Errorf("remove track on mid %s: %w", t.Mid(), err))
			}
			continue
		}
		if err := t.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop mid %s: %w", t.Mid(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *WebRTCConnection) TrackEvents() <-chan core.TrackEvent {
	return c.events
}

func (c *WebRTCConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}
