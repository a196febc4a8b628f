package core

import (
	"context"

	"github.com/dkeye/sfuclient/internal/domain"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is inbound media. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// TrackEvent resolves one track-arrival wait: either Track or Err is set.
type TrackEvent struct {
	Track RemoteTrack
	Mid   string
	Err   error
}

// MediaLine is one m= section of a session description.
type MediaLine struct {
	Type string
	Mid  string
}

type SDPParser interface {
	MediaLines(sdp string) ([]MediaLine, error)
}

// PeerConnection is the negotiation surface of one transport-level connection.
type PeerConnection interface {
	// AddSendTracks attaches outbound tracks and returns the local offer SDP.
	AddSendTracks(ctx context.Context, tracks []webrtc.TrackLocal) (string, error)
	SetRemoteAnswer(sdp string) error
	// CreateSubscribeOffer adds one receive-only line per publisher, in order,
	// and returns the local offer SDP.
	CreateSubscribeOffer(ctx context.Context, publishers []domain.Publisher) (string, error)
	SetRemoteSubscribeAnswer(sdp string) error
	// RemoveMediaLines stops the lines with the given mids without closing the connection.
	RemoveMediaLines(mids []string) error
	// TrackEvents is closed when the connection is closed.
	TrackEvents() <-chan TrackEvent
	Close() error
}

type PeerFactory interface {
	Create(dir domain.Direction) (PeerConnection, error)
}

// Capture is the local camera/microphone source.
type Capture interface {
	Open(ctx context.Context) error
	Opened() bool
	VideoTrack() webrtc.TrackLocal
	AudioTrack() webrtc.TrackLocal
	Close() error
}
