// Package coretest provides in-memory implementations of the core capabilities
// for tests: a scripted signaling transport, peer connections with injectable
// track events and a capture backed by static pion tracks.
package coretest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/domain"
)

// AnswerSDP renders a minimal session description with one m= section per line.
func AnswerSDP(lines ...core.MediaLine) string {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n")
	b.WriteString("s=-\r\n")
	b.WriteString("t=0 0\r\n")
	for _, l := range lines {
		switch l.Type {
		case "audio":
			b.WriteString("m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n")
		case "video":
			b.WriteString("m=video 9 UDP/TLS/RTP/SAVPF 96\r\n")
		default:
			fmt.Fprintf(&b, "m=%s 9 UDP/DTLS/SCTP webrtc-datachannel\r\n", l.Type)
		}
		b.WriteString("c=IN IP4 0.0.0.0\r\n")
		fmt.Fprintf(&b, "a=mid:%s\r\n", l.Mid)
	}
	return b.String()
}

// Track is a RemoteTrack with fixed fields.
type Track struct {
	TrackID string
	Stream  string
	Codec   webrtc.RTPCodecType
}

func (t *Track) ID() string                { return t.TrackID }
func (t *Track) StreamID() string          { return t.Stream }
func (t *Track) Kind() webrtc.RTPCodecType { return t.Codec }

// NewTrack builds a track of kind with the given id.
func NewTrack(id string, kind domain.MediaKind) *Track {
	codec := webrtc.RTPCodecTypeAudio
	if kind == domain.MediaVideo {
		codec = webrtc.RTPCodecTypeVideo
	}
	return &Track{TrackID: id, Stream: "remote", Codec: codec}
}

// Peer records what the negotiation layer asked of it.
type Peer struct {
	Dir domain.Direction

	OfferErr  error
	AnswerErr error
	RemoveErr error

	mu         sync.Mutex
	sendTracks int
	subscribed []domain.Publisher
	answer     string
	removed    [][]string
	events     chan core.TrackEvent
	closed     bool
}

func NewPeer(dir domain.Direction) *Peer {
	return &Peer{Dir: dir, events: make(chan core.TrackEvent, 16)}
}

func (p *Peer) AddSendTracks(_ context.Context, tracks []webrtc.TrackLocal) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OfferErr != nil {
		return "", p.OfferErr
	}
	p.sendTracks = len(tracks)
	return "offer-send", nil
}

func (p *Peer) SetRemoteAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AnswerErr != nil {
		return p.AnswerErr
	}
	p.answer = sdp
	return nil
}

func (p *Peer) CreateSubscribeOffer(_ context.Context, pubs []domain.Publisher) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OfferErr != nil {
		return "", p.OfferErr
	}
	p.subscribed = append([]domain.Publisher(nil), pubs...)
	return "offer-recv", nil
}

func (p *Peer) SetRemoteSubscribeAnswer(sdp string) error { return p.SetRemoteAnswer(sdp) }

func (p *Peer) RemoveMediaLines(mids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RemoveErr != nil {
		return p.RemoveErr
	}
	p.removed = append(p.removed, append([]string(nil), mids...))
	return nil
}

func (p *Peer) TrackEvents() <-chan core.TrackEvent { return p.events }

// Push delivers a track event as the connection would on arrival or failure.
func (p *Peer) Push(ev core.TrackEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.events <- ev
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.events)
	return nil
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) SendTracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sendTracks
}

func (p *Peer) Subscribed() []domain.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Publisher(nil), p.subscribed...)
}

func (p *Peer) Removed() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.removed...)
}

// Factory hands out Peers and keeps them for inspection. OnCreate, when set,
// may prepare each Peer before it is returned.
type Factory struct {
	Err      error
	OnCreate func(*Peer)

	mu    sync.Mutex
	peers []*Peer
}

func (f *Factory) Create(dir domain.Direction) (core.PeerConnection, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	p := NewPeer(dir)
	if f.OnCreate != nil {
		f.OnCreate(p)
	}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the most recently created Peer, or nil.
func (f *Factory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// Call is one request seen by the Transport.
type Call struct {
	Method  string
	Payload json.RawMessage
}

// Handler scripts the server side of a request.
type Handler func(method string, payload json.RawMessage) (json.RawMessage, error)

// Transport is a scripted SignalTransport. Connect reports open unless
// SkipOpen is set.
type Transport struct {
	ConnectErr error
	SkipOpen   bool

	mu        sync.Mutex
	handler   Handler
	url       string
	calls     []Call
	events    chan core.SignalEvent
	closed    bool
	connected bool
}

func NewTransport(h Handler) *Transport {
	return &Transport{handler: h, events: make(chan core.SignalEvent, 32)}
}

func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) Connect(_ context.Context, url string) error {
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.mu.Lock()
	t.url = url
	t.connected = true
	t.mu.Unlock()
	if !t.SkipOpen {
		t.Inject(core.SignalEvent{Type: core.SignalOpen})
	}
	return nil
}

func (t *Transport) Events() <-chan core.SignalEvent { return t.events }

func (t *Transport) Request(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, core.ErrTransportClosed
	}
	t.calls = append(t.calls, Call{Method: method, Payload: raw})
	h := t.handler
	t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		return json.RawMessage(`{}`), nil
	}
	return h(method, raw)
}

// Inject delivers ev to the consumer. Events after Close are dropped.
func (t *Transport) Inject(ev core.SignalEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events <- ev
}

// Notify injects a server notification with data marshalled to JSON.
func (t *Transport) Notify(method string, data any) {
	raw, _ := json.Marshal(data)
	t.Inject(core.SignalEvent{
		Type:         core.SignalNotification,
		Notification: domain.Notification{Method: method, Data: raw},
	})
}

// Drop simulates the server going away: a close event followed by end of stream.
func (t *Transport) Drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events <- core.SignalEvent{Type: core.SignalClose}
	t.closed = true
	close(t.events)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.connected {
		t.events <- core.SignalEvent{Type: core.SignalClose}
	}
	close(t.events)
	return nil
}

func (t *Transport) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsTo returns the requests made for method.
func (t *Transport) CallsTo(method string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Capture is a core.Capture backed by static RTP tracks that never receive media.
type Capture struct {
	OpenErr error

	mu     sync.Mutex
	opened bool
	video  *webrtc.TrackLocalStaticRTP
	audio  *webrtc.TrackLocalStaticRTP
}

func (c *Capture) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OpenErr != nil {
		return c.OpenErr
	}
	if c.opened {
		return errors.New("already open")
	}
	v, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	if err != nil {
		return err
	}
	a, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	if err != nil {
		return err
	}
	c.video, c.audio, c.opened = v, a, true
	return nil
}

func (c *Capture) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

func (c *Capture) VideoTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.video == nil {
		return nil
	}
	return c.video
}

func (c *Capture) AudioTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audio == nil {
		return nil
	}
	return c.audio
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = false
	c.video, c.audio = nil, nil
	return nil
}
