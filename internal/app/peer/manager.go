// Package peer holds the per-connection negotiation state of the client:
// offers, answers, media-line bookkeeping and track-arrival correlation.
package peer

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Manager drives one Connection through
// Created -> OfferGenerated -> AnswerApplied -> Closed.
type Manager struct {
	handle string
	dir    domain.Direction
	pc     core.PeerConnection
	parser core.SDPParser
	logger zerolog.Logger

	mu        sync.RWMutex
	id        domain.PcID
	purpose   domain.Purpose
	remoteUID domain.UserID
	state     State

	// send: media kind -> mid
	lines map[domain.MediaKind]string

	// recv: publishers in offer order, publisher key -> mid, mid -> arrived track
	publishers []domain.Publisher
	pubMids    map[string]string
	tracks     map[string]core.RemoteTrack
}

// Info is a read-only view for APIs.
type Info struct {
	Handle     string                      `json:"handle"`
	ID         domain.PcID                 `json:"pcid"`
	Direction  domain.Direction            `json:"direction"`
	Purpose    domain.Purpose              `json:"purpose,omitempty"`
	RemoteUID  domain.UserID               `json:"remote_uid,omitempty"`
	State      string                      `json:"state"`
	MediaLines map[domain.MediaKind]string `json:"media_lines,omitempty"`
	Publishers []domain.Publisher          `json:"publishers,omitempty"`
}

func New(factory core.PeerFactory, parser core.SDPParser, dir domain.Direction) (*Manager, error) {
	if dir != domain.DirectionSend && dir != domain.DirectionRecv {
		return nil, fmt.Errorf("%w: bad direction %q", core.ErrPrecondition, dir)
	}
	pc, err := factory.Create(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: create peer connection: %w", core.ErrNegotiation, err)
	}
	handle := uuid.NewString()
	m := &Manager{
		handle:  handle,
		dir:     dir,
		pc:      pc,
		parser:  parser,
		lines:   make(map[domain.MediaKind]string),
		pubMids: make(map[string]string),
		tracks:  make(map[string]core.RemoteTrack),
		logger: log.With().
			Str("module", "peer").
			Str("handle", handle).
			Str("direction", string(dir)).
			Logger(),
	}
	m.logger.Debug().Msg("connection created")
	return m, nil
}

func (m *Manager) Handle() string              { return m.handle }
func (m *Manager) Direction() domain.Direction { return m.dir }

func (m *Manager) ID() domain.PcID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

// SetID records the server-assigned id. It can be set once.
func (m *Manager) SetID(id domain.PcID) error {
	if id == "" {
		return core.ErrMissingPcID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.id != "" && m.id != id {
		return fmt.Errorf("%w: have %s, got %s", ErrIDAssigned, m.id, id)
	}
	m.id = id
	m.logger = m.logger.With().Str("pcid", string(id)).Logger()
	return nil
}

func (m *Manager) Purpose() domain.Purpose {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.purpose
}

func (m *Manager) SetPurpose(p domain.Purpose) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purpose = p
}

func (m *Manager) RemoteUID() domain.UserID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remoteUID
}

func (m *Manager) SetRemoteUID(uid domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteUID = uid
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CreateSendOffer attaches the local tracks and generates the publish offer.
func (m *Manager) CreateSendOffer(ctx context.Context, tracks []webrtc.TrackLocal) (string, error) {
	if m.dir != domain.DirectionSend {
		return "", ErrWrongDirection
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCreated {
		return "", transitionError("send offer", m.state)
	}
	offer, err := m.pc.AddSendTracks(ctx, tracks)
	if err != nil {
		return "", fmt.Errorf("%w: send offer: %w", core.ErrNegotiation, err)
	}
	m.state = StateOfferGenerated
	m.logger.Debug().Int("tracks", len(tracks)).Msg("send offer generated")
	return offer, nil
}

// ApplyAnswer applies the publish answer and records one mid per media kind.
// Any media kind other than audio or video rejects the whole answer.
func (m *Manager) ApplyAnswer(sdp string) error {
	if m.dir != domain.DirectionSend {
		return ErrWrongDirection
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOfferGenerated {
		return transitionError("apply answer", m.state)
	}
	parsed, err := m.parseLines(sdp)
	if err != nil {
		return err
	}
	lines := make(map[domain.MediaKind]string, len(parsed))
	for _, l := range parsed {
		kind := domain.MediaKind(l.Type)
		if _, dup := lines[kind]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
		}
		lines[kind] = l.Mid
	}
	if err := m.pc.SetRemoteAnswer(sdp); err != nil {
		return fmt.Errorf("%w: set answer: %w", core.ErrNegotiation, err)
	}
	m.lines = lines
	m.state = StateAnswerApplied
	m.logger.Info().Interface("media_lines", lines).Msg("answer applied")
	return nil
}

// AttachPublishers adds publisher descriptors to a recv connection before its offer.
func (m *Manager) AttachPublishers(pubs []domain.Publisher) error {
	if m.dir != domain.DirectionRecv {
		return ErrWrongDirection
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCreated {
		return transitionError("attach publishers", m.state)
	}
	for _, p := range pubs {
		if !p.Kind.Valid() {
			return fmt.Errorf("%w: publisher %s has kind %q", core.ErrUnknownMediaKind, p.UID, p.Kind)
		}
		if m.hasPublisherLocked(p.Key()) {
			continue
		}
		m.publishers = append(m.publishers, p)
	}
	return nil
}

func (m *Manager) hasPublisherLocked(key string) bool {
	return slices.ContainsFunc(m.publishers, func(p domain.Publisher) bool { return p.Key() == key })
}

// CreateSubscribeOffer generates an offer with one receive line per attached publisher.
func (m *Manager) CreateSubscribeOffer(ctx context.Context) (string, error) {
	if m.dir != domain.DirectionRecv {
		return "", ErrWrongDirection
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateCreated {
		return "", transitionError("subscribe offer", m.state)
	}
	if len(m.publishers) == 0 {
		return "", core.ErrEmptyPublishers
	}
	offer, err := m.pc.CreateSubscribeOffer(ctx, slices.Clone(m.publishers))
	if err != nil {
		return "", fmt.Errorf("%w: subscribe offer: %w", core.ErrNegotiation, err)
	}
	m.state = StateOfferGenerated
	m.logger.Debug().Int("publishers", len(m.publishers)).Msg("subscribe offer generated")
	return offer, nil
}

// ApplySubscribeAnswer applies the subscribe answer. Answer lines map onto the
// attached publishers by position, as the offer created them.
func (m *Manager) ApplySubscribeAnswer(sdp string) error {
	if m.dir != domain.DirectionRecv {
		return ErrWrongDirection
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOfferGenerated {
		return transitionError("apply subscribe answer", m.state)
	}
	parsed, err := m.parseLines(sdp)
	if err != nil {
		return err
	}
	if len(parsed) < len(m.publishers) {
		return fmt.Errorf("%w: %d lines for %d publishers", core.ErrMediaLineCount, len(parsed), len(m.publishers))
	}
	pubMids := make(map[string]string, len(m.publishers))
	for i, p := range m.publishers {
		if domain.MediaKind(parsed[i].Type) != p.Kind {
			return fmt.Errorf("%w: line %d is %s, publisher is %s", ErrKindMismatch, i, parsed[i].Type, p.Kind)
		}
		pubMids[p.Key()] = parsed[i].Mid
	}
	if err := m.pc.SetRemoteSubscribeAnswer(sdp); err != nil {
		return fmt.Errorf("%w: set subscribe answer: %w", core.ErrNegotiation, err)
	}
	m.pubMids = pubMids
	m.state = StateAnswerApplied
	m.logger.Info().Int("publishers", len(m.publishers)).Msg("subscribe answer applied")
	return nil
}

func (m *Manager) parseLines(sdp string) ([]core.MediaLine, error) {
	lines, err := m.parser.MediaLines(sdp)
	if err != nil {
		return nil, fmt.Errorf("%w: parse answer: %w", core.ErrProtocol, err)
	}
	for _, l := range lines {
		if !domain.MediaKind(l.Type).Valid() {
			return nil, fmt.Errorf("%w: %q", core.ErrUnknownMediaKind, l.Type)
		}
	}
	return lines, nil
}

// MediaLine returns the mid negotiated for kind on a send connection.
func (m *Manager) MediaLine(kind domain.MediaKind) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mid, ok := m.lines[kind]
	return mid, ok
}

func (m *Manager) MediaLineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.dir == domain.DirectionSend {
		return len(m.lines)
	}
	return len(m.pubMids)
}

// RemoveMediaLines stops the given lines and forgets them; other lines stay untouched.
func (m *Manager) RemoveMediaLines(mids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAnswerApplied {
		return transitionError("remove media lines", m.state)
	}
	if len(mids) == 0 {
		return nil
	}
	if err := m.pc.RemoveMediaLines(mids); err != nil {
		return fmt.Errorf("%w: remove media lines: %w", core.ErrNegotiation, err)
	}
	maps.DeleteFunc(m.lines, func(_ domain.MediaKind, mid string) bool {
		return slices.Contains(mids, mid)
	})
	m.logger.Info().Strs("mids", mids).Msg("media lines removed")
	return nil
}

func (m *Manager) Publishers() []domain.Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.publishers)
}

// Carries reports whether every given publisher is attached here.
func (m *Manager) Carries(pubs []domain.Publisher) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(pubs) == 0 {
		return false
	}
	for _, p := range pubs {
		if !m.hasPublisherLocked(p.Key()) {
			return false
		}
	}
	return true
}

// CarriesAny reports whether at least one of the given publishers is attached here.
func (m *Manager) CarriesAny(pubs []domain.Publisher) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range pubs {
		if m.hasPublisherLocked(p.Key()) {
			return true
		}
	}
	return false
}

// MidsFor returns the negotiated mids of the given publishers without detaching them.
func (m *Manager) MidsFor(pubs []domain.Publisher) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var mids []string
	for _, p := range pubs {
		if mid, ok := m.pubMids[p.Key()]; ok && !slices.Contains(mids, mid) {
			mids = append(mids, mid)
		}
	}
	return mids
}

// Remaining counts attached publishers that are not in pubs.
func (m *Manager) Remaining(pubs []domain.Publisher) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.publishers {
		if !slices.ContainsFunc(pubs, func(x domain.Publisher) bool { return x.Key() == p.Key() }) {
			n++
		}
	}
	return n
}

// DetachPublishers drops the given publishers and returns their mids and any tracks
// that had arrived on those lines.
func (m *Manager) DetachPublishers(pubs []domain.Publisher) ([]string, []core.RemoteTrack) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		mids   []string
		tracks []core.RemoteTrack
	)
	for _, p := range pubs {
		key := p.Key()
		if !m.hasPublisherLocked(key) {
			continue
		}
		m.publishers = slices.DeleteFunc(m.publishers, func(x domain.Publisher) bool { return x.Key() == key })
		mid, ok := m.pubMids[key]
		if !ok {
			continue
		}
		delete(m.pubMids, key)
		mids = append(mids, mid)
		if t, ok := m.tracks[mid]; ok {
			tracks = append(tracks, t)
			delete(m.tracks, mid)
		}
	}
	return mids, tracks
}

// TrackEvents is the raw track-arrival stream of the underlying connection.
func (m *Manager) TrackEvents() <-chan core.TrackEvent {
	return m.pc.TrackEvents()
}

// RecordTrack remembers which line an arrived track belongs to.
func (m *Manager) RecordTrack(ev core.TrackEvent) {
	if ev.Track == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks[ev.Mid] = ev.Track
}

func (m *Manager) Tracks() []core.RemoteTrack {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.RemoteTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

// Close releases the underlying connection. Closed is terminal; repeated calls are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	m.mu.Unlock()

	if err := m.pc.Close(); err != nil {
		m.logger.Error().Err(err).Msg("close error")
		return err
	}
	m.logger.Info().Msg("closed")
	return nil
}

func (m *Manager) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := Info{
		Handle:     m.handle,
		ID:         m.id,
		Direction:  m.dir,
		Purpose:    m.purpose,
		RemoteUID:  m.remoteUID,
		State:      m.state.String(),
		Publishers: slices.Clone(m.publishers),
	}
	if len(m.lines) > 0 {
		info.MediaLines = maps.Clone(m.lines)
	}
	return info
}
