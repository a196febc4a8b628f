package app

import (
	"slices"
	"sync"

	"github.com/dkeye/sfuclient/internal/core"
)

// MediaStream aggregates the inbound tracks of one remote user across recv connections.
type MediaStream struct {
	id string

	mu     sync.RWMutex
	tracks []core.RemoteTrack
}

func NewMediaStream(id string) *MediaStream {
	return &MediaStream{id: id}
}

func (s *MediaStream) ID() string { return s.id }

// AddTrack appends t unless a track with the same id is already present.
func (s *MediaStream) AddTrack(t core.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.tracks, func(x core.RemoteTrack) bool { return x.ID() == t.ID() }) {
		return
	}
	s.tracks = append(s.tracks, t)
}

func (s *MediaStream) RemoveTrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = slices.DeleteFunc(s.tracks, func(x core.RemoteTrack) bool { return x.ID() == id })
}

func (s *MediaStream) Tracks() []core.RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tracks)
}

func (s *MediaStream) TrackIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.ID())
	}
	return out
}

func (s *MediaStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}
