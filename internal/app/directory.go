package app

import (
	"sync"

	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/domain"
	"github.com/dkeye/sfuclient/internal/metrics"
	"github.com/rs/zerolog/log"
)

// RemoteUser is one participant known to the session.
type RemoteUser struct {
	UID  domain.UserID
	Room domain.RoomID

	mu     sync.Mutex
	stream *MediaStream
}

// Stream returns the inbound aggregate, or nil before the first successful subscribe.
func (u *RemoteUser) Stream() *MediaStream {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stream
}

// EnsureStream lazily creates the inbound aggregate.
func (u *RemoteUser) EnsureStream() *MediaStream {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stream == nil {
		u.stream = NewMediaStream(string(u.UID))
	}
	return u.stream
}

// DropTracks removes tracks from the aggregate and clears it once it is empty.
func (u *RemoteUser) DropTracks(tracks []core.RemoteTrack) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stream == nil {
		return
	}
	for _, t := range tracks {
		u.stream.RemoveTrack(t.ID())
	}
	if u.stream.Len() == 0 {
		u.stream = nil
	}
}

func (u *RemoteUser) ClearStream() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stream = nil
}

// UserDTO is a read-only view for APIs.
type UserDTO struct {
	UID    domain.UserID `json:"uid"`
	Tracks []string      `json:"tracks,omitempty"`
}

// Directory maps uid to RemoteUser. Entries are never replaced once created.
type Directory struct {
	room domain.RoomID

	mu    sync.RWMutex
	users map[domain.UserID]*RemoteUser
}

func NewDirectory(room domain.RoomID) *Directory {
	return &Directory{
		room:  room,
		users: make(map[domain.UserID]*RemoteUser),
	}
}

// Ensure returns the entry for uid, creating it if unseen. created reports a new entry.
func (d *Directory) Ensure(uid domain.UserID) (user *RemoteUser, created bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[uid]; ok {
		return u, false
	}
	u := &RemoteUser{UID: uid, Room: d.room}
	d.users[uid] = u
	metrics.RemoteUsers.Set(float64(len(d.users)))
	log.Info().Str("module", "app.directory").Str("uid", string(uid)).Str("room", string(d.room)).Msg("remote user added")
	return u, true
}

func (d *Directory) Get(uid domain.UserID) (*RemoteUser, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[uid]
	return u, ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

func (d *Directory) Snapshot() []UserDTO {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]UserDTO, 0, len(d.users))
	for uid, u := range d.users {
		dto := UserDTO{UID: uid}
		if s := u.Stream(); s != nil {
			dto.Tracks = s.TrackIDs()
		}
		out = append(out, dto)
	}
	return out
}
