package app

import (
	"fmt"
	"sync"

	"github.com/dkeye/sfuclient/internal/app/peer"
	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/domain"
	"github.com/dkeye/sfuclient/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Registry maps server-assigned connection ids to local negotiation state,
// one map per direction.
type Registry struct {
	mu   sync.RWMutex
	send map[domain.PcID]*peer.Manager
	recv map[domain.PcID]*peer.Manager
}

func NewRegistry() *Registry {
	return &Registry{
		send: make(map[domain.PcID]*peer.Manager),
		recv: make(map[domain.PcID]*peer.Manager),
	}
}

func (r *Registry) table(dir domain.Direction) map[domain.PcID]*peer.Manager {
	if dir == domain.DirectionSend {
		return r.send
	}
	return r.recv
}

// Add registers a connection under its server-assigned id.
func (r *Registry) Add(m *peer.Manager) error {
	id := m.ID()
	if id == "" {
		return core.ErrMissingPcID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.send[id]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicatePcID, id)
	}
	if _, ok := r.recv[id]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicatePcID, id)
	}
	t := r.table(m.Direction())
	t[id] = m
	metrics.Connections.WithLabelValues(string(m.Direction())).Set(float64(len(t)))
	log.Info().Str("module", "app.registry").Str("pcid", string(id)).Str("direction", string(m.Direction())).Msg("connection registered")
	return nil
}

func (r *Registry) Get(dir domain.Direction, id domain.PcID) (*peer.Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.table(dir)[id]
	return m, ok
}

// Remove deregisters id and reports whether it was present.
func (r *Registry) Remove(dir domain.Direction, id domain.PcID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.table(dir)
	if _, ok := t[id]; !ok {
		return false
	}
	delete(t, id)
	metrics.Connections.WithLabelValues(string(dir)).Set(float64(len(t)))
	log.Info().Str("module", "app.registry").Str("pcid", string(id)).Str("direction", string(dir)).Msg("connection removed")
	return true
}

// FindSendByPurpose returns the send connection tagged with purpose.
func (r *Registry) FindSendByPurpose(p domain.Purpose) (*peer.Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.send {
		if m.Purpose() == p {
			return m, true
		}
	}
	return nil, false
}

// FindRecvByPublishers returns the recv connection for remoteUID carrying every given publisher.
func (r *Registry) FindRecvByPublishers(remoteUID domain.UserID, pubs []domain.Publisher) (*peer.Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.recv {
		if m.RemoteUID() == remoteUID && m.Carries(pubs) {
			return m, true
		}
	}
	return nil, false
}

// FindRecvOverlapping returns a recv connection carrying at least one of pubs.
func (r *Registry) FindRecvOverlapping(pubs []domain.Publisher) (*peer.Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.recv {
		if m.CarriesAny(pubs) {
			return m, true
		}
	}
	return nil, false
}

func (r *Registry) Len(dir domain.Direction) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table(dir))
}

// Drain empties both maps and returns what they held.
func (r *Registry) Drain() []*peer.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer.Manager, 0, len(r.send)+len(r.recv))
	for id, m := range r.send {
		out = append(out, m)
		delete(r.send, id)
	}
	for id, m := range r.recv {
		out = append(out, m)
		delete(r.recv, id)
	}
	metrics.Connections.WithLabelValues(string(domain.DirectionSend)).Set(0)
	metrics.Connections.WithLabelValues(string(domain.DirectionRecv)).Set(0)
	log.Info().Str("module", "app.registry").Int("count", len(out)).Msg("registry drained")
	return out
}

func (r *Registry) Snapshot() []peer.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]peer.Info, 0, len(r.send)+len(r.recv))
	for _, m := range r.send {
		out = append(out, m.Info())
	}
	for _, m := range r.recv {
		out = append(out, m.Info())
	}
	return out
}
