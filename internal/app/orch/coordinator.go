// Package orch coordinates one client session against the media relay:
// join, publish, subscribe and the bookkeeping that ties server responses and
// track arrivals back to local connections.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/sfuclient/internal/app"
	"github.com/dkeye/sfuclient/internal/app/peer"
	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/domain"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Scheme         string
	Path           string
	OpenTimeout    time.Duration
	RequestTimeout time.Duration
	TrackTimeout   time.Duration
	// FullCloseOnPartialUnpublish closes the camera connection even when only
	// one media kind is disabled.
	FullCloseOnPartialUnpublish bool
}

func DefaultOptions() Options {
	return Options{
		Scheme:         "ws",
		OpenTimeout:    10 * time.Second,
		RequestTimeout: 10 * time.Second,
		TrackTimeout:   15 * time.Second,
	}
}

type Deps struct {
	Transport core.SignalTransport
	Peers     core.PeerFactory
	Parser    core.SDPParser
	// Capture may be nil when the client only subscribes.
	Capture core.Capture
}

// Coordinator owns one session. It is single-use: once Closed it stays Closed.
type Coordinator struct {
	transport core.SignalTransport
	peers     core.PeerFactory
	parser    core.SDPParser
	capture   core.Capture
	opts      Options

	registry *app.Registry

	mu        sync.RWMutex
	state     domain.SessionState
	host      string
	room      domain.RoomID
	uid       domain.UserID
	directory *app.Directory
	openWait  chan error
	loopDone  chan struct{}
	released  bool

	listenersMu  sync.RWMutex
	listeners    map[int]func(domain.Notification)
	nextListener int

	// cameraMu serializes camera publish/unpublish, recvMu the lookup and
	// detach step of unsubscribe.
	cameraMu sync.Mutex
	recvMu   sync.Mutex
}

func New(deps Deps, opts Options) *Coordinator {
	if opts.Scheme == "" {
		opts.Scheme = "ws"
	}
	return &Coordinator{
		transport: deps.Transport,
		peers:     deps.Peers,
		parser:    deps.Parser,
		capture:   deps.Capture,
		opts:      opts,
		registry:  app.NewRegistry(),
		state:     domain.SessionDisconnected,
		listeners: make(map[int]func(domain.Notification)),
	}
}

func (c *Coordinator) State() domain.SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Directory is nil before Join.
func (c *Coordinator) Directory() *app.Directory {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.directory
}

func (c *Coordinator) Registry() *app.Registry { return c.registry }

// Snapshot is a read-only view for APIs.
type Snapshot struct {
	State       string        `json:"state"`
	Room        domain.RoomID `json:"room,omitempty"`
	UID         domain.UserID `json:"uid,omitempty"`
	CaptureOpen bool          `json:"capture_open"`
	Users       []app.UserDTO `json:"users"`
	Connections []peer.Info   `json:"connections"`
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	s := Snapshot{
		State: c.state.String(),
		Room:  c.room,
		UID:   c.uid,
	}
	dir := c.directory
	c.mu.RUnlock()

	s.CaptureOpen = c.capture != nil && c.capture.Opened()
	s.Users = []app.UserDTO{}
	if dir != nil {
		s.Users = dir.Snapshot()
	}
	s.Connections = c.registry.Snapshot()
	return s
}

// AddListener registers fn for every server notification. The returned func removes it.
func (c *Coordinator) AddListener(fn func(domain.Notification)) (remove func()) {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *Coordinator) emit(n domain.Notification) {
	c.listenersMu.RLock()
	fns := make([]func(domain.Notification), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}

func (c *Coordinator) checkJoined() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != domain.SessionJoined {
		return fmt.Errorf("%w (state %s)", core.ErrNotJoined, c.state)
	}
	return nil
}

func (c *Coordinator) identity() (domain.RoomID, domain.UserID, *app.Directory) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room, c.uid, c.directory
}

// register adds pc to the registry unless the session left Joined while it was
// negotiating. Close and transportDown flip the state under c.mu before draining,
// so a connection either lands before the drain or is refused here.
func (c *Coordinator) register(pc *peer.Manager) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != domain.SessionJoined {
		return fmt.Errorf("%w: session %s during negotiation", core.ErrTransportClosed, c.state)
	}
	return c.registry.Add(pc)
}

// request runs one signaling round trip bounded by RequestTimeout.
func (c *Coordinator) request(ctx context.Context, method string, payload any) ([]byte, error) {
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	log.Debug().Str("module", "orch").Str("method", method).Msg("request")
	resp, err := c.transport.Request(ctx, method, payload)
	if err != nil {
		if errorsIsCategory(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", core.ErrTransport, method, err)
	}
	return resp, nil
}

// Close releases every connection, the capture and the transport. It also
// releases what a transport failure left behind; later calls are no-ops.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	prev := c.state
	c.state = domain.SessionClosed
	done := c.loopDone
	c.mu.Unlock()

	c.resolveOpen(core.ErrTransportClosed)
	c.teardown()

	var errs []error
	if done != nil {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
			log.Warn().Str("module", "orch").Msg("event loop still running after close")
		}
	}
	if c.capture != nil && c.capture.Opened() {
		if err := c.capture.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info().Str("module", "orch").Str("from", prev.String()).Msg("session closed")
	return errors.Join(errs...)
}

func (c *Coordinator) teardown() {
	for _, m := range c.registry.Drain() {
		_ = m.Close()
	}
	_, _, dir := c.identity()
	if dir == nil {
		return
	}
	for _, u := range dir.Snapshot() {
		if ru, ok := dir.Get(u.UID); ok {
			ru.ClearStream()
		}
	}
}

// errorsIsCategory reports whether err already carries one of the core categories.
func errorsIsCategory(err error) bool {
	for _, cat := range []error{
		core.ErrPrecondition,
		core.ErrProtocol,
		core.ErrTransport,
		core.ErrRemoteLookup,
		core.ErrNegotiation,
	} {
		if errors.Is(err, cat) {
			return true
		}
	}
	return false
}
