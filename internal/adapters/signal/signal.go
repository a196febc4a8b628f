// Package signal is a protoo-style request/response client over a websocket.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

// BackpressureAction is what happens to a request that finds the send queue full.
type BackpressureAction int

const (
	// FailRequest fails only the request that could not be queued.
	FailRequest BackpressureAction = iota
	// Disconnect treats a full queue as a dead server and tears the connection down.
	Disconnect
)

type Options struct {
	HandshakeTimeout time.Duration
	PingPeriod       time.Duration
	ReadLimit        int64
	SendBuffer       int
	Backpressure     BackpressureAction
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		PingPeriod:       54 * time.Second,
		ReadLimit:        1 << 20,
		SendBuffer:       32,
	}
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
	stateClosed
)

// Client implements core.SignalTransport.
type Client struct {
	opts   Options
	dialer *websocket.Dialer

	events       chan core.SignalEvent
	emitMu       sync.Mutex
	eventsClosed bool
	done         chan struct{}
	closeOnce    sync.Once

	mu      sync.Mutex
	state   connState
	conn    *websocket.Conn
	send    chan core.Frame
	pending map[uint32]chan response
	nextID  uint32
	cancel  context.CancelFunc
}

func NewClient(opts Options) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	return &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			Subprotocols:     []string{subprotocol},
		},
		events:  make(chan core.SignalEvent, 64),
		done:    make(chan struct{}),
		send:    make(chan core.Frame, opts.SendBuffer),
		pending: make(map[uint32]chan response),
	}
}

func (c *Client) Events() <-chan core.SignalEvent { return c.events }

// Connect dials url in the background and reports open or error on Events.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateIdle {
		return fmt.Errorf("%w: connect called twice", core.ErrTransport)
	}
	c.state = stateConnecting
	go c.dial(ctx, url)
	return nil
}

func (c *Client) dial(ctx context.Context, url string) {
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("url", url).Msg("dial failed")
		c.finish(core.SignalEvent{Type: core.SignalError, Err: err})
		return
	}

	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = stateOpen
	pumpCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	log.Info().Str("module", "signal").Str("url", url).Msg("connected")
	c.emit(core.SignalEvent{Type: core.SignalOpen})

	go c.writePump(pumpCtx, conn)
	go c.readPump(pumpCtx, conn)
}

// Request sends method with payload and waits for the correlated response.
func (c *Client) Request(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", method, err)
	}

	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return nil, core.ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	frame, err := json.Marshal(message{Request: true, ID: id, Method: method, Data: data})
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	if err := c.TrySend(frame); err != nil {
		c.dropPending(id)
		if errors.Is(err, ErrBackpressure) && c.opts.Backpressure == Disconnect {
			log.Warn().Str("module", "signal").Str("method", method).Msg("send queue full, disconnecting")
			go c.finish(core.SignalEvent{Type: core.SignalError, Err: err})
		}
		return nil, fmt.Errorf("%w: %s: %w", core.ErrTransport, method, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if !r.ok {
			return nil, &core.RejectError{Method: method, Code: r.code, Reason: r.reason}
		}
		return r.data, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, fmt.Errorf("%w: %s: %w", core.ErrTransport, method, ctx.Err())
	}
}

func (c *Client) dropPending(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// TrySend queues a frame for the write pump without blocking.
func (c *Client) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return core.ErrTransportClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) emit(ev core.SignalEvent) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// finish tears the connection down once, fails every pending request, emits the
// final event and closes Events.
func (c *Client) finish(final core.SignalEvent) {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.state = stateClosed
		conn := c.conn
		pending := c.pending
		c.pending = make(map[uint32]chan response)
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()

		failure := core.ErrTransportClosed
		if final.Err != nil {
			failure = fmt.Errorf("%w: %w", core.ErrTransport, final.Err)
		}
		for _, ch := range pending {
			ch <- response{err: failure}
		}

		if conn != nil {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		}

		c.emitMu.Lock()
		select {
		case c.events <- final:
		case <-time.After(time.Second):
			log.Warn().Str("module", "signal").Str("event", final.Type.String()).Msg("final event dropped")
		}
		c.eventsClosed = true
		close(c.events)
		c.emitMu.Unlock()

		log.Info().Str("module", "signal").Str("event", final.Type.String()).Msg("transport finished")
	})
}

func (c *Client) Close() error {
	c.finish(core.SignalEvent{Type: core.SignalClose})
	return nil
}

func (c *Client) handleMessage(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch {
	case msg.Response:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			log.Warn().Str("module", "signal").Uint32("id", msg.ID).Msg("response for unknown request")
			return
		}
		ch <- response{ok: msg.OK, data: msg.Data, code: msg.ErrorCode, reason: msg.ErrorReason}
	case msg.Notification:
		c.emit(core.SignalEvent{
			Type:         core.SignalNotification,
			Notification: domain.Notification{Method: msg.Method, Data: msg.Data},
		})
	case msg.Request:
		log.Warn().Str("module", "signal").Str("method", msg.Method).Msg("server request not supported")
		reply, err := json.Marshal(message{
			Response:    true,
			ID:          msg.ID,
			ErrorCode:   codeNotImplemented,
			ErrorReason: "not implemented",
		})
		if err == nil {
			_ = c.TrySend(reply)
		}
	default:
		log.Warn().Str("module", "signal").Msg("unknown message")
	}
}
