package orch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/sfuclient/internal/app"
	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/domain"
	"github.com/dkeye/sfuclient/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type joinRequest struct {
	RoomID domain.RoomID `json:"roomId"`
	UID    domain.UserID `json:"uid"`
}

type joinResponse struct {
	Users []struct {
		UID domain.UserID `json:"uid"`
	} `json:"users"`
}

type userInData struct {
	UID domain.UserID `json:"uid"`
}

// JoinResult lists the participants the server reported on join.
type JoinResult struct {
	Users []domain.UserID `json:"users"`
}

// Join opens the transport, waits for it to be open and joins roomID as uid.
func (c *Coordinator) Join(ctx context.Context, serverHost string, roomID domain.RoomID, uid domain.UserID) (res *JoinResult, err error) {
	defer func() { metrics.RecordOperation("join", err) }()

	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrPrecondition, err)
	}
	if err := domain.ValidateUserID(uid); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrPrecondition, err)
	}

	c.mu.Lock()
	if c.state != domain.SessionDisconnected {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", core.ErrAlreadyStarted, state)
	}
	c.state = domain.SessionConnecting
	c.host = serverHost
	c.room = roomID
	c.uid = uid
	c.directory = app.NewDirectory(roomID)
	opened := make(chan error, 1)
	c.openWait = opened
	c.loopDone = make(chan struct{})
	c.mu.Unlock()

	logger := log.With().Str("module", "orch").Str("room", string(roomID)).Str("uid", string(uid)).Logger()

	url := fmt.Sprintf("%s://%s%s", c.opts.Scheme, serverHost, c.opts.Path)
	logger.Info().Str("url", url).Msg("connecting")
	if err := c.transport.Connect(ctx, url); err != nil {
		c.fail()
		if errorsIsCategory(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: connect: %w", core.ErrTransport, err)
	}
	go c.run()

	if err := c.waitOpen(ctx, opened); err != nil {
		logger.Error().Err(err).Msg("transport did not open")
		_ = c.Close()
		return nil, err
	}

	raw, err := c.request(ctx, "join", joinRequest{RoomID: roomID, UID: uid})
	if err != nil {
		logger.Error().Err(err).Msg("join request failed")
		_ = c.Close()
		return nil, err
	}
	var resp joinResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: join response: %w", core.ErrProtocol, err)
	}

	dir := c.Directory()
	res = &JoinResult{Users: make([]domain.UserID, 0, len(resp.Users))}
	for _, u := range resp.Users {
		if u.UID == "" {
			continue
		}
		dir.Ensure(u.UID)
		res.Users = append(res.Users, u.UID)
	}

	c.mu.Lock()
	if c.state != domain.SessionConnecting {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: session became %s during join", core.ErrTransportClosed, state)
	}
	c.state = domain.SessionJoined
	c.mu.Unlock()

	logger.Info().Int("users", len(res.Users)).Msg("joined")
	return res, nil
}

func (c *Coordinator) waitOpen(ctx context.Context, opened <-chan error) error {
	if c.opts.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.OpenTimeout)
		defer cancel()
	}
	select {
	case err := <-opened:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for open: %w", core.ErrTransport, ctx.Err())
	}
}

// resolveOpen settles the pending open wait once; later calls are ignored.
func (c *Coordinator) resolveOpen(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openWait == nil {
		return
	}
	c.openWait <- err
	c.openWait = nil
}

func (c *Coordinator) fail() {
	c.mu.Lock()
	c.state = domain.SessionClosed
	c.openWait = nil
	c.loopDone = nil
	c.mu.Unlock()
}

// run is the single consumer of transport events.
func (c *Coordinator) run() {
	c.mu.RLock()
	done := c.loopDone
	c.mu.RUnlock()
	defer close(done)

	for ev := range c.transport.Events() {
		switch ev.Type {
		case core.SignalOpen:
			log.Info().Str("module", "orch").Msg("transport open")
			c.resolveOpen(nil)
		case core.SignalClose:
			c.transportDown(core.ErrTransportClosed)
		case core.SignalError:
			c.transportDown(fmt.Errorf("%w: %w", core.ErrTransport, ev.Err))
		case core.SignalNotification:
			c.handleNotification(ev.Notification)
		}
	}
}

func (c *Coordinator) transportDown(err error) {
	c.resolveOpen(err)

	c.mu.Lock()
	prev := c.state
	if prev == domain.SessionClosed {
		c.mu.Unlock()
		return
	}
	c.state = domain.SessionClosed
	c.mu.Unlock()

	log.Warn().Str("module", "orch").Err(err).Str("from", prev.String()).Msg("transport down, session closed")
	c.teardown()
}

func (c *Coordinator) handleNotification(n domain.Notification) {
	metrics.Notifications.WithLabelValues(n.Method).Inc()
	logger := log.With().Str("module", "orch").Str("method", n.Method).Logger()

	if n.Method == domain.NotificationUserIn {
		c.trackUserIn(logger, n.Data)
	}
	c.emit(n)
}

// trackUserIn records the arriving uid in the directory. A payload it cannot use
// is logged and left to listeners.
func (c *Coordinator) trackUserIn(logger zerolog.Logger, raw []byte) {
	var data userInData
	if err := json.Unmarshal(raw, &data); err != nil || data.UID == "" {
		logger.Warn().Err(err).Msg("bad userin payload")
		return
	}
	dir := c.Directory()
	if dir == nil {
		logger.Warn().Msg("userin before join")
		return
	}
	if _, created := dir.Ensure(data.UID); !created {
		logger.Debug().Str("remote_uid", string(data.UID)).Msg("userin for known uid")
	}
}
