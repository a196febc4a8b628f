package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/sfuclient/internal/app"
	"github.com/dkeye/sfuclient/internal/app/peer"
	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/domain"
	"github.com/dkeye/sfuclient/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type subscribeRequest struct {
	RoomID     domain.RoomID      `json:"roomId"`
	UID        domain.UserID      `json:"uid"`
	RemoteUID  domain.UserID      `json:"remoteUid"`
	RemotePcID domain.PcID        `json:"remotePcId"`
	Publishers []domain.Publisher `json:"publishers"`
	SDP        string             `json:"sdp"`
}

type unsubscribeRequest struct {
	UID        domain.UserID      `json:"uid"`
	RemoteUID  domain.UserID      `json:"remoteUid"`
	PcID       domain.PcID        `json:"pcid"`
	Publishers []domain.Publisher `json:"publishers"`
}

// Subscribe negotiates a recv connection for publishers of remoteUID and returns the
// user's inbound aggregate once a track has arrived for every publisher.
func (c *Coordinator) Subscribe(ctx context.Context, remoteUID domain.UserID, remotePcID domain.PcID, publishers []domain.Publisher) (stream *app.MediaStream, err error) {
	defer func() { metrics.RecordOperation("subscribe", err) }()

	if err := c.checkJoined(); err != nil {
		return nil, err
	}
	if len(publishers) == 0 {
		return nil, core.ErrEmptyPublishers
	}
	room, uid, dir := c.identity()
	user, ok := dir.Get(remoteUID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownUser, remoteUID)
	}

	logger := log.With().Str("module", "orch").Str("uid", string(uid)).Str("remote_uid", string(remoteUID)).Logger()

	if existing, dup := c.registry.FindRecvOverlapping(publishers); dup {
		return nil, fmt.Errorf("%w: on %s", core.ErrAlreadySubscribed, existing.ID())
	}

	pc, err := peer.New(c.peers, c.parser, domain.DirectionRecv)
	if err != nil {
		return nil, err
	}
	pc.SetRemoteUID(remoteUID)

	registered := false
	defer func() {
		if !registered {
			_ = pc.Close()
		}
	}()

	if err := pc.AttachPublishers(publishers); err != nil {
		return nil, err
	}
	offer, err := pc.CreateSubscribeOffer(ctx)
	if err != nil {
		return nil, err
	}

	attached := pc.Publishers()
	raw, err := c.request(ctx, "subscribe", subscribeRequest{
		RoomID:     room,
		UID:        uid,
		RemoteUID:  remoteUID,
		RemotePcID: remotePcID,
		Publishers: attached,
		SDP:        offer,
	})
	if err != nil {
		logger.Error().Err(err).Msg("subscribe request failed")
		return nil, err
	}
	var resp negotiateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: subscribe response: %w", core.ErrProtocol, err)
	}
	if err := pc.SetID(resp.PcID); err != nil {
		return nil, err
	}
	if err := pc.ApplySubscribeAnswer(resp.SDP); err != nil {
		return nil, err
	}

	logger.Debug().Int("publishers", len(attached)).Msg("waiting for tracks")
	events, err := c.awaitTracks(ctx, pc, len(attached))
	if err != nil {
		logger.Error().Err(err).Str("pcid", string(resp.PcID)).Msg("track arrival failed")
		return nil, err
	}

	if err := c.registerRecv(pc, attached); err != nil {
		logger.Warn().Err(err).Str("pcid", string(resp.PcID)).Msg("recv connection discarded")
		return nil, err
	}
	registered = true

	stream = user.EnsureStream()
	for _, ev := range events {
		stream.AddTrack(ev.Track)
	}
	logger.Info().Str("pcid", string(resp.PcID)).Int("tracks", len(events)).Msg("subscribed")
	return stream, nil
}

// registerRecv registers pc unless another recv connection took any of pubs
// while it was negotiating.
func (c *Coordinator) registerRecv(pc *peer.Manager, pubs []domain.Publisher) error {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if existing, dup := c.registry.FindRecvOverlapping(pubs); dup {
		return fmt.Errorf("%w: on %s", core.ErrAlreadySubscribed, existing.ID())
	}
	return c.register(pc)
}

// awaitTracks registers n independent waits on the track-arrival stream. It succeeds
// once all n resolve with a track and fails as soon as any of them fails.
func (c *Coordinator) awaitTracks(ctx context.Context, pc *peer.Manager, n int) ([]core.TrackEvent, error) {
	if c.opts.TrackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.TrackTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() { metrics.TrackWait.Observe(time.Since(start).Seconds()) }()

	events := pc.TrackEvents()
	arrived := make([]core.TrackEvent, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			select {
			case ev, ok := <-events:
				if !ok {
					return fmt.Errorf("%w: connection closed", core.ErrTrackFailed)
				}
				if ev.Err != nil {
					return fmt.Errorf("%w: %w", core.ErrTrackFailed, ev.Err)
				}
				if ev.Track == nil {
					return core.ErrTrackFailed
				}
				pc.RecordTrack(ev)
				arrived[i] = ev
				return nil
			case <-gctx.Done():
				if err := ctx.Err(); err != nil {
					if errors.Is(err, context.DeadlineExceeded) {
						return fmt.Errorf("%w: %w", core.ErrTrackTimeout, err)
					}
					return fmt.Errorf("%w: %w", core.ErrNegotiation, err)
				}
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return arrived, nil
}

// UnSubscribe detaches publishers from the recv connection carrying them. Detaching
// all of them closes and deregisters the connection.
func (c *Coordinator) UnSubscribe(ctx context.Context, remoteUID domain.UserID, publishers []domain.Publisher) (err error) {
	defer func() { metrics.RecordOperation("unsubscribe", err) }()

	if err := c.checkJoined(); err != nil {
		return err
	}
	if len(publishers) == 0 {
		return core.ErrEmptyPublishers
	}
	_, uid, dir := c.identity()
	user, ok := dir.Get(remoteUID)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownUser, remoteUID)
	}

	c.recvMu.Lock()
	pc, ok := c.registry.FindRecvByPublishers(remoteUID, publishers)
	if !ok {
		c.recvMu.Unlock()
		return fmt.Errorf("%w: publishers of %s", core.ErrNoConnection, remoteUID)
	}
	pcid := pc.ID()
	logger := log.With().Str("module", "orch").Str("uid", string(uid)).Str("remote_uid", string(remoteUID)).Str("pcid", string(pcid)).Logger()

	if pc.Remaining(publishers) == 0 {
		_, tracks := pc.DetachPublishers(publishers)
		tracks = append(tracks, pc.Tracks()...)
		_ = pc.Close()
		c.registry.Remove(domain.DirectionRecv, pcid)
		user.DropTracks(tracks)
		logger.Info().Msg("recv connection closed")
	} else {
		// Lines go first so a failed removal leaves the connection untouched.
		mids := pc.MidsFor(publishers)
		if err := pc.RemoveMediaLines(mids); err != nil {
			c.recvMu.Unlock()
			logger.Error().Err(err).Strs("mids", mids).Msg("media line removal failed")
			return err
		}
		_, tracks := pc.DetachPublishers(publishers)
		user.DropTracks(tracks)
		logger.Info().Strs("mids", mids).Msg("recv connection trimmed")
	}
	c.recvMu.Unlock()

	if _, err := c.request(ctx, "unsubscribe", unsubscribeRequest{
		UID:        uid,
		RemoteUID:  remoteUID,
		PcID:       pcid,
		Publishers: publishers,
	}); err != nil {
		logger.Error().Err(err).Msg("unsubscribe request failed")
		return err
	}
	return nil
}
