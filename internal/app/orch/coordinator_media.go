package orch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/sfuclient/internal/app/peer"
	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/domain"
	"github.com/dkeye/sfuclient/internal/metrics"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type PublishOptions struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

type UnpublishOptions struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

type publishRequest struct {
	RoomID domain.RoomID `json:"roomId"`
	UID    domain.UserID `json:"uid"`
	SDP    string        `json:"sdp"`
}

type unpublishRequest struct {
	RoomID domain.RoomID `json:"roomId"`
	UID    domain.UserID `json:"uid"`
	PcID   domain.PcID   `json:"pcid"`
}

// negotiateResponse is the answer to both publish and subscribe.
type negotiateResponse struct {
	SDP  string      `json:"sdp"`
	PcID domain.PcID `json:"pcid"`
}

// OpenCamera opens the local capture.
func (c *Coordinator) OpenCamera(ctx context.Context) (err error) {
	defer func() { metrics.RecordOperation("open_camera", err) }()
	if c.capture == nil {
		return fmt.Errorf("%w: no capture configured", core.ErrPrecondition)
	}
	if c.capture.Opened() {
		return core.ErrCaptureOpened
	}
	if err := c.capture.Open(ctx); err != nil {
		return fmt.Errorf("%w: open capture: %w", core.ErrPrecondition, err)
	}
	log.Info().Str("module", "orch").Msg("camera opened")
	return nil
}

func (c *Coordinator) checkCapture() error {
	if c.capture == nil || !c.capture.Opened() {
		return core.ErrCaptureNotOpened
	}
	return nil
}

// PublishCamera negotiates a camera send connection carrying the selected kinds.
func (c *Coordinator) PublishCamera(ctx context.Context, opts PublishOptions) (err error) {
	defer func() { metrics.RecordOperation("publish_camera", err) }()

	if err := c.checkJoined(); err != nil {
		return err
	}
	if err := c.checkCapture(); err != nil {
		return err
	}
	if !opts.Video && !opts.Audio {
		return core.ErrNoMediaSelected
	}

	c.cameraMu.Lock()
	defer c.cameraMu.Unlock()

	if _, ok := c.registry.FindSendByPurpose(domain.PurposeCamera); ok {
		return core.ErrCameraPublished
	}

	var tracks []webrtc.TrackLocal
	if opts.Video {
		t := c.capture.VideoTrack()
		if t == nil {
			return fmt.Errorf("%w: no video track", core.ErrCaptureNotOpened)
		}
		tracks = append(tracks, t)
	}
	if opts.Audio {
		t := c.capture.AudioTrack()
		if t == nil {
			return fmt.Errorf("%w: no audio track", core.ErrCaptureNotOpened)
		}
		tracks = append(tracks, t)
	}

	room, uid, _ := c.identity()
	logger := log.With().Str("module", "orch").Str("room", string(room)).Str("uid", string(uid)).Logger()

	pc, err := peer.New(c.peers, c.parser, domain.DirectionSend)
	if err != nil {
		return err
	}
	pc.SetPurpose(domain.PurposeCamera)

	registered := false
	defer func() {
		if !registered {
			_ = pc.Close()
		}
	}()

	offer, err := pc.CreateSendOffer(ctx, tracks)
	if err != nil {
		return err
	}

	raw, err := c.request(ctx, "publish", publishRequest{RoomID: room, UID: uid, SDP: offer})
	if err != nil {
		logger.Error().Err(err).Msg("publish request failed")
		return err
	}
	var resp negotiateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%w: publish response: %w", core.ErrProtocol, err)
	}
	if err := pc.SetID(resp.PcID); err != nil {
		return err
	}
	if err := pc.ApplyAnswer(resp.SDP); err != nil {
		logger.Error().Err(err).Str("pcid", string(resp.PcID)).Msg("publish answer rejected")
		return err
	}
	if err := c.register(pc); err != nil {
		logger.Warn().Err(err).Str("pcid", string(resp.PcID)).Msg("camera connection discarded")
		return err
	}
	registered = true

	logger.Info().Str("pcid", string(resp.PcID)).Bool("video", opts.Video).Bool("audio", opts.Audio).Msg("camera published")
	return nil
}

// UnpublishCamera disables the selected kinds on the camera connection. Removing
// some kinds keeps the connection; removing the last one closes it, deregisters it
// and tells the server.
func (c *Coordinator) UnpublishCamera(ctx context.Context, opts UnpublishOptions) (err error) {
	defer func() { metrics.RecordOperation("unpublish_camera", err) }()

	if err := c.checkJoined(); err != nil {
		return err
	}
	if err := c.checkCapture(); err != nil {
		return err
	}
	if !opts.Video && !opts.Audio {
		return fmt.Errorf("%w: neither video nor audio disabled", core.ErrPrecondition)
	}

	c.cameraMu.Lock()
	defer c.cameraMu.Unlock()

	pc, ok := c.registry.FindSendByPurpose(domain.PurposeCamera)
	if !ok {
		return fmt.Errorf("%w: camera", core.ErrNoConnection)
	}

	var mids []string
	if opts.Video {
		if mid, ok := pc.MediaLine(domain.MediaVideo); ok {
			mids = append(mids, mid)
		}
	}
	if opts.Audio {
		if mid, ok := pc.MediaLine(domain.MediaAudio); ok {
			mids = append(mids, mid)
		}
	}

	room, uid, _ := c.identity()
	pcid := pc.ID()
	logger := log.With().Str("module", "orch").Str("room", string(room)).Str("uid", string(uid)).Str("pcid", string(pcid)).Logger()

	if !c.opts.FullCloseOnPartialUnpublish && len(mids) < pc.MediaLineCount() {
		if len(mids) == 0 {
			logger.Warn().Msg("unpublish: selected kinds are not published")
			return nil
		}
		if err := pc.RemoveMediaLines(mids); err != nil {
			return err
		}
		logger.Info().Strs("mids", mids).Msg("camera partially unpublished")
		return nil
	}

	_ = pc.Close()
	c.registry.Remove(domain.DirectionSend, pcid)

	if _, err := c.request(ctx, "unpublish", unpublishRequest{RoomID: room, UID: uid, PcID: pcid}); err != nil {
		logger.Error().Err(err).Msg("unpublish request failed")
		return err
	}
	logger.Info().Msg("camera unpublished")
	return nil
}
