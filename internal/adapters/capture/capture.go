// Package capture feeds locally produced RTP (for example from ffmpeg or
// gstreamer sending to a UDP port) into static tracks that can be published.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxPacketSize = 1500

var ErrAlreadyOpen = errors.New("capture already open")

type Options struct {
	// VideoAddr and AudioAddr are UDP listen addresses; empty disables the kind.
	VideoAddr string
	AudioAddr string
	StreamID  string
}

// RTPCapture implements core.Capture.
type RTPCapture struct {
	opts Options

	mu     sync.RWMutex
	open   bool
	video  *webrtc.TrackLocalStaticRTP
	audio  *webrtc.TrackLocalStaticRTP
	conns  []net.PacketConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *RTPCapture {
	if opts.StreamID == "" {
		opts.StreamID = "camera"
	}
	return &RTPCapture{opts: opts}
}

// Open creates the tracks and starts one pump per configured UDP port.
func (c *RTPCapture) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return ErrAlreadyOpen
	}
	if c.opts.VideoAddr == "" && c.opts.AudioAddr == "" {
		return errors.New("capture: no video or audio address configured")
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	var conns []net.PacketConn
	var feeds []feed
	fail := func(err error) error {
		cancel()
		for _, pc := range conns {
			_ = pc.Close()
		}
		return err
	}

	var video, audio *webrtc.TrackLocalStaticRTP
	if c.opts.VideoAddr != "" {
		t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", c.opts.StreamID)
		if err != nil {
			return fail(fmt.Errorf("video track: %w", err))
		}
		pc, err := listen(ctx, c.opts.VideoAddr)
		if err != nil {
			return fail(fmt.Errorf("video listen: %w", err))
		}
		conns = append(conns, pc)
		feeds = append(feeds, feed{conn: pc, track: t})
		video = t
	}
	if c.opts.AudioAddr != "" {
		t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", c.opts.StreamID)
		if err != nil {
			return fail(fmt.Errorf("audio track: %w", err))
		}
		pc, err := listen(ctx, c.opts.AudioAddr)
		if err != nil {
			return fail(fmt.Errorf("audio listen: %w", err))
		}
		conns = append(conns, pc)
		feeds = append(feeds, feed{conn: pc, track: t})
		audio = t
	}

	c.video, c.audio = video, audio
	c.conns = conns
	c.cancel = cancel
	c.open = true

	for _, f := range feeds {
		logger := log.With().Str("module", "capture").Str("addr", f.conn.LocalAddr().String()).Str("track", f.track.ID()).Logger()
		c.wg.Add(1)
		go c.pump(pumpCtx, f.conn, f.track, &logger)
	}
	log.Info().Str("module", "capture").Bool("video", video != nil).Bool("audio", audio != nil).Msg("capture opened")
	return nil
}

type feed struct {
	conn  net.PacketConn
	track *webrtc.TrackLocalStaticRTP
}

func listen(ctx context.Context, addr string) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp", addr)
}

// pump reads RTP packets from the socket and writes them to the track.
func (c *RTPCapture) pump(ctx context.Context, pc net.PacketConn, track *webrtc.TrackLocalStaticRTP, logger *zerolog.Logger) {
	defer c.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info().Msg("capture pump stopped")
			default:
				logger.Error().Err(err).Msg("capture read error, stopping")
			}
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			logger.Warn().Err(err).Msg("bad rtp packet dropped")
			continue
		}
		if err := track.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Msg("track write error")
		}
	}
}

func (c *RTPCapture) Opened() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// VideoTrack is nil when video is not configured or the capture is closed.
func (c *RTPCapture) VideoTrack() webrtc.TrackLocal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.video == nil {
		return nil
	}
	return c.video
}

func (c *RTPCapture) AudioTrack() webrtc.TrackLocal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.audio == nil {
		return nil
	}
	return c.audio
}

// LocalAddrs lists the bound UDP addresses, video first.
func (c *RTPCapture) LocalAddrs() []net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]net.Addr, 0, len(c.conns))
	for _, pc := range c.conns {
		out = append(out, pc.LocalAddr())
	}
	return out
}

func (c *RTPCapture) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.cancel()
	conns := c.conns
	c.conns = nil
	c.video, c.audio = nil, nil
	c.mu.Unlock()

	var errs []error
	for _, pc := range conns {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	log.Info().Str("module", "capture").Msg("capture closed")
	return errors.Join(errs...)
}
