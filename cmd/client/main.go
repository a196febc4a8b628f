package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfuclient/internal/adapters/capture"
	router "github.com/dkeye/sfuclient/internal/adapters/http"
	"github.com/dkeye/sfuclient/internal/adapters/rtc"
	"github.com/dkeye/sfuclient/internal/adapters/sdp"
	sig "github.com/dkeye/sfuclient/internal/adapters/signal"
	"github.com/dkeye/sfuclient/internal/app/orch"
	"github.com/dkeye/sfuclient/internal/config"
	"github.com/dkeye/sfuclient/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	uid := domain.UserID(cfg.UID)
	if uid == "" {
		uid = domain.UserID(uuid.NewString()[:8])
	}

	sigOpts := sig.DefaultOptions()
	sigOpts.PingPeriod = cfg.PingPeriod
	sigOpts.ReadLimit = cfg.ReadLimit
	if cfg.DisconnectOnBackpressure {
		sigOpts.Backpressure = sig.Disconnect
	}

	var cam *capture.RTPCapture
	if cfg.Capture.VideoPort > 0 || cfg.Capture.AudioPort > 0 {
		cam = capture.New(capture.Options{
			VideoAddr: portAddr(cfg.Capture.VideoPort),
			AudioAddr: portAddr(cfg.Capture.AudioPort),
			StreamID:  string(uid),
		})
	}

	deps := orch.Deps{
		Transport: sig.NewClient(sigOpts),
		Peers:     rtc.NewFactory(rtc.DefaultWebRTCConfig(cfg.ICEServers)),
		Parser:    sdp.NewParser(),
	}
	if cam != nil {
		deps.Capture = cam
	}
	coord := orch.New(deps, orch.Options{
		Scheme:                      cfg.WSScheme,
		Path:                        cfg.WSPath,
		OpenTimeout:                 cfg.OpenTimeout,
		RequestTimeout:              cfg.RequestTimeout,
		TrackTimeout:                cfg.TrackTimeout,
		FullCloseOnPartialUnpublish: cfg.UnpublishFullClose,
	})
	defer func() {
		if err := coord.Close(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}()

	remove := coord.AddListener(func(n domain.Notification) {
		log.Info().Str("module", "main").Str("method", n.Method).RawJSON("data", rawOrNull(n.Data)).Msg("notification")
	})
	defer remove()

	res, err := coord.Join(ctx, cfg.ServerHost, domain.RoomID(cfg.RoomID), uid)
	if err != nil {
		log.Error().Err(err).Msg("join failed")
		return
	}
	log.Info().Str("room", cfg.RoomID).Str("uid", string(uid)).Int("users", len(res.Users)).Msg("joined")

	if cam != nil && (cfg.Publish.Video || cfg.Publish.Audio) {
		if err := coord.OpenCamera(ctx); err != nil {
			log.Error().Err(err).Msg("open camera failed")
		} else if err := coord.PublishCamera(ctx, orch.PublishOptions{Video: cfg.Publish.Video, Audio: cfg.Publish.Audio}); err != nil {
			log.Error().Err(err).Msg("publish failed")
		}
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router.SetupRouter(cfg, coord),
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
}

func portAddr(port int) string {
	if port <= 0 {
		return ""
	}
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func rawOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
