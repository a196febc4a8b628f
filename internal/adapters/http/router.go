package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfuclient/internal/app"
	"github.com/dkeye/sfuclient/internal/app/orch"
	"github.com/dkeye/sfuclient/internal/config"
	"github.com/dkeye/sfuclient/internal/core"
	"github.com/dkeye/sfuclient/internal/domain"
)

// Controller is the part of the coordinator the control API drives.
type Controller interface {
	Snapshot() orch.Snapshot
	OpenCamera(ctx context.Context) error
	PublishCamera(ctx context.Context, opts orch.PublishOptions) error
	UnpublishCamera(ctx context.Context, opts orch.UnpublishOptions) error
	Subscribe(ctx context.Context, remoteUID domain.UserID, remotePcID domain.PcID, publishers []domain.Publisher) (*app.MediaStream, error)
	UnSubscribe(ctx context.Context, remoteUID domain.UserID, publishers []domain.Publisher) error
}

type subscribeBody struct {
	RemoteUID  domain.UserID      `json:"remoteUid" binding:"required"`
	RemotePcID domain.PcID        `json:"remotePcId" binding:"required"`
	Publishers []domain.Publisher `json:"publishers"`
}

type unsubscribeBody struct {
	RemoteUID  domain.UserID      `json:"remoteUid" binding:"required"`
	Publishers []domain.Publisher `json:"publishers"`
}

func SetupRouter(cfg *config.Config, ctrl Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctrl.Snapshot())
	})

	cam := api.Group("/camera")
	cam.POST("/open", func(c *gin.Context) {
		if err := ctrl.OpenCamera(c.Request.Context()); err != nil {
			fail(c, "camera.open", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	cam.POST("/publish", func(c *gin.Context) {
		var req orch.PublishOptions
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		if err := ctrl.PublishCamera(c.Request.Context(), req); err != nil {
			fail(c, "camera.publish", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	cam.POST("/unpublish", func(c *gin.Context) {
		var req orch.UnpublishOptions
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		if err := ctrl.UnpublishCamera(c.Request.Context(), req); err != nil {
			fail(c, "camera.unpublish", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api.POST("/subscribe", func(c *gin.Context) {
		var req subscribeBody
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		stream, err := ctrl.Subscribe(c.Request.Context(), req.RemoteUID, req.RemotePcID, req.Publishers)
		if err != nil {
			fail(c, "subscribe", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stream": stream.ID(), "tracks": stream.TrackIDs()})
	})

	api.POST("/unsubscribe", func(c *gin.Context) {
		var req unsubscribeBody
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		if err := ctrl.UnSubscribe(c.Request.Context(), req.RemoteUID, req.Publishers); err != nil {
			fail(c, "unsubscribe", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func fail(c *gin.Context, op string, err error) {
	status := statusFor(err)
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Str("module", "adapters.http").Str("op", op).Int("status", status).Err(err).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, core.ErrRemoteLookup):
		return http.StatusNotFound
	case errors.Is(err, core.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrTransport):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrNegotiation):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
