package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/dkeye/mathminds/internal/app/call"
	"github.com/dkeye/mathminds/internal/app/relay"
	"github.com/dkeye/mathminds/internal/core"
	"github.com/dkeye/mathminds/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// CallController is the part of the call manager the control api drives.
type CallController interface {
	CallUser(ctx context.Context, to domain.PeerID) error
	AnswerCall(ctx context.Context) error
	RejectCall(reason string) error
	LeaveCall()
	Snapshot() call.Snapshot
	Subscribe() (<-chan call.Snapshot, func())
}

// MediaTaps reports remote track relays and lets the UI mute or drop taps.
type MediaTaps interface {
	Stats() []relay.Stats
	SetTapState(trackID, name string, st relay.TapState) error
}

// SetupControlRouter exposes the local call session to the game UI.
func SetupControlRouter(mode string, calls CallController, media MediaTaps) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/call")

	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, calls.Snapshot())
	})

	api.GET("/events", func(c *gin.Context) {
		ch, cancel := calls.Subscribe()
		defer cancel()
		ctx := c.Request.Context()
		c.Stream(func(_ io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case s, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent("snapshot", s)
				return true
			}
		})
	})

	api.GET("/media", func(c *gin.Context) {
		stats := []relay.Stats{}
		if media != nil {
			stats = media.Stats()
		}
		c.JSON(http.StatusOK, gin.H{"tracks": stats})
	})

	api.POST("/media/:track/taps/:tap", func(c *gin.Context) {
		var req struct {
			State string `json:"state" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		st, err := relay.ParseTapState(req.State)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if media == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": relay.ErrUnknownTap.Error()})
			return
		}
		if err := media.SetTapState(c.Param("track"), c.Param("tap"), st); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, relay.ErrUnknownTap) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tracks": media.Stats()})
	})

	api.POST("/dial", func(c *gin.Context) {
		var req struct {
			Peer string `json:"peer" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		if err := calls.CallUser(c.Request.Context(), domain.PeerID(req.Peer)); err != nil {
			abortWithCallError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, calls.Snapshot())
	})

	api.POST("/answer", func(c *gin.Context) {
		if err := calls.AnswerCall(c.Request.Context()); err != nil {
			abortWithCallError(c, err)
			return
		}
		c.JSON(http.StatusOK, calls.Snapshot())
	})

	api.POST("/reject", func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason"`
		}
		// an empty body means the default reason
		_ = c.ShouldBindJSON(&req)
		if err := calls.RejectCall(req.Reason); err != nil {
			abortWithCallError(c, err)
			return
		}
		c.JSON(http.StatusOK, calls.Snapshot())
	})

	api.POST("/leave", func(c *gin.Context) {
		calls.LeaveCall()
		c.JSON(http.StatusOK, calls.Snapshot())
	})

	return r
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidTransition), errors.Is(err, core.ErrCallCancelled):
		return http.StatusConflict
	case errors.Is(err, core.ErrPermissionDenied),
		errors.Is(err, core.ErrDeviceUnavailable),
		errors.Is(err, core.ErrChannelClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrNegotiationTimeout),
		errors.Is(err, core.ErrNegotiationFailed),
		errors.Is(err, core.ErrCallRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithCallError(c *gin.Context, err error) {
	status := statusFor(err)
	log.Warn().Err(err).Str("module", "adapters.http").Int("status", status).Str("path", c.FullPath()).Msg("call request failed")
	c.JSON(status, gin.H{"error": err.Error(), "reason": core.Reason(err)})
}
