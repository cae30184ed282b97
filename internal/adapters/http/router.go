package http

import (
	"context"
	"net/http"

	"github.com/dkeye/mathminds/internal/adapters/signal"
	"github.com/dkeye/mathminds/internal/app"
	"github.com/dkeye/mathminds/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const sessionUsername = "username"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, board *app.Switchboard) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MathMindsSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(board,
		signal.NewCallRateLimiter(cfg.RateLimit.Calls, cfg.RateLimit.Interval),
		signal.Options{ReadLimit: cfg.ReadLimit, PingPeriod: cfg.PingPeriod},
	)

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		token := c.GetString("client_token")
		// a name saved through /api/profile survives a reload of the game page
		if name, ok := sessions.Default(c).Get(sessionUsername).(string); ok && c.Query("name") == "" {
			_ = board.Registry.UpdateUsername(token, name)
		}
		log.Info().Str("module", "adapters.http").Str("token", token).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": board.Registry.Online()})
	})

	api.POST("/profile", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		token := c.GetString("client_token")
		if err := board.Registry.UpdateUsername(token, req.Username); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		name := board.Registry.Username(token)
		sess := sessions.Default(c)
		sess.Set(sessionUsername, name)
		if err := sess.Save(); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"username": name})
	})

	return r
}
