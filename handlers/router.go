package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/presence-tracker/middleware"
	"chorus/presence-tracker/utils"
)

type RouterConfig struct {
	Webhook  *WebhookHandler
	Sessions *SessionHandler
	Stream   *StreamHub

	// JWTSecret guards the read API and stream; both are left unmounted when
	// it is empty.
	JWTSecret string
	Logger    *utils.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(cfg.Logger))

	router.GET("/", HealthCheck)
	router.GET("/health", HealthCheck)
	router.POST("/webhook", cfg.Webhook.Receive)

	if cfg.JWTSecret == "" {
		return router
	}

	auth := middleware.Auth(cfg.JWTSecret)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.CORS(), auth)
	{
		v1.GET("/presence", cfg.Sessions.GetPresence)
		v1.GET("/sessions", cfg.Sessions.ListSessions)
		// Preflight requests are answered by CORS before auth runs.
		v1.OPTIONS("/*path", func(c *gin.Context) {
			c.Status(http.StatusNoContent)
		})
	}

	if cfg.Stream != nil {
		router.GET("/ws/presence", auth, cfg.Stream.Serve)
	}

	return router
}
