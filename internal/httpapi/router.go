package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suPer8Hu/copilot/internal/common"
	"github.com/suPer8Hu/copilot/internal/config"
	"github.com/suPer8Hu/copilot/internal/httpapi/handlers"
	"github.com/suPer8Hu/copilot/internal/httpapi/middleware"
	"github.com/suPer8Hu/copilot/internal/metrics"
)

func NewRouter(cfg config.Config, h *handlers.Handler, m *metrics.Metrics, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	if m != nil {
		r.Use(m.GinMiddleware())
	}

	r.GET("/ping", h.Ping)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// copilot (JWT required)
	authGroup := r.Group("/copilot")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/messages", h.SendMessage)
	authGroup.GET("/ws", h.Stream)
	authGroup.GET("/usage", h.Usage)
	authGroup.GET("/queue/:id", h.GetQueued)
	authGroup.DELETE("/queue/:id", h.CancelQueued)
	authGroup.GET("/conversations/:id/messages", h.ListMessages)
	authGroup.DELETE("/conversations/:id", h.ClearConversation)
	return r
}
