package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/copilot/internal/common"
	"github.com/suPer8Hu/copilot/internal/conversation"
	"github.com/suPer8Hu/copilot/internal/copilot"
	"github.com/suPer8Hu/copilot/internal/httpapi/middleware"
	"github.com/suPer8Hu/copilot/internal/queue"
	"github.com/suPer8Hu/copilot/internal/ratelimit"
	"github.com/suPer8Hu/copilot/internal/transport"
)

type Handler struct {
	Gateway       *copilot.Gateway
	Queue         *queue.Queue
	Conversations conversation.Store
	Limiter       *ratelimit.Limiter
	Hub           *transport.Hub
}

func NewHandler(gw *copilot.Gateway, q *queue.Queue, convs conversation.Store, limiter *ratelimit.Limiter, hub *transport.Hub) *Handler {
	return &Handler{Gateway: gw, Queue: q, Conversations: convs, Limiter: limiter, Hub: hub}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// requireUser writes 401 and returns false when the request is anonymous.
func requireUser(c *gin.Context) (string, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}
