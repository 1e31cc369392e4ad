package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/copilot/internal/common"
	"github.com/suPer8Hu/copilot/internal/conversation"
	"github.com/suPer8Hu/copilot/internal/copilot"
	"github.com/suPer8Hu/copilot/internal/httpapi/middleware"
	"github.com/suPer8Hu/copilot/internal/transport"
)

type sendMessageReq struct {
	Message        string `json:"message" binding:"required"`
	ConversationID string `json:"conversation_id"`
	ConnectionRef  string `json:"connection_ref"`
}

// SendMessage runs one message synchronously and returns the collected events.
func (h *Handler) SendMessage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	em := &copilot.Collector{}
	out, err := h.Gateway.Handle(c.Request.Context(), copilot.Request{
		RequestID:      c.GetString(middleware.RequestIDKey),
		UserID:         uid,
		ConnectionRef:  req.ConnectionRef,
		ConversationID: req.ConversationID,
		Message:        req.Message,
	}, em)
	if err != nil {
		var ve *copilot.ValidationError
		switch {
		case errors.As(err, &ve):
			common.FailWith(c, http.StatusBadRequest, 10002, ve.Error(), copilot.Translate(err))
		case errors.Is(err, conversation.ErrNotFound):
			common.Fail(c, http.StatusNotFound, 40004, "conversation not found")
		default:
			slog.Error("send message failed", "user_id", uid, "error", err)
			common.FailWith(c, http.StatusInternalServerError, 50001, "failed to process message", copilot.Translate(err))
		}
		return
	}

	if out.Queued != nil {
		c.JSON(http.StatusAccepted, gin.H{
			"code":    0,
			"message": "queued",
			"data":    gin.H{"queued": out.Queued, "events": em.Events()},
		})
		return
	}
	common.OK(c, gin.H{"response": out.Response, "events": em.Events()})
}

// Stream upgrades to a websocket; every inbound frame is one message.
func (h *Handler) Stream(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	conn, err := h.Hub.Upgrade(c.Writer, c.Request, uid)
	if err != nil {
		slog.Warn("websocket upgrade failed", "user_id", uid, "error", err)
		return
	}

	h.Hub.Serve(c.Request.Context(), conn, func(ctx context.Context, msg transport.ClientMessage) {
		_, err := h.Gateway.Handle(ctx, copilot.Request{
			UserID:         uid,
			ConnectionRef:  conn.ID,
			ConversationID: msg.ConversationID,
			Message:        msg.Message,
		}, conn)
		if err != nil {
			slog.Info("websocket message rejected", "connection", conn.ID, "error", err)
		}
	})
}
