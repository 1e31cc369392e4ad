package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/copilot/internal/common"
	"github.com/suPer8Hu/copilot/internal/conversation"
	"github.com/suPer8Hu/copilot/internal/queue"
)

func (h *Handler) GetQueued(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	item, err := h.Queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil || item.UserID != uid {
		if err == nil || errors.Is(err, queue.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40005, "queued request not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "db error")
		return
	}
	common.OK(c, gin.H{
		"id":          item.ID,
		"status":      item.Status,
		"queued_at":   item.QueuedAt,
		"expires_at":  item.ExpiresAt,
		"retry_count": item.RetryCount,
		"error":       item.Error,
	})
}

func (h *Handler) CancelQueued(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	cancelled, err := h.Queue.Cancel(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "db error")
		return
	}
	common.OK(c, gin.H{"cancelled": cancelled})
}

// ownConversation loads a conversation and hides other users' ones.
func (h *Handler) ownConversation(c *gin.Context, uid string) (*conversation.Conversation, bool) {
	conv, err := h.Conversations.Get(c.Request.Context(), c.Param("id"))
	if err != nil || conv.UserID != uid {
		if err == nil || errors.Is(err, conversation.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "conversation not found")
			return nil, false
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "db error")
		return nil, false
	}
	return conv, true
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	conv, ok := h.ownConversation(c, uid)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	msgs, err := h.Conversations.GetHistory(c.Request.Context(), conv.ID, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}
	common.OK(c, gin.H{"conversation_id": conv.ID, "messages": msgs})
}

func (h *Handler) ClearConversation(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	conv, ok := h.ownConversation(c, uid)
	if !ok {
		return
	}
	if err := h.Conversations.Clear(c.Request.Context(), conv.ID); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to clear conversation")
		return
	}
	common.OK(c, gin.H{"conversation_id": conv.ID, "cleared": true})
}

func (h *Handler) Usage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	rec, err := h.Limiter.Usage(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to read usage")
		return
	}
	common.OK(c, gin.H{
		"messages_in_window": rec.MessageCount,
		"window_started_at":  rec.MessageWindowStart,
		"tokens_today":       rec.TokenCount,
	})
}
