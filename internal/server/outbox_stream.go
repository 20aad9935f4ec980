package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventBundle    = "bundle"
	streamEventHeartbeat = "heartbeat"
)

// handleOutboxStream emits each correction bundle of the account as a server-sent event,
// with periodic heartbeats so idle connections stay open through proxies.
func (h *httpHandler) handleOutboxStream(c *gin.Context) {
	if h.outbox == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "outbox_unavailable"})
		return
	}
	account := accountFrom(c)
	ctx := c.Request.Context()
	stream, cleanup := h.outbox.Subscribe(ctx, account)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("outbox stream opened", zap.String("account", account.String()))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case bundle, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(streamEventBundle, bundle)
			return true
		case now := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"at_s": now.Unix()})
			return true
		}
	})
	h.logger.Debug("outbox stream closed", zap.String("account", account.String()))
}
