package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// keepaliveInterval paces SSE comment lines so idle streams survive
// proxies that kill quiet connections.
const keepaliveInterval = 15 * time.Second

// streamEvents handles GET /api/sessions/:id/events: a Server-Sent
// Events stream of the session's bus events. The backlog replays first,
// so a client that connects mid-run still sees the whole story; an
// overflow marker tells it when the backlog was truncated.
func (s *Server) streamEvents(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := s.db.GetSession(c.Request.Context(), sessionID); err != nil {
		respondStoreError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe(sessionID)
	defer sub.Close()

	ctx := c.Request.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, keepaliveInterval)
		ev, ok := sub.Next(waitCtx)
		cancel()

		if !ok {
			if ctx.Err() != nil {
				return // client gone
			}
			if sub.Done() {
				fmt.Fprint(c.Writer, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			// Quiet interval: keep the connection warm.
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			flusher.Flush()
			continue
		}

		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("Failed to marshal event", "session_id", sessionID, "error", err)
			continue
		}
		if t, _ := ev["type"].(string); t != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", t)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", data)
		flusher.Flush()
	}
}
