package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"adventure-server/internal/models"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is handled by the echo middleware; websocket clients may come from any origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamSSE delivers the chunks of one chapter as server-sent events.
func (h *AdventureHandler) streamSSE(c echo.Context) error {
	chapterID, ok := parseChapterID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, badChapterIDResponse)
	}
	hash := c.Param("hash")
	ctx := c.Request().Context()
	log := h.logger.With(zap.String("sessionHash", hash), zap.Int("chapterID", chapterID), zap.String("transport", "sse"))

	chunks, err := h.watcher.Watch(ctx, hash, chapterID)
	if err != nil {
		return handleServiceError(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Client disconnected")
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case chunk, ok := <-chunks:
			if !ok {
				log.Debug("Stream complete")
				return nil
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				log.Error("Failed to encode chunk", zap.Error(err))
				return nil
			}
			if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
				log.Debug("Failed to write chunk", zap.Error(err))
				return nil
			}
			res.Flush()
		}
	}
}

// streamWS delivers the chunks of one chapter over a websocket, one JSON message per chunk.
func (h *AdventureHandler) streamWS(c echo.Context) error {
	chapterID, ok := parseChapterID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, badChapterIDResponse)
	}
	hash := c.Param("hash")
	log := h.logger.With(zap.String("sessionHash", hash), zap.Int("chapterID", chapterID), zap.String("transport", "ws"))

	// the request context is not cancelled once the connection is hijacked; the read pump owns it
	ctx, cancel := context.WithCancel(c.Request().Context())
	chunks, err := h.watcher.Watch(ctx, hash, chapterID)
	if err != nil {
		cancel()
		return handleServiceError(c, err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		cancel()
		log.Warn("Failed to upgrade connection", zap.Error(err))
		return nil
	}
	log.Info("WebSocket stream opened")

	go readPump(conn, cancel, log)
	writePump(conn, chunks, log)
	cancel()
	_ = conn.Close()
	return nil
}

// readPump discards client messages and cancels the stream when the client goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc, log *zap.Logger) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump sends chunks until the stream ends, pinging the client in between.
func writePump(conn *websocket.Conn, chunks <-chan models.Chunk, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"))
				return
			}
			if err := conn.WriteJSON(chunk); err != nil {
				log.Debug("Failed to write chunk", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}
