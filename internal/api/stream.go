package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/l0p7/tourvista/internal/conversation"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Frame types on the chat stream.
const (
	frameView   = "view"
	frameError  = "error"
	frameSend   = "send"
	frameReopen = "reopen"
)

// serverFrame is written to the client: a conversation view or an error.
type serverFrame struct {
	Type  string             `json:"type"`
	View  *conversation.View `json:"view,omitempty"`
	Error string             `json:"error,omitempty"`
}

// clientFrame is read from the client: a message to send or a request to
// re-subscribe after the stream degraded.
type clientFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// streamClient is one websocket connection. Frames are queued on send and
// written by writePump.
type streamClient struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	finished chan struct{}
	logger   *slog.Logger
}

// enqueue blocks until the frame is queued or the connection is done.
func (c *streamClient) enqueue(frame serverFrame) {
	msg, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("stream frame encode failed", slog.Any("error", err))
		return
	}
	select {
	case c.send <- msg:
	case <-c.done:
	case <-c.finished:
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.finished)
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("stream write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// streamChat upgrades to a websocket and mirrors the conversation of the
// discovery through a dedicated reconciler until the client disconnects.
func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, owner string) {
	discoveryID := r.PathValue("id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		h.logger.Debug("stream upgrade failed", slog.Any("error", err))
		return
	}

	logger := h.logger.With(slog.String("owner", owner), slog.String("discovery_id", discoveryID))
	client := &streamClient{
		conn:     conn,
		send:     make(chan []byte, 32),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		logger:   logger,
	}
	go client.writePump()

	reconciler := conversation.NewReconciler(h.conversations, h.idCaches, h.chat, func(view conversation.View) {
		client.enqueue(serverFrame{Type: frameView, View: &view})
	}, logger, h.metrics)

	ctx := r.Context()
	if err := reconciler.Open(ctx, owner, discoveryID); err != nil {
		logger.Warn("stream open failed", slog.Any("error", err))
		client.enqueue(serverFrame{Type: frameError, Error: "conversation unavailable"})
	}

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("stream read failed", slog.Any("error", err))
			}
			break
		}
		switch frame.Type {
		case frameSend:
			if err := reconciler.Send(ctx, frame.Message); err != nil {
				_, message := classify(err)
				client.enqueue(serverFrame{Type: frameError, Error: message})
			}
		case frameReopen:
			if err := reconciler.Reopen(ctx); err != nil {
				logger.Warn("stream reopen failed", slog.Any("error", err))
				client.enqueue(serverFrame{Type: frameError, Error: "conversation unavailable"})
			}
		default:
			client.enqueue(serverFrame{Type: frameError, Error: "unknown frame type"})
		}
	}

	// Release a handler blocked in enqueue before waiting for it in Close.
	close(client.done)
	reconciler.Close()
	<-client.finished
}

func (h *Handler) idCaches(owner string) conversation.IDCache {
	return h.caches.For(owner)
}
