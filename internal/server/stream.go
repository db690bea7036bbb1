package server

import (
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/realtime"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamQueueSize = 128
	sseWriteWait    = 10 * time.Second

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var (
	errStreamClosed      = errors.New("stream closed")
	errStreamBacklogged  = errors.New("stream backlog full")
	lastEventIDQueryKeys = []string{"lastEventId", "last_event_id"}
)

// queuedHandle decouples registry sends from the network writer. Send never blocks; a
// full queue reports a failure so the registry evicts the slow connection. onClose runs
// when the registry closes the handle and must unblock a writer stuck on the socket.
type queuedHandle struct {
	events  chan realtime.StreamEvent
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func newQueuedHandle(size int) *queuedHandle {
	return &queuedHandle{
		events: make(chan realtime.StreamEvent, size),
		done:   make(chan struct{}),
	}
}

func (h *queuedHandle) Send(event realtime.StreamEvent) error {
	select {
	case <-h.done:
		return errStreamClosed
	default:
	}
	select {
	case h.events <- event:
		return nil
	case <-h.done:
		return errStreamClosed
	default:
		return errStreamBacklogged
	}
}

func (h *queuedHandle) Close() error {
	h.once.Do(func() {
		close(h.done)
		if h.onClose != nil {
			h.onClose()
		}
	})
	return nil
}

// release closes the handle from the writer's side without running onClose. It reports
// false when the registry closed the handle first.
func (h *queuedHandle) release() bool {
	released := false
	h.once.Do(func() {
		close(h.done)
		released = true
	})
	return released
}

func lastEventID(c *gin.Context) string {
	if value := strings.TrimSpace(c.GetHeader("Last-Event-ID")); value != "" {
		return value
	}
	for _, key := range lastEventIDQueryKeys {
		if value := strings.TrimSpace(c.Query(key)); value != "" {
			return value
		}
	}
	return ""
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	principal := principalFromContext(c)
	controller := http.NewResponseController(c.Writer)
	handle := newQueuedHandle(streamQueueSize)
	// An expired deadline fails the pending write, so eviction frees half-open sockets.
	handle.onClose = func() {
		_ = controller.SetWriteDeadline(time.Now())
	}

	connectionID, err := h.registry.Add(principal.UserID, handle, lastEventID(c))
	if err != nil {
		h.logger.Error("failed to register stream", zap.Int64("user_id", principal.UserID), zap.Error(err))
		_ = controller.SetWriteDeadline(time.Time{})
		respondError(c, http.StatusInternalServerError, "stream_unavailable", nil)
		return
	}
	defer func() {
		h.registry.Remove(principal.UserID, connectionID)
		if handle.release() {
			_ = controller.SetWriteDeadline(time.Time{})
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-handle.done:
			return false
		case event := <-handle.events:
			_ = controller.SetWriteDeadline(time.Now().Add(sseWriteWait))
			select {
			case <-handle.done:
				return false
			default:
			}
			c.Render(-1, sse.Event{Id: event.ID, Event: event.Type, Data: event.Data})
			if c.IsAborted() {
				h.logger.Debug("stream write failed",
					zap.Int64("user_id", principal.UserID),
					zap.String("connection_id", connectionID))
				return false
			}
			h.registry.Touch(principal.UserID, connectionID)
			return true
		}
	})
}

type wsFrame struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (h *httpHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 || slices.Contains(h.allowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.allowedOrigins, origin)
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	principal := principalFromContext(c)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	handle := newQueuedHandle(streamQueueSize)
	connectionID, err := h.registry.Add(principal.UserID, handle, lastEventID(c))
	if err != nil {
		h.logger.Error("failed to register stream", zap.Int64("user_id", principal.UserID), zap.Error(err))
		_ = conn.Close()
		return
	}
	defer func() {
		h.registry.Remove(principal.UserID, connectionID)
		_ = handle.Close()
		_ = conn.Close()
	}()

	go h.readPump(conn, handle)
	h.writePump(conn, handle, principal.UserID, connectionID)
}

// readPump discards client frames and closes the handle once the peer goes away.
func (h *httpHandler) readPump(conn *websocket.Conn, handle *queuedHandle) {
	defer handle.Close() //nolint:errcheck
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *httpHandler) writePump(conn *websocket.Conn, handle *queuedHandle, userID int64, connectionID string) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-handle.done:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case event := <-handle.events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsFrame{ID: event.ID, Type: event.Type, Data: event.Data}); err != nil {
				h.logger.Debug("websocket write failed", zap.Int64("user_id", userID), zap.Error(err))
				return
			}
			h.registry.Touch(userID, connectionID)
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
