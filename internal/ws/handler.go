package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"dicochat/server/internal/core"
	"dicochat/server/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 64 << 10
)

// Options configures the websocket transport.
type Options struct {
	// AllowedOrigins lists browser origins allowed to connect. Empty or "*"
	// allows every origin.
	AllowedOrigins []string
	// InboundRate and InboundBurst bound client events per connection.
	// A zero rate disables the limit.
	InboundRate  rate.Limit
	InboundBurst int
}

// Handler owns websocket transport for the chat engine.
type Handler struct {
	engine   *core.Engine
	upgrader websocket.Upgrader
	opts     Options
}

// NewHandler creates a websocket handler bound to engine.
func NewHandler(engine *core.Engine, opts Options) *Handler {
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = 1
	}
	return &Handler{
		engine: engine,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: OriginCheck(opts.AllowedOrigins),
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(c.Request().Context(), conn, c.RealIP())
	return nil
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, remote string) {
	conn.SetReadLimit(readLimit)

	client := h.engine.Hub().Connect(remote)
	written := make(chan struct{})
	go func() {
		defer close(written)
		writeLoop(conn, client)
	}()

	defer func() {
		h.engine.Disconnect(ctx, client)
		<-written
		_ = conn.Close()
	}()

	var limiter *rate.Limiter
	if h.opts.InboundRate > 0 {
		limiter = rate.NewLimiter(h.opts.InboundRate, h.opts.InboundBurst)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "conn_id", client.ID, "err", err)
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			h.sendError(client, "rate limit exceeded")
			continue
		}

		var in protocol.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			h.sendError(client, "malformed event")
			continue
		}
		h.engine.Handle(ctx, client, in)
	}
}

func (h *Handler) sendError(c *core.Conn, msg string) {
	h.engine.Hub().SendTo(c, protocol.Event{Type: protocol.TypeError, Data: msg})
}

// writeLoop is the only writer on conn. It exits when the outbound queue is
// closed or after flushing the queue once the connection is kicked.
func writeLoop(conn *websocket.Conn, c *core.Conn) {
	for {
		select {
		case ev, ok := <-c.Send():
			if !ok {
				writeClose(conn, websocket.CloseNormalClosure, "")
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				_ = conn.Close()
				return
			}
		case <-c.Kicked():
			flush(conn, c)
			writeClose(conn, websocket.ClosePolicyViolation, "kicked")
			// Unblocks the read loop so the regular disconnect runs.
			_ = conn.Close()
			return
		}
	}
}

func flush(conn *websocket.Conn, c *core.Conn) {
	for {
		select {
		case ev, ok := <-c.Send():
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev protocol.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ev)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
