package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"

	"github.com/rupneel/crypto-tracker/internal/broadcast"
	"github.com/rupneel/crypto-tracker/internal/domain"
)

const maxClientIDLength = 128

// SessionServer runs one client session until it ends.
type SessionServer interface {
	ServeSession(ctx context.Context, id string, t broadcast.Transport, recv broadcast.Receiver) error
}

// Handler upgrades HTTP requests to WebSocket sessions on the broadcast hub.
type Handler struct {
	sessions   SessionServer
	upgrader   websocket.Upgrader
	clock      clockwork.Clock
	bufferSize int
}

type Option func(*Handler)

// WithSendBuffer sets the per-connection outbound queue length. Size it with
// SendBufferSize for the configured broadcast listing.
func WithSendBuffer(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

func NewHandler(sessions SessionServer, checkOrigin func(r *http.Request) bool, clock clockwork.Clock, opts ...Option) *Handler {
	h := &Handler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clock:      clock,
		bufferSize: SendBufferSize(domain.MaxPerPage),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve handles GET /ws and GET /ws/:client_id. Without a client id the
// server assigns a random one.
func (h *Handler) Serve(c echo.Context) error {
	clientID := strings.TrimSpace(c.Param("client_id"))
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if len(clientID) > maxClientIDLength {
		return echo.NewHTTPError(http.StatusBadRequest, "client id too long")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		slog.Warn("WebSocket upgrade failed", "client_id", clientID, "error", err)
		return nil
	}

	cw := newClientWriter(conn, h.clock, h.bufferSize)
	err = h.sessions.ServeSession(c.Request().Context(), clientID, cw, &frameReader{connection: conn, writer: cw})
	if err != nil {
		code, reason := rejection(err)
		slog.Warn("WebSocket session rejected", "client_id", clientID, "error", err)
		cw.closeWith(code, reason)
	}
	return nil
}

func rejection(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrConnectionExists):
		return websocket.ClosePolicyViolation, "client id already connected"
	case errors.Is(err, domain.ErrTooManyConnections):
		return websocket.CloseTryAgainLater, "too many connections"
	case errors.Is(err, domain.ErrHubStopped):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

// frameReader adapts the socket's read side to broadcast.Receiver.
type frameReader struct {
	connection *websocket.Conn
	writer     *clientWriter
}

func (r *frameReader) Receive() ([]byte, error) {
	messageType, data, err := r.connection.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: frame type %d", domain.ErrMalformedClientMessage, messageType)
	}
	r.writer.updateReadDeadline()
	return data, nil
}
