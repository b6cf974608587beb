package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/wargame-ctf/instancer/ctf-instancer/usecase"
)

const closeWriteWait = time.Second

type TerminalService interface {
	Open(ctx context.Context, instanceID, credential string) (*usecase.Session, error)
}

type TerminalHandler struct {
	service  TerminalService
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewTerminalHandler(service TerminalService, allowedOrigins []string, bufferSize int, logger *slog.Logger) *TerminalHandler {
	return &TerminalHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufferSize,
			WriteBufferSize: bufferSize,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

// Connect upgrades first and authorizes afterwards, so that every refusal
// reaches the browser as a close code instead of a failed handshake.
func (h *TerminalHandler) Connect(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Debug("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	client := newWSClient(conn)

	ctx := c.Request().Context()
	session, err := h.service.Open(ctx, c.Param("id"), c.QueryParam("token"))
	if err != nil {
		code := usecase.CloseCodeFor(err)
		if code == usecase.CloseServerError {
			h.logger.Error("failed to open terminal", slog.String("instance_id", c.Param("id")), slog.Any("error", err))
		}
		_ = client.Close(code, code.Reason())
		return nil
	}

	session.Serve(ctx, client)
	return nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	origins := make(map[string]bool, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		origins[o] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		return origins[origin]
	}
}

// wsClient adapts a websocket connection to a terminal client. Terminal
// bytes travel in binary frames; text frames from the client are accepted.
type wsClient struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn}
}

func (w *wsClient) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsClient) WriteMessage(data []byte, deadline time.Time) error {
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsClient) Close(code usecase.CloseCode, reason string) error {
	var err error
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(int(code), reason)
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		err = w.conn.Close()
	})
	return err
}
