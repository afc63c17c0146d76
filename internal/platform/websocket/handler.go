package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/platform/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// Handler upgrades GET /ws to a websocket session on the hub.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler accepts any Origin when allowedOrigins is empty or contains "*".
func NewHandler(hub *Hub, allowedOrigins []string, logger zerolog.Logger) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect follows branch_id, or the caller's branch claim when the
// query omits it. Only admins may follow a branch other than their claim.
func (h *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	claim := auth.BranchIDFromContext(ctx)
	admin := auth.HasAnyRole(auth.RolesFromContext(ctx))

	raw := c.QueryParam("branch_id")
	if raw == "" {
		raw = claim
	}
	branchID, err := uuid.Parse(raw)
	if err != nil || branchID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "branch_id is required")
	}
	home := ""
	if !admin {
		if claimID, err := uuid.Parse(claim); err != nil || claimID != branchID {
			return echo.NewHTTPError(http.StatusForbidden, "branch_id is outside your branch")
		}
		home = branchID.String()
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := NewClient(branchID.String())
	client.Home = home
	if !h.hub.Register(client) {
		_ = ws.WriteControl(gorillawebsocket.CloseMessage,
			gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		return ws.Close()
	}
	h.logger.Debug().
		Str("session", client.ID).
		Str("branch_id", branchID.String()).
		Str("user", auth.UserIDFromContext(ctx)).
		Msg("websocket session opened")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("session", client.ID).Msg("websocket read failed")
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
