package handler

import (
	"errors"
	"log"
	"net/http"

	"gowa-connect/internal/session"
	"gowa-connect/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// upgrader untuk Gorilla
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: production: batasi origin
		return true
	},
}

// WebSocketHandler meng-handle koneksi WS di route /ws (semua event).
func WebSocketHandler(hub *ws.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Printf("ws upgrade error: %v", err)
			return err
		}

		client := ws.NewClient(hub, conn)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()

		return nil
	}
}

// GET /sessions/:sessionId/listen - WS subscription scoped ke satu session.
func ListenSession(hub *ws.Hub, m *session.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		sessionID := c.Param("sessionId")

		if _, err := m.Get(sessionID); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return ErrorResponse(c, 404, "Session not found", "SESSION_NOT_FOUND", "Please login first")
			}
			return ErrorResponse(c, 500, "Failed to look up session", "LOOKUP_FAILED", err.Error())
		}

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return ErrorResponse(c, 500, "Failed to upgrade WebSocket", "UPGRADE_FAILED", err.Error())
		}

		client := ws.NewClient(hub, conn)
		client.SessionID = sessionID

		hub.Register(client)

		log.Printf("Client connected to listen session: %s", sessionID)

		go client.WritePump()
		go client.ReadPump()

		return nil
	}
}
