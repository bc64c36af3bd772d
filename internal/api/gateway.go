package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/hearth-app/hearth-server/internal/auth"
	"github.com/hearth-app/hearth-server/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint for the realtime gateway.
type GatewayHandler struct {
	hub *gateway.Hub
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(hub *gateway.Hub) *GatewayHandler {
	return &GatewayHandler{hub: hub}
}

// Upgrade handles GET /ws. The bearer token is captured from the Authorization
// header or the token query parameter before the upgrade; when neither is present
// the socket must authenticate with its first frame.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	token := auth.FromAuthorizationHeader(c.Get("Authorization"))
	if token == "" {
		token = c.Query("token")
	}

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, token)
	})(c)
}
