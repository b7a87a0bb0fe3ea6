package gateway

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/session"
)

// UpgradeGuard rejects plain HTTP requests to the gateway endpoint before the
// upgrade handler runs.
func UpgradeGuard() fiber.Handler {
	return func(c fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	}
}

// Handler upgrades an authenticated request and parks the connection in the
// hub. The session guard must run before this handler so the principal is in
// request locals.
func Handler(hub *Hub, log zerolog.Logger) fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		principal, ok := conn.Locals(session.PrincipalKey).(*session.Principal)
		if !ok {
			_ = conn.Close()
			return
		}

		client := NewClient(hub, conn, principal.UserID, principal.DeviceID, log)
		hub.Register(client)
	})
}
