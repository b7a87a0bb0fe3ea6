package permission

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/quiethall/quiethall-server/internal/apierr"
	"github.com/quiethall/quiethall-server/internal/httputil"
)

// RequireServer returns Fiber middleware that checks a server-scope
// permission for the authenticated user.
func RequireServer(resolver *Resolver, perm string) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := c.Locals("userID").(uuid.UUID)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
		}

		allowed, err := resolver.HasServer(c.Context(), userID, perm)
		if err != nil {
			return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "Failed to check permissions")
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "You do not have the required permissions")
		}
		return c.Next()
	}
}

// RequireChannel returns Fiber middleware that checks a channel-scope
// permission in the channel named by the "channelID" route parameter.
func RequireChannel(resolver *Resolver, perm string) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := c.Locals("userID").(uuid.UUID)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierr.NotAuthenticated, "Authentication required")
		}

		channelID, err := uuid.Parse(c.Params("channelID"))
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierr.MalformedInput, "Invalid channel ID format")
		}

		allowed, err := resolver.HasChannel(c.Context(), userID, perm, channelID)
		if err != nil {
			if errors.Is(err, ErrChannelNotFound) {
				return httputil.Fail(c, fiber.StatusNotFound, apierr.ChannelNotFound, "Channel not found")
			}
			return httputil.Fail(c, fiber.StatusInternalServerError, apierr.InternalError, "Failed to check permissions")
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, apierr.Forbidden, "You do not have the required permissions")
		}
		return c.Next()
	}
}
