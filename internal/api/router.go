// Package api carries the HTTP handlers and route table. Handlers translate
// between the wire and the domain packages; they hold no business rules of
// their own.
package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/quiethall/quiethall-server/internal/gateway"
	"github.com/quiethall/quiethall-server/internal/permission"
	"github.com/quiethall/quiethall-server/internal/role"
)

// Handlers groups everything the route table mounts.
type Handlers struct {
	Health   *HealthHandler
	Auth     *AuthHandler
	Token    *TokenHandler
	Device   *DeviceHandler
	Keys     *KeyHandler
	Channel  *ChannelHandler
	Envelope *EnvelopeHandler
	Role     *RoleHandler
	Invite   *InviteHandler
	RTC      *RTCHandler
	User     *UserHandler

	// Guard is the hybrid session middleware; Resolver backs the permission
	// middleware.
	Guard    fiber.Handler
	Resolver *permission.Resolver

	// Hub serves gateway WebSocket connections.
	Hub *gateway.Hub
	Log zerolog.Logger
}

// Register mounts every route under /api/v1.
func (h *Handlers) Register(app *fiber.App) {
	v1 := app.Group("/api/v1")

	v1.Get("/health", h.Health.Health)

	// Pre-authentication flow endpoints ride the cookie session.
	auth := v1.Group("/auth")
	auth.Post("/enroll/begin", h.Auth.BeginEnrollment)
	auth.Post("/enroll/verify-otp", h.Auth.VerifyOTP)
	auth.Post("/backup-codes", h.Auth.EmitBackupCodes)
	auth.Post("/credentials/begin", h.Auth.BeginCredentialEnrollment)
	auth.Post("/credentials/finish", h.Auth.FinishCredentialEnrollment)
	auth.Post("/login/begin", h.Auth.BeginLogin)
	auth.Post("/login/finish", h.Auth.FinishLogin)
	auth.Post("/recover", h.Auth.Recover)
	auth.Post("/csrf-state", h.Auth.IssueCSRFState)
	auth.Post("/magic-link/redeem", h.Auth.RedeemMagicLink)
	auth.Post("/profile", h.Auth.CompleteProfile)
	auth.Get("/session", h.Auth.SessionInfo)

	// Everything below requires an authenticated principal.
	auth.Post("/logout", h.Guard, h.Auth.Logout)
	auth.Post("/backup-codes/regenerate", h.Guard, h.Auth.RegenerateBackupCodes)
	auth.Post("/magic-link", h.Guard, h.Auth.MintMagicLink)

	v1.Post("/session/extend", h.Guard, h.Token.ExtendSession)
	v1.Post("/token/refresh", h.Token.RefreshToken)

	devices := v1.Group("/devices", h.Guard)
	devices.Get("/", h.Device.List)
	devices.Delete("/:deviceID", h.Device.Remove)

	keys := v1.Group("/keys", h.Guard)
	keys.Put("/identity", h.Keys.SetIdentity)
	keys.Put("/signed", h.Keys.PublishSigned)
	keys.Put("/one-time", h.Keys.PublishOneTime)
	keys.Get("/bundle/:userID", h.Keys.FetchBundle)
	keys.Get("/status", h.Keys.Status)
	keys.Post("/sync", h.Keys.Sync)

	channels := v1.Group("/channels", h.Guard)
	channels.Post("/", permission.RequireServer(h.Resolver, role.PermChannelCreate), h.Channel.Create)
	channels.Get("/", h.Channel.List)
	channels.Get("/:channelID", permission.RequireChannel(h.Resolver, role.PermMemberView), h.Channel.Get)
	channels.Patch("/:channelID", permission.RequireChannel(h.Resolver, role.PermChannelManage), h.Channel.Rename)
	channels.Delete("/:channelID", permission.RequireChannel(h.Resolver, role.PermChannelManage), h.Channel.Delete)
	channels.Get("/:channelID/members", permission.RequireChannel(h.Resolver, role.PermMemberView), h.Channel.Members)
	channels.Post("/:channelID/members", permission.RequireChannel(h.Resolver, role.PermUserAdd), h.Channel.AddMember)
	channels.Delete("/:channelID/members/:userID", permission.RequireChannel(h.Resolver, role.PermUserKick), h.Channel.RemoveMember)
	channels.Post("/:channelID/leave", h.Channel.Leave)

	channels.Post("/:channelID/messages", h.Envelope.SendGroup)
	channels.Get("/:channelID/messages", h.Envelope.ReadChannel)

	messages := v1.Group("/messages", h.Guard)
	messages.Post("/direct", h.Envelope.SendDirect)
	messages.Get("/direct/:userID", h.Envelope.ReadDirect)
	messages.Get("/channels", h.Envelope.ReadAllChannels)
	messages.Delete("/:messageID", h.Envelope.Delete)

	roles := v1.Group("/roles", h.Guard)
	roles.Get("/", h.Role.List)
	roles.Post("/", permission.RequireServer(h.Resolver, role.PermRoleCreate), h.Role.Create)
	roles.Patch("/:roleID", permission.RequireServer(h.Resolver, role.PermRoleEdit), h.Role.Update)
	roles.Delete("/:roleID", permission.RequireServer(h.Resolver, role.PermRoleDelete), h.Role.Delete)
	roles.Post("/:roleID/assign", permission.RequireServer(h.Resolver, role.PermRoleAssign), h.Role.Assign)
	roles.Post("/:roleID/unassign", permission.RequireServer(h.Resolver, role.PermRoleAssign), h.Role.Unassign)

	invites := v1.Group("/invites", h.Guard)
	invites.Post("/", permission.RequireServer(h.Resolver, role.PermUserAdd), h.Invite.Mint)
	invites.Get("/", permission.RequireServer(h.Resolver, role.PermUserAdd), h.Invite.List)
	invites.Delete("/:inviteID", permission.RequireServer(h.Resolver, role.PermUserAdd), h.Invite.Revoke)

	rtcGroup := v1.Group("/rtc", h.Guard)
	rtcGroup.Post("/token", h.RTC.RoomToken)
	rtcGroup.Get("/ice", h.RTC.ICEServers)

	users := v1.Group("/users", h.Guard)
	users.Get("/me", h.User.Me)
	users.Patch("/me", h.User.Update)
	users.Put("/me/avatar", h.User.SetAvatar)
	users.Delete("/me", h.User.Delete)
	users.Get("/:userID/avatar", h.User.Avatar)

	v1.Get("/gateway", h.Guard, gateway.UpgradeGuard(), gateway.Handler(h.Hub, h.Log))
}
