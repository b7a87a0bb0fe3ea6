package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quiethall/quiethall-server/internal/addrpolicy"
	"github.com/quiethall/quiethall-server/internal/api"
	"github.com/quiethall/quiethall-server/internal/apierr"
	"github.com/quiethall/quiethall-server/internal/auth"
	"github.com/quiethall/quiethall-server/internal/bootstrap"
	"github.com/quiethall/quiethall-server/internal/channel"
	"github.com/quiethall/quiethall-server/internal/config"
	"github.com/quiethall/quiethall-server/internal/device"
	"github.com/quiethall/quiethall-server/internal/envelope"
	"github.com/quiethall/quiethall-server/internal/gateway"
	"github.com/quiethall/quiethall-server/internal/geo"
	"github.com/quiethall/quiethall-server/internal/httputil"
	"github.com/quiethall/quiethall-server/internal/invite"
	"github.com/quiethall/quiethall-server/internal/mail"
	"github.com/quiethall/quiethall-server/internal/permission"
	"github.com/quiethall/quiethall-server/internal/postgres"
	"github.com/quiethall/quiethall-server/internal/prekey"
	"github.com/quiethall/quiethall-server/internal/refresh"
	"github.com/quiethall/quiethall-server/internal/role"
	"github.com/quiethall/quiethall-server/internal/rtc"
	"github.com/quiethall/quiethall-server/internal/session"
	"github.com/quiethall/quiethall-server/internal/user"
	"github.com/quiethall/quiethall-server/internal/valkey"
	"github.com/quiethall/quiethall-server/internal/writer"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting Quiethall Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	signingKey, err := cfg.SigningKeyBytes()
	if err != nil {
		return err
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Seed the built-in roles and server state on first run.
	if err := bootstrap.Run(ctx, db, log.Logger); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	// The write serializer funnels every repository mutation through one
	// queue. It is closed last on shutdown so in-flight writes drain.
	writes := writer.New(cfg.WriteQueueDepth, cfg.WriteTimeout, log.Logger)

	// Enrollment address policy. Prefetch warms the blocked-domain cache
	// asynchronously so the first enrollment does not block on a network call.
	policy := addrpolicy.New(cfg.AllowedAddressSuffixes, cfg.BlockedDomainListURL, cfg.BlockedDomainListEnable)
	go policy.Prefetch(ctx)

	// Permission engine
	permStore := permission.NewPGStore(db)
	permCache := permission.NewValkeyCache(rdb)
	permResolver := permission.NewResolver(permStore, permCache, log.Logger)
	permPublisher := permission.NewPublisher(rdb)

	// Background services share a cancellable context.
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	permSub := permission.NewSubscriber(permCache, rdb)
	go runWithBackoff(subCtx, "permission-cache-subscriber", permSub.Run)

	// SMTP client for one-time codes and invitation mail.
	var sender mail.Sender
	if cfg.SMTPConfigured() {
		mailClient := mail.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
		if err := mailClient.Ping(); err != nil {
			log.Warn().Err(err).Msg("SMTP connection test failed. One-time codes may not be delivered.")
		} else {
			log.Info().Str("host", cfg.SMTPHost).Int("port", cfg.SMTPPort).Msg("SMTP connection verified")
		}
		sender = mailClient
		if cfg.IsDevelopment() {
			log.Info().Msg("SMTP routed to Mailpit. View caught mail at http://localhost:8025")
		}
	} else {
		log.Warn().Msg("SMTP_HOST is not configured. One-time codes will only be logged, not delivered.")
	}

	// Repositories
	userRepo := user.NewPGRepository(db, log.Logger)
	channelRepo := channel.NewPGRepository(db, log.Logger)
	roleRepo := role.NewPGRepository(db, log.Logger)
	sessionRepo := session.NewPGRepository(db)
	deviceRepo := device.NewPGRepository(db)

	// Sessions: cookie sessions carry the enrollment flow, HMAC sessions
	// authenticate native clients. Both live in the same repository.
	sessions := session.NewManager(sessionRepo, writes, cfg.CookieSessionLifetime, cfg.HMACSessionLifetime, !cfg.IsDevelopment(), log.Logger)
	activeUsers := session.RepoActiveChecker{Users: userRepo}
	verifier := session.NewVerifier(sessionRepo, activeUsers, session.NewValkeyNonceCache(rdb), log.Logger)
	guard := session.Guard(verifier, sessions, activeUsers)

	devices := device.NewRegistry(db, writes, log.Logger)
	prekeys := prekey.NewStore(db, deviceRepo, writes, cfg.PreKeyPublishSoftLimit, log.Logger)
	refreshStore := refresh.NewStore(db, writes, cfg.RefreshTokenLifetime, log.Logger)

	// Gateway hub plus the Valkey fan-out pair: the engine publishes inbox
	// wakes, the subscriber delivers them to resident connections.
	hub := gateway.NewHub(log.Logger)
	notifier := gateway.NewValkeyNotifier(rdb, log.Logger)
	gwSub := gateway.NewSubscriber(rdb, hub, log.Logger)
	go gwSub.Run(subCtx)

	engine := envelope.NewEngine(db, channelRepo, deviceRepo, writes, notifier, log.Logger)

	// Invitations
	inviteTokens := invite.NewTokens(signingKey, cfg.ServerURL)
	invites := invite.NewService(invite.NewPGRepository(db), inviteTokens, writes, cfg.InviteLifetime, log.Logger)

	// Auth flow collaborators
	otp := auth.NewOTPService(rdb, sender, cfg.ServerName, cfg.OTPExpiry, cfg.OTPCooldown(), log.Logger)
	backups := auth.NewBackupCodeService(userRepo, writes, rdb, log.Logger)
	magic := auth.NewMagicLinks(rdb, signingKey, cfg.ServerURL, cfg.MagicLinkLifetime, log.Logger)
	broker, err := auth.NewBroker(rdb, cfg.WebAuthnRPID, cfg.ServerName, cfg.ServerURL, cfg.WebAuthnAppOrigins, log.Logger)
	if err != nil {
		return fmt.Errorf("webauthn broker: %w", err)
	}

	flow := auth.NewFlow(auth.FlowParams{
		Users:      userRepo,
		Invites:    invites,
		Policy:     policy,
		Roles:      roleRepo,
		OTP:        otp,
		Backups:    backups,
		Broker:     broker,
		Sessions:   sessions,
		Devices:    devices,
		Refresh:    refreshStore,
		Writes:     writes,
		InviteOnly: cfg.InviteOnly,
		AutoAssign: cfg.AutoAssignRoles,
	}, log.Logger)

	geoLookup := geo.NewLookup(cfg.GeoLookupURL, cfg.GeoLookupEnabled, log.Logger)

	// Media tokens for the external SFU and TURN credentials.
	minter := rtc.NewMinter(cfg.RTCAPIKey, cfg.RTCAPISecret, cfg.RTCTokenTTL)
	ice := rtc.NewICEConfig(cfg.TurnURL, cfg.TurnSecret, cfg.StunURLs)
	if !cfg.RTCConfigured() {
		log.Warn().Msg("RTC_API_KEY/RTC_API_SECRET are not configured. Realtime room tokens will be refused.")
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Quiethall",
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			apiCode := apierr.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				apiCode = fiberStatusToAPICode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    apiCode,
					Message: message,
				},
			})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", session.HeaderClientID, session.HeaderTimestamp, session.HeaderNonce, session.HeaderSignature},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	// Global API rate limiter; the auth flow group carries its own stricter one.
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))
	app.Use("/api/v1/auth", limiter.New(limiter.Config{
		Max:        cfg.RateLimitAuthCount,
		Expiration: time.Duration(cfg.RateLimitAuthWindowSeconds) * time.Second,
	}))

	handlers := &api.Handlers{
		Health:   &api.HealthHandler{DB: db, Valkey: rdb},
		Auth:     api.NewAuthHandler(flow, sessions, magic, backups, userRepo, refreshStore, writes, geoLookup, log.Logger),
		Token:    api.NewTokenHandler(verifier, sessions, refreshStore, log.Logger),
		Device:   api.NewDeviceHandler(devices, log.Logger),
		Keys:     api.NewKeyHandler(prekeys, devices, log.Logger),
		Channel:  api.NewChannelHandler(channelRepo, writes, permPublisher, log.Logger),
		Envelope: api.NewEnvelopeHandler(engine, log.Logger),
		Role:     api.NewRoleHandler(roleRepo, channelRepo, writes, permPublisher, log.Logger),
		Invite:   api.NewInviteHandler(invites, userRepo, sender, cfg.ServerName, cfg.ServerURL, log.Logger),
		RTC:      api.NewRTCHandler(minter, ice, channelRepo, userRepo, log.Logger),
		User:     api.NewUserHandler(userRepo, writes, log.Logger),
		Guard:    guard,
		Resolver: permResolver,
		Hub:      hub,
		Log:      log.Logger,
	}
	handlers.Register(app)

	// Catch-all handler returns 404 for any request that does not match a defined route. Fiber v3 treats app.Use()
	// middleware as route matches, so without this terminal handler the router considers unmatched requests "handled"
	// and returns the default 200 status with an empty body.
	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		hub.CloseAll()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		if err := writes.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Write queue drain error")
		}
	}()

	// Listen
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled error.
// If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on each
// consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest API
// error code.
func fiberStatusToAPICode(status int) apierr.Code {
	switch status {
	case fiber.StatusNotFound:
		return apierr.NotFound
	case fiber.StatusMethodNotAllowed:
		return apierr.ValidationError
	case fiber.StatusTooManyRequests:
		return apierr.RateLimited
	case fiber.StatusRequestEntityTooLarge:
		return apierr.PayloadTooLarge
	case fiber.StatusServiceUnavailable:
		return apierr.ServiceUnavailable
	default:
		if status >= 400 && status < 500 {
			return apierr.ValidationError
		}
		return apierr.InternalError
	}
}
