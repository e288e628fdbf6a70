package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulselink/pulselink-server/internal/api"
	"github.com/pulselink/pulselink-server/internal/broker"
	"github.com/pulselink/pulselink-server/internal/config"
	"github.com/pulselink/pulselink-server/internal/control"
	"github.com/pulselink/pulselink-server/internal/httputil"
	"github.com/pulselink/pulselink-server/internal/playback"
	"github.com/pulselink/pulselink-server/internal/session"
	"github.com/pulselink/pulselink-server/internal/waveform"
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

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting PulseLink Server")

	if cfg.PublicIP == "" {
		log.Warn().Msg("PUBLIC_IP is not set. Pairing links will fall back to the Host header of the request asking for them; set PUBLIC_IP when the relay sits behind NAT.")
	}

	lib, err := waveform.Load(cfg.WaveformStorePath, log.Logger)
	if err != nil {
		return fmt.Errorf("load waveform library: %w", err)
	}

	hub := broker.NewHub(cfg.HeartbeatInterval, log.Logger)
	store := session.NewStore(session.Config{
		ConnectionTimeout:   cfg.ConnectionTimeout,
		ReconnectionTimeout: cfg.ReconnectionTimeout,
		StaleTTL:            cfg.StaleDeviceTimeout,
		SweepInterval:       cfg.SessionSweepInterval,
	}, log.Logger)
	sched := playback.NewScheduler(hub, log.Logger)
	hub.SetObserver(broker.Observers{control.NewPlaybackGuard(sched), store})
	svc := control.NewService(hub, store, sched, lib, cfg, log.Logger)

	// Background loops stop with this context during shutdown.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go hub.RunHeartbeat(bgCtx)
	go store.RunSweep(bgCtx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "PulseLink",
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := httputil.CodeInternal
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = statusToCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(c, status, code, message)
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New())

	api.Register(app, hub, store, sched, svc, lib)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		bgCancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.ShutdownWithContext(shutdownCtx)

		sched.Shutdown()
		hub.Shutdown()
		store.Shutdown()
	}()

	// Listen
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// statusToCode maps an HTTP status code from Fiber's built-in errors (404,
// 405, etc.) to the closest response error code.
func statusToCode(status int) httputil.Code {
	switch {
	case status == fiber.StatusNotFound:
		return httputil.CodeNotFound
	case status == fiber.StatusConflict:
		return httputil.CodeConflict
	case status >= 400 && status < 500:
		return httputil.CodeInvalidInput
	default:
		return httputil.CodeInternal
	}
}
