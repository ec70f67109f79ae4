package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/chatfusion/internal/adapter/driven/gateway/ws"
	presencemem "github.com/Wyydra/chatfusion/internal/adapter/driven/persistence/memory"
	presenceredis "github.com/Wyydra/chatfusion/internal/adapter/driven/persistence/redis"
	handler "github.com/Wyydra/chatfusion/internal/adapter/driving/http"
	"github.com/Wyydra/chatfusion/internal/config"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	cfg := config.Load()

	fs := pflag.NewFlagSet("server", pflag.ExitOnError)
	fs.StringVarP(&cfg.Server.Addr, "addr", "a", cfg.Server.Addr, "listen address")
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.Server.Presence, "presence", cfg.Server.Presence, "presence store: memory or redis")
	fs.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "redis address")
	fs.StringSliceVar(&cfg.Server.AllowedOrigins, "allowed-origins", cfg.Server.AllowedOrigins, "allowed websocket origins")
	fs.Parse(os.Args[1:])

	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Caller().Logger()
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to parse log level")
	}
	l = l.Level(lvl)
	log.Logger = l

	if err := cfg.Validate(); err != nil {
		l.Fatal().Err(err).Msg("Invalid configuration")
	}

	var presence port.PresenceStore
	switch cfg.Server.Presence {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := presenceredis.Dial(ctx, cfg.Redis)
		cancel()
		if err != nil {
			l.Fatal().Err(err).Msg("Failed to connect presence store")
		}
		defer rdb.Close()
		presence = presenceredis.NewPresenceStore(rdb, "")
	default:
		presence = presencemem.NewPresenceStore()
	}

	hub := ws.NewHub(presence)
	auth := handler.NewAuthenticator(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
	h := handler.NewHandler(hub, presence, auth, cfg.Server.AllowedOrigins)

	go hub.Run()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.Server.Addr).Str("presence", cfg.Server.Presence).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down relay...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	l.Info().Msg("Relay exited")
}
