package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mediamem "github.com/Wyydra/chatfusion/internal/adapter/driven/media/memory"
	"github.com/Wyydra/chatfusion/internal/adapter/driven/media/pion"
	presenceredis "github.com/Wyydra/chatfusion/internal/adapter/driven/persistence/redis"
	transportmem "github.com/Wyydra/chatfusion/internal/adapter/driven/transport/memory"
	transportredis "github.com/Wyydra/chatfusion/internal/adapter/driven/transport/redis"
	"github.com/Wyydra/chatfusion/internal/adapter/driven/transport/ws"
	"github.com/Wyydra/chatfusion/internal/config"
	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/Wyydra/chatfusion/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	cfg := config.Load()

	fs := pflag.NewFlagSet("callclient", pflag.ExitOnError)
	var (
		selfID     = fs.String("id", "", "participant id (generated when empty)")
		name       = fs.StringP("name", "n", "", "display name")
		avatar     = fs.String("avatar", "", "avatar reference")
		callFlag   = fs.StringP("call", "c", "", "call id to join")
		ring       = fs.StringSlice("ring", nil, "participant ids to ring before joining")
		autoAccept = fs.Bool("auto-accept", false, "join calls we are rung for")
	)
	fs.StringVarP(&cfg.LogLevel, "log-level", "l", cfg.LogLevel, "log level")
	fs.StringVarP(&cfg.Call.Transport, "transport", "t", cfg.Call.Transport, "transport: ws, redis or memory")
	fs.StringVar(&cfg.Call.RelayURL, "relay", cfg.Call.RelayURL, "relay websocket url")
	fs.StringVar(&cfg.Call.Token, "token", cfg.Call.Token, "relay token")
	fs.StringVar(&cfg.Redis.Addr, "redis-addr", cfg.Redis.Addr, "redis address")
	fs.StringVar(&cfg.Call.Media, "media", cfg.Call.Media, "media stack: pion or memory")
	fs.StringVar(&cfg.Call.RecordDir, "record-dir", cfg.Call.RecordDir, "directory for received audio (ogg)")
	fs.StringVar(&cfg.ICE.Mode, "ice-mode", cfg.ICE.Mode, "ICE mode: stun-turn, stun-only or turn-only")
	fs.StringSliceVar(&cfg.ICE.STUNURLs, "stun", cfg.ICE.STUNURLs, "STUN urls")
	fs.StringSliceVar(&cfg.ICE.TURNURLs, "turn", cfg.ICE.TURNURLs, "TURN urls")
	fs.DurationVar(&cfg.Call.PublishTimeout, "publish-timeout", cfg.Call.PublishTimeout, "redis publish timeout")
	fs.Parse(os.Args[1:])

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to parse log level")
	}
	logger = logger.Level(lvl)
	log.Logger = logger

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	id := domain.ParticipantID(*selfID)
	if id == "" {
		id = domain.NewParticipantID()
	}
	if *name == "" {
		*name = id.String()
	}
	self := domain.NewParticipant(id, *name, *avatar)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	transport, closeTransport := openTransport(ctx, cfg, &logger)
	defer closeTransport()

	capture, connector := openMedia(cfg, &logger)

	calls := service.NewCallService(transport, capture, connector, service.CallConfig{
		InboxSize:            cfg.Call.InboxSize,
		MailboxSize:          cfg.Call.MailboxSize,
		MaxPendingCandidates: cfg.Call.MaxPendingCandidates,
	}, logger)
	defer calls.Close()

	calls.OnRosterChange(func(ps []domain.Participant) {
		names := make([]string, 0, len(ps))
		for _, p := range ps {
			names = append(names, p.DisplayName)
		}
		logger.Info().Str("participants", strings.Join(names, ", ")).Msg("Roster changed")
	})

	rings := service.NewRingService(transport, self, calls, logger)
	rings.OnIncomingRing(func(inv domain.Invitation) {
		l := logger.Info().Str("call_id", inv.CallID.String()).Str("caller", inv.DisplayName)
		if !*autoAccept {
			l.Msg("Incoming call (start with --call to answer)")
			return
		}
		l.Msg("Incoming call, joining")
		go func() {
			if err := calls.Join(ctx, inv.CallID, self); err != nil {
				logger.Error().Err(err).Msg("Failed to join call")
			}
		}()
	})
	if err := rings.Listen(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to listen for rings")
	}
	defer rings.Stop()

	if *callFlag != "" {
		callID, err := domain.ParseCallID(*callFlag)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid call id")
		}
		if len(*ring) > 0 {
			targets := make([]domain.ParticipantID, len(*ring))
			for i, r := range *ring {
				targets[i] = domain.ParticipantID(r)
			}
			if err := rings.Ring(ctx, targets, self.DisplayName, callID); err != nil {
				logger.Warn().Err(err).Msg("Some participants could not be rung")
			}
		}
		if err := calls.Join(ctx, callID, self); err != nil {
			logger.Fatal().Err(err).Msg("Failed to join call")
		}
	}

	logger.Info().Str("self_id", self.ID.String()).Msg("Call client ready")
	<-ctx.Done()
	logger.Info().Msg("Shutting down")
}

func openTransport(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (port.Transport, func()) {
	switch cfg.Call.Transport {
	case "redis":
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rdb, err := presenceredis.Dial(dialCtx, cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect transport")
		}
		t := transportredis.NewTransport(rdb, *logger, transportredis.WithPublishTimeout(cfg.Call.PublishTimeout))
		return t, func() {
			t.Close()
			rdb.Close()
		}
	case "memory":
		b := transportmem.NewBroker()
		e := b.Connect("local")
		return e, func() { e.Close() }
	default:
		c := ws.NewClient(ws.Config{
			URL:            cfg.Call.RelayURL,
			Token:          cfg.Call.Token,
			ReconnectDelay: cfg.Call.ReconnectDelay,
			Logger:         logger,
		})
		c.Start()
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.WaitConnected(waitCtx); err != nil {
			logger.Warn().Err(err).Msg("Relay not reachable yet, will keep retrying")
		}
		return c, func() { c.Close() }
	}
}

func openMedia(cfg *config.Config, logger *zerolog.Logger) (port.MediaCapture, port.PeerConnector) {
	if cfg.Call.Media == "memory" {
		return mediamem.NewCapture(), mediamem.NewEngine()
	}
	capture, err := pion.NewCapture()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up audio capture")
	}
	connector, err := pion.NewConnector(cfg.ICE, cfg.Call.RecordDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up peer connector")
	}
	return capture, connector
}
