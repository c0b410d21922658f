package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/confab-dev/confab/internal/api"
	"github.com/confab-dev/confab/internal/auth"
	"github.com/confab-dev/confab/internal/clock"
	"github.com/confab-dev/confab/internal/config"
	"github.com/confab-dev/confab/internal/exchange"
	"github.com/confab-dev/confab/internal/janitor"
	"github.com/confab-dev/confab/internal/metrics"
	"github.com/confab-dev/confab/internal/modules/automod"
	"github.com/confab-dev/confab/internal/modules/breakout"
	"github.com/confab-dev/confab/internal/modules/chat"
	"github.com/confab-dev/confab/internal/modules/control"
	"github.com/confab-dev/confab/internal/modules/legalvote"
	"github.com/confab-dev/confab/internal/modules/moderation"
	"github.com/confab-dev/confab/internal/modules/recording"
	"github.com/confab-dev/confab/internal/modules/timer"
	"github.com/confab-dev/confab/internal/signaling"
	"github.com/confab-dev/confab/internal/storage"
	"github.com/confab-dev/confab/internal/ticket"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg.Mode)

	reg := metrics.NewRegistry()
	clk := clock.Real()

	store, sweeper, err := buildStore(cfg, clk)
	if err != nil {
		return err
	}
	defer store.Close()

	exch, err := buildExchange(cfg, reg)
	if err != nil {
		return err
	}
	defer exch.Close()

	verifier, err := auth.NewStaticVerifier(cfg.Auth, cfg.Tariffs)
	if err != nil {
		return err
	}
	directory := auth.NewStaticDirectory(true)
	tickets := ticket.NewService(store, reg, cfg.Session.TicketTTL, cfg.Session.ResumptionTTL)

	var recorder *asynq.Client
	if cfg.Modules.Recording.Enabled && cfg.Storage.Backend == "redis" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return fmt.Errorf("recording redis url: %w", err)
		}
		recorder = asynq.NewClient(asynq.RedisClientOpt{
			Addr: opt.Addr, Password: opt.Password, DB: opt.DB,
		})
		defer recorder.Close()
	}

	deps := signaling.Deps{
		Store:     store,
		Exchange:  exch,
		Clock:     clk,
		Metrics:   reg,
		Config:    cfg,
		Directory: directory,
		Modules: []signaling.Registration{
			control.NewRegistration(),
			moderation.NewRegistration(),
			breakout.NewRegistration(cfg.Modules.Breakout.Enabled),
			automod.NewRegistration(cfg.Modules.Automod.Enabled),
			legalvote.NewRegistration(cfg.Modules.LegalVote.Enabled),
			chat.NewRegistration(cfg.Modules.Chat.Enabled, cfg.Modules.Chat.HistoryCap),
			timer.NewRegistration(cfg.Modules.Timer.Enabled),
			recording.NewRegistration(cfg.Modules.Recording.Enabled, recorder, cfg.Modules.Recording.Queue),
		},
	}

	server := api.NewServer(ctx, cfg, verifier, tickets, deps)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: server.Router()}

	jan, err := janitor.New(cfg.Janitor.Sweep, sweeper, reg)
	if err != nil {
		return fmt.Errorf("janitor: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("module", "server").Str("addr", cfg.HTTP.Addr).
			Str("storage", cfg.Storage.Backend).Str("exchange", cfg.Exchange.Backend).
			Msg("controller started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		jan.Start()
		<-gctx.Done()
		jan.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shut down")
		}
		server.Wait()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("controller exited")
	return err
}

func setupLogger(mode string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if mode == "debug" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func buildStore(cfg *config.Config, clk clock.Clock) (storage.Store, janitor.Sweeper, error) {
	switch cfg.Storage.Backend {
	case "redis":
		store, err := storage.NewRedis(cfg.Storage.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		// Redis TTLs expire server-side; no sweeper needed.
		return store, nil, nil
	default:
		mem := storage.NewMemory(clk)
		return mem, mem, nil
	}
}

func buildExchange(cfg *config.Config, reg *metrics.Registry) (exchange.Exchange, error) {
	switch cfg.Exchange.Backend {
	case "redis":
		return exchange.NewRedis(cfg.Exchange.RedisURL, cfg.Exchange.QueueLen, reg)
	default:
		return exchange.NewMemory(cfg.Exchange.QueueLen, reg), nil
	}
}
