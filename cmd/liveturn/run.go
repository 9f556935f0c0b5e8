package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/liveturnhq/liveturn/internal/api"
	"github.com/liveturnhq/liveturn/internal/auth"
	"github.com/liveturnhq/liveturn/internal/channel"
	"github.com/liveturnhq/liveturn/internal/config"
	"github.com/liveturnhq/liveturn/internal/control"
	"github.com/liveturnhq/liveturn/internal/message"
	"github.com/liveturnhq/liveturn/internal/reconcile"
	"github.com/liveturnhq/liveturn/internal/session"
	"github.com/liveturnhq/liveturn/internal/version"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine daemon with the local control API",
		Run: func(cmd *cobra.Command, args []string) {
			runDaemon()
		},
	}
}

func runDaemon() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBackend,
			provideStore,
			provideEngine,
			provideController,
			provideControlServer,
		),
		fx.Invoke(
			warnTokenExpiry,
			bootstrapConversation,
			startControlServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("LIVETURN_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		return config.Config{}, fmt.Errorf("backend.base_url is required")
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func provideBackend(log *slog.Logger, cfg config.Config) *api.Client {
	return api.NewClient(log, cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.Timeout())
}

func provideStore(log *slog.Logger, cfg config.Config) *message.Store {
	return message.NewStore(log, cfg.Session.ConversationID)
}

func provideEngine(log *slog.Logger, store *message.Store) *reconcile.Engine {
	return reconcile.NewEngine(log, store)
}

func provideController(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, backend *api.Client, store *message.Store, engine *reconcile.Engine) *session.Controller {
	var events session.EventChannel
	if cfg.Channel.Enabled() {
		ch := channel.NewClient(log, cfg.Channel.URL, cfg.Backend.Token, channel.Options{
			HandshakeTimeout: cfg.Channel.HandshakeTimeout(),
			PingInterval:     cfg.Channel.PingInterval(),
			ReconnectRetries: cfg.Channel.ReconnectRetries,
			ReconnectBackoff: cfg.Channel.ReconnectBackoff(),
		})
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				// The first turn connects on demand if this fails.
				if err := ch.EnsureConnected(ctx, cfg.Channel.HandshakeTimeout()); err != nil {
					log.Warn("event channel not reachable at startup", slog.Any("error", err))
				}
				return nil
			},
			OnStop: func(context.Context) error { return ch.Close() },
		})
		events = ch
	}
	return session.NewController(log, backend, events, store, engine, session.Options{
		DefaultModel:    cfg.Session.DefaultModel,
		ConnectTimeout:  cfg.Session.ConnectTimeout(),
		ExtractDebounce: cfg.Session.ExtractDebounce(),
		DriftInterval:   cfg.Session.DriftInterval(),
		ReconnectWait:   cfg.Session.ReconnectWait(),
		PollBackoff:     cfg.Session.PollBackoff(),
		PollRetries:     cfg.Session.PollRetries,
	})
}

func provideControlServer(log *slog.Logger, cfg config.Config, ctrl *session.Controller, store *message.Store) *control.Server {
	return control.NewServer(log, cfg.Control.Addr, cfg.Control.JWTSecret, ctrl, store)
}

func warnTokenExpiry(log *slog.Logger, cfg config.Config) {
	auth.WarnIfExpiring(log, cfg.Backend.Token, 24*time.Hour)
}

// bootstrapConversation loads the server record of the configured
// conversation so the engine starts from the authoritative state.
func bootstrapConversation(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, backend *api.Client, store *message.Store, engine *reconcile.Engine) {
	convID := strings.TrimSpace(cfg.Session.ConversationID)
	if convID == "" {
		return
	}
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		go func() {
			loadCtx, cancel := context.WithTimeout(context.Background(), cfg.Backend.Timeout())
			defer cancel()
			conv, err := backend.Conversation(loadCtx, convID)
			if err != nil {
				log.Warn("initial conversation load failed", slog.Any("error", err))
				return
			}
			store.SetTitle(conv.Title)
			store.SetTags(conv.Tags)
			engine.AdoptServerSnapshot(conv.ToMessages(), "")
		}()
		return nil
	}})
}

func startControlServer(lc fx.Lifecycle, log *slog.Logger, srv *control.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting liveturn %s\n", version.GetInfo())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("control server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control server stop: %w", err)
			}
			return nil
		},
	})
}
