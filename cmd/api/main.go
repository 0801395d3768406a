package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wsuo/argochainhub-platform-sub001/internal/config"
	"github.com/wsuo/argochainhub-platform-sub001/internal/handler"
	"github.com/wsuo/argochainhub-platform-sub001/internal/handler/session"
	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/identity"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/ledger"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/notify"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/persistence"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/upstream"
	"github.com/wsuo/argochainhub-platform-sub001/internal/telemetry"
)

const serviceName = "conversation-relay"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logging.Debug().Err(err).Msg("no .env file, using process environment only")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Output: os.Stderr,
		Pretty: cfg.Log.Pretty,
		File:   cfg.Log.File,
	})

	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		MetricsFile: cfg.Telemetry.MetricsFile,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	gateway, archive, closeGateway, err := buildGateway(cfg.Persist)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialise persistence")
	}
	defer closeGateway()

	bus, err := notify.New(notify.Config{Topic: cfg.Notify.Topic, RedisAddr: cfg.Notify.RedisAddr})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialise notification bus")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Warn().Err(err).Msg("notification bus close")
		}
	}()

	sessions := ledger.New(gateway,
		ledger.WithNotifier(bus),
		ledger.WithMeter(providers.Meter),
		ledger.WithPersistTimeout(cfg.Persist.Timeout),
	)
	if cfg.Session.IdleTimeout > 0 {
		sessions.SetIdleEviction(cfg.Session.IdleTimeout, cfg.Session.SweepInterval)
		sessions.StartReaper(ctx)
		logging.Info().Dur("idle", cfg.Session.IdleTimeout).Msg("idle session reaper enabled")
	}

	if !cfg.Upstream.Enabled() {
		logging.Warn().Msg("UPSTREAM_BASE_URL 未配置，对话请求将会失败")
	}
	client := upstream.NewClient(upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		APIKey:  cfg.Upstream.APIKey,
		Path:    cfg.Upstream.Path,
	}, upstream.WithTracer(providers.Tracer))

	router := handler.NewRouter(handler.Dependencies{
		Ledger:        sessions,
		Upstream:      client,
		Resolver:      identity.NewResolver(),
		Archive:       archive,
		Notifications: bus,
		CORSOrigins:   cfg.Server.CORSOrigins,
	})

	startServer(ctx, cfg.Server, router)

	if n := sessions.Len(); n > 0 {
		logging.Warn().Int("sessions", n).Msg("shutting down with live sessions; they are not persisted")
	}
}

// buildGateway returns the configured gateway plus the archive reader when
// the backend supports one.
func buildGateway(cfg config.PersistConfig) (persistence.Gateway, session.Archive, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.PersistHTTP:
		gw := persistence.NewHTTPGateway(persistence.HTTPConfig{
			URL:     cfg.URL,
			Token:   cfg.Token,
			Retries: cfg.Retries,
		})
		logging.Info().Str("url", cfg.URL).Uint64("retries", cfg.Retries).Msg("persisting to http store")
		return gw, nil, noop, nil
	case config.PersistSQLite:
		gw, err := persistence.NewSQLiteGateway(cfg.SQLitePath)
		if err != nil {
			return nil, nil, noop, err
		}
		logging.Info().Str("path", cfg.SQLitePath).Msg("persisting to sqlite archive")
		return gw, gw, func() {
			if err := gw.Close(); err != nil {
				logging.Warn().Err(err).Msg("sqlite close")
			}
		}, nil
	default:
		logging.Info().Msg("persistence disabled, finished sessions are only logged")
		return persistence.LogGateway{}, nil, noop, nil
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logging.Info().Str("addr", addr).Msg("conversation relay listening")
	if err := runServer(ctx, srv); err != nil {
		logging.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
