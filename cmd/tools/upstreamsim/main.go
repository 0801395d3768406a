// Command upstreamsim serves a local stand-in for the workflow backend,
// answering with an Ark chat model in the backend's streaming format.
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
	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/simulator"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

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

	if !cfg.AI.Enabled() {
		logging.Fatal().Msg("Ark 凭证未配置，模拟上游需要 ARK_API_KEY + Model 或 AK/SK 组合")
	}
	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create chat model")
	}

	svc, err := simulator.NewService(ctx, chatModel, simulator.WithSystemPrompt(cfg.Simulator.SystemPrompt))
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build simulator chain")
	}

	srv := &http.Server{
		Addr:              cfg.Simulator.Addr,
		Handler:           handler.NewSimulatorRouter(svc, cfg.Simulator.APIKey),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logging.Info().Str("addr", srv.Addr).Str("model", cfg.AI.Model).Msg("upstream simulator listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("simulator server error")
		}
	}
}
